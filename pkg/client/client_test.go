package client_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eteran/objgate/internal/backend"
	"github.com/eteran/objgate/internal/gateway"
	"github.com/eteran/objgate/internal/s3test"
	"github.com/eteran/objgate/pkg/client"
)

// newTestClient runs a gateway backed by the in-memory S3 server and returns
// a client pointed at it.
func newTestClient(t *testing.T) (*client.Client, *s3test.Server) {
	t.Helper()

	fake := s3test.NewServer("us-east-1", "images")
	s3Srv := httptest.NewServer(fake.Handler())
	t.Cleanup(s3Srv.Close)

	store, err := backend.New(context.Background(), backend.Config{
		Provider:  backend.ProviderMinio,
		Endpoint:  s3Srv.URL,
		Bucket:    "images",
		Region:    "us-east-1",
		AccessKey: "objgate-test",
		SecretKey: "objgate-test-secret",
		PathStyle: true,
	})
	require.NoError(t, err, "creating store")

	gw, err := gateway.New(gateway.NewConfig(gateway.WithStore(store), gateway.WithMaxUploadBytes(1<<20)))
	require.NoError(t, err, "creating gateway")

	gwSrv := httptest.NewServer(gw.Handler())
	t.Cleanup(gwSrv.Close)

	c, err := client.New(gwSrv.URL+"/", client.WithHTTPClient(gwSrv.Client()))
	require.NoError(t, err, "creating client")
	return c, fake
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := client.New("localhost:8080")
	require.Error(t, err)

	_, err = client.New("ftp://localhost")
	require.ErrorContains(t, err, "scheme must be http or https")
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()

	c, fake := newTestClient(t)
	ctx := context.Background()
	content := []byte("Hello from the objgate example!\n")

	key, err := c.Upload(ctx, "example.txt", "text/plain", bytes.NewReader(content))
	require.NoError(t, err, "Upload")
	require.NotEmpty(t, key)
	require.Equal(t, 1, fake.ObjectCount("images"))

	objects, err := c.List(ctx)
	require.NoError(t, err, "List")
	require.Len(t, objects, 1)
	require.Equal(t, key, objects[0].Key)
	require.Equal(t, int64(len(content)), objects[0].Size)

	presigned, err := c.Presign(ctx, key)
	require.NoError(t, err, "Presign")
	require.Equal(t, key, presigned.Key)
	require.Contains(t, presigned.URL, "X-Amz-Expires=900")

	d, err := c.Download(ctx, key)
	require.NoError(t, err, "Download")
	data, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	require.NoError(t, d.Body.Close())
	require.Equal(t, content, data)
	require.Equal(t, "text/plain", d.ContentType)
	require.Equal(t, "example.txt", d.FileName)
	require.Equal(t, int64(len(content)), d.Size)
	require.False(t, d.LastModified.IsZero())

	message, err := c.Delete(ctx, key)
	require.NoError(t, err, "Delete")
	require.Equal(t, "Image with key "+key+" deleted successfully.", message)

	objects, err = c.List(ctx)
	require.NoError(t, err)
	require.Empty(t, objects)
}

func TestClientErrors(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Upload(ctx, "empty.txt", "text/plain", strings.NewReader(""))
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "ClientInputError", apiErr.Kind)

	_, err = c.Download(ctx, "missing")
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "StoreError", apiErr.Kind)
	require.Contains(t, apiErr.Message, "The specified key does not exist.")
}
