package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eteran/objgate/internal/backend"
	"github.com/eteran/objgate/internal/gateway"
	"github.com/eteran/objgate/internal/s3test"
	"github.com/eteran/objgate/pkg/client"
)

func TestRunAgainstGateway(t *testing.T) {
	t.Parallel()

	fake := s3test.NewServer("us-east-1", "images")
	s3Srv := httptest.NewServer(fake.Handler())
	t.Cleanup(s3Srv.Close)

	store, err := backend.New(context.Background(), backend.Config{
		Provider:  backend.ProviderS3,
		Endpoint:  s3Srv.URL,
		Bucket:    "images",
		Region:    "us-east-1",
		AccessKey: "objgate-test",
		SecretKey: "objgate-test-secret",
		PathStyle: true,
	})
	require.NoError(t, err, "creating store")

	gw, err := gateway.New(gateway.NewConfig(gateway.WithStore(store)))
	require.NoError(t, err, "creating gateway")
	gwSrv := httptest.NewServer(gw.Handler())
	t.Cleanup(gwSrv.Close)

	c, err := client.New(gwSrv.URL)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), DownloadDirName)
	require.NoError(t, Run(context.Background(), c, dir), "Run")

	for name, want := range map[string]string{
		ObjectName:  ObjectContent,
		ReportName:  ReportContent,
		ForeignName: ForeignContent,
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoErrorf(t, err, "reading downloaded %s", name)
		require.Equal(t, want, string(data))
	}

	require.Zero(t, fake.ObjectCount("images"), "Run deletes everything it uploads")
}
