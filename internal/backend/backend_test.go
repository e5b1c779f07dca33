package backend_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/eteran/objgate/internal/backend"
	"github.com/eteran/objgate/internal/s3test"
	"github.com/eteran/objgate/pkg/storage"

	"github.com/stretchr/testify/require"
)

const (
	testBucket = "test-bucket"
	testRegion = "us-east-1"
)

type storeFactory struct {
	provider string
}

var providers = []storeFactory{
	{provider: backend.ProviderMinio},
	{provider: backend.ProviderS3},
}

// newTestStore starts an in-memory S3 server and returns a store of the
// given provider pointed at it.
func newTestStore(t *testing.T, provider string) (storage.ObjectStore, *s3test.Server, *httptest.Server) {
	t.Helper()

	fake := s3test.NewServer(testRegion, testBucket)
	httpSrv := httptest.NewServer(fake.Handler())
	t.Cleanup(httpSrv.Close)

	store, err := backend.New(context.Background(), backend.Config{
		Provider:  provider,
		Endpoint:  httpSrv.URL,
		Bucket:    testBucket,
		Region:    testRegion,
		AccessKey: "objgate-test",
		SecretKey: "objgate-test-secret",
		PathStyle: true,
	})
	require.NoError(t, err, "creating %s store", provider)

	return store, fake, httpSrv
}

func forEachProvider(t *testing.T, fn func(t *testing.T, provider string)) {
	for _, p := range providers {
		t.Run(p.provider, func(t *testing.T) {
			t.Parallel()
			fn(t, p.provider)
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := backend.New(context.Background(), backend.Config{Provider: "gcs", Bucket: "b"})
	require.ErrorContains(t, err, "unknown storage provider")

	_, err = backend.New(context.Background(), backend.Config{Provider: backend.ProviderMinio})
	require.ErrorContains(t, err, "bucket must not be empty")

	_, err = backend.New(context.Background(), backend.Config{Provider: backend.ProviderMinio, Bucket: "b"})
	require.ErrorContains(t, err, "endpoint must not be empty")

	_, err = backend.New(context.Background(), backend.Config{Provider: backend.ProviderMinio, Bucket: "b", Endpoint: "ftp://host"})
	require.ErrorContains(t, err, "unsupported endpoint scheme")
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		store, _, _ := newTestStore(t, provider)
		ctx := context.Background()

		for i, fileName := range []string{"cat.png", "café au lait.png"} {
			key := fmt.Sprintf("object-%d", i)
			payload := []byte("not really a png")

			err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), "image/png", fileName)
			require.NoError(t, err, "Put")

			obj, err := store.Get(ctx, key)
			require.NoError(t, err, "Get")

			data, err := io.ReadAll(obj.Body)
			require.NoError(t, err, "reading body")
			require.NoError(t, obj.Body.Close())

			require.Equal(t, payload, data, "payload")
			require.Equal(t, "image/png", obj.ContentType, "content type")
			require.Equal(t, fileName, obj.FileName, "file name")
			require.Equal(t, int64(len(payload)), obj.Size, "size")
			require.WithinDuration(t, time.Now(), obj.LastModified, time.Minute)
		}
	})
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		store, _, _ := newTestStore(t, provider)

		_, err := store.Get(context.Background(), "does-not-exist")
		require.Error(t, err)

		storeErr, ok := storage.AsStoreError(err)
		require.True(t, ok, "expected StoreError, got %T", err)
		require.Equal(t, storage.OpGet, storeErr.Op)
		require.Equal(t, "NoSuchKey", storeErr.Code)
		require.Equal(t, "The specified key does not exist.", storeErr.Description())
	})
}

func TestDeleteThenList(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		store, fake, _ := newTestStore(t, provider)
		ctx := context.Background()

		for _, key := range []string{"a", "b", "c"} {
			fake.PutObject(testBucket, key, []byte(key+key), "text/plain", nil)
		}

		require.NoError(t, store.Delete(ctx, "b"), "Delete")
		require.NoError(t, store.Delete(ctx, "never-existed"), "Delete of a missing key")

		objects, err := store.List(ctx, 1000)
		require.NoError(t, err, "List")

		keys := make([]string, 0, len(objects))
		for _, o := range objects {
			keys = append(keys, o.Key)
			require.Equal(t, int64(2), o.Size, "size of %s", o.Key)
			require.False(t, o.LastModified.IsZero(), "last modified of %s", o.Key)
		}
		require.Equal(t, []string{"a", "c"}, keys)
	})
}

func TestListHonoursLimit(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		store, fake, _ := newTestStore(t, provider)

		for i := range 1500 {
			fake.PutObject(testBucket, fmt.Sprintf("key-%04d", i), []byte("x"), "", nil)
		}

		objects, err := store.List(context.Background(), 1000)
		require.NoError(t, err, "List")
		require.Len(t, objects, 1000)
		require.Equal(t, "key-0000", objects[0].Key)
		require.Equal(t, "key-0999", objects[999].Key)

		small, err := store.List(context.Background(), 10)
		require.NoError(t, err, "List")
		require.Len(t, small, 10)
	})
}

func TestListEmptyBucket(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		store, _, _ := newTestStore(t, provider)

		objects, err := store.List(context.Background(), 1000)
		require.NoError(t, err)
		require.NotNil(t, objects)
		require.Empty(t, objects)
	})
}

func TestPresignGet(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		store, fake, httpSrv := newTestStore(t, provider)
		fake.PutObject(testBucket, "photo-key", []byte("pixels"), "image/jpeg", nil)

		issued := time.Now().UTC()
		raw, err := store.PresignGet(context.Background(), "photo-key", 15*time.Minute)
		require.NoError(t, err, "PresignGet")

		u, err := url.Parse(raw)
		require.NoError(t, err, "parsing presigned URL")
		require.Equal(t, "/"+testBucket+"/photo-key", u.Path)

		q := u.Query()
		require.Equal(t, "900", q.Get("X-Amz-Expires"), "expiry")
		require.Equal(t, "AWS4-HMAC-SHA256", q.Get("X-Amz-Algorithm"))
		require.Contains(t, q.Get("X-Amz-Credential"), "objgate-test/")
		require.NotEmpty(t, q.Get("X-Amz-Signature"))

		signedAt, err := time.Parse("20060102T150405Z", q.Get("X-Amz-Date"))
		require.NoError(t, err, "parsing X-Amz-Date")
		require.WithinDuration(t, issued, signedAt, 5*time.Second)

		// The in-memory server does not verify signatures, but the URL must
		// address the object.
		resp, err := httpSrv.Client().Get(raw)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestProviderFailuresAreStoreErrors(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		store, fake, _ := newTestStore(t, provider)
		ctx := context.Background()
		fake.PutObject(testBucket, "existing", []byte("data"), "text/plain", nil)

		calls := []struct {
			name string
			op   s3test.Op
			want string
			call func() error
		}{
			{name: "put", op: s3test.OpPutObject, want: storage.OpPut, call: func() error {
				return store.Put(ctx, "new", bytes.NewReader([]byte("x")), 1, "text/plain", "x.txt")
			}},
			{name: "get", op: s3test.OpGetObject, want: storage.OpGet, call: func() error {
				_, err := store.Get(ctx, "existing")
				return err
			}},
			{name: "delete", op: s3test.OpDeleteObject, want: storage.OpDelete, call: func() error {
				return store.Delete(ctx, "existing")
			}},
			{name: "list", op: s3test.OpListObjects, want: storage.OpList, call: func() error {
				_, err := store.List(ctx, 1000)
				return err
			}},
		}

		for _, tc := range calls {
			fake.Fail(tc.op, s3test.AccessDenied)
			err := tc.call()
			fake.Clear(tc.op)

			require.Errorf(t, err, "%s should fail", tc.name)
			storeErr, ok := storage.AsStoreError(err)
			require.Truef(t, ok, "%s: expected StoreError, got %T", tc.name, err)
			require.Equal(t, tc.want, storeErr.Op)
			require.Equal(t, "AccessDenied", storeErr.Code, tc.name)
			require.Equal(t, "Access Denied.", storeErr.Description(), tc.name)
		}
	})
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	t.Parallel()

	forEachProvider(t, func(t *testing.T, provider string) {
		fake := s3test.NewServer(testRegion)
		httpSrv := httptest.NewServer(fake.Handler())
		t.Cleanup(httpSrv.Close)

		store, err := backend.New(context.Background(), backend.Config{
			Provider:  provider,
			Endpoint:  httpSrv.URL,
			Bucket:    "fresh-bucket",
			Region:    testRegion,
			AccessKey: "objgate-test",
			SecretKey: "objgate-test-secret",
			PathStyle: true,
		})
		require.NoError(t, err)

		require.NoError(t, store.EnsureBucket(context.Background()), "first EnsureBucket")
		require.True(t, fake.BucketExists("fresh-bucket"))

		require.NoError(t, store.EnsureBucket(context.Background()), "EnsureBucket is idempotent")
		require.Equal(t, 1, fake.Requests(s3test.OpCreateBucket))
	})
}
