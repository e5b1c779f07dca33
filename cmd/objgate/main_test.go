package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/eteran/objgate/internal/backend"
	"github.com/eteran/objgate/internal/config"
	"github.com/eteran/objgate/internal/s3test"
)

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--provider", "gcs"})
	cmd.SilenceErrors = true

	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "store.bucket is required")
	require.ErrorContains(t, err, `unknown store.provider "gcs"`)
}

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunCreatesBucketAndShutsDown(t *testing.T) {
	fake := s3test.NewServer("us-east-1")
	s3Srv := httptest.NewServer(fake.Handler())
	t.Cleanup(s3Srv.Close)

	cfg := &config.Config{
		Listen:        freeAddr(t),
		TLS:           config.TLSConfig{Listen: "127.0.0.1:0"},
		MetricsListen: "",
		LogLevel:      log.ErrorLevel,
		Store: backend.Config{
			Provider:  backend.ProviderMinio,
			Endpoint:  s3Srv.URL,
			Bucket:    "images",
			Region:    "us-east-1",
			AccessKey: "objgate-test",
			SecretKey: "objgate-test-secret",
			PathStyle: true,
		},
		CreateBucket:   true,
		MaxUploadBytes: 1 << 20,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Listen + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.True(t, fake.BucketExists("images"))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "Run should exit cleanly on cancellation")
	case <-time.After(shutdownTimeout):
		t.Fatal("Run did not return after cancellation")
	}
}
