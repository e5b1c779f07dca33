package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/objgate/internal/backend"
	"github.com/eteran/objgate/internal/config"
	"github.com/eteran/objgate/internal/gateway"
)

const shutdownTimeout = 15 * time.Second

func newLogger(level log.Level) *slog.Logger {
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	return slog.New(handler)
}

func Run(ctx context.Context, cfg *config.Config) error {

	slog.SetDefault(newLogger(cfg.LogLevel))

	store, err := backend.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	if cfg.CreateBucket {
		if err := store.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure bucket %q: %w", cfg.Store.Bucket, err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gw, err := gateway.New(gateway.NewConfig(
		gateway.WithStore(store),
		gateway.WithMaxUploadBytes(cfg.MaxUploadBytes),
		gateway.WithMetrics(gateway.NewMetrics(registry)),
	))
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	router := gw.Handler()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              cfg.TLS.Listen,
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	metricsServer := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           metricsMux,
		ReadHeaderTimeout: 20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	// Shutdown runs after ctx is already cancelled, so it gets its own deadline.
	shutdown := func(server *http.Server) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}

	eg.Go(func() error { return shutdown(httpServer) })
	eg.Go(func() error { return shutdown(httpsServer) })
	eg.Go(func() error { return shutdown(metricsServer) })

	eg.Go(func() error {
		if !cfg.TLS.Enabled() {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting objgate HTTPS server", "addr", cfg.TLS.Listen)
		err := httpsServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		if cfg.MetricsListen == "" {
			slog.Debug("Skipping metrics service because no listen address was provided")
			return nil
		}

		slog.Info("Starting objgate metrics server", "addr", cfg.MetricsListen)
		err := metricsServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting objgate HTTP server", "addr", cfg.Listen, "provider", cfg.Store.Provider, "bucket", cfg.Store.Bucket)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("objgate started")
	return eg.Wait()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "objgate",
		Short: "HTTP gateway for storing images in S3-compatible object storage",
		Long: `objgate exposes presign, upload, delete, list and download operations
for a single bucket over a small JSON HTTP API.

Every flag can also be set with an OBJGATE_ prefixed environment variable
(for example OBJGATE_STORE_BUCKET) or in a config file passed with --config.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return Run(cmd.Context(), cfg)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		slog.Error("objgate exited with error", "error", err)
		os.Exit(1)
	}
}
