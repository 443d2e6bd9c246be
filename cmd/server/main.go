package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/filerelay/internal/config"
	"github.com/maneesh/filerelay/internal/handlers"
	"github.com/maneesh/filerelay/internal/ratelimit"
	"github.com/maneesh/filerelay/internal/retention"
	"github.com/maneesh/filerelay/internal/storage"
	"github.com/maneesh/filerelay/internal/tracing"
	"github.com/maneesh/filerelay/internal/transfer"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.GetLogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting filerelay",
		slog.String("service", cfg.ServiceName),
		slog.String("version", version),
		slog.String("port", cfg.ServicePort),
		slog.String("provider", cfg.Provider),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("cache_driver", cfg.CacheDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, version, cfg.JaegerEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("error shutting down tracer", slog.String("error", err.Error()))
		}
	}()

	// Catalog
	catalog, err := storage.OpenCatalog(ctx, cfg.DBDriver, cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer catalog.Close()
	logger.Info("catalog ready")

	// Metadata cache
	cache, closeCache, err := storage.NewMetadataCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init metadata cache: %w", err)
	}
	defer closeCache()

	// Storage backend, fixed for the life of the process
	backend, err := storage.NewBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init storage backend: %w", err)
	}

	limiter := ratelimit.New(map[ratelimit.Action]ratelimit.Policy{
		ratelimit.ActionUpload: {
			Limit: cfg.UploadDailyLimit,
			Count: catalog.CountUploadsSince,
		},
		ratelimit.ActionDownload: {
			Limit: cfg.DownloadDailyLimit,
			Count: catalog.CountDownloadsSince,
		},
	})

	svc := transfer.NewService(backend, catalog, cache, limiter, logger)

	sweeper := retention.NewSweeper(catalog, backend, cache, cfg.GetInactivePeriod(), cfg.SweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	router := handlers.NewRouter(handlers.RouterOptions{
		Service:        svc,
		Health:         catalog,
		MaxUploadBytes: cfg.GetMaxUploadBytes(),
		TrustProxy:     cfg.TrustProxy,
		Logger:         logger,
	})

	// Create HTTP server; no write timeout so large downloads can stream
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for a signal or a listener failure
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", slog.String("error", err.Error()))
	}

	logger.Info("server exited")
	return nil
}
