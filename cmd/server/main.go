// Command server starts the job submission HTTP API.
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

	httpserver "github.com/nexsaude/carteirinha-jobs/internal/adapter/httpserver"
	"github.com/nexsaude/carteirinha-jobs/internal/adapter/observability"
	"github.com/nexsaude/carteirinha-jobs/internal/adapter/repo/postgres"
	"github.com/nexsaude/carteirinha-jobs/internal/app"
	"github.com/nexsaude/carteirinha-jobs/internal/config"
	"github.com/nexsaude/carteirinha-jobs/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewJobStore(pool)
	producer := usecase.NewProducerService(store, usecase.DedupPolicy{
		SkipExisting:           cfg.SkipExisting,
		SkipActiveProcessing:   cfg.SkipActiveProcessing,
		SkipRecentSuccessHours: cfg.SkipRecentSuccessHours,
	})

	srv := httpserver.NewServer(cfg, producer, store, pool.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port))
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.Any("error", err))
	}
	slog.Info("server stopped")
}
