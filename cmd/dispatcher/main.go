// Command dispatcher runs the coordinator: it claims queued card-verification
// jobs and fans them out over the configured backend fleet. Exactly one
// dispatcher per worker id may run against a database; a second instance
// exits at startup when the advisory lock is held.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexsaude/carteirinha-jobs/internal/adapter/observability"
	"github.com/nexsaude/carteirinha-jobs/internal/adapter/registry"
	"github.com/nexsaude/carteirinha-jobs/internal/adapter/repo/postgres"
	"github.com/nexsaude/carteirinha-jobs/internal/adapter/verifier"
	"github.com/nexsaude/carteirinha-jobs/internal/app"
	"github.com/nexsaude/carteirinha-jobs/internal/config"
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

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Metrics on a dedicated port so Prometheus can scrape the coordinator.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	lock, err := postgres.AcquireCoordinatorLock(ctx, pool, cfg.WorkerID)
	if err != nil {
		slog.Error("coordinator lock not acquired; is another dispatcher running?",
			slog.String("worker_id", cfg.WorkerID), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			slog.Error("coordinator lock release failed", slog.Any("error", err))
		}
	}()

	store := postgres.NewJobStore(pool)
	reg := registry.New(cfg.Backends(), cfg.HealthcheckPath, cfg.HealthcheckTimeout(), cfg.HealthcheckCache())
	verify := verifier.New(cfg.VerifyPath, cfg.APIToken, cfg.APITimeout())

	disp := app.NewDispatcher(cfg, store, reg, verify)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		disp.Run(runCtx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	<-done
	disp.Shutdown(context.Background(), cfg.ServerShutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
	slog.Info("dispatcher stopped")
}
