// Command sweep runs the bulk producers once and exits. An external scheduler
// (cron, systemd timer) decides when.
//
//	sweep -mode=daily   enqueue cards with appointments tomorrow
//	sweep -mode=full    enqueue every active card
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/nexsaude/carteirinha-jobs/internal/adapter/observability"
	"github.com/nexsaude/carteirinha-jobs/internal/adapter/repo/postgres"
	"github.com/nexsaude/carteirinha-jobs/internal/config"
	"github.com/nexsaude/carteirinha-jobs/internal/usecase"
)

func main() {
	mode := flag.String("mode", "daily", "daily (appointments tomorrow) or full (all active cards)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewJobStore(pool)
	cards := postgres.NewCardRepo(pool)
	producer := usecase.NewProducerService(store, usecase.DedupPolicy{
		SkipExisting:           cfg.SkipExisting,
		SkipActiveProcessing:   cfg.SkipActiveProcessing,
		SkipRecentSuccessHours: cfg.SkipRecentSuccessHours,
	})
	sweep := usecase.NewSweepService(producer, cards, cfg.RateLimitDelay())

	var sum usecase.SweepSummary
	switch *mode {
	case "daily":
		day := time.Now().AddDate(0, 0, 1)
		sum, err = sweep.DailyWindow(ctx, day)
	case "full":
		sum, err = sweep.FullSweep(ctx)
	default:
		slog.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(2)
	}
	if err != nil {
		slog.Error("sweep failed", slog.String("mode", *mode), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("sweep summary",
		slog.String("mode", *mode),
		slog.Int("total", sum.Total),
		slog.Int("created", sum.Created),
		slog.Int("skipped", sum.Skipped),
		slog.Int("errors", sum.Errors),
	)
}
