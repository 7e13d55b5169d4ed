package usecase

import (
	"log/slog"
	"time"

	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// SweepSummary is the outcome of one bulk producer run.
type SweepSummary struct {
	Total   int
	Created int
	Skipped int
	Errors  int
	Reasons map[domain.SkipReason]int
}

// SweepService runs the periodic producers: the daily appointment window and
// the full active-card sweep. Scheduling (cron, CLI) lives outside this repo.
type SweepService struct {
	Producer ProducerService
	Cards    domain.CardRepository

	// RateLimit spaces inserts to keep bulk runs from hammering the store.
	RateLimit time.Duration
}

// NewSweepService constructs a SweepService.
func NewSweepService(p ProducerService, cards domain.CardRepository, rateLimit time.Duration) SweepService {
	return SweepService{Producer: p, Cards: cards, RateLimit: rateLimit}
}

// DailyWindow enqueues jobs for every card with an appointment on the given
// day (the scheduler passes today+1).
func (s SweepService) DailyWindow(ctx domain.Context, day time.Time) (SweepSummary, error) {
	cards, err := s.Cards.ListWithAppointmentsOn(ctx, day)
	if err != nil {
		return SweepSummary{}, err
	}
	return s.enqueueAll(ctx, cards), nil
}

// FullSweep enqueues jobs for every active card.
func (s SweepService) FullSweep(ctx domain.Context) (SweepSummary, error) {
	cards, err := s.Cards.ListActive(ctx)
	if err != nil {
		return SweepSummary{}, err
	}
	return s.enqueueAll(ctx, cards), nil
}

func (s SweepService) enqueueAll(ctx domain.Context, cards []domain.Card) SweepSummary {
	sum := SweepSummary{Reasons: make(map[domain.SkipReason]int)}
	seen := make(map[string]bool, len(cards))
	for _, c := range cards {
		if c.Number == "" || seen[c.Number] {
			continue
		}
		seen[c.Number] = true
		sum.Total++

		res, err := s.Producer.CreateJob(ctx, domain.JobTypeSGUCard, c.Number, nil, c.PatientID)
		switch {
		case err != nil:
			sum.Errors++
			slog.Warn("sweep enqueue failed", slog.String("card", c.Number), slog.Any("error", err))
		case res.Skipped:
			sum.Skipped++
			sum.Reasons[res.Reason]++
		default:
			sum.Created++
		}

		if s.RateLimit > 0 {
			select {
			case <-ctx.Done():
				slog.Info("sweep interrupted", slog.Int("processed", sum.Total))
				return sum
			case <-time.After(s.RateLimit):
			}
		}
	}
	slog.Info("sweep finished",
		slog.Int("total", sum.Total),
		slog.Int("created", sum.Created),
		slog.Int("skipped", sum.Skipped),
		slog.Int("errors", sum.Errors),
	)
	return sum
}
