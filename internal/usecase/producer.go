// Package usecase contains the application services that sit between the HTTP
// surface and the job store.
package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nexsaude/carteirinha-jobs/internal/adapter/observability"
	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// DedupPolicy is the producer's advisory de-duplication configuration. The
// filters are additive: any matching filter skips the insert. A race can still
// slip a duplicate pending row through; that is harmless because terminal
// transitions are slot-guarded and the backend extraction is idempotent.
type DedupPolicy struct {
	SkipExisting           bool
	SkipActiveProcessing   bool
	SkipRecentSuccessHours int
}

// CreateResult reports what the producer did for one card.
type CreateResult struct {
	Job     domain.Job
	Skipped bool
	Reason  domain.SkipReason
}

// ProducerService creates jobs with de-duplication against the store.
type ProducerService struct {
	Jobs   domain.JobStore
	Policy DedupPolicy
}

// NewProducerService constructs a ProducerService.
func NewProducerService(jobs domain.JobStore, policy DedupPolicy) ProducerService {
	return ProducerService{Jobs: jobs, Policy: policy}
}

// CreateJob validates the request, applies the skip filters, and inserts a
// pending job. Filters are advisory reads; they never lock anything.
func (s ProducerService) CreateJob(ctx domain.Context, jobType, card string, cardAlt, patientID *string) (CreateResult, error) {
	card = strings.TrimSpace(card)
	if card == "" {
		return CreateResult{}, fmt.Errorf("%w: card required", domain.ErrInvalidArgument)
	}
	if jobType == "" {
		jobType = domain.JobTypeSGUCard
	}
	if jobType != domain.JobTypeSGUCard {
		return CreateResult{}, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidArgument, jobType)
	}

	if reason, err := s.shouldSkip(ctx, card); err != nil {
		return CreateResult{}, err
	} else if reason != domain.SkipNone {
		observability.JobsSkippedTotal.WithLabelValues(string(reason)).Inc()
		slog.Debug("job skipped", slog.String("card", card), slog.String("reason", string(reason)))
		return CreateResult{Skipped: true, Reason: reason}, nil
	}

	j, err := s.Jobs.Insert(ctx, jobType, card, cardAlt, patientID)
	if err != nil {
		return CreateResult{}, err
	}
	observability.JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
	slog.Info("job created", slog.String("job_id", j.ID), slog.String("card", card))
	return CreateResult{Job: j}, nil
}

func (s ProducerService) shouldSkip(ctx domain.Context, card string) (domain.SkipReason, error) {
	if s.Policy.SkipActiveProcessing {
		active, err := s.Jobs.HasActiveProcessing(ctx, card)
		if err != nil {
			return domain.SkipNone, err
		}
		if active {
			return domain.SkipProcessingActive, nil
		}
	}
	if s.Policy.SkipRecentSuccessHours > 0 {
		recent, err := s.Jobs.HasRecentSuccess(ctx, card, s.Policy.SkipRecentSuccessHours)
		if err != nil {
			return domain.SkipNone, err
		}
		if recent {
			return domain.SkipRecentSuccess, nil
		}
	}
	if s.Policy.SkipExisting {
		exists, err := s.Jobs.HasPendingOrProcessing(ctx, card)
		if err != nil {
			return domain.SkipNone, err
		}
		if exists {
			return domain.SkipPendingOrProcessing, nil
		}
	}
	return domain.SkipNone, nil
}
