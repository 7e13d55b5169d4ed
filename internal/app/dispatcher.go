package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nexsaude/carteirinha-jobs/internal/adapter/observability"
	"github.com/nexsaude/carteirinha-jobs/internal/adapter/registry"
	"github.com/nexsaude/carteirinha-jobs/internal/config"
	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// Dispatcher is the single coordinator loop. Each cycle it recycles expired
// leases, claims as many ready jobs as there are free healthy backends, and
// hands each claimed job to a short-lived worker goroutine bound to one
// backend slot. Parallelism is bounded by the backend count; the loop itself
// never runs two cycles at once.
type Dispatcher struct {
	cfg    config.Config
	store  domain.JobStore
	reg    *registry.Registry
	verify domain.Verifier

	wg sync.WaitGroup
}

// NewDispatcher wires the coordinator.
func NewDispatcher(cfg config.Config, store domain.JobStore, reg *registry.Registry, verify domain.Verifier) *Dispatcher {
	return &Dispatcher{cfg: cfg, store: store, reg: reg, verify: verify}
}

// SlotID derives the lease identity for a backend index. Indexes are
// 1-based in the slot id so operators can line them up with the configured
// URL list.
func (d *Dispatcher) SlotID(backendIndex int) string {
	return fmt.Sprintf("%s:%d", d.cfg.WorkerID, backendIndex+1)
}

// Run executes dispatch cycles until ctx is cancelled. An immediate first
// cycle runs before the ticker starts.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatcher started",
		slog.String("worker_id", d.cfg.WorkerID),
		slog.Any("backends", d.reg.URLs()),
		slog.Duration("poll_interval", d.cfg.PollInterval()),
		slog.Duration("visibility_timeout", d.cfg.VisibilityTimeout()),
	)
	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

// Shutdown waits for in-flight workers up to the grace period, then releases
// any lease this coordinator still holds so the next operator does not have to
// wait out the visibility timeout.
func (d *Dispatcher) Shutdown(ctx context.Context, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("workers still in flight after grace period", slog.Duration("grace", grace))
	}
	released, err := d.store.ReleaseAll(ctx, d.cfg.WorkerID)
	if err != nil {
		slog.Error("release on shutdown failed", slog.Any("error", err))
		return
	}
	if released > 0 {
		slog.Info("released leases on shutdown", slog.Int("count", released))
	}
}

type dispatchPair struct {
	job     domain.Job
	slot    registry.Slot
	slotID  string
	started bool // lease already taken by the atomic claim path
}

// cycle runs one dispatch iteration. Any store error aborts the iteration;
// the next tick starts from a clean read.
func (d *Dispatcher) cycle(ctx context.Context) {
	tracer := otel.Tracer("app.dispatcher")
	ctx, span := tracer.Start(ctx, "Dispatcher.cycle")
	defer span.End()

	purged, err := d.store.PurgeStale(ctx, domain.JobTypeSGUCard)
	if err != nil {
		slog.Error("purge stale failed", slog.Any("error", err))
		return
	}
	if purged > 0 {
		observability.JobsPurgedTotal.WithLabelValues(domain.JobTypeSGUCard).Add(float64(purged))
		slog.Info("recycled stale leases", slog.Int("count", purged))
	}

	free := d.reg.FreeHealthy(ctx)
	observability.BackendsFree.Set(float64(len(free)))
	span.SetAttributes(attribute.Int("backends.free", len(free)))
	if len(free) == 0 {
		return
	}

	pairs := d.claimForSlots(ctx, free)
	if len(pairs) == 0 {
		pairs = d.fallbackFetch(ctx, free)
	}
	if len(pairs) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("jobs.paired", len(pairs)))

	for i, p := range pairs {
		// The lease comes first on every path: terminal transitions are
		// predicated on locked_by, so failing an unleased row never sticks.
		if !p.started {
			ok, err := d.store.Start(ctx, p.job.ID, p.slotID, d.cfg.VisibilityTimeout())
			if err != nil {
				slog.Error("start failed", slog.String("job_id", p.job.ID), slog.Any("error", err))
				continue
			}
			if !ok {
				slog.Info("job no longer ready, skipping",
					slog.String("job_id", p.job.ID), slog.String("slot", p.slotID))
				continue
			}
		}
		if p.job.CardNumber == "" {
			// Structural: never retried without producer intervention.
			if ok, err := d.store.Fail(ctx, p.job.ID, p.slotID, "missing card"); err != nil || !ok {
				slog.Warn("could not fail cardless job",
					slog.String("job_id", p.job.ID), slog.Any("error", err))
			}
			observability.JobsFailedTotal.WithLabelValues(domain.JobTypeSGUCard).Inc()
			continue
		}
		if d.cfg.MaxAttempts > 0 && p.job.Attempts > d.cfg.MaxAttempts {
			if ok, err := d.store.Fail(ctx, p.job.ID, p.slotID, "max attempts exceeded"); err != nil || !ok {
				slog.Warn("could not fail exhausted job",
					slog.String("job_id", p.job.ID), slog.Any("error", err))
			}
			observability.JobsFailedTotal.WithLabelValues(domain.JobTypeSGUCard).Inc()
			continue
		}

		observability.JobsClaimedTotal.WithLabelValues(domain.JobTypeSGUCard).Inc()
		d.reg.SetBusy(p.slot.URL, true)
		slog.Info("dispatching job",
			slog.String("job_id", p.job.ID),
			slog.String("card", p.job.CardNumber),
			slog.String("backend", p.slot.URL),
			slog.String("slot", p.slotID),
			slog.Int("attempts", p.job.Attempts),
		)
		d.wg.Add(1)
		// Workers outlive a cancelled loop context: the lease, not the
		// context, bounds their lifetime.
		go d.runJob(context.WithoutCancel(ctx), p.job, p.slot.URL, p.slotID)

		if d.cfg.DispatchStagger() > 0 && i < len(pairs)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.DispatchStagger()):
			}
		}
	}
}

// claimForSlots takes one atomic claim per free slot, oldest job first, so
// each lease is born under the slot identity that will finish it. An empty
// claim means the queue is drained and remaining slots are skipped.
func (d *Dispatcher) claimForSlots(ctx context.Context, free []registry.Slot) []dispatchPair {
	var pairs []dispatchPair
	for _, sl := range free {
		sid := d.SlotID(sl.Index)
		claimed, err := d.store.Claim(ctx, sid, 1, d.cfg.VisibilityTimeout())
		if err != nil {
			slog.Error("claim failed", slog.String("slot", sid), slog.Any("error", err))
			break
		}
		if len(claimed) == 0 {
			break
		}
		pairs = append(pairs, dispatchPair{job: claimed[0], slot: sl, slotID: sid, started: true})
	}
	return pairs
}

// fallbackFetch is the plain-read path used when the atomic claim yields
// nothing: snapshot pending rows, then error rows, and pair them positionally
// with the free slots. Each pair still has to win Start before dispatch.
func (d *Dispatcher) fallbackFetch(ctx context.Context, free []registry.Slot) []dispatchPair {
	jobs, err := d.store.FetchReady(ctx, domain.JobPending, len(free))
	if err != nil {
		slog.Error("fallback fetch failed", slog.Any("error", err))
		return nil
	}
	if len(jobs) == 0 {
		jobs, err = d.store.FetchReady(ctx, domain.JobError, len(free))
		if err != nil {
			slog.Error("fallback fetch failed", slog.Any("error", err))
			return nil
		}
	}
	var pairs []dispatchPair
	for i, j := range jobs {
		if i >= len(free) {
			break
		}
		pairs = append(pairs, dispatchPair{job: j, slot: free[i], slotID: d.SlotID(free[i].Index)})
	}
	return pairs
}

// runJob is the per-dispatch worker: one verify call, one terminal
// transition, and the busy flag always cleared on the way out.
func (d *Dispatcher) runJob(ctx context.Context, job domain.Job, backendURL, slotID string) {
	defer d.wg.Done()
	defer d.reg.SetBusy(backendURL, false)

	out, err := d.verify.Verify(ctx, backendURL, job.CardNumber)
	switch {
	case err != nil:
		msg := fmt.Sprintf("API call failed: %v", err)
		ok, ferr := d.store.Fail(ctx, job.ID, slotID, msg)
		d.logOutcome("job failed", job, backendURL, slotID, msg, ok, ferr)
		observability.JobsFailedTotal.WithLabelValues(job.Type).Inc()
	case out.Success:
		ok, cerr := d.store.Complete(ctx, job.ID, slotID)
		d.logOutcome("job completed", job, backendURL, slotID, "", ok, cerr)
		observability.JobsCompletedTotal.WithLabelValues(job.Type).Inc()
	default:
		ok, ferr := d.store.Fail(ctx, job.ID, slotID, out.Message)
		d.logOutcome("job failed", job, backendURL, slotID, out.Message, ok, ferr)
		observability.JobsFailedTotal.WithLabelValues(job.Type).Inc()
	}

	if d.cfg.PostJobCooldown() > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.PostJobCooldown()):
		}
	}
}

func (d *Dispatcher) logOutcome(msg string, job domain.Job, backendURL, slotID, errText string, transitioned bool, err error) {
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("card", job.CardNumber),
		slog.String("backend", backendURL),
		slog.String("slot", slotID),
	}
	if errText != "" {
		attrs = append(attrs, slog.String("error_text", errText))
	}
	switch {
	case err != nil:
		// The lease will expire and the job will be retried.
		attrs = append(attrs, slog.Any("error", err))
		slog.Error("terminal transition errored", attrs...)
	case !transitioned:
		// Lease stolen or row already terminal; the current holder owns the outcome.
		slog.Warn("terminal transition rejected", attrs...)
	default:
		slog.Info(msg, attrs...)
	}
}
