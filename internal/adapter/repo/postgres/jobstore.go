package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// PgxPool is the narrow pool surface the repositories need; *pgxpool.Pool
// satisfies it and tests substitute fakes.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

const jobColumns = `id, type, card_number, card_alt, patient_id, status, attempts, last_error, locked_by, locked_at, locked_until, created_at, updated_at`

// JobStore persists the card-verification queue in the job_sgucard table.
//
// Every mutating statement carries its predicate in the WHERE clause, so the
// row transition and the eligibility check are one atomic step; concurrent
// claimers cannot double-claim and stale lease holders cannot overwrite a
// terminal state written by the current holder.
type JobStore struct {
	Pool    PgxPool
	JobType string
}

// NewJobStore constructs a JobStore bound to the given job type.
func NewJobStore(p PgxPool) *JobStore { return &JobStore{Pool: p, JobType: domain.JobTypeSGUCard} }

// Insert creates a pending job for a card. De-duplication is the producer's
// concern; the store never rejects duplicates.
func (s *JobStore) Insert(ctx domain.Context, jobType, card string, cardAlt, patientID *string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	if jobType == "" {
		jobType = s.JobType
	}
	id := uuid.New().String()
	row := s.Pool.QueryRow(ctx,
		`INSERT INTO job_sgucard (id, type, card_number, card_alt, patient_id, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', 0, now(), now())
		 RETURNING `+jobColumns,
		id, jobType, card, cardAlt, patientID,
	)
	j, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.insert: %w", err)
	}
	return j, nil
}

// Claim atomically leases up to limit ready rows for slotID. Ready means
// pending or error with no live lease, oldest first. FOR UPDATE SKIP LOCKED
// keeps concurrent claimers from blocking on or double-claiming the same rows.
func (s *JobStore) Claim(ctx domain.Context, slotID string, limit int, visibility time.Duration) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	rows, err := s.Pool.Query(ctx,
		`UPDATE job_sgucard SET
			status = 'processing',
			locked_by = $1,
			locked_at = now(),
			locked_until = now() + $2::interval,
			attempts = attempts + 1,
			updated_at = now()
		WHERE id IN (
			SELECT id FROM job_sgucard
			WHERE type = $3
			  AND status IN ('pending', 'error')
			  AND (locked_until IS NULL OR locked_until < now())
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		slotID, intervalSecs(visibility), s.JobType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.claim: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=jobs.claim: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.claim: %w", err)
	}
	return out, nil
}

// Start optimistically leases one specific job, used by the plain-fetch
// fallback path after the row was inspected without a lock. Returns false when
// the row is no longer ready.
func (s *JobStore) Start(ctx domain.Context, jobID, slotID string, visibility time.Duration) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Start")
	defer span.End()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE job_sgucard SET
			status = 'processing',
			locked_by = $2,
			locked_at = now(),
			locked_until = now() + $3::interval,
			attempts = attempts + 1,
			updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'error')
		  AND (locked_until IS NULL OR locked_until < now())`,
		jobID, slotID, intervalSecs(visibility),
	)
	if err != nil {
		return false, fmt.Errorf("op=jobs.start: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete finishes a job held by slotID. Returns false when the lease was
// lost or the row is already terminal; the caller must treat that as "someone
// else owns the outcome now".
func (s *JobStore) Complete(ctx domain.Context, jobID, slotID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE job_sgucard SET
			status = 'success',
			last_error = NULL,
			locked_by = NULL,
			locked_at = NULL,
			locked_until = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
		jobID, slotID,
	)
	if err != nil {
		return false, fmt.Errorf("op=jobs.complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Fail records a terminal error for a job held by slotID. Error rows stay
// claimable, so this is not a dead end for the queue.
func (s *JobStore) Fail(ctx domain.Context, jobID, slotID, errText string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE job_sgucard SET
			status = 'error',
			last_error = $3,
			locked_by = NULL,
			locked_at = NULL,
			locked_until = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
		jobID, slotID, errText,
	)
	if err != nil {
		return false, fmt.Errorf("op=jobs.fail: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release puts a processing job held by slotID back to pending without
// touching attempts. Used on graceful shutdown.
func (s *JobStore) Release(ctx domain.Context, jobID, slotID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Release")
	defer span.End()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE job_sgucard SET
			status = 'pending',
			locked_by = NULL,
			locked_at = NULL,
			locked_until = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing' AND locked_by = $2`,
		jobID, slotID,
	)
	if err != nil {
		return false, fmt.Errorf("op=jobs.release: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// likeEscaper quotes LIKE metacharacters so a worker id is always matched
// literally in the slot-prefix pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ReleaseAll releases every processing lease held by this coordinator (the
// bare worker id or any of its worker:index slots). Returns the release count.
func (s *JobStore) ReleaseAll(ctx domain.Context, workerID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReleaseAll")
	defer span.End()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE job_sgucard SET
			status = 'pending',
			locked_by = NULL,
			locked_at = NULL,
			locked_until = NULL,
			updated_at = now()
		WHERE status = 'processing' AND (locked_by = $1 OR locked_by LIKE $2)`,
		workerID, likeEscaper.Replace(workerID)+":%",
	)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.release_all: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeStale resets processing rows whose lease expired back to pending. This
// is the single recovery path for crashed workers.
func (s *JobStore) PurgeStale(ctx domain.Context, jobType string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PurgeStale")
	defer span.End()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE job_sgucard SET
			status = 'pending',
			locked_by = NULL,
			locked_at = NULL,
			locked_until = NULL,
			updated_at = now()
		WHERE type = $1 AND status = 'processing' AND locked_until < now()`,
		jobType,
	)
	if err != nil {
		return 0, fmt.Errorf("op=jobs.purge_stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := s.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_sgucard WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// ListByCard returns the newest jobs for a card.
func (s *JobStore) ListByCard(ctx domain.Context, card string, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByCard")
	defer span.End()
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM job_sgucard WHERE card_number = $1 ORDER BY created_at DESC LIMIT $2`,
		card, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.list_by_card: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=jobs.list_by_card: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.list_by_card: %w", err)
	}
	return out, nil
}

// FetchReady is the dispatcher's fallback read path: a plain snapshot of ready
// rows in a given status, oldest first, with no locking applied. Callers must
// Start each row before dispatching it.
func (s *JobStore) FetchReady(ctx domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FetchReady")
	defer span.End()
	rows, err := s.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM job_sgucard
		 WHERE type = $1 AND status = $2
		   AND (locked_until IS NULL OR locked_until < now())
		 ORDER BY created_at
		 LIMIT $3`,
		s.JobType, status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.fetch_ready: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=jobs.fetch_ready: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.fetch_ready: %w", err)
	}
	return out, nil
}

// HasRecentSuccess reports whether the card completed successfully within the
// last minHours hours.
func (s *JobStore) HasRecentSuccess(ctx domain.Context, card string, minHours int) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.HasRecentSuccess")
	defer span.End()
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			WHERE type = $1 AND card_number = $2 AND status = 'success'
			  AND updated_at >= now() - ($3 * interval '1 hour')
		)`,
		s.JobType, card, minHours,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=jobs.has_recent_success: %w", err)
	}
	return exists, nil
}

// HasActiveProcessing reports whether the card holds a live processing lease.
func (s *JobStore) HasActiveProcessing(ctx domain.Context, card string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.HasActiveProcessing")
	defer span.End()
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			WHERE type = $1 AND card_number = $2 AND status = 'processing'
			  AND locked_until >= now()
		)`,
		s.JobType, card,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=jobs.has_active_processing: %w", err)
	}
	return exists, nil
}

// HasPendingOrProcessing reports whether any non-terminal row exists for the card.
func (s *JobStore) HasPendingOrProcessing(ctx domain.Context, card string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.HasPendingOrProcessing")
	defer span.End()
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM job_sgucard
			WHERE type = $1 AND card_number = $2 AND status IN ('pending', 'processing')
		)`,
		s.JobType, card,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=jobs.has_pending_or_processing: %w", err)
	}
	return exists, nil
}

// CountByStatus returns row counts per queue status for the store's job type.
func (s *JobStore) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := s.Pool.Query(ctx,
		`SELECT status, count(*) FROM job_sgucard WHERE type = $1 GROUP BY status`,
		s.JobType,
	)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var st domain.JobStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=jobs.count_by_status: %w", err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.count_by_status: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.CardNumber, &j.CardAlt, &j.PatientID,
		&j.Status, &j.Attempts, &j.LastError,
		&j.LockedBy, &j.LockedAt, &j.LockedUntil,
		&j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

func intervalSecs(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
