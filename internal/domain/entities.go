// Package domain holds the core entities and ports of the carteirinha job
// queue. It stays free of infrastructure imports; adapters implement the
// repository and client interfaces declared here.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockNotAcquired = errors.New("coordinator lock not acquired")
	ErrInternal        = errors.New("internal error")
)

// JobTypeSGUCard is the only job type currently scheduled. The column exists
// so that further portal automations can share the queue table.
const JobTypeSGUCard = "sgucard"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSuccess    JobStatus = "success"
	JobError      JobStatus = "error"
)

// Job is one card-verification request in the persisted queue.
//
// Lease invariants: status=processing implies LockedBy/LockedAt/LockedUntil are
// all set; any other status implies all three are nil. Attempts only grows, and
// only on the transition into processing.
type Job struct {
	ID          string
	Type        string
	CardNumber  string
	CardAlt     *string
	PatientID   *string
	Status      JobStatus
	Attempts    int
	LastError   *string
	LockedBy    *string
	LockedAt    *time.Time
	LockedUntil *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SkipReason explains why a producer declined to insert a job for a card.
type SkipReason string

const (
	SkipNone                SkipReason = ""
	SkipProcessingActive    SkipReason = "processing_active"
	SkipRecentSuccess       SkipReason = "recent_success"
	SkipPendingOrProcessing SkipReason = "pending_or_processing_exists"
)

// Card is a beneficiary card row as seen by the periodic producers.
type Card struct {
	ID        int64
	Number    string
	Patient   string
	PatientID *string
	Active    bool
}

// JobStore is the persisted queue (port).
//
// All mutating operations are predicate-guarded so retries are safe: Complete,
// Fail and Release only act on a processing row still held by the given slot,
// and Claim/Start only act on rows whose lease is absent or expired.
type JobStore interface {
	Insert(ctx Context, jobType, card string, cardAlt, patientID *string) (Job, error)
	Claim(ctx Context, slotID string, limit int, visibility time.Duration) ([]Job, error)
	Start(ctx Context, jobID, slotID string, visibility time.Duration) (bool, error)
	Complete(ctx Context, jobID, slotID string) (bool, error)
	Fail(ctx Context, jobID, slotID, errText string) (bool, error)
	Release(ctx Context, jobID, slotID string) (bool, error)
	ReleaseAll(ctx Context, lockedByPrefix string) (int, error)
	PurgeStale(ctx Context, jobType string) (int, error)
	Get(ctx Context, jobID string) (Job, error)
	ListByCard(ctx Context, card string, limit int) ([]Job, error)
	FetchReady(ctx Context, status JobStatus, limit int) ([]Job, error)
	HasRecentSuccess(ctx Context, card string, minHours int) (bool, error)
	HasActiveProcessing(ctx Context, card string) (bool, error)
	HasPendingOrProcessing(ctx Context, card string) (bool, error)
	CountByStatus(ctx Context) (map[JobStatus]int64, error)
}

// CardRepository feeds the periodic producers (port).
type CardRepository interface {
	ListActive(ctx Context) ([]Card, error)
	ListWithAppointmentsOn(ctx Context, day time.Time) ([]Card, error)
}

// VerifyOutcome is the dispatcher's view of a backend verify response.
type VerifyOutcome struct {
	Success bool
	Message string
}

// Verifier calls a backend's verify endpoint for a card (port).
type Verifier interface {
	Verify(ctx Context, backendURL, card string) (VerifyOutcome, error)
}

// Context aliases context.Context so the domain package reads cleanly without
// importing infrastructure concerns elsewhere.
type Context = context.Context
