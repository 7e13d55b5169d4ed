package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexsaude/carteirinha-jobs/internal/domain"
)

// CoordinatorLock is a session-scoped advisory lock that keeps a second
// dispatcher with the same worker id from running against the same database.
// The lock pins one pooled connection for the life of the process; Postgres
// releases it automatically if the connection dies.
type CoordinatorLock struct {
	conn *pgxpool.Conn
	key  int64
}

// LockKey derives the advisory lock key from a worker id.
func LockKey(workerID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(workerID))
	return int64(h.Sum64())
}

// AcquireCoordinatorLock takes the advisory lock for workerID, or returns
// domain.ErrLockNotAcquired when another coordinator already holds it.
func AcquireCoordinatorLock(ctx context.Context, pool *pgxpool.Pool, workerID string) (*CoordinatorLock, error) {
	key := LockKey(workerID)
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=lock.acquire: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("op=lock.acquire: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, fmt.Errorf("op=lock.acquire: worker_id=%s: %w", workerID, domain.ErrLockNotAcquired)
	}
	return &CoordinatorLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *CoordinatorLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}
