// Package distlock coordinates singleton jobs (analytics retention, quota
// reconciliation) across worker replicas.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/intent-engine/internal/pkg/logger"
)

var (
	// ErrNotAcquired is returned by RunExclusive when another holder owns the lock.
	ErrNotAcquired = errors.New("lock held elsewhere")
	// ErrLeaseLost is returned by RunExclusive when the lease could not be
	// renewed while fn ran; fn's context is cancelled at that point.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Lock is a mutual-exclusion lease shared between processes.
// A Lock value is owned by one goroutine; use separate values for
// concurrent holders.
type Lock interface {
	// Acquire tries once, without blocking. It reports whether we own the lock.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if we still own it.
	Release(ctx context.Context) error
}

// New picks Redis when a client is configured and falls back to a Postgres
// advisory lock otherwise.
func New(client *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if client != nil {
		return NewRedisLock(client, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// leased locks expire on their own and must be renewed while held.
type leased interface {
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
	leaseTTL() time.Duration
}

// RunExclusive runs fn only if lock can be acquired, releasing it afterwards.
// Leases are renewed every third of their TTL for as long as fn runs.
func RunExclusive(ctx context.Context, lock Lock, fn func(ctx context.Context) error) error {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrNotAcquired
	}
	defer func() {
		// The job context may already be cancelled on shutdown.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil {
			logger.Warn("lock release failed", "error", err)
		}
	}()

	l, ok := lock.(leased)
	if !ok || l.leaseTTL() <= 0 {
		return fn(ctx)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		renewLease(jobCtx, l, cancel, lost)
	}()

	err = fn(jobCtx)
	cancel()
	<-done
	select {
	case <-lost:
		if err == nil {
			return ErrLeaseLost
		}
		return fmt.Errorf("%w: %w", ErrLeaseLost, err)
	default:
		return err
	}
}

func renewLease(ctx context.Context, l leased, cancel context.CancelFunc, lost chan<- struct{}) {
	ttl := l.leaseTTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Extend(ctx, ttl)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				// Transient; the lease still has two thirds of its TTL.
				logger.Warn("lock renew failed", "error", err)
				continue
			}
			if !ok {
				logger.Error("lock lease lost, cancelling job")
				close(lost)
				cancel()
				return
			}
		}
	}
}

// AdvisoryLock uses pg_try_advisory_lock, which is session scoped: the
// lock disappears with the connection if the process dies. The connection
// is pinned between Acquire and Release so unlock runs on the same session.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewAdvisoryLock derives a stable 64-bit lock id from key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
