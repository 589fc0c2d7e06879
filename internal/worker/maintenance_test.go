package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/intent-engine/internal/pkg/distlock"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	calls   atomic.Int32
	err     error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, before)
	f.mu.Unlock()
	return 3, f.err
}

type fakeReconciler struct{ calls atomic.Int32 }

func (f *fakeReconciler) Reconcile(context.Context) (int64, error) {
	f.calls.Add(1)
	return 1, nil
}

type fakeArchiver struct {
	cutoff time.Time
	err    error
}

func (f *fakeArchiver) Archive(_ context.Context, before time.Time) (int, error) {
	f.cutoff = before
	return 7, f.err
}

func redisLocks(t *testing.T) (LockFactory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return func(key string) distlock.Lock {
		return distlock.NewRedisLock(client, key, time.Minute)
	}, mr
}

func TestRunPruneUsesRetentionCutoff(t *testing.T) {
	locks, _ := redisLocks(t)
	p := &fakePruner{}
	w := NewMaintenanceWorker(p, nil, locks, Config{Retention: 90 * 24 * time.Hour})
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	require.NoError(t, w.RunPrune(context.Background()))
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-90*24*time.Hour), p.cutoffs[0])
}

func TestRunPruneArchivesFirst(t *testing.T) {
	locks, _ := redisLocks(t)
	p := &fakePruner{}
	a := &fakeArchiver{}
	w := NewMaintenanceWorker(p, nil, locks, Config{}).WithArchiver(a)

	require.NoError(t, w.RunPrune(context.Background()))
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, p.cutoffs[0], a.cutoff)
}

func TestRunPruneSkippedWhenArchiveFails(t *testing.T) {
	locks, _ := redisLocks(t)
	p := &fakePruner{}
	w := NewMaintenanceWorker(p, nil, locks, Config{}).WithArchiver(&fakeArchiver{err: errors.New("access denied")})

	err := w.RunPrune(context.Background())
	assert.ErrorContains(t, err, "access denied")
	assert.Zero(t, p.calls.Load())
}

func TestRunPruneSkipsWhenLockHeld(t *testing.T) {
	locks, _ := redisLocks(t)
	other := locks(pruneLockKey)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	p := &fakePruner{}
	w := NewMaintenanceWorker(p, nil, locks, Config{})
	err = w.RunPrune(context.Background())
	assert.ErrorIs(t, err, distlock.ErrNotAcquired)
	assert.Zero(t, p.calls.Load())
}

func TestRunPruneReleasesLockOnFailure(t *testing.T) {
	locks, mr := redisLocks(t)
	p := &fakePruner{err: errors.New("statement timeout")}
	w := NewMaintenanceWorker(p, nil, locks, Config{})

	assert.Error(t, w.RunPrune(context.Background()))
	assert.False(t, mr.Exists("lock:"+pruneLockKey))
}

func TestReplicasRunEachCycleOnce(t *testing.T) {
	locks, _ := redisLocks(t)
	// Hold the lock for the whole cycle so the replicas overlap.
	p := &fakePruner{}
	gate := make(chan struct{})
	slow := pruneFunc(func(ctx context.Context, before time.Time) (int64, error) {
		<-gate
		return p.Prune(ctx, before)
	})

	var wg sync.WaitGroup
	var skipped atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := NewMaintenanceWorker(slow, nil, locks, Config{})
			if errors.Is(w.RunPrune(context.Background()), distlock.ErrNotAcquired) {
				skipped.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return skipped.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), p.calls.Load())
}

type pruneFunc func(ctx context.Context, before time.Time) (int64, error)

func (f pruneFunc) Prune(ctx context.Context, before time.Time) (int64, error) { return f(ctx, before) }

func TestStartRunsJobsImmediatelyAndStops(t *testing.T) {
	locks, _ := redisLocks(t)
	p := &fakePruner{}
	r := &fakeReconciler{}
	w := NewMaintenanceWorker(p, r, locks, Config{PruneInterval: time.Hour, ReconcileInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	require.Eventually(t, func() bool {
		return p.calls.Load() == 1 && r.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	w.Wait()
}
