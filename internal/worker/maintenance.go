// Package worker runs the periodic maintenance jobs of the analytics
// worker. Each job takes a distributed lock first, so any number of worker
// replicas can run the same schedule and each cycle executes once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/intent-engine/internal/pkg/distlock"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// Pruner deletes analytics rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Archiver copies rows older than a cutoff somewhere durable before they
// are pruned.
type Archiver interface {
	Archive(ctx context.Context, before time.Time) (int, error)
}

// Reconciler rebuilds quota counters from actual row counts.
type Reconciler interface {
	Reconcile(ctx context.Context) (int64, error)
}

// LockFactory returns a fresh lock for key.
type LockFactory func(key string) distlock.Lock

// Config holds the job schedule.
type Config struct {
	PruneInterval     time.Duration
	ReconcileInterval time.Duration
	// Retention must be at least the longest report period.
	Retention time.Duration
}

const (
	pruneLockKey     = "worker:analytics-prune"
	reconcileLockKey = "worker:usage-reconcile"
)

// MaintenanceWorker schedules analytics retention and usage reconciliation.
type MaintenanceWorker struct {
	pruner     Pruner
	archiver   Archiver
	reconciler Reconciler
	locks      LockFactory
	cfg        Config
	now        func() time.Time
	wg         sync.WaitGroup
}

// NewMaintenanceWorker creates the worker. Either job may be nil to skip it.
func NewMaintenanceWorker(pruner Pruner, reconciler Reconciler, locks LockFactory, cfg Config) *MaintenanceWorker {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 6 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	return &MaintenanceWorker{pruner: pruner, reconciler: reconciler, locks: locks, cfg: cfg, now: time.Now}
}

// WithArchiver makes every prune archive the expiring rows first. A failed
// archive skips that cycle's prune.
func (w *MaintenanceWorker) WithArchiver(a Archiver) *MaintenanceWorker {
	w.archiver = a
	return w
}

// Start launches the job loops. They stop when ctx is cancelled; Wait
// blocks until they have.
func (w *MaintenanceWorker) Start(ctx context.Context) {
	logger.Info("maintenance worker starting",
		"prune_interval", w.cfg.PruneInterval.String(),
		"reconcile_interval", w.cfg.ReconcileInterval.String(),
		"retention", w.cfg.Retention.String())
	if w.pruner != nil {
		w.loop(ctx, "prune", w.cfg.PruneInterval, w.RunPrune)
	}
	if w.reconciler != nil {
		w.loop(ctx, "reconcile", w.cfg.ReconcileInterval, w.RunReconcile)
	}
}

// Wait blocks until every loop has exited.
func (w *MaintenanceWorker) Wait() { w.wg.Wait() }

func (w *MaintenanceWorker) loop(ctx context.Context, name string, every time.Duration, run func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			w.report(name, run(ctx))
			select {
			case <-ctx.Done():
				logger.Info("maintenance job stopping", "job", name)
				return
			case <-ticker.C:
			}
		}
	}()
}

func (w *MaintenanceWorker) report(name string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, distlock.ErrNotAcquired):
		logger.Debug("maintenance job skipped, lock held elsewhere", "job", name)
	case errors.Is(err, distlock.ErrLeaseLost):
		logger.Error("maintenance job aborted, lock lease lost", "job", name, "error", err)
	case errors.Is(err, context.Canceled):
	default:
		logger.Error("maintenance job failed", "job", name, "error", err)
	}
}

// RunPrune deletes analytics rows older than the retention window.
func (w *MaintenanceWorker) RunPrune(ctx context.Context) error {
	return distlock.RunExclusive(ctx, w.locks(pruneLockKey), func(ctx context.Context) error {
		cutoff := w.now().UTC().Add(-w.cfg.Retention)
		start := time.Now()
		if w.archiver != nil {
			archived, err := w.archiver.Archive(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("archive before prune: %w", err)
			}
			logger.Info("analytics archived", "rows", archived, "cutoff", cutoff)
		}
		n, err := w.pruner.Prune(ctx, cutoff)
		if err != nil {
			return err
		}
		logger.Info("analytics pruned", "rows", n, "cutoff", cutoff, "took", time.Since(start).String())
		return nil
	})
}

// RunReconcile corrects drifted quota counters.
func (w *MaintenanceWorker) RunReconcile(ctx context.Context) error {
	return distlock.RunExclusive(ctx, w.locks(reconcileLockKey), func(ctx context.Context) error {
		n, err := w.reconciler.Reconcile(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("quota counters reconciled", "corrected", n)
		}
		return nil
	})
}
