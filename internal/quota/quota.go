// Package quota enforces plan ceilings on visitors, campaigns and websites.
//
// Enforcement is reserve-then-create: a slot is atomically claimed on a
// usage counter before the resource row is written, and released again if
// the write does not happen. Counts are never cached between requests.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/pkg/logger"
)

// ErrQuotaExceeded matches any *ExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError reports which ceiling blocked a creation.
type ExceededError struct {
	Resource domain.Resource
	Limit    int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit %d", e.Resource, e.Limit)
}

// Is lets errors.Is(err, ErrQuotaExceeded) match.
func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Counter is an atomic usage counter keyed by (scope, resource).
// Implementations must make Increment a single compare-and-increment.
type Counter interface {
	// Increment adds one to the counter if the current value is below limit.
	// It returns false when the limit has already been reached.
	Increment(ctx context.Context, scopeID string, r domain.Resource, limit int) (bool, error)
	// Decrement subtracts one, never going below zero.
	Decrement(ctx context.Context, scopeID string, r domain.Resource) error
	// Count returns the current value.
	Count(ctx context.Context, scopeID string, r domain.Resource) (int, error)
}

// LimitFunc resolves a tier to its ceilings.
type LimitFunc func(domain.PlanTier) domain.PlanLimits

// Guard is the single enforcement point for plan ceilings.
type Guard struct {
	counter Counter
	limits  LimitFunc
}

// NewGuard creates a guard. A nil limits func uses domain.LimitsFor.
func NewGuard(counter Counter, limits LimitFunc) *Guard {
	if limits == nil {
		limits = domain.LimitsFor
	}
	return &Guard{counter: counter, limits: limits}
}

// Limit returns the ceiling the guard applies for plan and resource.
func (g *Guard) Limit(plan domain.PlanTier, r domain.Resource) int {
	return g.limits(domain.ParsePlanTier(string(plan))).For(r)
}

// Reserve claims one unit of r for scopeID. The caller must Release the
// reservation if the resource is not created afterwards.
func (g *Guard) Reserve(ctx context.Context, plan domain.PlanTier, r domain.Resource, scopeID string) error {
	limit := g.Limit(plan, r)
	if limit <= 0 {
		return &ExceededError{Resource: r, Limit: limit}
	}
	ok, err := g.counter.Increment(ctx, scopeID, r, limit)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", r, err)
	}
	if !ok {
		logger.Info("quota blocked creation", "resource", string(r), "scope_id", scopeID, "limit", limit, "plan", string(plan))
		return &ExceededError{Resource: r, Limit: limit}
	}
	return nil
}

// Release returns a previously reserved unit.
func (g *Guard) Release(ctx context.Context, r domain.Resource, scopeID string) {
	if err := g.counter.Decrement(ctx, scopeID, r); err != nil {
		logger.Error("quota release failed", "resource", string(r), "scope_id", scopeID, "error", err)
	}
}

// Usage returns the current count and the ceiling for a scope.
func (g *Guard) Usage(ctx context.Context, plan domain.PlanTier, r domain.Resource, scopeID string) (used, limit int, err error) {
	used, err = g.counter.Count(ctx, scopeID, r)
	if err != nil {
		return 0, 0, fmt.Errorf("count %s: %w", r, err)
	}
	return used, g.Limit(plan, r), nil
}
