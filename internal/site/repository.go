package site

import (
	"context"

	"github.com/ignite/intent-engine/internal/domain"
)

// Repository defines the data access contract for websites.
// Implementations must be safe for concurrent use.
type Repository interface {
	// ByScriptKey returns the non-deleted website owning key, with the
	// owner's plan populated. Returns ErrNotFound otherwise.
	ByScriptKey(ctx context.Context, key string) (*domain.Website, error)

	// Get returns a website by internal id. Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*domain.Website, error)

	// Create inserts a website. Returns ErrDuplicateDomain when the
	// (user, domain) pair already exists.
	Create(ctx context.Context, w *domain.Website) error
}

// Accounts resolves an account's subscription tier.
type Accounts interface {
	// PlanFor returns the raw tier; unknown values are handled by the caller.
	PlanFor(ctx context.Context, userID string) (domain.PlanTier, error)
}
