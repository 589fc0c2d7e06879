// Package identity maps client tokens to durable, per-website visitors.
//
// Identity is scoped by (website, token): the same token on two websites
// resolves to two visitors. Creation goes through the quota guard and an
// insert-if-absent, so concurrent first events for one token create exactly
// one row.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/quota"
)

// Sentinel errors for identity resolution.
var (
	ErrNotFound         = errors.New("visitor not found")
	ErrConcurrentCreate = errors.New("concurrent visitor creation conflict")
)

// Store is the visitor persistence contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// Find returns the visitor for (websiteID, token) or ErrNotFound.
	Find(ctx context.Context, websiteID, token string) (*domain.Visitor, error)

	// Insert creates v unless a visitor with the same (website, token)
	// already exists, in which case it returns false and writes nothing.
	Insert(ctx context.Context, v *domain.Visitor) (bool, error)

	// Update applies fn to the visitor under an exclusive per-visitor lock
	// and persists the result. Concurrent updates never interleave.
	Update(ctx context.Context, visitorID string, fn func(v *domain.Visitor) error) (*domain.Visitor, error)
}

// Resolution is the outcome of resolving one event's identity.
type Resolution struct {
	Visitor *domain.Visitor
	IsNew   bool
	// Token is the client token the caller should persist; it differs from
	// the inbound one when a fresh token had to be minted.
	Token string
}

// Resolver finds or creates visitors.
type Resolver struct {
	store Store
	guard *quota.Guard
}

// NewResolver creates a resolver.
func NewResolver(store Store, guard *quota.Guard) *Resolver {
	return &Resolver{store: store, guard: guard}
}

// Resolve returns the visitor for ev.ClientToken on w, creating it when the
// token is unknown. Known visitors are never quota-checked.
func (r *Resolver) Resolve(ctx context.Context, w *domain.Website, ev domain.Event) (*Resolution, error) {
	token := ev.ClientToken
	if token == "" {
		token = NewToken()
	} else {
		v, err := r.store.Find(ctx, w.ID, token)
		if err == nil {
			return &Resolution{Visitor: v, Token: token}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("find visitor: %w", err)
		}
	}

	res, err := r.create(ctx, w, token, ev)
	if errors.Is(err, ErrConcurrentCreate) {
		// Another request created the same identity between our lookup and
		// insert; it is now visible.
		v, ferr := r.store.Find(ctx, w.ID, token)
		if ferr == nil {
			logger.Debug("visitor resolved after create conflict", "website_id", w.ID, "client_token", token)
			return &Resolution{Visitor: v, Token: token}, nil
		}
		if !errors.Is(ferr, ErrNotFound) {
			return nil, fmt.Errorf("re-resolve visitor: %w", ferr)
		}
		return nil, err
	}
	return res, err
}

func (r *Resolver) create(ctx context.Context, w *domain.Website, token string, ev domain.Event) (*Resolution, error) {
	if err := r.guard.Reserve(ctx, w.Plan, domain.ResourceVisitors, w.ID); err != nil {
		return nil, err
	}

	v := &domain.Visitor{
		ID:          uuid.New().String(),
		WebsiteID:   w.ID,
		ClientToken: token,
		FirstSeenAt: ev.OccurredAt,
		LastSeenAt:  ev.OccurredAt,
		UTMSource:   ev.UTMSource,
	}
	inserted, err := r.store.Insert(ctx, v)
	if err != nil {
		r.guard.Release(ctx, domain.ResourceVisitors, w.ID)
		return nil, fmt.Errorf("insert visitor: %w", err)
	}
	if !inserted {
		r.guard.Release(ctx, domain.ResourceVisitors, w.ID)
		return nil, ErrConcurrentCreate
	}

	logger.Debug("visitor created", "website_id", w.ID, "visitor_id", v.ID, "client_token", token)
	return &Resolution{Visitor: v, IsNew: true, Token: token}, nil
}

// NewToken mints a client token for visitors that arrive without one.
func NewToken() string {
	return uuid.New().String()
}
