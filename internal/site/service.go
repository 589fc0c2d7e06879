package site

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/quota"
)

// Service implements website registration.
type Service struct {
	repo     Repository
	accounts Accounts
	guard    *quota.Guard
	now      func() time.Time
}

// NewService creates a website service.
func NewService(repo Repository, accounts Accounts, guard *quota.Guard) *Service {
	return &Service{repo: repo, accounts: accounts, guard: guard, now: time.Now}
}

// Get returns a website by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Website, error) {
	return s.repo.Get(ctx, id)
}

// Create registers a website for userID. The account's website ceiling is
// reserved before the insert and released if the insert fails.
func (s *Service) Create(ctx context.Context, userID, rawDomain string) (*domain.Website, error) {
	host := domain.NormalizeDomain(rawDomain)
	if host == "" || !strings.Contains(host, ".") || strings.ContainsAny(host, " \t") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, rawDomain)
	}

	plan, err := s.accounts.PlanFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup plan: %w", err)
	}
	plan = domain.ParsePlanTier(string(plan))

	if err := s.guard.Reserve(ctx, plan, domain.ResourceWebsites, userID); err != nil {
		return nil, err
	}

	w := &domain.Website{
		ID:        uuid.New().String(),
		UserID:    userID,
		Domain:    host,
		ScriptKey: NewScriptKey(),
		Plan:      plan,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, w); err != nil {
		s.guard.Release(ctx, domain.ResourceWebsites, userID)
		return nil, err
	}

	logger.Info("website created", "website_id", w.ID, "user_id", userID, "domain", host)
	return w, nil
}

// NewScriptKey returns a fresh opaque public key.
func NewScriptKey() string {
	return "sk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
