package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/quota"
	"github.com/ignite/intent-engine/internal/targeting"
)

// Service implements campaign business logic. All public methods are safe
// for concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo     Repository
	websites Websites
	guard    *quota.Guard
	now      func() time.Time
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository, websites Websites, guard *quota.Guard) *Service {
	return &Service{repo: repo, websites: websites, guard: guard, now: time.Now}
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns the campaigns of a website.
func (s *Service) List(ctx context.Context, websiteID string, status domain.CampaignStatus) ([]domain.Campaign, error) {
	return s.repo.List(ctx, websiteID, status)
}

// ListActive returns the campaigns taking part in targeting.
func (s *Service) ListActive(ctx context.Context, websiteID string) ([]domain.Campaign, error) {
	return s.repo.List(ctx, websiteID, domain.CampaignActive)
}

// Create validates the rules and persists a new campaign. The website's
// campaign ceiling is reserved first and released if the insert fails.
func (s *Service) Create(ctx context.Context, websiteID string, input CreateInput) (*domain.Campaign, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	rules := input.Rules
	if len(rules) == 0 {
		rules = []byte("[]")
	}
	if _, err := targeting.ParseRules(rules); err != nil {
		return nil, err
	}

	w, err := s.websites.Get(ctx, websiteID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Reserve(ctx, w.Plan, domain.ResourceCampaigns, w.ID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &domain.Campaign{
		ID:        uuid.New().String(),
		WebsiteID: w.ID,
		Name:      name,
		Status:    domain.CampaignActive,
		Rules:     rules,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.Paused {
		c.Status = domain.CampaignPaused
	}

	id, err := s.repo.Create(ctx, c)
	if err != nil {
		s.guard.Release(ctx, domain.ResourceCampaigns, w.ID)
		return nil, err
	}
	c.ID = id
	logger.Info("campaign created", "campaign_id", c.ID, "website_id", w.ID, "status", string(c.Status))
	return c, nil
}

// Pause stops an active campaign from matching.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignPaused)
}

// Activate resumes a paused campaign.
func (s *Service) Activate(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignActive)
}

// Archive retires a campaign for good and frees its quota slot.
func (s *Service) Archive(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.transition(ctx, id, domain.CampaignArchived)
	if err != nil {
		return nil, err
	}
	s.guard.Release(ctx, domain.ResourceCampaigns, c.WebsiteID)
	return c, nil
}

func (s *Service) transition(ctx context.Context, id string, to domain.CampaignStatus) (*domain.Campaign, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsTerminal() {
		return nil, fmt.Errorf("%w: campaign %s is archived", ErrInvalidTransition, id)
	}
	if c.Status == to {
		return c, nil
	}

	from := c.Status
	if err := s.repo.UpdateStatus(ctx, id, from, to); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Status changed underneath us.
			return nil, fmt.Errorf("%w: campaign %s is no longer %s", ErrInvalidTransition, id, from)
		}
		return nil, fmt.Errorf("transition to %s: %w", to, err)
	}
	c.Status = to
	c.UpdatedAt = s.now().UTC()
	logger.Info("campaign status changed", "campaign_id", id, "from", string(from), "to", string(to))
	return c, nil
}
