package campaign

import (
	"context"

	"github.com/ignite/intent-engine/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns the campaigns of a website, newest first. An empty
	// status returns every status.
	List(ctx context.Context, websiteID string, status domain.CampaignStatus) ([]domain.Campaign, error)

	// Create inserts a new campaign and returns its ID.
	Create(ctx context.Context, c *domain.Campaign) (string, error)

	// UpdateStatus moves a campaign from one status to another. It returns
	// ErrNotFound when no campaign with that id is currently in from.
	UpdateStatus(ctx context.Context, id string, from, to domain.CampaignStatus) error
}

// Websites resolves the website a campaign is created for.
type Websites interface {
	Get(ctx context.Context, id string) (*domain.Website, error)
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name   string `json:"name"`
	Rules  []byte `json:"-"`
	Paused bool   `json:"paused"`
}
