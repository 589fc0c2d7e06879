package domain

import (
	"encoding/json"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a popup campaign.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignPaused   CampaignStatus = "paused"
	CampaignArchived CampaignStatus = "archived"
)

// Campaign is a popup campaign with its targeting rules. Rules are kept in
// their stored JSON form; the targeting package compiles them.
type Campaign struct {
	ID        string          `json:"id" db:"id"`
	WebsiteID string          `json:"website_id" db:"website_id"`
	Name      string          `json:"name" db:"name"`
	Status    CampaignStatus  `json:"status" db:"status"`
	Rules     json.RawMessage `json:"rules" db:"rules"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign can no longer change status.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignArchived
}

// IsActive reports whether the campaign takes part in targeting.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignActive
}
