package domain

import "time"

// EventType enumerates the visitor events the tracking script may send.
type EventType string

const (
	EventPageView     EventType = "page_view"
	EventPricingView  EventType = "pricing_view"
	EventClick        EventType = "click"
	EventSessionStart EventType = "session_start"
	EventTimeOnSite   EventType = "time_on_site"
)

// EventTypes lists every supported event type.
var EventTypes = []EventType{
	EventPageView,
	EventPricingView,
	EventClick,
	EventSessionStart,
	EventTimeOnSite,
}

// Valid reports whether t is a supported event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is a normalized visitor event. WebsiteID is always the internal id,
// never the public script key.
type Event struct {
	ID          string            `json:"id"`
	WebsiteID   string            `json:"website_id"`
	VisitorID   string            `json:"visitor_id,omitempty"`
	ClientToken string            `json:"-"`
	Type        EventType         `json:"type"`
	UTMSource   string            `json:"utm_source,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
	ReceivedAt  time.Time         `json:"received_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
