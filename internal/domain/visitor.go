package domain

import "time"

// IntentLevel is the coarse purchase-intent classification of a visitor.
type IntentLevel string

const (
	IntentLow    IntentLevel = "low"
	IntentMedium IntentLevel = "medium"
	IntentHigh   IntentLevel = "high"
)

// Classification cut points. A score at or above the cut point belongs to
// that level.
const (
	MediumIntentThreshold = 10.0
	HighIntentThreshold   = 25.0
)

// ClassifyIntent maps a score to its intent level. It is the only place a
// level is produced; levels are never persisted.
func ClassifyIntent(score float64) IntentLevel {
	switch {
	case score >= HighIntentThreshold:
		return IntentHigh
	case score >= MediumIntentThreshold:
		return IntentMedium
	default:
		return IntentLow
	}
}

// Rank orders levels so they can be compared: low < medium < high.
// Unknown levels rank below low.
func (l IntentLevel) Rank() int {
	switch l {
	case IntentLow:
		return 1
	case IntentMedium:
		return 2
	case IntentHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether l is one of the known levels.
func (l IntentLevel) Valid() bool { return l.Rank() > 0 }

// Visitor is a per-website anonymous identity.
type Visitor struct {
	ID           string    `json:"id" db:"id"`
	WebsiteID    string    `json:"website_id" db:"website_id"`
	ClientToken  string    `json:"-" db:"client_token"`
	FirstSeenAt  time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
	Score        float64   `json:"score" db:"score"`
	UTMSource    string    `json:"utm_source,omitempty" db:"utm_source"`
	SessionCount int       `json:"session_count" db:"session_count"`
}

// IntentLevel derives the visitor's level from the current score.
func (v *Visitor) IntentLevel() IntentLevel {
	return ClassifyIntent(v.Score)
}

// IsReturning is true once the visitor has started more than one session.
func (v *Visitor) IsReturning() bool {
	return v.SessionCount > 1
}
