// Package intent maintains the running purchase-intent score of a visitor.
//
// The score is a weighted sum of events. Before an event is added, the
// existing score decays once for every full inactivity window that elapsed
// since the visitor was last seen, so old visitors do not accumulate an
// unbounded score. The intent level is never computed here; it is always
// derived from the score by domain.ClassifyIntent.
package intent

import (
	"math"
	"time"

	"github.com/ignite/intent-engine/internal/domain"
)

// Weights holds the score contribution of each event type.
type Weights struct {
	PageView           float64 `yaml:"page_view"`
	PricingView        float64 `yaml:"pricing_view"`
	Click              float64 `yaml:"click"`
	SessionStart       float64 `yaml:"session_start"`
	TimeOnSite         float64 `yaml:"time_on_site"`
	RepeatSessionBonus float64 `yaml:"repeat_session_bonus"`
}

// For returns the base weight of an event type.
func (w Weights) For(t domain.EventType) float64 {
	switch t {
	case domain.EventPageView:
		return w.PageView
	case domain.EventPricingView:
		return w.PricingView
	case domain.EventClick:
		return w.Click
	case domain.EventSessionStart:
		return w.SessionStart
	case domain.EventTimeOnSite:
		return w.TimeOnSite
	default:
		return 0
	}
}

// Config tunes the scorer.
type Config struct {
	Weights          Weights       `yaml:"weights"`
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	DecayFactor      float64       `yaml:"decay_factor"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
}

// DefaultConfig returns the product defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			PageView:           1,
			PricingView:        10,
			Click:              2,
			SessionStart:       0,
			TimeOnSite:         3,
			RepeatSessionBonus: 5,
		},
		InactivityWindow: 7 * 24 * time.Hour,
		DecayFactor:      0.5,
		SessionTimeout:   30 * time.Minute,
	}
}

// Scorer applies events to visitor state. It holds no per-visitor state and
// is safe for concurrent use; callers serialize updates per visitor.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer, filling unset fields from DefaultConfig.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = def.InactivityWindow
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Scorer{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Apply mutates v with the effect of ev and returns the score delta.
// Replaying the same event applies it again; there is no deduplication.
func (s *Scorer) Apply(v *domain.Visitor, ev domain.Event) float64 {
	before := v.Score
	gap := ev.OccurredAt.Sub(v.LastSeenAt)
	if v.LastSeenAt.IsZero() {
		gap = 0
	}

	v.Score = s.Decay(v.Score, gap)

	newSession := v.SessionCount == 0 ||
		ev.Type == domain.EventSessionStart ||
		gap > s.cfg.SessionTimeout
	if newSession {
		v.SessionCount++
	}

	v.Score += s.cfg.Weights.For(ev.Type)
	if newSession && v.SessionCount > 1 {
		v.Score += s.cfg.Weights.RepeatSessionBonus
	}

	if ev.OccurredAt.After(v.LastSeenAt) {
		v.LastSeenAt = ev.OccurredAt
	}
	return v.Score - before
}

// Decay returns score reduced for the given inactivity gap. Gaps shorter
// than one window, or negative gaps from out-of-order events, leave the
// score untouched.
func (s *Scorer) Decay(score float64, gap time.Duration) float64 {
	if gap <= s.cfg.InactivityWindow {
		return score
	}
	periods := math.Floor(float64(gap) / float64(s.cfg.InactivityWindow))
	return score * math.Pow(s.cfg.DecayFactor, periods)
}
