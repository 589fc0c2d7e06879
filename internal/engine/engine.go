// Package engine composes the ingestion pipeline: normalize, resolve the
// visitor, apply the intent score under the visitor's lock, pick a campaign
// and hand the result to analytics.
//
// Every external lookup runs under its own deadline. Timeouts and backend
// failures surface as ErrTemporary so the tracking script can retry;
// analytics delivery never fails an event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/intent-engine/internal/analytics"
	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/identity"
	"github.com/ignite/intent-engine/internal/ingest"
	"github.com/ignite/intent-engine/internal/intent"
	"github.com/ignite/intent-engine/internal/metrics"
	"github.com/ignite/intent-engine/internal/pkg/logger"
	"github.com/ignite/intent-engine/internal/quota"
	"github.com/ignite/intent-engine/internal/targeting"
)

// ErrTemporary marks failures worth retrying. The underlying cause is
// wrapped alongside it.
var ErrTemporary = errors.New("temporarily unavailable")

// CampaignSource lists the campaigns taking part in targeting.
type CampaignSource interface {
	ListActive(ctx context.Context, websiteID string) ([]domain.Campaign, error)
}

// Submitter accepts analytics records without blocking.
type Submitter interface {
	Submit(rec analytics.Record) bool
}

// Config holds the engine deadlines.
type Config struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	ReportTimeout time.Duration `yaml:"report_timeout"`
}

func (c *Config) setDefaults() {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 10 * time.Second
	}
}

// Deps are the collaborators of an Engine. Metrics may be nil.
type Deps struct {
	Normalizer *ingest.Normalizer
	Resolver   *identity.Resolver
	Visitors   identity.Store
	Scorer     *intent.Scorer
	Campaigns  CampaignSource
	Evaluator  *targeting.Evaluator
	Analytics  Submitter
	Reporter   *analytics.Reporter
	Metrics    *metrics.Metrics
}

// Engine is safe for concurrent use.
type Engine struct {
	Deps
	cfg Config
	now func() time.Time
}

// New creates an engine.
func New(d Deps, cfg Config) *Engine {
	cfg.setDefaults()
	if d.Evaluator == nil {
		d.Evaluator = targeting.NewEvaluator()
	}
	return &Engine{Deps: d, cfg: cfg, now: time.Now}
}

// Result is what the tracking script gets back for one event.
type Result struct {
	VisitorID         string             `json:"visitorId"`
	ClientToken       string             `json:"clientToken"`
	IsNew             bool               `json:"isNew"`
	IntentLevel       domain.IntentLevel `json:"intentLevel"`
	Score             float64            `json:"score"`
	MatchedCampaignID *string            `json:"matchedCampaignId"`
}

// RecordEvent runs one raw event through the pipeline. On a temporary error
// after a new visitor was created, the returned Result is non-nil and
// carries only the visitor's identity.
func (e *Engine) RecordEvent(ctx context.Context, raw ingest.RawEvent) (*Result, error) {
	res, err := e.recordEvent(ctx, raw)
	label := domain.EventType(strings.ToLower(strings.TrimSpace(raw.Type)))
	if !label.Valid() {
		label = "other"
	}
	e.Metrics.EventProcessed(string(label), outcome(err))
	return res, err
}

func (e *Engine) recordEvent(ctx context.Context, raw ingest.RawEvent) (*Result, error) {
	var (
		ev domain.Event
		w  *domain.Website
	)
	err := e.bounded(ctx, func(ctx context.Context) (err error) {
		ev, w, err = e.Normalizer.Normalize(ctx, raw)
		return err
	})
	if err != nil {
		return nil, e.classify("normalize", err)
	}

	var resolved *identity.Resolution
	err = e.bounded(ctx, func(ctx context.Context) (err error) {
		resolved, err = e.Resolver.Resolve(ctx, w, ev)
		return err
	})
	if err != nil {
		var qe *quota.ExceededError
		if errors.As(err, &qe) {
			e.Metrics.QuotaBlocked(string(qe.Resource))
		}
		return nil, e.classify("resolve visitor", err)
	}
	if resolved.IsNew {
		e.Metrics.VisitorCreated()
	}
	ev.VisitorID = resolved.Visitor.ID
	ev.ClientToken = resolved.Token

	var v *domain.Visitor
	err = e.bounded(ctx, func(ctx context.Context) (err error) {
		v, err = e.Visitors.Update(ctx, ev.VisitorID, func(v *domain.Visitor) error {
			e.Scorer.Apply(v, ev)
			return nil
		})
		return err
	})
	if err != nil {
		// The visitor row exists and holds a quota slot. Hand its token back
		// so the retry lands on it instead of minting another visitor.
		var partial *Result
		if resolved.IsNew {
			partial = &Result{VisitorID: ev.VisitorID, ClientToken: resolved.Token, IsNew: true}
		}
		return partial, e.classify("score visitor", err)
	}

	res := &Result{
		VisitorID:   v.ID,
		ClientToken: resolved.Token,
		IsNew:       resolved.IsNew,
		IntentLevel: v.IntentLevel(),
		Score:       v.Score,
	}
	if c := e.selectCampaign(ctx, w.ID, v); c != nil {
		id := c.ID
		res.MatchedCampaignID = &id
	}

	if e.Analytics != nil && !e.Analytics.Submit(analytics.RecordFor(ev, v, resolved.IsNew)) {
		logger.Warn("analytics record not queued", "website_id", w.ID, "visitor_id", v.ID)
	}
	return res, nil
}

// selectCampaign degrades to "no campaign" when the campaign lookup fails:
// the visitor update already committed, so failing the event would make the
// script replay it and double count.
func (e *Engine) selectCampaign(ctx context.Context, websiteID string, v *domain.Visitor) *domain.Campaign {
	if e.Campaigns == nil {
		return nil
	}
	var campaigns []domain.Campaign
	err := e.bounded(ctx, func(ctx context.Context) (err error) {
		campaigns, err = e.Campaigns.ListActive(ctx, websiteID)
		return err
	})
	if err != nil {
		logger.Warn("campaign lookup failed, serving none", "website_id", websiteID, "error", err)
		e.Metrics.CampaignDecision(false)
		return nil
	}
	c := e.Evaluator.Select(targeting.FactsFor(v), campaigns)
	e.Metrics.CampaignDecision(c != nil)
	return c
}

// GetVisitorSummary reports on the trailing period ending now.
func (e *Engine) GetVisitorSummary(ctx context.Context, websiteID, period string) (*analytics.Summary, error) {
	p, err := analytics.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReportTimeout)
	defer cancel()
	s, err := e.Reporter.Summary(ctx, websiteID, p, e.now())
	if err != nil {
		return nil, fmt.Errorf("%w: summary: %w", ErrTemporary, err)
	}
	return s, nil
}

func (e *Engine) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()
	return fn(ctx)
}

// classify passes caller-facing errors through and marks everything else
// as temporary.
func (e *Engine) classify(step string, err error) error {
	switch {
	case errors.Is(err, ingest.ErrUnknownSite),
		errors.Is(err, ingest.ErrUnsupportedEventType),
		errors.Is(err, quota.ErrQuotaExceeded):
		return err
	}
	logger.Warn("event failed with retryable error", "step", step, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrTemporary, step, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ingest.ErrUnknownSite):
		return "unknown_site"
	case errors.Is(err, ingest.ErrUnsupportedEventType):
		return "unsupported_type"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "quota_exceeded"
	default:
		return "temporary"
	}
}
