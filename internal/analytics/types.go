// Package analytics rolls visitor events up into trailing-window reports.
//
// Writes are detached from ingestion: the Aggregator accepts records without
// blocking and delivers them to a Sink in the background, preserving
// arrival order per visitor. Reports are computed at query time over the
// trailing window ending "now", never from pre-materialized buckets.
package analytics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/intent-engine/internal/domain"
)

// Sentinel errors for analytics.
var (
	ErrUnsupportedPeriod = errors.New("unsupported period")
	ErrAggregationFailed = errors.New("aggregation failed")
)

// Period is one of the fixed reporting windows.
type Period string

const (
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
	Period90d Period = "90d"
)

// Periods lists the supported windows, shortest first.
var Periods = []Period{Period24h, Period7d, Period30d, Period90d}

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if p.Duration() == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPeriod, s)
	}
	return p, nil
}

// Duration returns the window length, or 0 for unknown periods.
func (p Period) Duration() time.Duration {
	switch p {
	case Period24h:
		return 24 * time.Hour
	case Period7d:
		return 7 * 24 * time.Hour
	case Period30d:
		return 30 * 24 * time.Hour
	case Period90d:
		return 90 * 24 * time.Hour
	default:
		return 0
	}
}

// Window returns the trailing [from, to] range ending at now.
func (p Period) Window(now time.Time) (from, to time.Time) {
	to = now.UTC()
	return to.Add(-p.Duration()), to
}

// Record is one ingested event as seen by analytics: the event plus the
// visitor state right after it was applied.
type Record struct {
	EventID      string           `json:"event_id"`
	WebsiteID    string           `json:"website_id"`
	VisitorID    string           `json:"visitor_id"`
	EventType    domain.EventType `json:"event_type"`
	IsNew        bool             `json:"is_new"`
	UTMSource    string           `json:"utm_source,omitempty"`
	FirstSeenAt  time.Time        `json:"first_seen_at"`
	Score        float64          `json:"score"`
	SessionCount int              `json:"session_count"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// RecordFor builds the analytics record of an applied event.
func RecordFor(ev domain.Event, v *domain.Visitor, isNew bool) Record {
	return Record{
		EventID:      ev.ID,
		WebsiteID:    v.WebsiteID,
		VisitorID:    v.ID,
		EventType:    ev.Type,
		IsNew:        isNew,
		UTMSource:    v.UTMSource,
		FirstSeenAt:  v.FirstSeenAt,
		Score:        v.Score,
		SessionCount: v.SessionCount,
		OccurredAt:   ev.OccurredAt,
	}
}

// Snapshot is the latest known state of one visitor inside a window.
type Snapshot struct {
	VisitorID   string
	FirstSeenAt time.Time
	UTMSource   string
	Score       float64
}

// DirectSource labels visitors whose first touch carried no UTM source.
const DirectSource = "(direct)"

// Summary is the visitor report for one website and period.
type Summary struct {
	WebsiteID          string                     `json:"websiteId"`
	Period             Period                     `json:"period"`
	From               time.Time                  `json:"from"`
	To                 time.Time                  `json:"to"`
	NewCount           int                        `json:"newCount"`
	ReturningCount     int                        `json:"returningCount"`
	IntentDistribution map[domain.IntentLevel]int `json:"intentDistribution"`
	SourceBreakdown    map[string]int             `json:"sourceBreakdown"`
}

// Summarize folds per-visitor snapshots into a report. A visitor is new
// when first seen inside the window, returning otherwise. Intent levels are
// classified from the snapshot score at report time.
func Summarize(websiteID string, p Period, from, to time.Time, snaps []Snapshot) Summary {
	s := Summary{
		WebsiteID: websiteID,
		Period:    p,
		From:      from,
		To:        to,
		IntentDistribution: map[domain.IntentLevel]int{
			domain.IntentLow:    0,
			domain.IntentMedium: 0,
			domain.IntentHigh:   0,
		},
		SourceBreakdown: map[string]int{},
	}
	for _, snap := range snaps {
		if snap.FirstSeenAt.Before(from) {
			s.ReturningCount++
		} else {
			s.NewCount++
		}
		s.IntentDistribution[domain.ClassifyIntent(snap.Score)]++
		src := snap.UTMSource
		if src == "" {
			src = DirectSource
		}
		s.SourceBreakdown[src]++
	}
	return s
}

// TopSources returns the source breakdown sorted by count, then name.
func (s Summary) TopSources() []string {
	out := make([]string, 0, len(s.SourceBreakdown))
	for k := range s.SourceBreakdown {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := s.SourceBreakdown[out[i]], s.SourceBreakdown[out[j]]
		if ci != cj {
			return ci > cj
		}
		return out[i] < out[j]
	})
	return out
}
