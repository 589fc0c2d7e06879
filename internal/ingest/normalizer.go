// Package ingest validates and canonicalizes raw events from the tracking
// script before any visitor state is touched.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ignite/intent-engine/internal/domain"
	"github.com/ignite/intent-engine/internal/site"
)

// Sentinel errors for event normalization.
var (
	ErrUnknownSite          = errors.New("unknown site")
	ErrUnsupportedEventType = errors.New("unsupported event type")
)

// Limits on client-supplied fields.
const (
	MaxUTMSourceLen   = 128
	MaxClientTokenLen = 128
	MaxMetadataKeys   = 32
	MaxMetadataValLen = 512
	DefaultClockSkew  = 5 * time.Minute
)

// RawEvent is the payload posted by the tracking script.
type RawEvent struct {
	ScriptKey   string            `json:"scriptKey"`
	ClientToken string            `json:"clientToken,omitempty"`
	Type        string            `json:"type"`
	UTMSource   string            `json:"utmSource,omitempty"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SiteLookup resolves public script keys.
type SiteLookup interface {
	ByScriptKey(ctx context.Context, key string) (*domain.Website, error)
}

// Normalizer turns RawEvents into domain events. It performs no writes.
type Normalizer struct {
	sites SiteLookup
	skew  time.Duration
	now   func() time.Time
}

// NewNormalizer creates a normalizer. A non-positive skew uses DefaultClockSkew.
func NewNormalizer(sites SiteLookup, skew time.Duration, now func() time.Time) *Normalizer {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{sites: sites, skew: skew, now: now}
}

// Normalize validates raw and returns the canonical event together with the
// website it belongs to.
func (n *Normalizer) Normalize(ctx context.Context, raw RawEvent) (domain.Event, *domain.Website, error) {
	typ := domain.EventType(strings.ToLower(strings.TrimSpace(raw.Type)))
	if !typ.Valid() {
		return domain.Event{}, nil, fmt.Errorf("%w: %q", ErrUnsupportedEventType, raw.Type)
	}

	key := strings.TrimSpace(raw.ScriptKey)
	if key == "" {
		return domain.Event{}, nil, ErrUnknownSite
	}
	w, err := n.sites.ByScriptKey(ctx, key)
	if errors.Is(err, site.ErrNotFound) {
		return domain.Event{}, nil, ErrUnknownSite
	}
	if err != nil {
		return domain.Event{}, nil, fmt.Errorf("resolve script key: %w", err)
	}
	if w == nil || w.IsDeleted() {
		return domain.Event{}, nil, ErrUnknownSite
	}

	now := n.now().UTC()
	ev := domain.Event{
		ID:          uuid.New().String(),
		WebsiteID:   w.ID,
		ClientToken: CleanToken(raw.ClientToken),
		Type:        typ,
		UTMSource:   CleanUTMSource(raw.UTMSource),
		OccurredAt:  ClampTimestamp(raw.Timestamp, now, n.skew),
		ReceivedAt:  now,
		Metadata:    cleanMetadata(raw.Metadata),
	}
	return ev, w, nil
}

// ClampTimestamp returns ts when it lies within ±skew of now and now
// otherwise. Client clocks are untrusted, so out-of-window timestamps are
// replaced rather than rejected.
func ClampTimestamp(ts *time.Time, now time.Time, skew time.Duration) time.Time {
	if ts == nil || ts.IsZero() {
		return now
	}
	t := ts.UTC()
	if t.Before(now.Add(-skew)) || t.After(now.Add(skew)) {
		return now
	}
	return t
}

// CleanUTMSource lower-cases, trims and truncates a UTM source.
func CleanUTMSource(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return truncate(s, MaxUTMSourceLen)
}

// CleanToken trims the client token; oversize tokens are dropped so that a
// fresh identity is minted instead.
func CleanToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > MaxClientTokenLen {
		return ""
	}
	return s
}

func cleanMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if len(out) >= MaxMetadataKeys {
			break
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = truncate(v, MaxMetadataValLen)
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence;
// Postgres rejects invalid UTF-8 in text columns.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
