package analytics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Sink receives analytics records. Writes may be retried, so
// implementations should tolerate seeing the same EventID twice.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Store is a Sink that can also answer window queries.
type Store interface {
	Sink
	// Snapshots returns the latest record per visitor with OccurredAt in
	// [from, to].
	Snapshots(ctx context.Context, websiteID string, from, to time.Time) ([]Snapshot, error)
	// Prune deletes records older than before and returns how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Reporter answers summary queries.
type Reporter struct {
	store Store
}

// NewReporter creates a reporter over store.
func NewReporter(store Store) *Reporter { return &Reporter{store: store} }

// Summary computes the report for the trailing period ending at now.
func (r *Reporter) Summary(ctx context.Context, websiteID string, p Period, now time.Time) (*Summary, error) {
	if p.Duration() == 0 {
		return nil, ErrUnsupportedPeriod
	}
	from, to := p.Window(now)
	snaps, err := r.store.Snapshots(ctx, websiteID, from, to)
	if err != nil {
		return nil, err
	}
	s := Summarize(websiteID, p, from, to, snaps)
	return &s, nil
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	seen    map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: map[string]bool{}}
}

// Write implements Sink. Duplicate event ids are ignored.
func (m *MemoryStore) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.EventID != "" {
		if m.seen[rec.EventID] {
			return nil
		}
		m.seen[rec.EventID] = true
	}
	m.records = append(m.records, rec)
	return nil
}

// Snapshots implements Store.
func (m *MemoryStore) Snapshots(_ context.Context, websiteID string, from, to time.Time) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]Record{}
	for _, r := range m.records {
		if r.WebsiteID != websiteID || r.OccurredAt.Before(from) || r.OccurredAt.After(to) {
			continue
		}
		if cur, ok := latest[r.VisitorID]; !ok || !r.OccurredAt.Before(cur.OccurredAt) {
			latest[r.VisitorID] = r
		}
	}
	out := make([]Snapshot, 0, len(latest))
	for _, r := range latest {
		out = append(out, Snapshot{VisitorID: r.VisitorID, FirstSeenAt: r.FirstSeenAt, UTMSource: r.UTMSource, Score: r.Score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitorID < out[j].VisitorID })
	return out, nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.OccurredAt.Before(before) {
			n++
			delete(m.seen, r.EventID)
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

// Records returns a copy of everything written, in write order.
func (m *MemoryStore) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
