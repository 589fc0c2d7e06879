package identity

import (
	"context"
	"sync"

	"github.com/ignite/intent-engine/internal/domain"
)

// MemoryStore is a process-local Store. A single mutex serializes all
// writes, which trivially satisfies the per-visitor ordering contract.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*domain.Visitor
	byToken map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]*domain.Visitor{}, byToken: map[string]string{}}
}

func tokenKey(websiteID, token string) string { return websiteID + "|" + token }

// Find implements Store.
func (m *MemoryStore) Find(_ context.Context, websiteID, token string) (*domain.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[tokenKey(websiteID, token)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, v *domain.Visitor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tokenKey(v.WebsiteID, v.ClientToken)
	if _, exists := m.byToken[k]; exists {
		return false, nil
	}
	cp := *v
	m.byID[v.ID] = &cp
	m.byToken[k] = v.ID
	return true, nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, visitorID string, fn func(v *domain.Visitor) error) (*domain.Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[visitorID]
	if !ok {
		return nil, ErrNotFound
	}
	next := *cur
	if err := fn(&next); err != nil {
		return nil, err
	}
	*cur = next
	out := next
	return &out, nil
}

// Len returns the number of stored visitors.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
