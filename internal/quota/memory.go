package quota

import (
	"context"
	"sync"

	"github.com/ignite/intent-engine/internal/domain"
)

// MemoryCounter is a process-local Counter for tests and single-node dev runs.
type MemoryCounter struct {
	mu   sync.Mutex
	used map[string]int
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{used: make(map[string]int)}
}

func memKey(scopeID string, r domain.Resource) string { return scopeID + "|" + string(r) }

// Increment implements Counter.
func (m *MemoryCounter) Increment(_ context.Context, scopeID string, r domain.Resource, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(scopeID, r)
	if m.used[k] >= limit {
		return false, nil
	}
	m.used[k]++
	return true, nil
}

// Decrement implements Counter.
func (m *MemoryCounter) Decrement(_ context.Context, scopeID string, r domain.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(scopeID, r)
	if m.used[k] > 0 {
		m.used[k]--
	}
	return nil
}

// Count implements Counter.
func (m *MemoryCounter) Count(_ context.Context, scopeID string, r domain.Resource) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[memKey(scopeID, r)], nil
}

// Set seeds a counter, e.g. from existing rows.
func (m *MemoryCounter) Set(scopeID string, r domain.Resource, n int) {
	m.mu.Lock()
	m.used[memKey(scopeID, r)] = n
	m.mu.Unlock()
}
