// ABOUTME: Mock FleetLog implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockStore is an in-memory FleetLog implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []FleetEvent
	err    error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// FailWith makes subsequent appends return err.
func (m *MockStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// AppendFleetEvent stores a copy of e.
func (m *MockStore) AppendFleetEvent(ctx context.Context, e *FleetEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if err := prepare(e, uuid.NewString); err != nil {
		return err
	}
	m.events = append(m.events, *e)
	return nil
}

// ListFleetEvents returns matching events newest first.
func (m *MockStore) ListFleetEvents(ctx context.Context, f EventFilter) ([]FleetEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(f.Limit)
	out := []FleetEvent{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if f.AgentID != nil && e.AgentID != *f.AgentID {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Compile-time interface checks.
var (
	_ FleetLog = (*SQLiteStore)(nil)
	_ FleetLog = (*MockStore)(nil)
)
