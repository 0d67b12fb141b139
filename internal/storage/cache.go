package storage

import (
	"context"
	"sync"
	"time"

	"popup-policy-engine/internal/popup"
)

// MemoryDismissals keeps dismissal state in process. Used when no database is
// configured and in tests.
type MemoryDismissals struct {
	mu     sync.RWMutex
	states map[popup.Subject]popup.DismissalState
}

func NewMemoryDismissals() *MemoryDismissals {
	return &MemoryDismissals{states: map[popup.Subject]popup.DismissalState{}}
}

func (m *MemoryDismissals) LoadDismissal(_ context.Context, s popup.Subject) (popup.DismissalState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[s], nil
}

func (m *MemoryDismissals) RecordLater(_ context.Context, s popup.Subject, at time.Time) (popup.DismissalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[s].Later(at)
	m.states[s] = st
	return st, nil
}

func (m *MemoryDismissals) RecordNoticeSeen(_ context.Context, s popup.Subject, version int) (popup.DismissalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[s].NoticeSeen(version)
	m.states[s] = st
	return st, nil
}
