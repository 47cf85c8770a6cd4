package settings

import (
	"context"
	"sync"
)

// MemoryStore keeps settings in process memory. It backs ephemeral CLI runs
// (--ephemeral) and tests.
type MemoryStore struct {
	mu sync.Mutex
	s  SensitiveSettings
}

// NewMemoryStore creates a store holding initial.
func NewMemoryStore(initial SensitiveSettings) *MemoryStore {
	return &MemoryStore{s: initial}
}

func (m *MemoryStore) Load(_ context.Context) (SensitiveSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, nil
}

func (m *MemoryStore) Update(_ context.Context, fn func(*SensitiveSettings) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.s
	if err := fn(&next); err != nil {
		return err
	}
	m.s = next
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = SensitiveSettings{}
	return nil
}
