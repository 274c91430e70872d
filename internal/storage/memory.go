package storage

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps claims in-process. It mirrors the sqlite store's
// semantics but offers no durability; meant for tests and throwaway runs.
type memoryStore struct {
	mu      sync.Mutex
	claimed map[string]time.Time
	closed  bool
}

func newMemory() *memoryStore {
	return &memoryStore{claimed: make(map[string]time.Time)}
}

func (m *memoryStore) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.claimed[key]; ok {
		return false, nil
	}
	m.claimed[key] = time.Now().UTC()
	return true, nil
}

func (m *memoryStore) Seen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.claimed[key]
	return ok, nil
}

func (m *memoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	st := Stats{Total: int64(len(m.claimed))}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	for _, at := range m.claimed {
		if !at.Before(dayStart) {
			st.Today++
		}
	}
	return st, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
