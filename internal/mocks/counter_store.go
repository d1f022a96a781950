package mocks

import (
	"context"
	"sync"
	"time"
)

// MockCounterStore is a scripted counter store. Counts never expire on their own.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockCounterStore struct {
	// Err, when set, is returned by every operation.
	Err error
	// TTLUnknown makes TTL report that the remaining time is not available.
	TTLUnknown bool

	counts      map[string]int64
	ttls        map[string]time.Duration
	ExpireCalls []string

	mu sync.Mutex
}

// NewMockCounterStore creates an empty store.
func NewMockCounterStore() *MockCounterStore {
	return &MockCounterStore{counts: make(map[string]int64), ttls: make(map[string]time.Duration)}
}

func (m *MockCounterStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MockCounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.ExpireCalls = append(m.ExpireCalls, key)
	m.ttls[key] = ttl
	return nil
}

func (m *MockCounterStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, false, m.Err
	}
	if m.TTLUnknown {
		return 0, false, nil
	}
	ttl, ok := m.ttls[key]
	return ttl, ok, nil
}

// SetTTL overrides the remaining time reported for key.
func (m *MockCounterStore) SetTTL(key string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = ttl
}

// Count returns the current count for key.
func (m *MockCounterStore) Count(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}
