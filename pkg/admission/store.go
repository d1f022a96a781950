package admission

import (
	"context"
	"sync"
	"time"

	"chatcore/pkg/clock"
)

// CounterStore is an atomic counter with expiry.
type CounterStore interface {
	// Incr atomically increments key and returns the post-increment value.
	// A missing or expired key starts again from zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the key's time-to-live.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL reports the remaining time-to-live. ok is false when the key is missing,
	// has no expiry, or the store cannot tell.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a single-process CounterStore driven by a clock.
type MemoryStore struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an empty store. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{clock: c, entries: make(map[string]*memoryEntry)}
}

// live returns the entry for key, dropping it if it has expired. Caller holds mu.
func (m *MemoryStore) live(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.live(key); e != nil {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(m.clock.Now()), true, nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if m.live(key) == nil {
			removed++
		}
	}
	return removed
}
