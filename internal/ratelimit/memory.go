package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count     int
	resetTime time.Time
}

// MemoryStore keeps counters in process. Counts are not shared between
// instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// Hit applies the fixed-window rule: a request after resetTime starts a new
// window with count 1; otherwise the count grows until MaxRequests.
func (m *MemoryStore) Hit(_ context.Context, identifier string, cfg Config, now time.Time) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[identifier]
	if ok && now.After(e.resetTime) {
		delete(m.entries, identifier)
		ok = false
	}

	if !ok {
		e = &entry{count: 1, resetTime: now.Add(cfg.Window)}
		m.entries[identifier] = e
		return Result{Success: true, RemainingRequests: cfg.MaxRequests - 1, ResetTime: e.resetTime}, nil
	}

	if e.count >= cfg.MaxRequests {
		return Result{Success: false, RemainingRequests: 0, ResetTime: e.resetTime}, nil
	}

	e.count++
	return Result{Success: true, RemainingRequests: cfg.MaxRequests - e.count, ResetTime: e.resetTime}, nil
}

// Sweep drops entries whose window ended before now.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if now.After(e.resetTime) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartSweeper runs Sweep every interval until Close.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				m.Sweep(now)
			case <-m.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
