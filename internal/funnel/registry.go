package funnel

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown or evicted session IDs.
var ErrSessionNotFound = errors.New("session not found")

type registryEntry struct {
	store    *Store
	lastSeen time.Time
}

// Registry keeps funnel sessions in memory. Sessions idle for longer than
// the configured TTL are evicted by Sweep.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*registryEntry
	idleTTL  time.Duration
	notifier Notifier
	now      func() time.Time
	onEvict  []func(id string)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(notifier Notifier, idleTTL time.Duration) *Registry {
	return NewRegistryWithClock(notifier, idleTTL, time.Now)
}

// NewRegistryWithClock creates a registry with an injected clock for tests.
func NewRegistryWithClock(notifier Notifier, idleTTL time.Duration, now func() time.Time) *Registry {
	return &Registry{
		sessions: make(map[string]*registryEntry),
		idleTTL:  idleTTL,
		notifier: notifier,
		now:      now,
		stop:     make(chan struct{}),
	}
}

// Create starts a new session on the landing step.
func (r *Registry) Create() *Store {
	return r.CreateFor("")
}

// CreateFor starts a session for a returning browser. visitorID outlives the
// session and may be empty.
func (r *Registry) CreateFor(visitorID string) *Store {
	id := uuid.NewString()
	store := newStoreWithClock(id, r.notifier, r.now)
	store.visitor = visitorID

	r.mu.Lock()
	r.sessions[id] = &registryEntry{store: store, lastSeen: r.now()}
	r.mu.Unlock()
	return store
}

// Get returns the session and refreshes its idle timer.
func (r *Registry) Get(id string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.lastSeen = r.now()
	return e.store, nil
}

// OnEvict registers fn to run after a session is deleted or swept. Hooks
// run outside the registry lock.
func (r *Registry) OnEvict(fn func(id string)) {
	r.mu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.mu.Unlock()
}

// Delete drops a session. Unknown IDs are ignored.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	hooks := r.onEvict
	r.mu.Unlock()

	if ok {
		runHooks(hooks, []string{id})
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts idle sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var removed []string
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	hooks := r.onEvict
	r.mu.Unlock()

	runHooks(hooks, removed)
	return len(removed)
}

func runHooks(hooks []func(string), ids []string) {
	for _, id := range ids {
		for _, fn := range hooks {
			fn(id)
		}
	}
}

// StartSweeper runs Sweep every interval until Close is called.
func (r *Registry) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}
