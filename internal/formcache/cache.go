// Package formcache persists the non-sensitive checkout fields (name and
// email) with a time-to-live so a returning customer does not retype them.
// Card number, expiry and CVC have no representation here.
package formcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
)

const (
	// KeyPrefix namespaces the safe form record.
	KeyPrefix = "checkout-safe-form"

	// LegacyKeyPrefix is the record older releases wrote, which included card
	// data. It is only ever removed.
	LegacyKeyPrefix = "checkout-form"

	// DefaultTTLMinutes is how long a saved form stays usable.
	DefaultTTLMinutes = 30
)

// Storage is a string key/value backend.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Expirer is implemented by storages that can drop records by age. Records
// are aged by their last write.
type Expirer interface {
	RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type record struct {
	Data      model.SafeCheckoutForm `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Cache reads and writes safe form records.
type Cache struct {
	storage Storage
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache. A non-positive ttlMinutes uses DefaultTTLMinutes.
func New(storage Storage, ttlMinutes int) *Cache {
	if ttlMinutes <= 0 {
		ttlMinutes = DefaultTTLMinutes
	}
	return &Cache{
		storage: storage,
		ttl:     time.Duration(ttlMinutes) * time.Minute,
		now:     time.Now,
		logger:  slog.Default(),
		stop:    make(chan struct{}),
	}
}

// WithClock replaces the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Key returns the storage key for a visitor. Records are keyed by the
// browser, not the funnel session, so they survive a new session.
func Key(owner string) string {
	return KeyPrefix + ":" + owner
}

// LegacyKey returns the pre-migration storage key.
func LegacyKey(owner string) string {
	return LegacyKeyPrefix + ":" + owner
}

// Load returns the saved form, or the zero form when nothing usable is
// stored. Expired and malformed records are removed.
func (c *Cache) Load(ctx context.Context, key string) (model.SafeCheckoutForm, error) {
	raw, ok, err := c.storage.Get(ctx, key)
	if err != nil {
		return model.SafeCheckoutForm{}, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return model.SafeCheckoutForm{}, nil
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.logger.Warn("form_cache_malformed", "key", key, "error", err)
		return model.SafeCheckoutForm{}, c.remove(ctx, key)
	}

	expiresAt := time.UnixMilli(rec.Timestamp).Add(c.ttl)
	if c.now().After(expiresAt) {
		c.logger.Info("form_cache_expired", "key", key)
		return model.SafeCheckoutForm{}, c.remove(ctx, key)
	}
	return rec.Data, nil
}

// Save writes the form with a fresh timestamp.
func (c *Cache) Save(ctx context.Context, key string, form model.SafeCheckoutForm) error {
	data, err := json.Marshal(record{Data: form, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.storage.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Clear removes the saved form.
func (c *Cache) Clear(ctx context.Context, key string) error {
	return c.remove(ctx, key)
}

func (c *Cache) remove(ctx context.Context, key string) error {
	if err := c.storage.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Sweep deletes records not written within the TTL. Storages without
// Expirer are left alone; Load still drops their expired records.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	exp, ok := c.storage.(Expirer)
	if !ok {
		return 0, nil
	}
	n, err := exp.RemoveOlderThan(ctx, c.now().Add(-c.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		c.logger.Info("form_cache_swept", "removed", n)
	}
	return n, nil
}

// StartSweeper runs Sweep every interval until Close.
func (c *Cache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := c.Sweep(context.Background()); err != nil {
					c.logger.Warn("form_cache_sweep_failed", "error", err)
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}
