// Package ratelimit implements a fixed-window request counter keyed by an
// arbitrary identifier such as "webhook:<client ip>".
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 100
)

// Config sets the window length and the number of requests allowed in it.
type Config struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	return c
}

// Result is the outcome of one Allow call.
type Result struct {
	Success           bool      `json:"success"`
	RemainingRequests int       `json:"remaining_requests"`
	ResetTime         time.Time `json:"reset_time"`
}

// Store counts hits. Implementations decide how windows are shared.
type Store interface {
	Hit(ctx context.Context, identifier string, cfg Config, now time.Time) (Result, error)
}

// Limiter applies a Config against a Store.
type Limiter struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a limiter. Zero config values fall back to the defaults.
func New(store Store, cfg Config) *Limiter {
	return &Limiter{
		store:  store,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: slog.Default(),
	}
}

// WithClock replaces the time source, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Allow records a request for identifier. When the store fails the request
// is allowed and a warning is logged.
func (l *Limiter) Allow(ctx context.Context, identifier string) Result {
	now := l.now()
	res, err := l.store.Hit(ctx, identifier, l.cfg, now)
	if err != nil {
		l.logger.Warn("rate_limit_store_failed",
			"identifier", identifier,
			"error", err,
		)
		return Result{
			Success:           true,
			RemainingRequests: l.cfg.MaxRequests - 1,
			ResetTime:         now.Add(l.cfg.Window),
		}
	}
	if !res.Success {
		l.logger.Warn("rate_limited",
			"identifier", identifier,
			"reset_time", res.ResetTime,
		)
	}
	return res
}
