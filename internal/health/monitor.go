package health

import (
	"sort"
	"sync"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/config"
)

// Status represents the health status of a payment channel.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
)

// Channel names where payment outcomes are observed.
const (
	ChannelClient  = "client"
	ChannelWebhook = "webhook"
)

// ChannelHealth contains the current health information for a channel.
type ChannelHealth struct {
	Channel        string    `json:"channel"`
	HealthScore    float64   `json:"health_score"`
	Status         Status    `json:"status"`
	TotalRecent    int       `json:"total_recent"`
	SucceededCount int       `json:"succeeded_count"`
	FailedCount    int       `json:"failed_count"`
	LastUpdated    time.Time `json:"last_updated"`
}

// outcome records a single payment outcome.
type outcome struct {
	succeeded bool
	timestamp time.Time
}

// Monitor tracks payment success per channel using a sliding window.
type Monitor struct {
	mu             sync.RWMutex
	windows        map[string][]outcome
	windowSize     int
	windowDuration time.Duration
	now            func() time.Time
}

// NewMonitor creates a new health monitor with default configuration.
func NewMonitor() *Monitor {
	return NewMonitorWithConfig(
		config.HealthWindowSize,
		time.Duration(config.HealthWindowDurationMinutes)*time.Minute,
	)
}

// NewMonitorWithConfig creates a monitor with custom window settings.
func NewMonitorWithConfig(windowSize int, windowDuration time.Duration) *Monitor {
	return &Monitor{
		windows:        make(map[string][]outcome),
		windowSize:     windowSize,
		windowDuration: windowDuration,
		now:            time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// RecordOutcome records a payment outcome on a channel.
func (m *Monitor) RecordOutcome(channel string, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windows[channel] = append(m.windows[channel], outcome{
		succeeded: succeeded,
		timestamp: m.now(),
	})

	m.pruneWindow(channel)
}

// GetHealth returns the current health information for a channel.
func (m *Monitor) GetHealth(channel string) ChannelHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	window := m.getActiveWindow(channel)

	if len(window) == 0 {
		return ChannelHealth{
			Channel:     channel,
			HealthScore: 1.0, // no traffic counts as healthy
			Status:      StatusHealthy,
			LastUpdated: m.now(),
		}
	}

	succeeded := 0
	failed := 0
	for _, o := range window {
		if o.succeeded {
			succeeded++
		} else {
			failed++
		}
	}

	total := len(window)
	score := float64(succeeded) / float64(total)

	status := StatusHealthy
	if score < config.FailingThreshold {
		status = StatusFailing
	} else if score < config.DegradedThreshold {
		status = StatusDegraded
	}

	return ChannelHealth{
		Channel:        channel,
		HealthScore:    score,
		Status:         status,
		TotalRecent:    total,
		SucceededCount: succeeded,
		FailedCount:    failed,
		LastUpdated:    m.now(),
	}
}

// GetAllHealth returns health information for all tracked channels, sorted
// by name.
func (m *Monitor) GetAllHealth() []ChannelHealth {
	m.mu.RLock()
	channels := make([]string, 0, len(m.windows))
	for name := range m.windows {
		channels = append(channels, name)
	}
	m.mu.RUnlock()
	sort.Strings(channels)

	healths := make([]ChannelHealth, 0, len(channels))
	for _, name := range channels {
		healths = append(healths, m.GetHealth(name))
	}
	return healths
}

// Overall returns the worst status across all channels.
func (m *Monitor) Overall() Status {
	overall := StatusHealthy
	for _, h := range m.GetAllHealth() {
		switch h.Status {
		case StatusFailing:
			return StatusFailing
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// getActiveWindow returns outcomes within the time window, already under read lock.
func (m *Monitor) getActiveWindow(channel string) []outcome {
	window := m.windows[channel]
	if len(window) == 0 {
		return nil
	}

	cutoff := m.now().Add(-m.windowDuration)
	active := make([]outcome, 0, len(window))
	for _, o := range window {
		if o.timestamp.After(cutoff) {
			active = append(active, o)
		}
	}

	if len(active) > m.windowSize {
		active = active[len(active)-m.windowSize:]
	}

	return active
}

// pruneWindow removes expired outcomes, called under write lock.
func (m *Monitor) pruneWindow(channel string) {
	cutoff := m.now().Add(-m.windowDuration)
	window := m.windows[channel]

	pruned := make([]outcome, 0, len(window))
	for _, o := range window {
		if o.timestamp.After(cutoff) {
			pruned = append(pruned, o)
		}
	}

	if len(pruned) > m.windowSize {
		pruned = pruned[len(pruned)-m.windowSize:]
	}

	m.windows[channel] = pruned
}
