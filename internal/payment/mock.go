package payment

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutcomeDistribution defines the probability of each simulated outcome
// once the customer confirms. Whatever is left after the three rates is a
// card decline.
type OutcomeDistribution struct {
	SuccessRate        float64
	RequiresActionRate float64
	ProcessingRate     float64
}

// MockConfig holds configuration for the simulated provider.
type MockConfig struct {
	Outcomes   OutcomeDistribution
	MinLatency time.Duration
	MaxLatency time.Duration
}

// DefaultMockConfig approves nine in ten payments and asks for 3-D Secure on
// most of the rest.
func DefaultMockConfig() MockConfig {
	return MockConfig{
		Outcomes: OutcomeDistribution{
			SuccessRate:        0.90,
			RequiresActionRate: 0.05,
		},
		MinLatency: 20 * time.Millisecond,
		MaxLatency: 120 * time.Millisecond,
	}
}

// MockProvider simulates a payment provider for local runs and tests.
// An intent's outcome is rolled on its first lookup and then stays fixed.
type MockProvider struct {
	config   MockConfig
	rng      *rand.Rand
	mu       sync.Mutex
	intents  map[string]*Intent
	settled  map[string]bool
	degraded bool
}

// NewMockProvider creates a simulated provider from the given config.
func NewMockProvider(cfg MockConfig) *MockProvider {
	return &MockProvider{
		config:  cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		intents: make(map[string]*Intent),
		settled: make(map[string]bool),
	}
}

func (p *MockProvider) Name() string { return "mock" }

// SetDegraded toggles degraded mode (80% declines) for simulation.
func (p *MockProvider) SetDegraded(degraded bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.degraded = degraded
}

// IsDegraded returns the current degraded state.
func (p *MockProvider) IsDegraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *MockProvider) CreateIntent(ctx context.Context, params IntentParams) (Intent, error) {
	if err := p.wait(ctx); err != nil {
		return Intent{}, err
	}
	if params.AmountCents <= 0 {
		return Intent{}, &ProviderError{
			Type:    "invalid_request_error",
			Code:    "amount_too_small",
			Message: "Amount must be at least 50 cents",
		}
	}

	id := "pi_mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	meta := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		meta[k] = v
	}
	in := &Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		Status:       IntentRequiresPaymentMethod,
		AmountCents:  params.AmountCents,
		Currency:     params.Currency,
		Metadata:     meta,
	}

	p.mu.Lock()
	p.intents[id] = in
	p.mu.Unlock()
	return *in, nil
}

func (p *MockProvider) GetIntent(ctx context.Context, id string) (Intent, error) {
	if err := p.wait(ctx); err != nil {
		return Intent{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	in, ok := p.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	if !p.settled[id] {
		in.Status, in.LastError = p.determineOutcome()
		p.settled[id] = true
	}
	return *in, nil
}

// SetStatus forces the status of an intent, for tests and demos.
func (p *MockProvider) SetStatus(id string, status IntentStatus, lastError string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	in, ok := p.intents[id]
	if !ok {
		return false
	}
	in.Status = status
	in.LastError = lastError
	p.settled[id] = true
	return true
}

// determineOutcome is called with p.mu held.
func (p *MockProvider) determineOutcome() (IntentStatus, string) {
	roll := p.rng.Float64()

	if p.degraded {
		if roll < 0.80 {
			return IntentRequiresPaymentMethod, "Your card was declined."
		}
		return IntentSucceeded, ""
	}

	dist := p.config.Outcomes
	if roll < dist.SuccessRate {
		return IntentSucceeded, ""
	}
	roll -= dist.SuccessRate
	if roll < dist.RequiresActionRate {
		return IntentRequiresAction, ""
	}
	roll -= dist.RequiresActionRate
	if roll < dist.ProcessingRate {
		return IntentProcessing, ""
	}
	return IntentRequiresPaymentMethod, "Your card was declined."
}

func (p *MockProvider) wait(ctx context.Context) error {
	latency := p.simulateLatency()
	if latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MockProvider) simulateLatency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	min := p.config.MinLatency
	max := p.config.MaxLatency
	if max <= min {
		return min
	}
	return min + time.Duration(p.rng.Int63n(int64(max-min)))
}
