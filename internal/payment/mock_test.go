package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		dist      OutcomeDistribution
		want      IntentStatus
		wantError bool
	}{
		{"always succeeds", OutcomeDistribution{SuccessRate: 1}, IntentSucceeded, false},
		{"always requires action", OutcomeDistribution{RequiresActionRate: 1}, IntentRequiresAction, false},
		{"always processing", OutcomeDistribution{ProcessingRate: 1}, IntentProcessing, false},
		{"always declines", OutcomeDistribution{}, IntentRequiresPaymentMethod, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := NewMockProvider(MockConfig{Outcomes: tt.dist})

			created, err := p.CreateIntent(ctx, IntentParams{AmountCents: 9700, Currency: "usd"})
			require.NoError(t, err)
			assert.Equal(t, IntentRequiresPaymentMethod, created.Status)

			got, err := p.GetIntent(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.wantError, got.LastError != "")

			again, err := p.GetIntent(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, got.Status, again.Status, "outcome is rolled once")
		})
	}
}

func TestMockProvider_Degraded(t *testing.T) {
	p := NewMockProvider(MockConfig{Outcomes: OutcomeDistribution{SuccessRate: 1}})
	assert.False(t, p.IsDegraded())

	p.SetDegraded(true)
	assert.True(t, p.IsDegraded())

	ctx := context.Background()
	declines := 0
	for i := 0; i < 200; i++ {
		in, err := p.CreateIntent(ctx, IntentParams{AmountCents: 100})
		require.NoError(t, err)
		got, err := p.GetIntent(ctx, in.ID)
		require.NoError(t, err)
		if got.Status != IntentSucceeded {
			declines++
		}
	}
	assert.Greater(t, declines, 100)
}

func TestMockProvider_SetStatus(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvider(MockConfig{Outcomes: OutcomeDistribution{SuccessRate: 1}})
	in, err := p.CreateIntent(ctx, IntentParams{AmountCents: 100})
	require.NoError(t, err)

	require.True(t, p.SetStatus(in.ID, IntentRequiresPaymentMethod, "Insufficient funds"))
	got, err := p.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentRequiresPaymentMethod, got.Status)
	assert.Equal(t, "Insufficient funds", got.LastError)

	assert.False(t, p.SetStatus("pi_unknown", IntentSucceeded, ""))
}

func TestMockProvider_Errors(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvider(MockConfig{})

	_, err := p.CreateIntent(ctx, IntentParams{AmountCents: 0})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_request_error", pe.Type)

	_, err = p.GetIntent(ctx, "pi_unknown")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestMockProvider_ContextCancellation(t *testing.T) {
	p := NewMockProvider(MockConfig{MinLatency: time.Second, MaxLatency: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.CreateIntent(ctx, IntentParams{AmountCents: 100})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultMockConfig(t *testing.T) {
	cfg := DefaultMockConfig()
	assert.InDelta(t, 0.95, cfg.Outcomes.SuccessRate+cfg.Outcomes.RequiresActionRate, 1e-9)
	assert.Less(t, cfg.MinLatency, cfg.MaxLatency)
}
