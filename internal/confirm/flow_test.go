package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/health"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/orders"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIntents struct {
	intent payment.Intent
	err    error
}

func (s *stubIntents) GetIntent(_ context.Context, id string) (payment.Intent, error) {
	if s.err != nil {
		return payment.Intent{}, s.err
	}
	in := s.intent
	in.ID = id
	if in.Metadata == nil {
		in.Metadata = map[string]string{payment.MetaSessionID: "sess-1"}
	}
	return in, nil
}

// manualScheduler captures scheduled work so tests decide when it runs.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
}

func (m *manualScheduler) schedule(d time.Duration, f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.funcs = append(m.funcs, f)
}

func (m *manualScheduler) runAll() {
	m.mu.Lock()
	funcs := m.funcs
	m.funcs = nil
	m.mu.Unlock()
	for _, f := range funcs {
		f()
	}
}

type fixture struct {
	flow      *Flow
	ledger    *orders.Ledger
	monitor   *health.Monitor
	sched     *manualScheduler
	completed int
	paid      Paid
}

func newFixture(t *testing.T, intents IntentGetter) *fixture {
	t.Helper()
	fx := &fixture{
		ledger:  orders.NewLedger(orders.NewMemoryRepository()),
		monitor: health.NewMonitorWithConfig(50, time.Hour),
		sched:   &manualScheduler{},
	}
	fx.flow = NewFlow("sess-1", Deps{
		Intents:      intents,
		Ledger:       fx.ledger,
		Monitor:      fx.monitor,
		SuccessDelay: 2 * time.Second,
		Schedule:     fx.sched.schedule,
	}, func(p Paid) error {
		fx.completed++
		fx.paid = p
		return nil
	})
	fx.flow.Begin("pi_1", "pi_1_secret_x")
	return fx
}

func TestResult_ClientErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         ClientError
		wantMessage string
		wantLedger  bool
	}{
		{"card error surfaces message", ClientError{Type: "card_error", Code: "card_declined", Message: "Your card was declined."}, "Your card was declined.", true},
		{"validation error surfaces message", ClientError{Type: "validation_error", Message: "Your card number is incomplete."}, "Your card number is incomplete.", false},
		{"card error without message", ClientError{Type: "card_error"}, "Payment failed", true},
		{"other error is generic", ClientError{Type: "api_connection_error", Message: "socket hang up"}, "An unexpected error occurred.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, &stubIntents{})
			e := tt.err

			resp, err := fx.flow.Result(context.Background(), ClientResult{PaymentIntentID: "pi_1", Error: &e})
			require.NoError(t, err)

			assert.Equal(t, OutcomeFailed, resp.Outcome)
			assert.Equal(t, tt.wantMessage, resp.Message)
			assert.True(t, resp.CustomerInfoEditable)
			assert.Empty(t, fx.flow.ClientSecret())
			assert.False(t, fx.flow.Scheduled())

			o, err := fx.ledger.Get(context.Background(), "pi_1")
			if tt.wantLedger {
				require.NoError(t, err)
				assert.Equal(t, model.PaymentFailed, o.Status)
				assert.Equal(t, tt.wantMessage, o.FailureReason)
			} else {
				assert.ErrorIs(t, err, orders.ErrOrderNotFound)
			}
		})
	}
}

func TestResult_SucceededSchedulesCompletionOnce(t *testing.T) {
	fx := newFixture(t, &stubIntents{intent: payment.Intent{Status: payment.IntentSucceeded}})
	ctx := context.Background()

	resp, err := fx.flow.Result(ctx, ClientResult{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, resp.Outcome)
	assert.True(t, resp.CompletionScheduled)
	assert.Equal(t, "pi_1_secret_x", fx.flow.ClientSecret())

	_, err = fx.flow.Result(ctx, ClientResult{})
	require.NoError(t, err)

	require.Len(t, fx.sched.delays, 1)
	assert.Equal(t, 2*time.Second, fx.sched.delays[0])
	assert.Equal(t, 0, fx.completed, "completion waits for the delay")

	fx.sched.runAll()
	assert.Equal(t, 1, fx.completed)
	assert.Equal(t, "pi_1", fx.paid.PaymentIntentID)

	o, err := fx.ledger.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSucceeded, o.Status)
	assert.True(t, o.ClientConfirmed)
	assert.False(t, o.WebhookConfirmed)
	assert.Equal(t, "sess-1", o.SessionID)

	h := fx.monitor.GetHealth(health.ChannelClient)
	assert.Equal(t, 2, h.SucceededCount)
}

func TestResult_PendingStatuses(t *testing.T) {
	for _, status := range []payment.IntentStatus{payment.IntentRequiresAction, payment.IntentProcessing} {
		t.Run(string(status), func(t *testing.T) {
			fx := newFixture(t, &stubIntents{intent: payment.Intent{Status: status}})

			resp, err := fx.flow.Result(context.Background(), ClientResult{PaymentIntentID: "pi_1"})
			require.NoError(t, err)
			assert.Equal(t, OutcomePending, resp.Outcome)
			assert.Equal(t, status, resp.IntentStatus)
			assert.False(t, resp.CustomerInfoEditable)
			assert.False(t, fx.flow.Scheduled())
			assert.NotEmpty(t, fx.flow.ClientSecret())
		})
	}
}

func TestResult_UnsuccessfulStatusFails(t *testing.T) {
	fx := newFixture(t, &stubIntents{intent: payment.Intent{
		Status:    payment.IntentRequiresPaymentMethod,
		LastError: "Your card has insufficient funds.",
	}})

	resp, err := fx.flow.Result(context.Background(), ClientResult{PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, resp.Outcome)
	assert.Equal(t, "Payment processing failed", resp.Message)
	assert.True(t, resp.CustomerInfoEditable)
	assert.Empty(t, fx.flow.ClientSecret())

	o, err := fx.ledger.Get(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, o.Status)
	assert.Equal(t, "Your card has insufficient funds.", o.FailureReason)
	assert.Equal(t, 1, fx.monitor.GetHealth(health.ChannelClient).FailedCount)
}

func TestResult_IntentResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("no intent", func(t *testing.T) {
		flow := NewFlow("sess-1", Deps{Intents: &stubIntents{}}, nil)
		_, err := flow.Result(ctx, ClientResult{})
		assert.ErrorIs(t, err, ErrNoIntent)
	})

	t.Run("reported intent without one of our own", func(t *testing.T) {
		flow := NewFlow("sess-1", Deps{Intents: &stubIntents{intent: payment.Intent{Status: payment.IntentSucceeded}}}, nil)
		_, err := flow.Result(ctx, ClientResult{PaymentIntentID: "pi_other"})
		assert.ErrorIs(t, err, ErrNoIntent)
		assert.False(t, flow.Scheduled())
	})

	t.Run("other intent", func(t *testing.T) {
		fx := newFixture(t, &stubIntents{})
		_, err := fx.flow.Result(ctx, ClientResult{PaymentIntentID: "pi_other"})
		assert.ErrorIs(t, err, ErrIntentMismatch)
	})

	t.Run("unknown at provider", func(t *testing.T) {
		fx := newFixture(t, &stubIntents{err: payment.ErrIntentNotFound})
		_, err := fx.flow.Result(ctx, ClientResult{PaymentIntentID: "pi_1"})
		assert.ErrorIs(t, err, payment.ErrIntentNotFound)
	})

	t.Run("provider unreachable", func(t *testing.T) {
		fx := newFixture(t, &stubIntents{err: errors.New("connection reset")})
		resp, err := fx.flow.Result(ctx, ClientResult{PaymentIntentID: "pi_1"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, resp.Outcome)
		assert.Equal(t, "An unexpected error occurred.", resp.Message)
	})

	t.Run("not configured", func(t *testing.T) {
		flow := NewFlow("sess-1", Deps{}, nil)
		flow.Begin("pi_1", "secret")
		_, err := flow.Result(ctx, ClientResult{})
		assert.ErrorIs(t, err, payment.ErrNotConfigured)
	})
}

func TestResult_IntentOfAnotherSessionIsRejected(t *testing.T) {
	fx := newFixture(t, &stubIntents{intent: payment.Intent{
		Status:   payment.IntentSucceeded,
		Metadata: map[string]string{payment.MetaSessionID: "sess-2"},
	}})

	_, err := fx.flow.Result(context.Background(), ClientResult{PaymentIntentID: "pi_1"})

	assert.ErrorIs(t, err, ErrIntentMismatch)
	assert.False(t, fx.flow.Scheduled())
	_, err = fx.ledger.Get(context.Background(), "pi_1")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)
	assert.Equal(t, 0, fx.monitor.GetHealth(health.ChannelClient).TotalRecent)
}

func TestResult_CompletionUsesChargedBump(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     bool
	}{
		{"charged with bump", map[string]string{payment.MetaSessionID: "sess-1", payment.MetaOrderBump: "true"}, true},
		{"charged without bump", map[string]string{payment.MetaSessionID: "sess-1", payment.MetaOrderBump: "false"}, false},
		{"no bump recorded", map[string]string{payment.MetaSessionID: "sess-1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, &stubIntents{intent: payment.Intent{
				Status:      payment.IntentSucceeded,
				AmountCents: 9700,
				Metadata:    tt.metadata,
			}})

			_, err := fx.flow.Result(context.Background(), ClientResult{})
			require.NoError(t, err)
			fx.sched.runAll()

			require.Equal(t, 1, fx.completed)
			assert.Equal(t, tt.want, fx.paid.OrderBump)
			assert.Equal(t, int64(9700), fx.paid.AmountCents)
		})
	}
}

func TestResult_CompletionErrorIsLogged(t *testing.T) {
	sched := &manualScheduler{}
	calls := 0
	flow := NewFlow("sess-1", Deps{
		Intents:  &stubIntents{intent: payment.Intent{Status: payment.IntentSucceeded}},
		Schedule: sched.schedule,
	}, func(Paid) error {
		calls++
		return errors.New("invalid transition")
	})
	flow.Begin("pi_1", "secret")

	_, err := flow.Result(context.Background(), ClientResult{})
	require.NoError(t, err)
	assert.NotPanics(t, sched.runAll)
	assert.Equal(t, 1, calls)
}

func TestAfterFunc_RunsAfterDelay(t *testing.T) {
	done := make(chan struct{})
	AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled function did not run")
	}
}
