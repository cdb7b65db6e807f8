// Package confirm handles the outcome of the customer's card confirmation and
// advances the funnel once the provider agrees the payment succeeded.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/health"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/orders"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/payment"
)

var (
	// ErrNoIntent is returned when a result arrives before any intent exists.
	ErrNoIntent = errors.New("no payment intent to confirm")
	// ErrIntentMismatch is returned when the result names an intent this
	// session did not create.
	ErrIntentMismatch = errors.New("payment intent does not belong to this session")
)

const (
	unexpectedError   = "An unexpected error occurred."
	processingFailed  = "Payment processing failed"
	defaultCardFailed = "Payment failed"
)

// Outcome is the customer-facing result of a confirmation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
)

// ClientError is the error the provider's client library reported.
type ClientError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientResult is what the browser reports after confirming the card.
type ClientResult struct {
	PaymentIntentID string       `json:"payment_intent_id"`
	Error           *ClientError `json:"error,omitempty"`
}

// Response tells the page what to show next.
type Response struct {
	Outcome      Outcome              `json:"outcome"`
	Message      string               `json:"message,omitempty"`
	IntentStatus payment.IntentStatus `json:"intent_status,omitempty"`
	// CustomerInfoEditable is true when the secret was dropped and the
	// customer may edit their details and start over.
	CustomerInfoEditable bool `json:"customer_info_editable"`
	CompletionScheduled  bool `json:"completion_scheduled"`
}

// Paid describes the verified payment a completion is based on. OrderBump is
// what the intent was charged for, not the current selection.
type Paid struct {
	PaymentIntentID string
	AmountCents     int64
	OrderBump       bool
}

// IntentGetter looks up the authoritative intent status.
type IntentGetter interface {
	GetIntent(ctx context.Context, id string) (payment.Intent, error)
}

// SignalRecorder records a payment status report.
type SignalRecorder interface {
	Apply(ctx context.Context, sig orders.Signal) (orders.Order, bool, error)
}

// OutcomeRecorder tracks payment outcomes per channel.
type OutcomeRecorder interface {
	RecordOutcome(channel string, succeeded bool)
}

// Scheduler runs f after d.
type Scheduler func(d time.Duration, f func())

// AfterFunc is the default Scheduler.
func AfterFunc(d time.Duration, f func()) { time.AfterFunc(d, f) }

// Deps are shared by every flow.
type Deps struct {
	Intents      IntentGetter
	Ledger       SignalRecorder
	Monitor      OutcomeRecorder
	SuccessDelay time.Duration
	Schedule     Scheduler
}

// Flow is the confirmation state of one funnel session.
type Flow struct {
	mu           sync.Mutex
	sessionID    string
	intentID     string
	clientSecret string
	deps         Deps
	complete     func(Paid) error
	once         sync.Once
	scheduled    bool
	logger       *slog.Logger
}

// NewFlow creates the flow for a session. complete runs once, SuccessDelay
// after the first verified success.
func NewFlow(sessionID string, deps Deps, complete func(Paid) error) *Flow {
	if deps.Schedule == nil {
		deps.Schedule = AfterFunc
	}
	return &Flow{
		sessionID: sessionID,
		deps:      deps,
		complete:  complete,
		logger:    slog.Default(),
	}
}

// Begin remembers the intent created for this session.
func (f *Flow) Begin(intentID, clientSecret string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentID = intentID
	f.clientSecret = clientSecret
}

// ClientSecret returns the active secret, empty after a failure.
func (f *Flow) ClientSecret() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientSecret
}

// IntentID returns the intent this flow is confirming.
func (f *Flow) IntentID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intentID
}

// Scheduled reports whether completion has been scheduled.
func (f *Flow) Scheduled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled
}

// Result handles the client's confirmation result. The returned error is
// reserved for requests that cannot be processed at all.
func (f *Flow) Result(ctx context.Context, r ClientResult) (Response, error) {
	intentID, err := f.resolveIntent(r.PaymentIntentID)
	if err != nil {
		return Response{}, err
	}

	if r.Error != nil {
		return f.clientFailure(ctx, intentID, r.Error), nil
	}

	if f.deps.Intents == nil {
		return Response{}, payment.ErrNotConfigured
	}
	intent, err := f.deps.Intents.GetIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			return Response{}, fmt.Errorf("verify %s: %w", intentID, err)
		}
		f.logger.Error("payment_verify_failed",
			"session_id", f.sessionID,
			"payment_intent_id", intentID,
			"error", err,
		)
		return Response{Outcome: OutcomeFailed, Message: unexpectedError}, nil
	}
	if owner := intent.Metadata[payment.MetaSessionID]; owner != f.sessionID {
		f.logger.Warn("payment_intent_foreign",
			"session_id", f.sessionID,
			"payment_intent_id", intentID,
			"owner_session_id", owner,
		)
		return Response{}, fmt.Errorf("verify %s: %w", intentID, ErrIntentMismatch)
	}

	switch intent.Status {
	case payment.IntentSucceeded:
		f.signal(ctx, intentID, model.PaymentSucceeded, "")
		f.record(true)
		bump, _ := strconv.ParseBool(intent.Metadata[payment.MetaOrderBump])
		scheduled := f.scheduleCompletion(Paid{
			PaymentIntentID: intentID,
			AmountCents:     intent.AmountCents,
			OrderBump:       bump,
		})
		return Response{
			Outcome:             OutcomeSucceeded,
			Message:             "Payment successful!",
			IntentStatus:        intent.Status,
			CompletionScheduled: scheduled,
		}, nil

	case payment.IntentRequiresAction, payment.IntentProcessing:
		if intent.Status == payment.IntentRequiresAction {
			f.signal(ctx, intentID, model.PaymentRequiresAction, "")
		}
		return Response{Outcome: OutcomePending, IntentStatus: intent.Status}, nil

	default:
		reason := intent.LastError
		if reason == "" {
			reason = processingFailed
		}
		f.signal(ctx, intentID, model.PaymentFailed, reason)
		f.record(false)
		f.resetSecret()
		return Response{
			Outcome:              OutcomeFailed,
			Message:              processingFailed,
			IntentStatus:         intent.Status,
			CustomerInfoEditable: true,
		}, nil
	}
}

func (f *Flow) resolveIntent(reported string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.intentID == "":
		return "", ErrNoIntent
	case reported != "" && reported != f.intentID:
		return "", ErrIntentMismatch
	default:
		return f.intentID, nil
	}
}

func (f *Flow) clientFailure(ctx context.Context, intentID string, e *ClientError) Response {
	msg := unexpectedError
	if e.Type == "card_error" || e.Type == "validation_error" {
		msg = e.Message
		if msg == "" {
			msg = defaultCardFailed
		}
	}

	f.logger.Warn("payment_confirmation_failed",
		"session_id", f.sessionID,
		"payment_intent_id", intentID,
		"error_type", e.Type,
		"error_code", e.Code,
	)

	if e.Type == "card_error" {
		f.signal(ctx, intentID, model.PaymentFailed, msg)
		f.record(false)
	}
	f.resetSecret()
	return Response{Outcome: OutcomeFailed, Message: msg, CustomerInfoEditable: true}
}

func (f *Flow) resetSecret() {
	f.mu.Lock()
	f.clientSecret = ""
	f.mu.Unlock()
}

func (f *Flow) signal(ctx context.Context, intentID string, status model.PaymentStatus, reason string) {
	if f.deps.Ledger == nil {
		return
	}
	_, _, err := f.deps.Ledger.Apply(ctx, orders.Signal{
		PaymentIntentID: intentID,
		Source:          orders.SourceClient,
		Status:          status,
		Reason:          reason,
		SessionID:       f.sessionID,
	})
	if err != nil {
		f.logger.Warn("ledger_signal_failed",
			"payment_intent_id", intentID,
			"status", status,
			"error", err,
		)
	}
}

func (f *Flow) record(succeeded bool) {
	if f.deps.Monitor != nil {
		f.deps.Monitor.RecordOutcome(health.ChannelClient, succeeded)
	}
}

// scheduleCompletion reports whether completion is (or already was) scheduled.
func (f *Flow) scheduleCompletion(paid Paid) bool {
	f.once.Do(func() {
		f.mu.Lock()
		f.scheduled = true
		f.mu.Unlock()

		f.deps.Schedule(f.deps.SuccessDelay, func() {
			if f.complete == nil {
				return
			}
			if err := f.complete(paid); err != nil {
				f.logger.Warn("checkout_completion_failed",
					"session_id", f.sessionID,
					"error", err,
				)
				return
			}
			f.logger.Info("checkout_completed",
				"session_id", f.sessionID,
				"payment_intent_id", paid.PaymentIntentID,
				"order_bump", paid.OrderBump,
			)
		})
	})
	return true
}
