package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
)

// Ledger applies payment signals to orders idempotently.
type Ledger struct {
	repo   Repository
	now    func() time.Time
	logger *slog.Logger
}

// NewLedger creates a ledger over repo.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now, logger: slog.Default()}
}

// WithClock replaces the time source, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Open records a pending order for a newly created intent. If a webhook got
// there first, the missing details are filled in and its status is kept.
func (l *Ledger) Open(ctx context.Context, o Order) (Order, error) {
	if o.PaymentIntentID == "" {
		return Order{}, errors.New("payment intent ID is required")
	}
	now := l.now()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = model.PaymentPending
	o.CreatedAt = now
	o.UpdatedAt = now

	err := l.repo.Create(ctx, o)
	if err == nil {
		l.logger.Info("order_opened",
			"order_id", o.ID,
			"payment_intent_id", o.PaymentIntentID,
			"session_id", o.SessionID,
			"amount_cents", o.AmountCents,
		)
		return o, nil
	}
	if !errors.Is(err, ErrOrderExists) {
		return Order{}, fmt.Errorf("open order %s: %w", o.PaymentIntentID, err)
	}

	return l.repo.Update(ctx, o.PaymentIntentID, func(existing *Order) error {
		if existing.SessionID == "" {
			existing.SessionID = o.SessionID
		}
		if existing.CustomerEmail == "" {
			existing.CustomerEmail = o.CustomerEmail
		}
		if existing.CustomerName == "" {
			existing.CustomerName = o.CustomerName
		}
		if existing.AmountCents == 0 {
			existing.AmountCents = o.AmountCents
		}
		if existing.Currency == "" {
			existing.Currency = o.Currency
		}
		existing.OrderBump = existing.OrderBump || o.OrderBump
		existing.UpdatedAt = now
		return nil
	})
}

// Apply records a status report. Unknown intents are created from the
// signal. The returned bool is false when the signal changed nothing.
func (l *Ledger) Apply(ctx context.Context, sig Signal) (Order, bool, error) {
	if sig.PaymentIntentID == "" {
		return Order{}, false, errors.New("payment intent ID is required")
	}
	if !sig.Status.IsValid() {
		return Order{}, false, fmt.Errorf("unknown payment status %q", sig.Status)
	}

	o, changed, err := l.update(ctx, sig)
	if errors.Is(err, ErrOrderNotFound) {
		created := orderFromSignal(sig, l.now())
		created.ID = uuid.NewString()
		if cerr := l.repo.Create(ctx, created); cerr != nil && !errors.Is(cerr, ErrOrderExists) {
			return Order{}, false, fmt.Errorf("create order %s: %w", sig.PaymentIntentID, cerr)
		}
		l.logger.Info("order_created_from_signal",
			"payment_intent_id", sig.PaymentIntentID,
			"source", sig.Source,
		)
		o, changed, err = l.update(ctx, sig)
	}
	if err != nil {
		return Order{}, false, fmt.Errorf("apply %s signal to %s: %w", sig.Source, sig.PaymentIntentID, err)
	}

	if changed {
		l.logger.Info("order_updated",
			"payment_intent_id", o.PaymentIntentID,
			"source", sig.Source,
			"reported", sig.Status,
			"status", o.Status,
			"client_confirmed", o.ClientConfirmed,
			"webhook_confirmed", o.WebhookConfirmed,
		)
	} else {
		l.logger.Info("order_signal_ignored",
			"payment_intent_id", o.PaymentIntentID,
			"source", sig.Source,
			"reported", sig.Status,
			"status", o.Status,
			"event_id", sig.EventID,
		)
	}
	return o, changed, nil
}

// Get returns the order of a payment intent.
func (l *Ledger) Get(ctx context.Context, paymentIntentID string) (Order, error) {
	return l.repo.Get(ctx, paymentIntentID)
}

func (l *Ledger) update(ctx context.Context, sig Signal) (Order, bool, error) {
	var changed bool
	o, err := l.repo.Update(ctx, sig.PaymentIntentID, func(o *Order) error {
		changed = applySignal(o, sig, l.now())
		return nil
	})
	return o, changed, err
}
