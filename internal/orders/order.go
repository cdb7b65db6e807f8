// Package orders keeps one ledger entry per payment intent and reconciles the
// two independent confirmations of a payment: the customer's browser and the
// provider's webhook.
package orders

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderExists   = errors.New("order already exists")
)

// Source identifies who reported a payment status.
type Source string

const (
	SourceClient  Source = "client"
	SourceWebhook Source = "webhook"
)

// Order is the ledger entry of one payment intent.
type Order struct {
	ID               string              `json:"id"`
	PaymentIntentID  string              `json:"payment_intent_id"`
	SessionID        string              `json:"session_id,omitempty"`
	AmountCents      int64               `json:"amount_cents"`
	Currency         string              `json:"currency"`
	OrderBump        bool                `json:"order_bump"`
	CustomerEmail    string              `json:"customer_email,omitempty"`
	CustomerName     string              `json:"customer_name,omitempty"`
	Status           model.PaymentStatus `json:"status"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	ClientConfirmed  bool                `json:"client_confirmed"`
	WebhookConfirmed bool                `json:"webhook_confirmed"`
	Events           []string            `json:"events,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Signal is one status report for a payment intent.
type Signal struct {
	PaymentIntentID string
	Source          Source
	Status          model.PaymentStatus
	Reason          string
	// EventID is the provider event ID; repeated deliveries are ignored.
	EventID string

	// Used to create the order when the signal arrives before Open.
	SessionID   string
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

// Repository stores orders keyed by payment intent ID.
type Repository interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, paymentIntentID string) (Order, error)
	// Update runs fn on the stored order and saves the result atomically.
	Update(ctx context.Context, paymentIntentID string, fn func(o *Order) error) (Order, error)
}

// applySignal moves o according to sig and reports whether anything changed.
//
//	succeeded        terminal
//	failed           may still become succeeded
//	requires_action  only replaces pending
func applySignal(o *Order, sig Signal, now time.Time) bool {
	if sig.EventID != "" {
		if slices.Contains(o.Events, sig.EventID) {
			return false
		}
		o.Events = append(o.Events, sig.EventID)
	}
	changed := sig.EventID != ""

	if sig.Status == model.PaymentSucceeded {
		switch sig.Source {
		case SourceClient:
			changed = changed || !o.ClientConfirmed
			o.ClientConfirmed = true
		case SourceWebhook:
			changed = changed || !o.WebhookConfirmed
			o.WebhookConfirmed = true
		}
	}

	if next, ok := nextStatus(o.Status, sig.Status); ok {
		o.Status = next
		switch next {
		case model.PaymentFailed:
			o.FailureReason = sig.Reason
		case model.PaymentSucceeded:
			o.FailureReason = ""
		}
		changed = true
	}

	if changed {
		o.UpdatedAt = now
	}
	return changed
}

func nextStatus(current, reported model.PaymentStatus) (model.PaymentStatus, bool) {
	if current.IsTerminal() || current == reported {
		return current, false
	}
	switch reported {
	case model.PaymentSucceeded, model.PaymentFailed:
		return reported, true
	case model.PaymentRequiresAction:
		if current == model.PaymentPending {
			return reported, true
		}
	}
	return current, false
}

func orderFromSignal(sig Signal, now time.Time) Order {
	o := Order{
		PaymentIntentID: sig.PaymentIntentID,
		SessionID:       sig.SessionID,
		AmountCents:     sig.AmountCents,
		Currency:        sig.Currency,
		Status:          model.PaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if m := sig.Metadata; m != nil {
		o.CustomerEmail = m["customerEmail"]
		o.CustomerName = m["customerName"]
		o.OrderBump, _ = strconv.ParseBool(m["orderBump"])
		if o.SessionID == "" {
			o.SessionID = m["sessionId"]
		}
	}
	return o
}
