// Package model holds the data types shared by the funnel, checkout, payment
// and HTTP packages.
package model

import (
	"encoding/json"
	"time"
)

// Step is one of the three linear stages of the funnel.
type Step string

const (
	StepLanding  Step = "landing"
	StepCheckout Step = "checkout"
	StepThankYou Step = "thankyou"
)

// Offer records which post-purchase offer, if any, was accepted.
type Offer string

const (
	OfferNone     Offer = "none"
	OfferUpsell   Offer = "upsell"
	OfferDownsell Offer = "downsell"
)

// Purchase is the set of line items bought in a session. Upsell and downsell
// are mutually exclusive through Offer.
type Purchase struct {
	Tripwire bool
	Bump     bool
	Offer    Offer
}

// Upsell reports whether the upsell offer was accepted.
func (p Purchase) Upsell() bool { return p.Offer == OfferUpsell }

// Downsell reports whether the downsell offer was accepted.
func (p Purchase) Downsell() bool { return p.Offer == OfferDownsell }

type purchaseJSON struct {
	Tripwire bool `json:"tripwire"`
	Bump     bool `json:"bump"`
	Upsell   bool `json:"upsell"`
	Downsell bool `json:"downsell"`
}

// MarshalJSON renders the purchase as four booleans for frontend compatibility.
func (p Purchase) MarshalJSON() ([]byte, error) {
	return json.Marshal(purchaseJSON{
		Tripwire: p.Tripwire,
		Bump:     p.Bump,
		Upsell:   p.Upsell(),
		Downsell: p.Downsell(),
	})
}

// UnmarshalJSON accepts the four boolean form. Upsell wins if both are set.
func (p *Purchase) UnmarshalJSON(data []byte) error {
	var raw purchaseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Tripwire = raw.Tripwire
	p.Bump = raw.Bump
	switch {
	case raw.Upsell:
		p.Offer = OfferUpsell
	case raw.Downsell:
		p.Offer = OfferDownsell
	default:
		p.Offer = OfferNone
	}
	return nil
}

// Field names a checkout form input.
type Field string

const (
	FieldName   Field = "name"
	FieldEmail  Field = "email"
	FieldCard   Field = "card"
	FieldExpiry Field = "expiry"
	FieldCVC    Field = "cvc"
)

// Fields lists every checkout form field in display order.
var Fields = []Field{FieldName, FieldEmail, FieldCard, FieldExpiry, FieldCVC}

// IsSafe reports whether a field may be persisted.
func (f Field) IsSafe() bool {
	return f == FieldName || f == FieldEmail
}

// CheckoutForm holds every value the customer types at checkout.
type CheckoutForm struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Card   string `json:"card"`
	Expiry string `json:"expiry"`
	CVC    string `json:"cvc"`
}

// SafeCheckoutForm is the only subset of the form that is ever persisted.
type SafeCheckoutForm struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PaymentIntentRequest asks the payment service for a client secret.
// Amount is in minor units and is advisory: the server recomputes it.
type PaymentIntentRequest struct {
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	OrderBump     bool    `json:"order_bump"`
	CustomerEmail string  `json:"customer_email,omitempty"`
	CustomerName  string  `json:"customer_name,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
}

// PaymentIntentResponse is returned for every intent request; failures are
// reported through Success and Error rather than as Go errors.
type PaymentIntentResponse struct {
	Success         bool   `json:"success"`
	ClientSecret    string `json:"client_secret,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	AmountCents     int64  `json:"amount_cents,omitempty"`
	Error           string `json:"error,omitempty"`
}

// PaymentStatus is the ledger state of a payment intent.
type PaymentStatus string

const (
	PaymentPending        PaymentStatus = "pending"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentFailed         PaymentStatus = "failed"
)

// IsTerminal returns true once no further signal may change the status.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSucceeded
}

// IsValid reports whether s is a known status.
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentPending, PaymentRequiresAction, PaymentSucceeded, PaymentFailed:
		return true
	default:
		return false
	}
}

// PurchasedItem is one line of the thank-you summary.
type PurchasedItem struct {
	Label      string `json:"label"`
	PriceCents int64  `json:"price_cents"`
	ValueCents int64  `json:"value_cents"`
}

// FunnelSnapshot is a read-only view of one session's funnel state.
type FunnelSnapshot struct {
	SessionID         string    `json:"session_id"`
	VisitorID         string    `json:"visitor_id,omitempty"`
	Step              Step      `json:"step"`
	OrderBumpSelected bool      `json:"order_bump_selected"`
	Purchase          Purchase  `json:"purchase"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
