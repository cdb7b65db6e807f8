// Package payment creates and looks up payment intents with the payment
// provider and wraps intent creation in a result-returning service.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// IntentStatus mirrors the provider's payment intent lifecycle.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Metadata keys the service stores on every intent it creates.
const (
	MetaSessionID     = "sessionId"
	MetaOrderBump     = "orderBump"
	MetaCustomerEmail = "customerEmail"
	MetaCustomerName  = "customerName"
	MetaProduct       = "product"
)

// IntentParams describes the intent to create. AmountCents is already
// rounded and server-computed.
type IntentParams struct {
	AmountCents  int64
	Currency     string
	Description  string
	ReceiptEmail string
	Metadata     map[string]string
}

// Intent is the provider-neutral view of a payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	AmountCents  int64
	Currency     string
	Metadata     map[string]string
	LastError    string
}

// Provider is a payment provider able to create and fetch intents.
type Provider interface {
	// Name identifies the provider in logs and health reports.
	Name() string
	CreateIntent(ctx context.Context, params IntentParams) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
}

// ErrIntentNotFound is returned by GetIntent for unknown IDs.
var ErrIntentNotFound = errors.New("payment intent not found")

// ProviderError carries the provider's error classification so callers can
// decide whether the message is safe to show to the customer.
type ProviderError struct {
	Type    string
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// CustomerFacing reports whether the message describes a problem with the
// customer's input, such as a declined card.
func (e *ProviderError) CustomerFacing() bool {
	return e.Type == "card_error" || e.Type == "validation_error"
}
