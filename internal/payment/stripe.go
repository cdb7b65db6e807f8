package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeProvider creates payment intents through the Stripe API.
type StripeProvider struct {
	client *paymentintent.Client
}

// NewStripeProvider uses the default Stripe API backend.
func NewStripeProvider(secretKey string) *StripeProvider {
	return NewStripeProviderWithBackend(secretKey, stripe.GetBackend(stripe.APIBackend))
}

// NewStripeProviderWithBackend lets callers point the client at another
// backend, such as stripe-mock or a test server.
func NewStripeProviderWithBackend(secretKey string, backend stripe.Backend) *StripeProvider {
	return &StripeProvider{
		client: &paymentintent.Client{B: backend, Key: secretKey},
	}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateIntent(ctx context.Context, in IntentParams) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(in.AmountCents),
		Currency:    stripe.String(in.Currency),
		Description: stripe.String(in.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(in.ReceiptEmail)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	pi, err := p.client.New(params)
	if err != nil {
		return Intent{}, convertStripeError(err)
	}
	return intentFromStripe(pi), nil
}

func (p *StripeProvider) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.client.Get(id, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return Intent{}, ErrIntentNotFound
		}
		return Intent{}, convertStripeError(err)
	}
	return intentFromStripe(pi), nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	in := Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		in.LastError = pi.LastPaymentError.Msg
	}
	return in
}

func convertStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &ProviderError{
			Type:    string(se.Type),
			Code:    string(se.Code),
			Message: se.Msg,
		}
	}
	return err
}
