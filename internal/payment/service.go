package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/catalog"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/orders"
)

// ErrNotConfigured is reported when no provider secret key is set.
var ErrNotConfigured = errors.New("payment processing is not configured")

const unexpectedError = "An unexpected error occurred."

// OrderOpener records a newly created intent.
type OrderOpener interface {
	Open(ctx context.Context, o orders.Order) (orders.Order, error)
}

// Service creates payment intents for the checkout total.
type Service struct {
	provider Provider
	catalog  *catalog.Catalog
	orders   OrderOpener
	logger   *slog.Logger
}

// NewService creates the service. A nil provider means payments are not
// configured; every request then fails without a network call.
func NewService(provider Provider, c *catalog.Catalog, opener OrderOpener) *Service {
	return &Service{
		provider: provider,
		catalog:  c,
		orders:   opener,
		logger:   slog.Default(),
	}
}

// Enabled reports whether a provider is configured.
func (s *Service) Enabled() bool { return s.provider != nil }

// Provider returns the configured provider, or nil.
func (s *Service) Provider() Provider { return s.provider }

// CreatePaymentIntent asks the provider for a client secret. The charged
// amount is always the catalog total; a differing client amount is logged.
// Failures are reported in the response, never as a Go error or panic.
func (s *Service) CreatePaymentIntent(ctx context.Context, req model.PaymentIntentRequest) (resp model.PaymentIntentResponse) {
	if s.provider == nil {
		return model.PaymentIntentResponse{Success: false, Error: ErrNotConfigured.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("payment_intent_panic", "session_id", req.SessionID, "panic", fmt.Sprint(r))
			resp = model.PaymentIntentResponse{Success: false, Error: unexpectedError}
		}
	}()

	ctx, span := otel.Tracer("nimbus-funnel/payment").Start(ctx, "payment.create_intent")
	defer span.End()

	clientAmount := int64(math.Round(req.Amount))
	amount := s.catalog.CheckoutTotal(req.OrderBump)
	if clientAmount != amount {
		s.logger.Warn("payment_amount_mismatch",
			"session_id", req.SessionID,
			"client_amount_cents", clientAmount,
			"server_amount_cents", amount,
		)
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.catalog.Currency
	}

	params := IntentParams{
		AmountCents:  amount,
		Currency:     currency,
		Description:  s.catalog.Description(req.OrderBump),
		ReceiptEmail: req.CustomerEmail,
		Metadata: map[string]string{
			MetaOrderBump:     strconv.FormatBool(req.OrderBump),
			MetaCustomerEmail: req.CustomerEmail,
			MetaCustomerName:  req.CustomerName,
			MetaProduct:       s.catalog.Product,
			MetaSessionID:     req.SessionID,
		},
	}

	span.SetAttributes(
		attribute.String("payment.provider", s.provider.Name()),
		attribute.Int64("payment.amount_cents", amount),
		attribute.Bool("payment.order_bump", req.OrderBump),
	)

	intent, err := s.provider.CreateIntent(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create intent failed")
		s.logger.Error("payment_intent_failed",
			"session_id", req.SessionID,
			"provider", s.provider.Name(),
			"amount_cents", amount,
			"error", err,
		)
		return model.PaymentIntentResponse{Success: false, Error: errorMessage(err)}
	}

	s.logger.Info("payment_intent_created",
		"session_id", req.SessionID,
		"provider", s.provider.Name(),
		"payment_intent_id", intent.ID,
		"amount_cents", amount,
		"order_bump", req.OrderBump,
	)

	if s.orders != nil {
		_, err := s.orders.Open(ctx, orders.Order{
			PaymentIntentID: intent.ID,
			SessionID:       req.SessionID,
			AmountCents:     amount,
			Currency:        currency,
			OrderBump:       req.OrderBump,
			CustomerEmail:   req.CustomerEmail,
			CustomerName:    req.CustomerName,
		})
		if err != nil {
			// the webhook recreates the order from intent metadata
			s.logger.Warn("order_open_failed", "payment_intent_id", intent.ID, "error", err)
		}
	}

	return model.PaymentIntentResponse{
		Success:         true,
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		AmountCents:     amount,
	}
}

// GetIntent looks up an intent with the provider.
func (s *Service) GetIntent(ctx context.Context, id string) (Intent, error) {
	if s.provider == nil {
		return Intent{}, ErrNotConfigured
	}
	return s.provider.GetIntent(ctx, id)
}

func errorMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "payment provider did not respond in time"
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Failed to create payment intent"
}
