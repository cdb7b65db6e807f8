// Package webhook receives payment provider events and feeds them into the
// order ledger and the health monitor.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/health"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/orders"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/payment"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/ratelimit"
)

const (
	// MaxBodyBytes caps the event payload.
	MaxBodyBytes = 1 << 20

	SignatureHeader = "Stripe-Signature"
)

// Limiter decides whether a caller may proceed.
type Limiter interface {
	Allow(ctx context.Context, identifier string) ratelimit.Result
}

// SignalRecorder records a payment status report.
type SignalRecorder interface {
	Apply(ctx context.Context, sig orders.Signal) (orders.Order, bool, error)
}

// OutcomeRecorder tracks payment outcomes per channel.
type OutcomeRecorder interface {
	RecordOutcome(channel string, succeeded bool)
}

// Receiver is the HTTP endpoint for provider events.
type Receiver struct {
	secret  string
	limiter Limiter
	ledger  SignalRecorder
	monitor OutcomeRecorder
	logger  *slog.Logger
}

// NewReceiver creates a receiver. An empty secret makes every signed request
// fail with 500; verification is never skipped. limiter, ledger and monitor
// may be nil.
func NewReceiver(secret string, limiter Limiter, ledger SignalRecorder, monitor OutcomeRecorder) *Receiver {
	return &Receiver{
		secret:  secret,
		limiter: limiter,
		ledger:  ledger,
		monitor: monitor,
		logger:  slog.Default(),
	}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := ClientIP(r)

	if rc.limiter != nil {
		res := rc.limiter.Allow(ctx, "webhook:"+ip)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.RemainingRequests))
		if !res.Success {
			retry := time.Until(res.ResetTime).Seconds()
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
	}

	sig := r.Header.Get(SignatureHeader)
	if strings.TrimSpace(sig) == "" {
		writeError(w, http.StatusBadRequest, "Missing stripe-signature header")
		return
	}

	if rc.secret == "" {
		rc.logger.Error("webhook_secret_missing", "client_ip", ip)
		writeError(w, http.StatusInternalServerError, "Webhook secret not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, rc.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		rc.logger.Warn("webhook_signature_invalid", "client_ip", ip, "error", err)
		writeError(w, http.StatusBadRequest, "Webhook signature verification failed")
		return
	}

	if err := rc.Dispatch(ctx, event); err != nil {
		rc.logger.Error("webhook_dispatch_failed",
			"event_id", event.ID,
			"type", event.Type,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// Dispatch applies a verified event. Unhandled types are logged and ignored.
func (rc *Receiver) Dispatch(ctx context.Context, event stripe.Event) error {
	var status model.PaymentStatus
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		status = model.PaymentSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		status = model.PaymentFailed
	case stripe.EventTypePaymentIntentRequiresAction:
		status = model.PaymentRequiresAction
	default:
		rc.logger.Info("webhook_ignored", "event_id", event.ID, "type", event.Type)
		return nil
	}

	if event.Data == nil {
		return fmt.Errorf("event %s has no data", event.ID)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("decode payment_intent: %w", err)
	}
	if pi.ID == "" {
		return fmt.Errorf("event %s has no payment intent id", event.ID)
	}

	var reason string
	if pi.LastPaymentError != nil {
		reason = pi.LastPaymentError.Msg
	}

	attrs := []any{
		"event_id", event.ID,
		"payment_intent_id", pi.ID,
		"amount_cents", pi.Amount,
		"customer_email", pi.Metadata[payment.MetaCustomerEmail],
		"order_bump", pi.Metadata[payment.MetaOrderBump] == "true",
	}
	switch status {
	case model.PaymentSucceeded:
		rc.logger.Info("payment_succeeded", attrs...)
	case model.PaymentFailed:
		rc.logger.Warn("payment_failed", append(attrs, "reason", reason)...)
	default:
		rc.logger.Info("payment_requires_action", attrs...)
	}

	if rc.monitor != nil && status != model.PaymentRequiresAction {
		rc.monitor.RecordOutcome(health.ChannelWebhook, status == model.PaymentSucceeded)
	}

	if rc.ledger == nil {
		return nil
	}
	_, _, err := rc.ledger.Apply(ctx, orders.Signal{
		PaymentIntentID: pi.ID,
		Source:          orders.SourceWebhook,
		Status:          status,
		Reason:          reason,
		EventID:         event.ID,
		AmountCents:     pi.Amount,
		Currency:        string(pi.Currency),
		Metadata:        pi.Metadata,
	})
	return err
}

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP, else
// "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
