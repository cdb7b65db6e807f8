package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/catalog"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/checkout"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/confirm"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/formcache"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/funnel"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/health"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/orders"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/payment"
)

// Deps are the services the HTTP layer talks to. Everything is constructed by
// the caller.
type Deps struct {
	Registry *funnel.Registry
	Catalog  *catalog.Catalog
	Payments *payment.Service
	Ledger   *orders.Ledger
	Monitor  *health.Monitor
	Forms    *formcache.Cache
	Webhook  http.Handler

	PublishableKey string
	SuccessDelay   time.Duration
	// Schedule defers checkout completion; confirm.AfterFunc when nil.
	Schedule confirm.Scheduler
	// DemoSubmit enables POST /api/sessions/{id}/form/submit.
	DemoSubmit bool
	// StorageMode is reported by /healthz.
	StorageMode string
}

// session is the per-session state that lives beside the funnel store.
type session struct {
	form *checkout.Controller
	flow *confirm.Flow
}

// Handler holds HTTP handler dependencies.
type Handler struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a new Handler.
func New(deps Deps) *Handler {
	h := &Handler{
		deps:     deps,
		sessions: make(map[string]*session),
	}
	if deps.Registry != nil {
		deps.Registry.OnEvict(h.forget)
	}
	return h
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /api/config", h.GetConfig)

	mux.HandleFunc("POST /api/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.GetSession)
	mux.HandleFunc("POST /api/sessions/{id}/checkout", h.StartCheckout)
	mux.HandleFunc("POST /api/sessions/{id}/bump", h.SetOrderBump)
	mux.HandleFunc("POST /api/sessions/{id}/upsell", h.AcceptUpsell)
	mux.HandleFunc("POST /api/sessions/{id}/downsell", h.AcceptDownsell)
	mux.HandleFunc("GET /api/sessions/{id}/summary", h.GetSummary)

	mux.HandleFunc("GET /api/sessions/{id}/form", h.GetForm)
	mux.HandleFunc("POST /api/sessions/{id}/form/input", h.FormInput)
	mux.HandleFunc("POST /api/sessions/{id}/form/blur", h.FormBlur)
	mux.HandleFunc("POST /api/sessions/{id}/form/submit", h.FormSubmit)

	mux.HandleFunc("POST /api/sessions/{id}/payment-intent", h.CreatePaymentIntent)
	mux.HandleFunc("POST /api/sessions/{id}/confirm", h.ConfirmPayment)

	mux.HandleFunc("GET /api/orders/{intentID}", h.GetOrder)
	mux.HandleFunc("GET /health/payments", h.GetPaymentHealth)
	mux.HandleFunc("POST /simulate/degrade", h.SimulateDegrade)

	if h.deps.Webhook != nil {
		mux.Handle("POST /api/webhooks/stripe", h.deps.Webhook)
	}
}

// Routes returns the mux wrapped in the server middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return withServerDefaults(withRecover(mux))
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"storage": h.deps.StorageMode,
	}
	if h.deps.Registry != nil {
		resp["sessions"] = h.deps.Registry.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetConfig handles GET /api/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"publishable_key": h.deps.PublishableKey,
		"payment_enabled": h.deps.Payments != nil && h.deps.Payments.Enabled(),
		"demo_submit":     h.deps.DemoSubmit,
		"catalog":         h.deps.Catalog,
	})
}

// GetOrder handles GET /api/orders/{intentID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("intentID")
	if h.deps.Ledger == nil {
		writeError(w, http.StatusNotFound, "order not found: "+id)
		return
	}
	o, err := h.deps.Ledger.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetPaymentHealth handles GET /health/payments
func (h *Handler) GetPaymentHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"overall":  h.deps.Monitor.Overall(),
		"channels": h.deps.Monitor.GetAllHealth(),
	}
	writeJSON(w, http.StatusOK, response)
}

// degradeRequest is the request body for POST /simulate/degrade
type degradeRequest struct {
	Degraded bool `json:"degraded"`
}

// SimulateDegrade handles POST /simulate/degrade. Only the mock provider can
// be degraded.
func (h *Handler) SimulateDegrade(w http.ResponseWriter, r *http.Request) {
	var req degradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var provider payment.Provider
	if h.deps.Payments != nil {
		provider = h.deps.Payments.Provider()
	}
	mp, ok := provider.(*payment.MockProvider)
	if !ok {
		writeError(w, http.StatusNotFound, "no simulated provider is configured")
		return
	}

	mp.SetDegraded(req.Degraded)
	slog.Info("provider_degradation_toggled",
		"provider", mp.Name(),
		"degraded", req.Degraded,
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": mp.Name(),
		"degraded": req.Degraded,
		"message":  "degradation mode updated",
	})
}

// state returns the per-session state, creating it on first use.
func (h *Handler) state(ctx context.Context, store *funnel.Store) *session {
	id := store.ID()

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[id]; ok {
		return s
	}

	var intents confirm.IntentGetter
	if h.deps.Payments != nil {
		intents = h.deps.Payments
	}
	deps := confirm.Deps{
		Intents:      intents,
		SuccessDelay: h.deps.SuccessDelay,
		Schedule:     h.deps.Schedule,
	}
	if h.deps.Ledger != nil {
		deps.Ledger = h.deps.Ledger
	}
	if h.deps.Monitor != nil {
		deps.Monitor = h.deps.Monitor
	}

	form := checkout.New(ctx, id, h.deps.Forms, nil, checkout.WithCacheOwner(store.Visitor()))
	s := &session{
		form: form,
		flow: confirm.NewFlow(id, deps, func(paid confirm.Paid) error {
			if err := store.CompletePaidCheckout(paid.OrderBump); err != nil {
				return err
			}
			return form.ClearCache(context.Background())
		}),
	}
	h.sessions[id] = s
	return s
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// writeFailure maps domain errors to status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, funnel.ErrSessionNotFound),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, payment.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, funnel.ErrInvalidTransition),
		errors.Is(err, funnel.ErrOfferConflict),
		errors.Is(err, confirm.ErrNoIntent):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, checkout.ErrUnknownField),
		errors.Is(err, confirm.ErrIntentMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, checkout.ErrCannotSubmit):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, payment.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("request_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred.")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
