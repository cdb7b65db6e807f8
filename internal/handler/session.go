package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/confirm"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/format"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/funnel"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/payment"
)

// maxBodyBytes caps JSON request bodies on session routes.
const maxBodyBytes = 64 << 10

const (
	// VisitorHeader and VisitorCookie carry the browser identifier that
	// outlives funnel sessions. Saved form fields are keyed by it.
	VisitorHeader = "X-Visitor-ID"
	VisitorCookie = "funnel_visitor"

	visitorCookieMaxAge = 365 * 24 * 60 * 60
)

// CreateSession handles POST /api/sessions. A returning browser is recognised
// by its visitor ID; a new one is issued otherwise.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	visitor := visitorID(r)
	if visitor == "" {
		visitor = uuid.NewString()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     VisitorCookie,
		Value:    visitor,
		Path:     "/",
		MaxAge:   visitorCookieMaxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	store := h.deps.Registry.CreateFor(visitor)
	writeJSON(w, http.StatusCreated, store.Snapshot())
}

// visitorID returns a well-formed visitor ID from the header or cookie.
func visitorID(r *http.Request) string {
	candidate := r.Header.Get(VisitorHeader)
	if candidate == "" {
		if c, err := r.Cookie(VisitorCookie); err == nil {
			candidate = c.Value
		}
	}
	id, err := uuid.Parse(candidate)
	if err != nil {
		return ""
	}
	return id.String()
}

// GetSession handles GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

// StartCheckout handles POST /api/sessions/{id}/checkout
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*funnel.Store).StartCheckout)
}

// AcceptUpsell handles POST /api/sessions/{id}/upsell
func (h *Handler) AcceptUpsell(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*funnel.Store).AcceptUpsell)
}

// AcceptDownsell handles POST /api/sessions/{id}/downsell
func (h *Handler) AcceptDownsell(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*funnel.Store).AcceptDownsell)
}

type bumpRequest struct {
	Selected *bool `json:"selected"`
}

// SetOrderBump handles POST /api/sessions/{id}/bump
func (h *Handler) SetOrderBump(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req bumpRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Selected == nil {
		writeError(w, http.StatusBadRequest, "selected is required")
		return
	}
	if err := store.SetOrderBump(*req.Selected); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

// GetSummary handles GET /api/sessions/{id}/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	items := store.PurchasedItems(h.deps.Catalog)
	if items == nil {
		items = []model.PurchasedItem{}
	}
	price, value := funnel.Totals(items)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":      store.ID(),
		"items":           items,
		"total_cents":     price,
		"value_cents":     value,
		"total":           format.FormatUSD(price),
		"perceived_value": format.FormatUSD(value),
	})
}

// GetForm handles GET /api/sessions/{id}/form
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.state(r.Context(), store).form.State())
}

type fieldRequest struct {
	Field model.Field `json:"field"`
	Value string      `json:"value"`
}

// FormInput handles POST /api/sessions/{id}/form/input
func (h *Handler) FormInput(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req fieldRequest
	if !decode(w, r, &req) {
		return
	}
	form := h.state(r.Context(), store).form
	if err := form.Input(r.Context(), req.Field, req.Value); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form.State())
}

// FormBlur handles POST /api/sessions/{id}/form/blur
func (h *Handler) FormBlur(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req fieldRequest
	if !decode(w, r, &req) {
		return
	}
	form := h.state(r.Context(), store).form
	if err := form.Blur(req.Field); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form.State())
}

// FormSubmit handles POST /api/sessions/{id}/form/submit. It completes the
// checkout without a card confirmation and is only served in demo mode.
func (h *Handler) FormSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.deps.DemoSubmit {
		writeError(w, http.StatusForbidden, "form submission is disabled; confirm the payment instead")
		return
	}
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if store.Snapshot().Step != model.StepCheckout {
		writeError(w, http.StatusConflict, "checkout has not started")
		return
	}

	form := h.state(r.Context(), store).form
	err := form.Submit(r.Context(), func(model.CheckoutForm) error {
		return store.CompleteCheckout()
	})
	if err != nil {
		if errors.Is(err, funnel.ErrInvalidTransition) {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
			"form":  form.State(),
		})
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

type paymentIntentRequest struct {
	// Amount is the client's computed total in cents. The server total wins.
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// CreatePaymentIntent handles POST /api/sessions/{id}/payment-intent
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req paymentIntentRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	snap := store.Snapshot()
	if snap.Step != model.StepCheckout {
		writeError(w, http.StatusConflict, "checkout has not started")
		return
	}
	if h.deps.Payments == nil || !h.deps.Payments.Enabled() {
		writeFailure(w, payment.ErrNotConfigured)
		return
	}

	st := h.state(r.Context(), store)
	if !st.form.CustomerInfoReady() {
		writeError(w, http.StatusBadRequest, "a valid name and email are required")
		return
	}
	customer := st.form.Customer()

	resp := h.deps.Payments.CreatePaymentIntent(r.Context(), model.PaymentIntentRequest{
		Amount:        req.Amount,
		Currency:      req.Currency,
		OrderBump:     snap.OrderBumpSelected,
		CustomerEmail: customer.Email,
		CustomerName:  customer.Name,
		SessionID:     snap.SessionID,
	})
	if !resp.Success {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	st.flow.Begin(resp.PaymentIntentID, resp.ClientSecret)
	writeJSON(w, http.StatusOK, resp)
}

// ConfirmPayment handles POST /api/sessions/{id}/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req confirm.ClientResult
	if !decodeOptional(w, r, &req) {
		return
	}

	resp, err := h.state(r.Context(), store).flow.Result(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup resolves {id}; it writes the 404 itself.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*funnel.Store, bool) {
	store, err := h.deps.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	return store, true
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(*funnel.Store) error) {
	store, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := op(store); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Snapshot())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
