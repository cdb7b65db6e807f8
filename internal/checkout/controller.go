// Package checkout tracks the checkout form of one session: field values,
// touched flags, validity and submission.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/format"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/formcache"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
)

var (
	// ErrCannotSubmit is returned when the form is invalid or a submission is
	// already in flight. Nothing is submitted.
	ErrCannotSubmit = errors.New("checkout form cannot be submitted")

	// ErrUnknownField is returned for field names outside model.Fields.
	ErrUnknownField = errors.New("unknown checkout field")
)

// Submitter performs the actual submission of a valid form.
type Submitter func(ctx context.Context, form model.CheckoutForm) error

// FieldState is the public view of one field.
type FieldState struct {
	Value   string `json:"value"`
	Touched bool   `json:"touched"`
	Valid   bool   `json:"valid"`
}

// State is a snapshot of the whole form.
type State struct {
	Fields            map[model.Field]FieldState `json:"fields"`
	CanSubmit         bool                       `json:"can_submit"`
	Submitting        bool                       `json:"submitting"`
	CustomerInfoReady bool                       `json:"customer_info_ready"`
}

type field struct {
	value   string
	touched bool
}

// Controller is safe for concurrent use.
type Controller struct {
	mu         sync.Mutex
	sessionID  string
	cacheKey   string
	fields     map[model.Field]*field
	submitting bool

	// saveMu orders cache writes so the last write is the latest state.
	saveMu sync.Mutex

	cache  *formcache.Cache
	submit Submitter
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithCacheOwner keys the cached fields by owner, typically the visitor ID,
// instead of the session ID.
func WithCacheOwner(owner string) Option {
	return func(c *Controller) {
		if owner != "" {
			c.cacheKey = owner
		}
	}
}

// New creates a controller for a session. Saved name and email are restored
// from cache and the legacy record is removed. cache and submit may be nil.
func New(ctx context.Context, sessionID string, cache *formcache.Cache, submit Submitter, opts ...Option) *Controller {
	c := &Controller{
		sessionID: sessionID,
		cacheKey:  sessionID,
		fields:    make(map[model.Field]*field, len(model.Fields)),
		cache:     cache,
		submit:    submit,
		logger:    slog.Default().With("session_id", sessionID),
	}
	for _, f := range model.Fields {
		c.fields[f] = &field{}
	}
	for _, opt := range opts {
		opt(c)
	}

	if cache == nil {
		return c
	}
	if err := cache.Clear(ctx, formcache.LegacyKey(c.cacheKey)); err != nil {
		c.logger.Warn("legacy_form_cleanup_failed", "error", err)
	}
	saved, err := cache.Load(ctx, formcache.Key(c.cacheKey))
	if err != nil {
		c.logger.Warn("form_restore_failed", "error", err)
		return c
	}
	c.fields[model.FieldName].value = saved.Name
	c.fields[model.FieldEmail].value = saved.Email
	return c
}

// Input sets a field from raw user input. Free text is sanitized and card
// fields are masked. Name and email are written through to the cache.
func (c *Controller) Input(ctx context.Context, name model.Field, raw string) error {
	persist := name.IsSafe() && c.cache != nil
	if persist {
		c.saveMu.Lock()
		defer c.saveMu.Unlock()
	}

	c.mu.Lock()
	f, ok := c.fields[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	f.value = normalize(name, raw)
	safe := model.SafeCheckoutForm{
		Name:  c.fields[model.FieldName].value,
		Email: c.fields[model.FieldEmail].value,
	}
	c.mu.Unlock()

	if persist {
		if err := c.cache.Save(ctx, formcache.Key(c.cacheKey), safe); err != nil {
			c.logger.Warn("form_persist_failed", "error", err)
		}
	}
	return nil
}

// Blur marks a field as touched.
func (c *Controller) Blur(name model.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.fields[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	f.touched = true
	return nil
}

// Validity reports each field's predicate.
func (c *Controller) Validity() map[model.Field]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validityLocked()
}

// CanSubmit is true when every field is valid and nothing is in flight.
func (c *Controller) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSubmitLocked()
}

// CustomerInfoReady reports whether the customer-info step may proceed to
// payment. It uses the stricter email pattern.
func (c *Controller) CustomerInfoReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return format.NameOK(c.fields[model.FieldName].value) &&
		format.StrictEmailOK(c.fields[model.FieldEmail].value)
}

// Customer returns the safe subset of the form.
func (c *Controller) Customer() model.SafeCheckoutForm {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.SafeCheckoutForm{
		Name:  c.fields[model.FieldName].value,
		Email: c.fields[model.FieldEmail].value,
	}
}

// State returns a snapshot of the form.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	valid := c.validityLocked()
	fields := make(map[model.Field]FieldState, len(c.fields))
	for name, f := range c.fields {
		fields[name] = FieldState{Value: f.value, Touched: f.touched, Valid: valid[name]}
	}
	return State{
		Fields:     fields,
		CanSubmit:  c.canSubmitLocked(),
		Submitting: c.submitting,
		CustomerInfoReady: format.NameOK(c.fields[model.FieldName].value) &&
			format.StrictEmailOK(c.fields[model.FieldEmail].value),
	}
}

// Submit marks every field touched and, when the form can be submitted, runs
// the submitter, clears the cached fields and calls onComplete.
func (c *Controller) Submit(ctx context.Context, onComplete func(model.CheckoutForm) error) error {
	c.mu.Lock()
	for _, f := range c.fields {
		f.touched = true
	}
	if !c.canSubmitLocked() {
		c.mu.Unlock()
		return ErrCannotSubmit
	}
	c.submitting = true
	form := c.formLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	if c.submit != nil {
		if err := c.submit(ctx, form); err != nil {
			return fmt.Errorf("submit checkout: %w", err)
		}
	}

	if c.cache != nil {
		if err := c.cache.Clear(ctx, formcache.Key(c.cacheKey)); err != nil {
			c.logger.Warn("form_cache_clear_failed", "error", err)
		}
	}

	if onComplete != nil {
		return onComplete(form)
	}
	return nil
}

// ClearCache drops the persisted name and email.
func (c *Controller) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx, formcache.Key(c.cacheKey))
}

func (c *Controller) validityLocked() map[model.Field]bool {
	return map[model.Field]bool{
		model.FieldName:   format.NameOK(c.fields[model.FieldName].value),
		model.FieldEmail:  format.EmailOK(c.fields[model.FieldEmail].value),
		model.FieldCard:   format.CardOK(c.fields[model.FieldCard].value),
		model.FieldExpiry: format.ExpiryOK(c.fields[model.FieldExpiry].value),
		model.FieldCVC:    format.CVCOK(c.fields[model.FieldCVC].value),
	}
}

func (c *Controller) canSubmitLocked() bool {
	if c.submitting {
		return false
	}
	for _, ok := range c.validityLocked() {
		if !ok {
			return false
		}
	}
	return true
}

func (c *Controller) formLocked() model.CheckoutForm {
	return model.CheckoutForm{
		Name:   c.fields[model.FieldName].value,
		Email:  c.fields[model.FieldEmail].value,
		Card:   c.fields[model.FieldCard].value,
		Expiry: c.fields[model.FieldExpiry].value,
		CVC:    c.fields[model.FieldCVC].value,
	}
}

func normalize(name model.Field, raw string) string {
	switch name {
	case model.FieldCard:
		return format.FormatCardNumber(raw)
	case model.FieldExpiry:
		return format.FormatExpiry(raw)
	case model.FieldCVC:
		return format.FormatCVC(raw)
	default:
		return format.SanitizeInput(raw)
	}
}
