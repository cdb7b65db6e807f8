// Package funnel owns the per-session funnel state: the current step, the
// order bump selection and what has been purchased.
package funnel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/catalog"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
)

var (
	// ErrInvalidTransition is returned when an operation's step precondition
	// does not hold. The state is left unchanged.
	ErrInvalidTransition = errors.New("invalid funnel transition")

	// ErrOfferConflict is returned when the downsell is accepted after the upsell.
	ErrOfferConflict = errors.New("upsell already accepted")
)

// Store is the funnel state of a single session.
type Store struct {
	mu        sync.Mutex
	id        string
	visitor   string
	step      model.Step
	bump      bool
	purchase  model.Purchase
	createdAt time.Time
	updatedAt time.Time

	notifier Notifier
	now      func() time.Time
}

// NewStore creates a store positioned on the landing step.
func NewStore(id string, notifier Notifier) *Store {
	return newStoreWithClock(id, notifier, time.Now)
}

func newStoreWithClock(id string, notifier Notifier, now func() time.Time) *Store {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	ts := now()
	return &Store{
		id:        id,
		step:      model.StepLanding,
		purchase:  model.Purchase{Offer: model.OfferNone},
		createdAt: ts,
		updatedAt: ts,
		notifier:  notifier,
		now:       now,
	}
}

// ID returns the session identifier.
func (s *Store) ID() string { return s.id }

// Visitor returns the browser identifier the session was created for.
func (s *Store) Visitor() string { return s.visitor }

// StartCheckout moves from landing to checkout. The order bump always starts
// unchecked when checkout is entered.
func (s *Store) StartCheckout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step != model.StepLanding {
		return s.invalid("start checkout")
	}
	s.step = model.StepCheckout
	s.bump = false
	s.touch()
	s.emit(EventCheckoutStarted, "Checkout started")
	return nil
}

// SetOrderBump records the order bump selection. It is rejected once the
// checkout has completed.
func (s *Store) SetOrderBump(selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == model.StepThankYou {
		return s.invalid("change order bump")
	}
	s.bump = selected
	s.touch()
	if selected {
		s.emit(EventBumpSelected, "Bonus Templates Pack added")
	} else {
		s.emit(EventBumpCleared, "Bonus Templates Pack removed")
	}
	return nil
}

// CompleteCheckout records the tripwire purchase together with a snapshot of
// the order bump and moves to the thank-you step. It is used when no charge
// was made, as in demo submissions.
func (s *Store) CompleteCheckout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(s.bump)
}

// CompletePaidCheckout is CompleteCheckout for a verified payment. The bump is
// recorded as charged, whatever the current selection is.
func (s *Store) CompletePaidCheckout(chargedBump bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked(chargedBump)
}

func (s *Store) completeLocked(bump bool) error {
	if s.step != model.StepCheckout {
		return s.invalid("complete checkout")
	}
	s.bump = bump
	s.purchase = model.Purchase{Tripwire: true, Bump: bump, Offer: model.OfferNone}
	s.step = model.StepThankYou
	s.touch()
	s.emit(EventCheckoutCompleted, "Payment successful!")
	return nil
}

// AcceptUpsell records the upsell. A previously accepted downsell is replaced.
func (s *Store) AcceptUpsell() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step != model.StepThankYou {
		return s.invalid("accept upsell")
	}
	s.purchase.Offer = model.OfferUpsell
	s.touch()
	s.emit(EventUpsellAccepted, "Upgrade added to your order")
	return nil
}

// AcceptDownsell records the downsell unless the upsell was already taken.
func (s *Store) AcceptDownsell() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step != model.StepThankYou {
		return s.invalid("accept downsell")
	}
	if s.purchase.Offer == model.OfferUpsell {
		return fmt.Errorf("session %s: %w", s.id, ErrOfferConflict)
	}
	s.purchase.Offer = model.OfferDownsell
	s.touch()
	s.emit(EventDownsellAccepted, "Coaching added to your order")
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() model.FunnelSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.FunnelSnapshot{
		SessionID:         s.id,
		VisitorID:         s.visitor,
		Step:              s.step,
		OrderBumpSelected: s.bump,
		Purchase:          s.purchase,
		CreatedAt:         s.createdAt,
		UpdatedAt:         s.updatedAt,
	}
}

// PurchasedItems lists what the session bought, priced from the catalog.
func (s *Store) PurchasedItems(c *catalog.Catalog) []model.PurchasedItem {
	p := s.Snapshot().Purchase

	var items []model.PurchasedItem
	add := func(bought bool, k catalog.Kind) {
		if !bought {
			return
		}
		o := c.Offer(k)
		items = append(items, model.PurchasedItem{
			Label:      o.Label,
			PriceCents: o.PriceCents,
			ValueCents: o.ValueCents,
		})
	}
	add(p.Tripwire, catalog.Tripwire)
	add(p.Bump, catalog.Bump)
	add(p.Upsell(), catalog.Upsell)
	add(p.Downsell(), catalog.Downsell)
	return items
}

// Totals sums price and perceived value over items.
func Totals(items []model.PurchasedItem) (priceCents, valueCents int64) {
	for _, it := range items {
		priceCents += it.PriceCents
		valueCents += it.ValueCents
	}
	return priceCents, valueCents
}

func (s *Store) invalid(op string) error {
	return fmt.Errorf("session %s: cannot %s at step %s: %w", s.id, op, s.step, ErrInvalidTransition)
}

func (s *Store) touch() {
	s.updatedAt = s.now()
}

// emit is called with the lock held; notifiers must not block.
func (s *Store) emit(kind EventKind, msg string) {
	s.notifier.Notify(Notification{
		SessionID: s.id,
		Kind:      kind,
		Message:   msg,
		Step:      s.step,
		At:        s.updatedAt,
	})
}
