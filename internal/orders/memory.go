package orders

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepository provides thread-safe in-process storage for orders.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]Order
}

// NewMemoryRepository creates a new empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[string]Order),
	}
}

func (r *MemoryRepository) Create(_ context.Context, o Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.PaymentIntentID]; ok {
		return ErrOrderExists
	}
	r.orders[o.PaymentIntentID] = clone(o)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, paymentIntentID string) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[paymentIntentID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return clone(o), nil
}

func (r *MemoryRepository) Update(_ context.Context, paymentIntentID string, fn func(o *Order) error) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[paymentIntentID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	o = clone(o)
	if err := fn(&o); err != nil {
		return Order{}, err
	}
	r.orders[paymentIntentID] = o
	return clone(o), nil
}

// Len returns the number of stored orders.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

func clone(o Order) Order {
	o.Events = slices.Clone(o.Events)
	return o
}
