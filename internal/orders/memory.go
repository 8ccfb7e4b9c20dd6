package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
)

// MemoryStore is an in-process record store with the same merge and
// conditional semantics as Store. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]Order
	nowFunc func() time.Time
	writes  int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  map[string]Order{},
		nowFunc: time.Now,
	}
}

// Put inserts or replaces an order wholesale. It is the seeding path, not
// part of the lifecycle write path.
func (s *MemoryStore) Put(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = clone(o)
}

func (s *MemoryStore) Get(ctx context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	c := clone(o)
	return &c, nil
}

func (s *MemoryStore) Update(ctx context.Context, orderID string, m Mutation) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	if m.ExpectStatus != "" && o.Status != m.ExpectStatus {
		return nil, ErrStatusMismatch
	}
	if m.ExpectPaymentStatus != "" && o.PaymentStatus != m.ExpectPaymentStatus {
		return nil, ErrStatusMismatch
	}

	o = clone(o)
	if m.Status != "" {
		o.Status = m.Status
	}
	if m.PaymentStatus != "" {
		o.PaymentStatus = m.PaymentStatus
	}
	if len(m.Metadata) > 0 {
		o.Metadata = o.Metadata.Merge(m.Metadata)
	}
	o.UpdatedAt = s.nowFunc().UTC()
	s.orders[orderID] = o
	s.writes++

	c := clone(o)
	return &c, nil
}

// Writes returns how many updates have been applied.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func clone(o Order) Order {
	if o.Metadata != nil {
		o.Metadata = o.Metadata.Merge(nil)
	}
	return o
}
