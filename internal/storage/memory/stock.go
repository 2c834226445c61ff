package memory

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-core/internal/domain/stock"
)

type counter struct {
	mu  sync.Mutex
	qty int
}

// Stock is an in-memory inventory with one mutex per product.
type Stock struct {
	mu    sync.RWMutex
	items map[string]*counter
}

var _ stock.Service = (*Stock)(nil)

// NewStock creates an empty inventory.
func NewStock() *Stock {
	return &Stock{items: make(map[string]*counter)}
}

// Set overwrites the available quantity of a product.
func (s *Stock) Set(productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.items[productID]; ok {
		c.mu.Lock()
		c.qty = qty
		c.mu.Unlock()
		return
	}
	s.items[productID] = &counter{qty: qty}
}

func (s *Stock) counter(productID string) (*counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[productID]
	if !ok {
		return nil, errors.Wrap(stock.ErrUnknownProduct, productID)
	}
	return c, nil
}

func (s *Stock) Reserve(_ context.Context, productID string, qty int) (bool, error) {
	c, err := s.counter(productID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qty < qty {
		return false, nil
	}
	c.qty -= qty
	return true, nil
}

func (s *Stock) Release(_ context.Context, productID string, qty int) error {
	c, err := s.counter(productID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.qty += qty
	c.mu.Unlock()
	return nil
}

func (s *Stock) Available(_ context.Context, productID string) (int, error) {
	c, err := s.counter(productID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qty, nil
}

// journaledStock applies changes immediately and records their inverse so a
// failed transaction can restore the counters.
type journaledStock struct {
	s    *Stock
	undo []func()
}

func (j *journaledStock) Reserve(ctx context.Context, productID string, qty int) (bool, error) {
	ok, err := j.s.Reserve(ctx, productID, qty)
	if err != nil || !ok {
		return ok, err
	}
	j.undo = append(j.undo, func() { _ = j.s.Release(context.Background(), productID, qty) })
	return true, nil
}

func (j *journaledStock) Release(ctx context.Context, productID string, qty int) error {
	if err := j.s.Release(ctx, productID, qty); err != nil {
		return err
	}
	j.undo = append(j.undo, func() { j.s.take(productID, qty) })
	return nil
}

func (j *journaledStock) Available(ctx context.Context, productID string) (int, error) {
	return j.s.Available(ctx, productID)
}

func (j *journaledStock) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// take removes qty unconditionally. Only used to undo a release.
func (s *Stock) take(productID string, qty int) {
	c, err := s.counter(productID)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.qty -= qty
	c.mu.Unlock()
}
