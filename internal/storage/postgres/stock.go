package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/marketplace-core/internal/domain/stock"
)

const (
	// Reserve never reads before writing: the predicate makes the decrement
	// atomic under concurrent orders.
	reserveStockSQL = `UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`

	releaseStockSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`

	availableStockSQL = `SELECT stock FROM products WHERE id = $1`
)

var _ stock.Service = (*Stock)(nil)

// Stock implements stock.Service on the products table. Bound to a pgx.Tx
// its changes commit or roll back with the transaction.
type Stock struct {
	q querier
}

// NewStock returns a Stock that runs on q, usually the pool.
func NewStock(q querier) *Stock {
	return &Stock{q: q}
}

// Reserve decrements stock when at least qty units are available.
func (s *Stock) Reserve(ctx context.Context, productID string, qty int) (bool, error) {
	tag, err := s.q.Exec(ctx, reserveStockSQL, productID, qty)
	if err != nil {
		return false, fmt.Errorf("reserving %q: %w", productID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Available(ctx, productID); err != nil {
		return false, err
	}
	return false, nil
}

// Release returns qty units to stock.
func (s *Stock) Release(ctx context.Context, productID string, qty int) error {
	tag, err := s.q.Exec(ctx, releaseStockSQL, productID, qty)
	if err != nil {
		return fmt.Errorf("releasing %q: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(stock.ErrUnknownProduct, productID)
	}
	return nil
}

// Available returns the units currently in stock.
func (s *Stock) Available(ctx context.Context, productID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, availableStockSQL, productID).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errors.Wrap(stock.ErrUnknownProduct, productID)
		}
		return 0, fmt.Errorf("getting stock of %q: %w", productID, err)
	}
	return n, nil
}
