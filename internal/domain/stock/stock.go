// Package stock defines the inventory collaborator used by the order
// lifecycle.
package stock

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnknownProduct is returned for products without an inventory record.
var ErrUnknownProduct = errors.New("unknown product")

// Service reserves and restores inventory. Reserve is an atomic
// decrement-if-sufficient: it returns false without side effects when fewer
// than qty units are available.
type Service interface {
	Reserve(ctx context.Context, productID string, qty int) (bool, error)
	Release(ctx context.Context, productID string, qty int) error
	Available(ctx context.Context, productID string) (int, error)
}
