package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product represents a catalog item available for purchase.
type Product struct {
	ID                   string
	Name                 string
	Price                decimal.Decimal
	Category             string
	RequiresPrescription bool
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
