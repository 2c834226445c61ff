package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors for order validation and lifecycle.
var (
	ErrEmptyItems           = errors.New("items required")
	ErrNotFound             = errors.New("order not found")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrPrescriptionRequired = errors.New("prescription verification required")
	ErrPaymentRequired      = errors.New("payment required")
	ErrInvariant            = errors.New("order invariant violated")

	ErrPrescriptionNotRequired = errors.New("order does not require a prescription")
	ErrPrescriptionVerified    = errors.New("prescription already verified")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// InsufficientStockError reports the product that could not be reserved.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InvalidAddressError names the first missing shipping field.
type InvalidAddressError struct {
	Field string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address: %s is required", e.Field)
}

func (e *InvalidAddressError) Unwrap() error { return ErrInvalidAddress }

// IllegalTransitionError is returned when the target status is not reachable
// from the current one, or a guard on the edge rejects it.
type IllegalTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }
