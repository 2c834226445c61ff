package order

import (
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the fulfilment state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentStatus is the order-level view of the payment outcome.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Payment methods understood by the checkout flow. Any other method is
// routed to the online gateway.
const (
	MethodCOD    = "cod"
	MethodManual = "manual_transfer"
)

// Order is a customer order. Items and totals are snapshotted at creation
// and never change afterwards; Status and PaymentStatus change only through
// the checkout state machine.
type Order struct {
	ID              string
	Number          string
	CustomerID      string
	Items           []Item
	Subtotal        decimal.Decimal
	ShippingCost    decimal.Decimal
	Tax             decimal.Decimal
	Total           decimal.Decimal
	Currency        string
	Status          Status
	PaymentStatus   PaymentStatus
	PaymentMethod   string
	ShippingAddress Address
	Prescription    Prescription
	History         []StatusChange
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Item is a line item with the unit price captured at order time.
type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// Prescription holds the gate for orders containing prescription-only
// products.
type Prescription struct {
	Required   bool
	Verified   bool
	VerifiedBy string
	VerifiedAt *time.Time
}

// StatusChange is one entry of the append-only status history.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// IsCOD reports whether the order is paid on delivery.
func (o *Order) IsCOD() bool {
	return o.PaymentMethod == MethodCOD
}

// IsManual reports whether the order is paid by a bank transfer that an
// operator verifies when confirming the order.
func (o *Order) IsManual() bool {
	return o.PaymentMethod == MethodManual
}

// Gateway returns the payment gateway that settles this order.
func (o *Order) Gateway() string {
	switch o.PaymentMethod {
	case MethodCOD:
		return "cod"
	case MethodManual:
		return "manual"
	default:
		return "midtrans"
	}
}

// Reservation is the stock held for one product.
type Reservation struct {
	ProductID string
	Quantity  int
}

// Reservations returns the stock held per product, ordered by product id.
// Stock rows are always locked in this order so that concurrent orders over
// the same products cannot deadlock.
func (o *Order) Reservations() []Reservation {
	q := make(map[string]int, len(o.Items))
	for _, it := range o.Items {
		q[it.ProductID] += it.Quantity
	}
	out := make([]Reservation, 0, len(q))
	for _, id := range slices.Sorted(maps.Keys(q)) {
		out = append(out, Reservation{ProductID: id, Quantity: q[id]})
	}
	return out
}

// Clone returns a deep copy so callers can mutate without touching shared
// state.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.History = append([]StatusChange(nil), o.History...)
	if o.Prescription.VerifiedAt != nil {
		at := *o.Prescription.VerifiedAt
		c.Prescription.VerifiedAt = &at
	}
	return &c
}
