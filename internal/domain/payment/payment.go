package payment

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a single payment attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
	StatusExpired    Status = "expired"
)

// Gateway identifies who settles a payment.
type Gateway string

const (
	GatewayMidtrans Gateway = "midtrans"
	GatewayManual   Gateway = "manual"
	GatewayCOD      Gateway = "cod"
)

// Active reports whether the payment can still receive an outcome.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether s is an outcome. Paid is terminal for the
// attempt even though a refund may still follow it.
func (s Status) Terminal() bool {
	return !s.Active()
}

var forward = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusPaid, StatusFailed, StatusCancelled, StatusExpired},
	StatusProcessing: {StatusPaid, StatusFailed, StatusCancelled, StatusExpired},
	StatusPaid:       {StatusRefunded},
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrStaleTransition is returned by Payment.Transition for moves that are not
// forward from the current status.
var ErrStaleTransition = errors.New("stale payment transition")

// Payment is one attempt to settle an order. A failed or expired payment is
// never reused; a retry creates a new Payment with a new gateway order id.
type Payment struct {
	ID                   string
	OrderID              string
	CustomerID           string
	Attempt              int
	Amount               decimal.Decimal
	Currency             string
	Method               string
	Gateway              Gateway
	Status               Status
	GatewayOrderID       string
	GatewayTransactionID string
	Token                string
	RedirectURL          string
	// GatewayResponse and LastNotification are kept verbatim for audit.
	GatewayResponse   json.RawMessage
	LastNotification  json.RawMessage
	SignatureVerified bool
	// Metadata is opaque and never drives a transition.
	Metadata    json.RawMessage
	PaidAt      *time.Time
	ExpiredAt   *time.Time
	CancelledAt *time.Time
	RefundedAt  *time.Time
	FailedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transition applies a forward move and stamps the matching timestamp. A
// timestamp that is already set is never overwritten.
func (p *Payment) Transition(to Status, at time.Time) error {
	if !CanTransition(p.Status, to) {
		return errors.Wrapf(ErrStaleTransition, "%s -> %s", p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = at
	switch to {
	case StatusPaid:
		stamp(&p.PaidAt, at)
	case StatusExpired:
		stamp(&p.ExpiredAt, at)
	case StatusCancelled:
		stamp(&p.CancelledAt, at)
	case StatusRefunded:
		stamp(&p.RefundedAt, at)
	case StatusFailed:
		stamp(&p.FailedAt, at)
	}
	return nil
}

func stamp(field **time.Time, at time.Time) {
	if *field != nil {
		return
	}
	t := at
	*field = &t
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	c := *p
	c.GatewayResponse = cloneRaw(p.GatewayResponse)
	c.LastNotification = cloneRaw(p.LastNotification)
	c.Metadata = cloneRaw(p.Metadata)
	for _, f := range []**time.Time{&c.PaidAt, &c.ExpiredAt, &c.CancelledAt, &c.RefundedAt, &c.FailedAt} {
		if *f != nil {
			t := **f
			*f = &t
		}
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
