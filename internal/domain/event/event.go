// Package event defines the domain events written to the transactional
// outbox.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	OrderCreated         = "order.created"
	OrderStatusChanged   = "order.status_changed"
	PaymentStatusChanged = "payment.status_changed"
)

// Event is a pending outbox record. Key groups events of one aggregate so
// consumers see them in order.
type Event struct {
	ID        string
	Type      string
	Key       string
	Payload   json.RawMessage
	CreatedAt time.Time
	SentAt    *time.Time
}

// OrderStatus is the payload of order events.
type OrderStatus struct {
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	CustomerID    string    `json:"customer_id"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	PaymentStatus string    `json:"payment_status"`
	Actor         string    `json:"actor,omitempty"`
	Note          string    `json:"note,omitempty"`
	At            time.Time `json:"at"`
}

// PaymentStatus is the payload of payment events.
type PaymentStatus struct {
	PaymentID      string    `json:"payment_id"`
	OrderID        string    `json:"order_id"`
	GatewayOrderID string    `json:"gateway_order_id"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	At             time.Time `json:"at"`
}

// New builds an event keyed by key with payload encoded as JSON.
func New(typ, key string, payload any, at time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Key:       key,
		Payload:   data,
		CreatedAt: at,
	}, nil
}
