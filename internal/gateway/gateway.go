// Package gateway defines the contract of the external payment gateway and
// the typed view of its notifications.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Adapter errors.
var (
	ErrRejected    = errors.New("gateway rejected request")
	ErrTimeout     = errors.New("gateway timeout")
	ErrMalformed   = errors.New("malformed notification")
	ErrNotFound    = errors.New("gateway transaction not found")
	ErrUnsupported = errors.New("operation not supported by gateway")
)

// RejectedError is a non-transient rejection (4xx or validation error).
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d): %s", e.StatusCode, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Item is a line item forwarded to the gateway.
type Item struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Customer holds the buyer details forwarded to the gateway.
type Customer struct {
	ID    string
	Name  string
	Phone string
}

// TransactionRequest asks the gateway to open a transaction. OrderID is the
// idempotency key and is never reused across attempts.
type TransactionRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	Method   string
	Customer Customer
	Items    []Item
}

// TransactionResponse is the outcome of opening a transaction.
type TransactionResponse struct {
	Token       string
	RedirectURL string
	// TransactionID is set by gateways that charge immediately.
	TransactionID string
	Status        Status
	Raw           json.RawMessage
}

// Notification is a decoded webhook payload.
type Notification struct {
	OrderID       string
	TransactionID string
	StatusCode    string
	GrossAmount   string
	PaymentType   string
	Signature     string
	Status        Status
	Raw           json.RawMessage
}

// StatusResult is the gateway's view of a transaction obtained by polling.
type StatusResult struct {
	OrderID       string
	TransactionID string
	Status        Status
	Raw           json.RawMessage
}

// Client is the gateway capability set consumed by checkout.
type Client interface {
	CreateTransaction(ctx context.Context, req TransactionRequest) (*TransactionResponse, error)
	ParseNotification(raw []byte) (*Notification, error)
	VerifySignature(n *Notification, signature string) bool
	QueryStatus(ctx context.Context, id string) (*StatusResult, error)
	Cancel(ctx context.Context, orderID string) error
}
