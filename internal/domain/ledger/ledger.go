// Package ledger defines the durable store for orders, payments and the
// append-only transaction ledger.
//
// Every mutation happens inside Store.InTx. Implementations must provide
// exclusive row locks for LockOrder and LockPayment that are held until the
// transaction ends, and callers must always lock the order before any of its
// payments.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-core/internal/domain/event"
	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/domain/stock"
)

// Store errors.
var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateKey        = errors.New("duplicate key")
)

// Store is the ledger store.
type Store interface {
	// InTx runs fn as one atomic unit. A non-nil error from fn rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Order(ctx context.Context, id string) (*order.Order, error)
	OrdersByCustomer(ctx context.Context, customerID string) ([]order.Order, error)
	Payment(ctx context.Context, id string) (*payment.Payment, error)
	// PaymentByGatewayRef resolves by gateway order id first and falls back
	// to the gateway transaction id.
	PaymentByGatewayRef(ctx context.Context, gatewayOrderID, gatewayTxID string) (*payment.Payment, error)
	PaymentsByOrder(ctx context.Context, orderID string) ([]payment.Payment, error)
	Transactions(ctx context.Context, orderID string) ([]payment.Transaction, error)
	// StalePayments returns active gateway payments last updated before the
	// given time, oldest first.
	StalePayments(ctx context.Context, before time.Time, limit int) ([]payment.Payment, error)

	// Outbox.
	PendingEvents(ctx context.Context, limit int) ([]event.Event, error)
	MarkEventsSent(ctx context.Context, ids []string, at time.Time) error
}

// Tx is the set of operations available inside a store transaction.
type Tx interface {
	CreateOrder(ctx context.Context, o *order.Order) error
	LockOrder(ctx context.Context, id string) (*order.Order, error)
	UpdateOrder(ctx context.Context, o *order.Order) error

	CreatePayment(ctx context.Context, p *payment.Payment) error
	LockPayment(ctx context.Context, id string) (*payment.Payment, error)
	// ActivePayment locks and returns the pending or processing payment of
	// the order, or ErrPaymentNotFound.
	ActivePayment(ctx context.Context, orderID string) (*payment.Payment, error)
	CountPayments(ctx context.Context, orderID string) (int, error)
	UpdatePayment(ctx context.Context, p *payment.Payment) error

	AppendTransaction(ctx context.Context, t *payment.Transaction) error
	// PendingTransaction returns the pending entry of the given type for a
	// payment, or ErrTransactionNotFound.
	PendingTransaction(ctx context.Context, paymentID string, typ payment.TransactionType) (*payment.Transaction, error)
	// UpdateTransaction fails with payment.ErrTransactionFinal when the
	// stored entry is already final.
	UpdateTransaction(ctx context.Context, t *payment.Transaction) error

	// MarkNotification records a processed notification key. It returns
	// false when the key was recorded before.
	MarkNotification(ctx context.Context, key, paymentID string, payload json.RawMessage) (bool, error)

	Enqueue(ctx context.Context, e event.Event) error

	// Stock returns inventory operations bound to this transaction.
	Stock() stock.Service
}
