package payment

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypePayment    TransactionType = "payment"
	TypeRefund     TransactionType = "refund"
	TypeAdjustment TransactionType = "adjustment"
	TypeFee        TransactionType = "fee"
)

// TransactionStatus is the state of a ledger entry.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
)

// Final reports whether the entry can no longer change.
func (s TransactionStatus) Final() bool {
	return s != TxPending
}

// ErrTransactionFinal is returned when a completed, failed or cancelled
// entry would be edited. Corrections are appended as adjustments instead.
var ErrTransactionFinal = errors.New("transaction is final")

// Transaction is an append-only ledger entry.
type Transaction struct {
	ID          string
	OrderID     string
	PaymentID   string
	CustomerID  string
	Type        TransactionType
	Amount      decimal.Decimal
	Currency    string
	Status      TransactionStatus
	Description string
	Reference   string
	Metadata    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Settle moves a pending entry to a final status.
func (t *Transaction) Settle(status TransactionStatus, reference string, at time.Time) error {
	if t.Status.Final() {
		return errors.Wrapf(ErrTransactionFinal, "transaction %s is %s", t.ID, t.Status)
	}
	t.Status = status
	if reference != "" {
		t.Reference = reference
	}
	t.UpdatedAt = at
	return nil
}

// SettlementFor returns the ledger status that a payment outcome settles
// its payment entry with. ok is false when the outcome does not settle it.
func SettlementFor(s Status) (TransactionStatus, bool) {
	switch s {
	case StatusPaid:
		return TxCompleted, true
	case StatusFailed:
		return TxFailed, true
	case StatusCancelled, StatusExpired:
		return TxCancelled, true
	default:
		return "", false
	}
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Metadata = cloneRaw(t.Metadata)
	return &c
}
