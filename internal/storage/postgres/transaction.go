package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/payment"
)

// Entries without a payment, such as adjustments and fees, store a NULL
// payment_id.
const (
	transactionInsertColumns = `id, order_id, payment_id, customer_id, type, amount, currency, status,
	description, reference, metadata, created_at, updated_at`

	transactionColumns = `id, order_id, COALESCE(payment_id, ''), customer_id, type, amount, currency, status,
	description, reference, metadata, created_at, updated_at`
)

const (
	insertTransactionSQL = `INSERT INTO transactions (` + transactionInsertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	pendingTransactionSQL = `SELECT ` + transactionColumns + ` FROM transactions
		WHERE payment_id = $1 AND type = $2 AND status = 'pending'
		ORDER BY seq LIMIT 1 FOR UPDATE`

	// Final entries are never edited; the status predicate enforces it.
	updateTransactionSQL = `UPDATE transactions SET status = $2, reference = $3, metadata = $4, updated_at = $5
		WHERE id = $1 AND status = 'pending'`

	transactionStatusSQL = `SELECT status FROM transactions WHERE id = $1`

	transactionsByOrderSQL = `SELECT ` + transactionColumns + ` FROM transactions
		WHERE order_id = $1 ORDER BY seq`

	transactionsSinceSQL = `SELECT ` + transactionColumns + ` FROM transactions
		WHERE created_at >= $1 ORDER BY seq`

	markNotificationSQL = `INSERT INTO processed_notifications (key, payment_id, payload)
		VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`
)

func insertTransaction(ctx context.Context, q querier, t *payment.Transaction) error {
	_, err := q.Exec(ctx, insertTransactionSQL,
		t.ID, t.OrderID, nullString(t.PaymentID), t.CustomerID, string(t.Type), t.Amount, t.Currency, string(t.Status),
		t.Description, t.Reference, nullJSON(t.Metadata), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Sprintf("appending transaction %q", t.ID))
	}
	return nil
}

func updateTransaction(ctx context.Context, q querier, t *payment.Transaction) error {
	tag, err := q.Exec(ctx, updateTransactionSQL,
		t.ID, string(t.Status), t.Reference, nullJSON(t.Metadata), t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating transaction %q: %w", t.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	if err := q.QueryRow(ctx, transactionStatusSQL, t.ID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrTransactionNotFound
		}
		return fmt.Errorf("getting transaction %q: %w", t.ID, err)
	}
	return errors.Wrapf(payment.ErrTransactionFinal, "transaction %s is %s", t.ID, status)
}

func scanTransaction(row pgx.CollectableRow) (payment.Transaction, error) {
	var (
		t           payment.Transaction
		typ, status string
		metadata    []byte
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.PaymentID, &t.CustomerID, &typ, &t.Amount, &t.Currency, &status,
		&t.Description, &t.Reference, &metadata, &t.CreatedAt, &t.UpdatedAt,
	)
	t.Type = payment.TransactionType(typ)
	t.Status = payment.TransactionStatus(status)
	t.Metadata = json.RawMessage(metadata)
	return t, err
}

// EachTransaction streams ledger entries created at or after since, in
// append order.
func (s *Store) EachTransaction(ctx context.Context, since time.Time, fn func(payment.Transaction) error) error {
	rows, err := s.pool.Query(ctx, transactionsSinceSQL, since)
	if err != nil {
		return fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return fmt.Errorf("scanning transaction: %w", err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}
