package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/payment"
)

const paymentColumns = `id, order_id, customer_id, attempt, amount, currency, method, gateway, status,
	gateway_order_id, COALESCE(gateway_transaction_id, ''), token, redirect_url,
	gateway_response, last_notification, signature_verified, metadata,
	paid_at, expired_at, cancelled_at, refunded_at, failed_at, created_at, updated_at`

const (
	insertPaymentSQL = `INSERT INTO payments (id, order_id, customer_id, attempt, amount, currency, method,
		gateway, status, gateway_order_id, gateway_transaction_id, token, redirect_url,
		gateway_response, last_notification, signature_verified, metadata,
		paid_at, expired_at, cancelled_at, refunded_at, failed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24)`

	getPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	lockPaymentSQL = getPaymentSQL + ` FOR UPDATE`

	activePaymentSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE order_id = $1 AND status IN ('pending', 'processing')
		ORDER BY attempt DESC LIMIT 1 FOR UPDATE`

	countPaymentsSQL = `SELECT count(*) FROM payments WHERE order_id = $1`

	paymentByGatewayOrderSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_order_id = $1`

	paymentByGatewayTxSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_transaction_id = $1`

	paymentsByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE order_id = $1 ORDER BY attempt`

	stalePaymentsSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE gateway = 'midtrans' AND status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at LIMIT $2`

	updatePaymentSQL = `UPDATE payments SET status = $2, gateway_transaction_id = $3, token = $4,
		redirect_url = $5, gateway_response = $6, last_notification = $7, signature_verified = $8,
		metadata = $9, paid_at = $10, expired_at = $11, cancelled_at = $12, refunded_at = $13,
		failed_at = $14, updated_at = $15
		WHERE id = $1`
)

func insertPayment(ctx context.Context, q querier, p *payment.Payment) error {
	_, err := q.Exec(ctx, insertPaymentSQL,
		p.ID, p.OrderID, p.CustomerID, p.Attempt, p.Amount, p.Currency, p.Method,
		string(p.Gateway), string(p.Status), p.GatewayOrderID, nullString(p.GatewayTransactionID),
		p.Token, p.RedirectURL,
		nullJSON(p.GatewayResponse), nullJSON(p.LastNotification), p.SignatureVerified, nullJSON(p.Metadata),
		p.PaidAt, p.ExpiredAt, p.CancelledAt, p.RefundedAt, p.FailedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Sprintf("creating payment %q", p.ID))
	}
	return nil
}

func updatePayment(ctx context.Context, q querier, p *payment.Payment) error {
	tag, err := q.Exec(ctx, updatePaymentSQL,
		p.ID, string(p.Status), nullString(p.GatewayTransactionID), p.Token,
		p.RedirectURL, nullJSON(p.GatewayResponse), nullJSON(p.LastNotification), p.SignatureVerified,
		nullJSON(p.Metadata), p.PaidAt, p.ExpiredAt, p.CancelledAt, p.RefundedAt,
		p.FailedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Sprintf("updating payment %q", p.ID))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrPaymentNotFound
	}
	return nil
}

func selectPayment(ctx context.Context, q querier, query string, args ...any) (*payment.Payment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	return &p, nil
}

func selectPayments(ctx context.Context, q querier, query string, args ...any) ([]payment.Payment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return pgx.CollectRows(rows, scanPayment)
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p                      payment.Payment
		gateway, status        string
		response, notification []byte
		metadata               []byte
		paid, expired          *time.Time
		cancelled, refunded    *time.Time
		failed                 *time.Time
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.Attempt, &p.Amount, &p.Currency, &p.Method, &gateway, &status,
		&p.GatewayOrderID, &p.GatewayTransactionID, &p.Token, &p.RedirectURL,
		&response, &notification, &p.SignatureVerified, &metadata,
		&paid, &expired, &cancelled, &refunded, &failed, &p.CreatedAt, &p.UpdatedAt,
	)
	p.Gateway = payment.Gateway(gateway)
	p.Status = payment.Status(status)
	p.GatewayResponse, p.LastNotification, p.Metadata = response, notification, metadata
	p.PaidAt, p.ExpiredAt, p.CancelledAt, p.RefundedAt, p.FailedAt = paid, expired, cancelled, refunded, failed
	return p, err
}
