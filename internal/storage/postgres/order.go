package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/marketplace-core/internal/domain/order"
)

const orderColumns = `id, number, customer_id, items, subtotal, shipping_cost, tax, total, currency,
	status, payment_status, payment_method, shipping_address,
	prescription_required, prescription_verified, prescription_verified_by, prescription_verified_at,
	history, created_at, updated_at`

const (
	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	ordersByCustomerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE customer_id = $1 ORDER BY created_at DESC, id`

	updateOrderSQL = `UPDATE orders SET status = $2, payment_status = $3,
		prescription_verified = $4, prescription_verified_by = $5, prescription_verified_at = $6,
		history = $7, updated_at = $8
		WHERE id = $1`
)

func insertOrder(ctx context.Context, q querier, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("marshaling order history: %w", err)
	}

	_, err = q.Exec(ctx, insertOrderSQL,
		o.ID, o.Number, o.CustomerID, items,
		o.Subtotal, o.ShippingCost, o.Tax, o.Total, o.Currency,
		string(o.Status), string(o.PaymentStatus), o.PaymentMethod, address,
		o.Prescription.Required, o.Prescription.Verified, o.Prescription.VerifiedBy, o.Prescription.VerifiedAt,
		history, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return mapUnique(err, fmt.Sprintf("creating order %q", o.ID))
	}
	return nil
}

func selectOrder(ctx context.Context, q querier, query, id string) (*order.Order, error) {
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

func updateOrder(ctx context.Context, q querier, o *order.Order) error {
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("marshaling order history: %w", err)
	}
	tag, err := q.Exec(ctx, updateOrderSQL,
		o.ID, string(o.Status), string(o.PaymentStatus),
		o.Prescription.Verified, o.Prescription.VerifiedBy, o.Prescription.VerifiedAt,
		history, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                       order.Order
		items, address, history []byte
		status, paymentStatus   string
		verifiedAt              *time.Time
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerID, &items,
		&o.Subtotal, &o.ShippingCost, &o.Tax, &o.Total, &o.Currency,
		&status, &paymentStatus, &o.PaymentMethod, &address,
		&o.Prescription.Required, &o.Prescription.Verified, &o.Prescription.VerifiedBy, &verifiedAt,
		&history, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.Prescription.VerifiedAt = verifiedAt

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return o, fmt.Errorf("unmarshaling shipping address: %w", err)
	}
	if err := json.Unmarshal(history, &o.History); err != nil {
		return o, fmt.Errorf("unmarshaling order history: %w", err)
	}
	return o, nil
}
