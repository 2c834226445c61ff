package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/marketplace-core/internal/domain/event"
	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/domain/stock"
)

var _ ledger.Store = (*Store)(nil)

// Store implements ledger.Store. Row locks are taken with SELECT ... FOR
// UPDATE and held until the surrounding transaction ends.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store that uses the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InTx runs fn in a read-committed transaction that is committed when fn
// returns nil and rolled back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(ptx pgx.Tx) error {
		return fn(ctx, &tx{q: ptx, stock: NewStock(ptx)})
	})
}

func (s *Store) Order(ctx context.Context, id string) (*order.Order, error) {
	return selectOrder(ctx, s.pool, getOrderSQL, id)
}

func (s *Store) OrdersByCustomer(ctx context.Context, customerID string) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx, ordersByCustomerSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", customerID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (s *Store) Payment(ctx context.Context, id string) (*payment.Payment, error) {
	return selectPayment(ctx, s.pool, getPaymentSQL, id)
}

func (s *Store) PaymentByGatewayRef(ctx context.Context, gatewayOrderID, gatewayTxID string) (*payment.Payment, error) {
	if gatewayOrderID != "" {
		p, err := selectPayment(ctx, s.pool, paymentByGatewayOrderSQL, gatewayOrderID)
		if !errors.Is(err, ledger.ErrPaymentNotFound) {
			return p, err
		}
	}
	if gatewayTxID != "" {
		return selectPayment(ctx, s.pool, paymentByGatewayTxSQL, gatewayTxID)
	}
	return nil, ledger.ErrPaymentNotFound
}

func (s *Store) PaymentsByOrder(ctx context.Context, orderID string) ([]payment.Payment, error) {
	return selectPayments(ctx, s.pool, paymentsByOrderSQL, orderID)
}

func (s *Store) Transactions(ctx context.Context, orderID string) ([]payment.Transaction, error) {
	rows, err := s.pool.Query(ctx, transactionsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions of %q: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

func (s *Store) StalePayments(ctx context.Context, before time.Time, limit int) ([]payment.Payment, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return selectPayments(ctx, s.pool, stalePaymentsSQL, before, lim)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// tx implements ledger.Tx on a pgx transaction.
type tx struct {
	q     pgx.Tx
	stock *Stock
}

func (t *tx) Stock() stock.Service { return t.stock }

func (t *tx) CreateOrder(ctx context.Context, o *order.Order) error {
	return insertOrder(ctx, t.q, o)
}

func (t *tx) LockOrder(ctx context.Context, id string) (*order.Order, error) {
	return selectOrder(ctx, t.q, lockOrderSQL, id)
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	return updateOrder(ctx, t.q, o)
}

func (t *tx) CreatePayment(ctx context.Context, p *payment.Payment) error {
	return insertPayment(ctx, t.q, p)
}

func (t *tx) LockPayment(ctx context.Context, id string) (*payment.Payment, error) {
	return selectPayment(ctx, t.q, lockPaymentSQL, id)
}

func (t *tx) ActivePayment(ctx context.Context, orderID string) (*payment.Payment, error) {
	return selectPayment(ctx, t.q, activePaymentSQL, orderID)
}

func (t *tx) CountPayments(ctx context.Context, orderID string) (int, error) {
	var n int
	if err := t.q.QueryRow(ctx, countPaymentsSQL, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting payments of %q: %w", orderID, err)
	}
	return n, nil
}

func (t *tx) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	return updatePayment(ctx, t.q, p)
}

func (t *tx) AppendTransaction(ctx context.Context, tr *payment.Transaction) error {
	return insertTransaction(ctx, t.q, tr)
}

func (t *tx) PendingTransaction(ctx context.Context, paymentID string, typ payment.TransactionType) (*payment.Transaction, error) {
	rows, err := t.q.Query(ctx, pendingTransactionSQL, paymentID, string(typ))
	if err != nil {
		return nil, fmt.Errorf("getting pending transaction of %q: %w", paymentID, err)
	}
	tr, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("getting pending transaction of %q: %w", paymentID, err)
	}
	return &tr, nil
}

func (t *tx) UpdateTransaction(ctx context.Context, tr *payment.Transaction) error {
	return updateTransaction(ctx, t.q, tr)
}

func (t *tx) MarkNotification(ctx context.Context, key, paymentID string, payload json.RawMessage) (bool, error) {
	tag, err := t.q.Exec(ctx, markNotificationSQL, key, paymentID, nullJSON(payload))
	if err != nil {
		return false, fmt.Errorf("marking notification %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) Enqueue(ctx context.Context, e event.Event) error {
	return enqueueEvent(ctx, t.q, e)
}
