//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/marketplace-core/internal/checkout"
	"github.com/xenking/marketplace-core/internal/domain/auth"
	"github.com/xenking/marketplace-core/internal/domain/event"
	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/domain/product"
	"github.com/xenking/marketplace-core/internal/storage/postgres"
)

var databaseURL string

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "market",
				"POSTGRES_PASSWORD": "market",
				"POSTGRES_DB":       "market",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = c.Terminate(context.Background()) }()

	host, err := c.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: %v\n", err)
		return 1
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "port: %v\n", err)
		return 1
	}
	databaseURL = fmt.Sprintf("postgres://market:market@%s:%s/market?sslmode=disable", host, port.Port())

	if err := postgres.Migrate(databaseURL); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return m.Run()
}

type fixture struct {
	pool     *pgxpool.Pool
	store    *postgres.Store
	products *postgres.ProductRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE processed_notifications, transactions, payments, orders, outbox_events, products, api_keys`)
	require.NoError(t, err)

	f := &fixture{
		pool:     pool,
		store:    postgres.NewStore(pool),
		products: postgres.NewProductRepository(pool),
	}
	require.NoError(t, f.products.Upsert(ctx, product.Product{ID: "p1", Name: "Vitamin C", Price: decimal.NewFromInt(10000)}, 10))
	require.NoError(t, f.products.Upsert(ctx, product.Product{ID: "p2", Name: "Thermometer", Price: decimal.NewFromInt(25000)}, 5))
	require.NoError(t, f.products.Upsert(ctx, product.Product{ID: "last", Name: "Last unit", Price: decimal.NewFromInt(1000)}, 1))
	return f
}

func (f *fixture) available(t *testing.T, id string) int {
	t.Helper()
	n, err := postgres.NewStock(f.pool).Available(context.Background(), id)
	require.NoError(t, err)
	return n
}

var testNow = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestOrder(id, number string) *order.Order {
	return &order.Order{
		ID:         id,
		Number:     number,
		CustomerID: "c1",
		Items: []order.Item{{
			ProductID: "p1", Name: "Vitamin C", Quantity: 2,
			UnitPrice: decimal.NewFromInt(10000), Subtotal: decimal.NewFromInt(20000),
		}},
		Subtotal:        decimal.NewFromInt(20000),
		ShippingCost:    decimal.NewFromInt(15000),
		Tax:             decimal.NewFromInt(2200),
		Total:           decimal.NewFromInt(37200),
		Currency:        "IDR",
		Status:          order.StatusPending,
		PaymentStatus:   order.PaymentPending,
		PaymentMethod:   "bank_transfer",
		ShippingAddress: order.Address{RecipientName: "Siti", Phone: "1", Street: "s", City: "c", Province: "p", PostalCode: "1"},
		History:         []order.StatusChange{{Status: order.StatusPending, At: testNow, Actor: "c1"}},
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}
}

func newTestPayment(id, orderID, gatewayOrderID string) *payment.Payment {
	return &payment.Payment{
		ID:             id,
		OrderID:        orderID,
		CustomerID:     "c1",
		Attempt:        1,
		Amount:         decimal.NewFromInt(37200),
		Currency:       "IDR",
		Method:         "bank_transfer",
		Gateway:        payment.GatewayMidtrans,
		Status:         payment.StatusPending,
		GatewayOrderID: gatewayOrderID,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := newTestOrder("o1", "ORD-1")
	p := newTestPayment("pay1", "o1", "ORD-1-1")
	tr := &payment.Transaction{
		ID: "t1", OrderID: "o1", PaymentID: "pay1", CustomerID: "c1",
		Type: payment.TypePayment, Amount: p.Amount, Currency: "IDR", Status: payment.TxPending,
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	err := f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, tr)
	})
	require.NoError(t, err)

	got, err := f.store.Order(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, o.Number, got.Number)
	assert.True(t, o.Total.Equal(got.Total))
	assert.Equal(t, o.Items[0].ProductID, got.Items[0].ProductID)
	assert.Equal(t, o.ShippingAddress, got.ShippingAddress)
	require.Len(t, got.History, 1)
	require.NoError(t, got.Validate())

	gotPay, err := f.store.PaymentByGatewayRef(ctx, "ORD-1-1", "")
	require.NoError(t, err)
	assert.Equal(t, "pay1", gotPay.ID)
	assert.Empty(t, gotPay.GatewayTransactionID)
	assert.Nil(t, gotPay.LastNotification)

	txs, err := f.store.Transactions(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, payment.TxPending, txs[0].Status)
}

func TestStore_RawPayloadsVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Key order, duplicate keys and whitespace must survive for audit.
	response := []byte(`{"token": "tok-1",  "redirect_url":"https://pay.example/1"}`)
	notification := []byte("{\"transaction_status\":\"settlement\", \"order_id\":\"ORD-1-1\",\n \"order_id\":\"ORD-1-1\"}")

	p := newTestPayment("pay1", "o1", "ORD-1-1")
	p.GatewayResponse = response
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateOrder(ctx, newTestOrder("o1", "ORD-1")); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		p.LastNotification = notification
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		_, err := tx.MarkNotification(ctx, "tx-1:paid", "pay1", notification)
		return err
	}))

	got, err := f.store.Payment(ctx, "pay1")
	require.NoError(t, err)
	assert.Equal(t, string(response), string(got.GatewayResponse))
	assert.Equal(t, string(notification), string(got.LastNotification))

	var stored []byte
	require.NoError(t, f.pool.QueryRow(ctx,
		`SELECT payload FROM processed_notifications WHERE key = $1`, "tx-1:paid").Scan(&stored))
	assert.Equal(t, string(notification), string(stored))
}

func TestStore_TransactionWithoutPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fee := &payment.Transaction{
		ID: "fee1", OrderID: "o1", CustomerID: "c1",
		Type: payment.TypeFee, Amount: decimal.NewFromInt(4500), Currency: "IDR", Status: payment.TxCompleted,
		Description: "Packaging fee", CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateOrder(ctx, newTestOrder("o1", "ORD-1")); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, fee)
	}))

	txs, err := f.store.Transactions(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Empty(t, txs[0].PaymentID)
	assert.Equal(t, payment.TypeFee, txs[0].Type)

	var isNull bool
	require.NoError(t, f.pool.QueryRow(ctx,
		`SELECT payment_id IS NULL FROM transactions WHERE id = $1`, "fee1").Scan(&isNull))
	assert.True(t, isNull)
}

func TestStore_RollbackDiscardsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		ok, err := tx.Stock().Reserve(ctx, "p1", 3)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.CreateOrder(ctx, newTestOrder("o1", "ORD-1")))
		e, err := event.New(event.OrderCreated, "o1", map[string]string{"id": "o1"}, testNow)
		require.NoError(t, err)
		require.NoError(t, tx.Enqueue(ctx, e))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = f.store.Order(ctx, "o1")
	require.ErrorIs(t, err, order.ErrNotFound)
	assert.Equal(t, 10, f.available(t, "p1"))
	n, err := f.store.PendingEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_UniqueKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateOrder(ctx, newTestOrder("o1", "ORD-1")); err != nil {
			return err
		}
		return tx.CreatePayment(ctx, newTestPayment("pay1", "o1", "ORD-1-1"))
	}))

	err := f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.CreateOrder(ctx, newTestOrder("o2", "ORD-1"))
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateKey)

	err = f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		p := newTestPayment("pay2", "o1", "ORD-1-1")
		p.Attempt = 2
		p.Status = payment.StatusFailed
		return tx.CreatePayment(ctx, p)
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateKey)
}

func TestStore_FinalTransactionAndNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr := &payment.Transaction{
		ID: "t1", OrderID: "o1", PaymentID: "pay1", CustomerID: "c1",
		Type: payment.TypePayment, Amount: decimal.NewFromInt(37200), Currency: "IDR", Status: payment.TxPending,
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.CreateOrder(ctx, newTestOrder("o1", "ORD-1")); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, newTestPayment("pay1", "o1", "ORD-1-1")); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, tr)
	}))

	err := f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		entry, err := tx.PendingTransaction(ctx, "pay1", payment.TypePayment)
		if err != nil {
			return err
		}
		if err := entry.Settle(payment.TxCompleted, "gw-1", testNow); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, entry); err != nil {
			return err
		}

		fresh, err := tx.MarkNotification(ctx, "gw-1:paid", "pay1", []byte(`{"a":1}`))
		require.NoError(t, err)
		assert.True(t, fresh)
		fresh, err = tx.MarkNotification(ctx, "gw-1:paid", "pay1", nil)
		require.NoError(t, err)
		assert.False(t, fresh)
		return nil
	})
	require.NoError(t, err)

	err = f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.PendingTransaction(ctx, "pay1", payment.TypePayment)
		require.ErrorIs(t, err, ledger.ErrTransactionNotFound)

		tr.Status = payment.TxFailed
		return tx.UpdateTransaction(ctx, tr)
	})
	require.ErrorIs(t, err, payment.ErrTransactionFinal)
}

func TestStock_ConcurrentReserve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 30
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
				reserved, err := tx.Stock().Reserve(ctx, "p1", 1)
				if err != nil {
					return err
				}
				if reserved {
					mu.Lock()
					ok++
					mu.Unlock()
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 0, f.available(t, "p1"))

	_, err := postgres.NewStock(f.pool).Reserve(ctx, "missing", 1)
	require.Error(t, err)
}

func TestOutbox_PendingAndSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for i := range 3 {
			e, err := event.New(event.OrderCreated, fmt.Sprintf("o%d", i), map[string]int{"i": i}, testNow)
			if err != nil {
				return err
			}
			ids = append(ids, e.ID)
			if err := tx.Enqueue(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	pending, err := f.store.PendingEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.JSONEq(t, `{"i":0}`, string(pending[0].Payload))

	require.NoError(t, f.store.MarkEventsSent(ctx, ids[:2], testNow))
	n, err := f.store.PendingEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAPIKeys_FindByHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := postgres.NewAPIKeyRepository(f.pool)

	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{
		ID: "k1", KeyHash: "hash-1", Name: "test", CustomerID: "c1",
		Scopes: []string{auth.ScopeOrders},
	}))

	info, err := repo.FindByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", info.CustomerID)
	assert.True(t, info.HasScope(auth.ScopeOrders))

	_, err = repo.FindByHash(ctx, "nope")
	require.Error(t, err)
}

func TestCheckout_LastUnitAndCOD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	svc, err := checkout.New(f.store, f.products, nil, checkout.Options{
		Pricing: order.Pricing{Currency: "IDR", ShippingCost: decimal.NewFromInt(15000), TaxRate: decimal.RequireFromString("0.11")},
	})
	require.NoError(t, err)

	address := order.Address{RecipientName: "Siti", Phone: "1", Street: "s", City: "c", Province: "p", PostalCode: "1"}

	const buyers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success []*order.Order
	)
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := svc.CreateOrder(ctx, checkout.CreateOrderInput{
				CustomerID:      fmt.Sprintf("c%d", i),
				Items:           []checkout.ItemInput{{ProductID: "last", Quantity: 1}},
				ShippingAddress: address,
				PaymentMethod:   order.MethodCOD,
			})
			if err != nil {
				assert.ErrorIs(t, err, order.ErrInsufficientStock)
				return
			}
			mu.Lock()
			success = append(success, o)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, success, 1)
	assert.Equal(t, 0, f.available(t, "last"))

	o := success[0]
	for _, to := range []order.Status{order.StatusConfirmed, order.StatusProcessing, order.StatusShipped, order.StatusDelivered} {
		_, err := svc.Transition(ctx, checkout.TransitionInput{OrderID: o.ID, To: to, Actor: "ops"})
		require.NoError(t, err, to)
	}

	got, err := svc.Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, got.Status)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	require.NoError(t, got.Validate())

	txs, err := svc.Transactions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, payment.TxCompleted, txs[0].Status)

	var exported int
	require.NoError(t, f.store.EachTransaction(ctx, time.Time{}, func(payment.Transaction) error {
		exported++
		return nil
	}))
	assert.Equal(t, 1, exported)
}

func TestCheckout_CrossedOrdersDoNotDeadlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.products.Upsert(ctx, product.Product{ID: "p1", Name: "Vitamin C", Price: decimal.NewFromInt(10000)}, 100))
	require.NoError(t, f.products.Upsert(ctx, product.Product{ID: "p2", Name: "Thermometer", Price: decimal.NewFromInt(25000)}, 100))

	svc, err := checkout.New(f.store, f.products, nil, checkout.Options{
		Pricing: order.Pricing{Currency: "IDR", ShippingCost: decimal.NewFromInt(15000), TaxRate: decimal.RequireFromString("0.11")},
	})
	require.NoError(t, err)

	address := order.Address{RecipientName: "Siti", Phone: "1", Street: "s", City: "c", Province: "p", PostalCode: "1"}
	crossed := [][]checkout.ItemInput{
		{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}},
		{{ProductID: "p2", Quantity: 1}, {ProductID: "p1", Quantity: 1}},
	}

	// Every buyer creates and then cancels, so creates race with releases
	// over the same rows in both orders.
	const buyers = 20
	var wg sync.WaitGroup
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := svc.CreateOrder(ctx, checkout.CreateOrderInput{
				CustomerID:      fmt.Sprintf("c%d", i),
				Items:           crossed[i%2],
				ShippingAddress: address,
				PaymentMethod:   order.MethodCOD,
			})
			if !assert.NoError(t, err) {
				return
			}
			_, err = svc.Cancel(ctx, o.ID, o.CustomerID, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, f.available(t, "p1"))
	assert.Equal(t, 100, f.available(t, "p2"))
}
