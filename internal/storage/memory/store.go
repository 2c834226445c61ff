// Package memory provides in-process implementations of the ledger store,
// inventory, catalog and API key repositories. Transactions are serialized
// by a single lock and their writes are staged until commit.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-core/internal/domain/event"
	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/domain/stock"
)

type notification struct {
	PaymentID string
	Payload   json.RawMessage
	At        time.Time
}

// Store is an in-memory ledger.Store.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	stock *Stock

	orders        map[string]*order.Order
	orderNumbers  map[string]string
	payments      map[string]*payment.Payment
	transactions  map[string]*payment.Transaction
	txOrder       []string
	notifications map[string]notification
	events        []*event.Event
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates an empty store whose transactions reserve inventory in s.
func NewStore(s *Stock) *Store {
	return &Store{
		stock:         s,
		orders:        make(map[string]*order.Order),
		orderNumbers:  make(map[string]string),
		payments:      make(map[string]*payment.Payment),
		transactions:  make(map[string]*payment.Transaction),
		notifications: make(map[string]notification),
	}
}

// InTx runs fn with exclusive access to the store. Writes become visible
// only when fn returns nil; otherwise they are discarded and inventory
// changes are reverted.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		t.stock.rollback()
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, o := range t.orders {
		if _, ok := s.orders[id]; !ok {
			s.orderNumbers[o.Number] = id
		}
		s.orders[id] = o
	}
	for id, p := range t.payments {
		s.payments[id] = p
	}
	for _, id := range t.newTransactions {
		s.txOrder = append(s.txOrder, id)
	}
	for id, tr := range t.transactions {
		s.transactions[id] = tr
	}
	for k, n := range t.notifications {
		s.notifications[k] = n
	}
	for i := range t.events {
		s.events = append(s.events, &t.events[i])
	}
}

func (s *Store) Order(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) OrdersByCustomer(_ context.Context, customerID string) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.CustomerID == customerID {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Payment(_ context.Context, id string) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (s *Store) PaymentByGatewayRef(_ context.Context, gatewayOrderID, gatewayTxID string) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gatewayOrderID != "" {
		for _, p := range s.payments {
			if p.GatewayOrderID == gatewayOrderID {
				return p.Clone(), nil
			}
		}
	}
	if gatewayTxID != "" {
		for _, p := range s.payments {
			if p.GatewayTransactionID == gatewayTxID {
				return p.Clone(), nil
			}
		}
	}
	return nil, ledger.ErrPaymentNotFound
}

func (s *Store) PaymentsByOrder(_ context.Context, orderID string) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payment.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *Store) Transactions(_ context.Context, orderID string) ([]payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payment.Transaction
	for _, id := range s.txOrder {
		if t := s.transactions[id]; t.OrderID == orderID {
			out = append(out, *t.Clone())
		}
	}
	return out, nil
}

// EachTransaction visits ledger entries created at or after since, in
// append order.
func (s *Store) EachTransaction(_ context.Context, since time.Time, fn func(payment.Transaction) error) error {
	s.mu.RLock()
	out := make([]payment.Transaction, 0, len(s.txOrder))
	for _, id := range s.txOrder {
		if tr := s.transactions[id]; !tr.CreatedAt.Before(since) {
			out = append(out, *tr.Clone())
		}
	}
	s.mu.RUnlock()

	for _, tr := range out {
		if err := fn(tr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) StalePayments(_ context.Context, before time.Time, limit int) ([]payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []payment.Payment
	for _, p := range s.payments {
		if p.Gateway == payment.GatewayMidtrans && p.Status.Active() && p.UpdatedAt.Before(before) {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PendingEvents(_ context.Context, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.SentAt != nil {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkEventsSent(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.SentAt == nil && slices.Contains(ids, e.ID) {
			t := at
			e.SentAt = &t
		}
	}
	return nil
}

// PendingEventCount is used by the readiness check.
func (s *Store) PendingEventCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.events {
		if e.SentAt == nil {
			n++
		}
	}
	return n, nil
}

// tx stages writes over the committed state. Only one tx exists at a time,
// so committed maps are read without s.mu.
type tx struct {
	s *Store

	orders          map[string]*order.Order
	payments        map[string]*payment.Payment
	transactions    map[string]*payment.Transaction
	newTransactions []string
	notifications   map[string]notification
	events          []event.Event

	stock *journaledStock
}

var _ ledger.Tx = (*tx)(nil)

func newTx(s *Store) *tx {
	return &tx{
		s:             s,
		orders:        make(map[string]*order.Order),
		payments:      make(map[string]*payment.Payment),
		transactions:  make(map[string]*payment.Transaction),
		notifications: make(map[string]notification),
		stock:         &journaledStock{s: s.stock},
	}
}

func (t *tx) Stock() stock.Service { return t.stock }

func (t *tx) order(id string) (*order.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.s.orders[id]
	return o, ok
}

func (t *tx) CreateOrder(_ context.Context, o *order.Order) error {
	if _, ok := t.order(o.ID); ok {
		return errors.Wrapf(ledger.ErrDuplicateKey, "order %s", o.ID)
	}
	if _, ok := t.s.orderNumbers[o.Number]; ok {
		return errors.Wrapf(ledger.ErrDuplicateKey, "order number %s", o.Number)
	}
	for _, staged := range t.orders {
		if staged.Number == o.Number {
			return errors.Wrapf(ledger.ErrDuplicateKey, "order number %s", o.Number)
		}
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) LockOrder(_ context.Context, id string) (*order.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (t *tx) UpdateOrder(_ context.Context, o *order.Order) error {
	if _, ok := t.order(o.ID); !ok {
		return order.ErrNotFound
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) payment(id string) (*payment.Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p, true
	}
	p, ok := t.s.payments[id]
	return p, ok
}

// eachPayment visits committed payments shadowed by staged ones.
func (t *tx) eachPayment(fn func(p *payment.Payment) bool) {
	for _, p := range t.payments {
		if !fn(p) {
			return
		}
	}
	for id, p := range t.s.payments {
		if _, staged := t.payments[id]; staged {
			continue
		}
		if !fn(p) {
			return
		}
	}
}

func (t *tx) checkPaymentKeys(p *payment.Payment) error {
	var err error
	t.eachPayment(func(other *payment.Payment) bool {
		if other.ID == p.ID {
			return true
		}
		switch {
		case p.GatewayOrderID != "" && other.GatewayOrderID == p.GatewayOrderID:
			err = errors.Wrapf(ledger.ErrDuplicateKey, "gateway order id %s", p.GatewayOrderID)
		case p.GatewayTransactionID != "" && other.GatewayTransactionID == p.GatewayTransactionID:
			err = errors.Wrapf(ledger.ErrDuplicateKey, "gateway transaction id %s", p.GatewayTransactionID)
		}
		return err == nil
	})
	return err
}

func (t *tx) CreatePayment(_ context.Context, p *payment.Payment) error {
	if _, ok := t.payment(p.ID); ok {
		return errors.Wrapf(ledger.ErrDuplicateKey, "payment %s", p.ID)
	}
	if _, ok := t.order(p.OrderID); !ok {
		return order.ErrNotFound
	}
	if err := t.checkPaymentKeys(p); err != nil {
		return err
	}
	t.payments[p.ID] = p.Clone()
	return nil
}

func (t *tx) LockPayment(_ context.Context, id string) (*payment.Payment, error) {
	p, ok := t.payment(id)
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (t *tx) ActivePayment(_ context.Context, orderID string) (*payment.Payment, error) {
	var found *payment.Payment
	t.eachPayment(func(p *payment.Payment) bool {
		if p.OrderID == orderID && p.Status.Active() {
			found = p
			return false
		}
		return true
	})
	if found == nil {
		return nil, ledger.ErrPaymentNotFound
	}
	return found.Clone(), nil
}

func (t *tx) CountPayments(_ context.Context, orderID string) (int, error) {
	n := 0
	t.eachPayment(func(p *payment.Payment) bool {
		if p.OrderID == orderID {
			n++
		}
		return true
	})
	return n, nil
}

func (t *tx) UpdatePayment(_ context.Context, p *payment.Payment) error {
	if _, ok := t.payment(p.ID); !ok {
		return ledger.ErrPaymentNotFound
	}
	if err := t.checkPaymentKeys(p); err != nil {
		return err
	}
	t.payments[p.ID] = p.Clone()
	return nil
}

func (t *tx) transaction(id string) (*payment.Transaction, bool) {
	if tr, ok := t.transactions[id]; ok {
		return tr, true
	}
	tr, ok := t.s.transactions[id]
	return tr, ok
}

func (t *tx) AppendTransaction(_ context.Context, tr *payment.Transaction) error {
	if _, ok := t.transaction(tr.ID); ok {
		return errors.Wrapf(ledger.ErrDuplicateKey, "transaction %s", tr.ID)
	}
	t.transactions[tr.ID] = tr.Clone()
	t.newTransactions = append(t.newTransactions, tr.ID)
	return nil
}

func (t *tx) PendingTransaction(_ context.Context, paymentID string, typ payment.TransactionType) (*payment.Transaction, error) {
	match := func(tr *payment.Transaction) bool {
		return tr.PaymentID == paymentID && tr.Type == typ && tr.Status == payment.TxPending
	}
	for _, tr := range t.transactions {
		if match(tr) {
			return tr.Clone(), nil
		}
	}
	for id, tr := range t.s.transactions {
		if _, staged := t.transactions[id]; staged {
			continue
		}
		if match(tr) {
			return tr.Clone(), nil
		}
	}
	return nil, ledger.ErrTransactionNotFound
}

func (t *tx) UpdateTransaction(_ context.Context, tr *payment.Transaction) error {
	stored, ok := t.transaction(tr.ID)
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if stored.Status.Final() {
		return errors.Wrapf(payment.ErrTransactionFinal, "transaction %s is %s", tr.ID, stored.Status)
	}
	t.transactions[tr.ID] = tr.Clone()
	return nil
}

func (t *tx) MarkNotification(_ context.Context, key, paymentID string, payload json.RawMessage) (bool, error) {
	if _, ok := t.notifications[key]; ok {
		return false, nil
	}
	if _, ok := t.s.notifications[key]; ok {
		return false, nil
	}
	t.notifications[key] = notification{
		PaymentID: paymentID,
		Payload:   append(json.RawMessage(nil), payload...),
		At:        time.Now(),
	}
	return true, nil
}

func (t *tx) Enqueue(_ context.Context, e event.Event) error {
	t.events = append(t.events, e)
	return nil
}
