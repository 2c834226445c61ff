package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-core/internal/domain/event"
	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/domain/product"
)

// maxNumberAttempts bounds retries on order number collisions.
const maxNumberAttempts = 3

// ItemInput is a requested line item.
type ItemInput struct {
	ProductID string
	Quantity  int
}

// CreateOrderInput is the customer's checkout request.
type CreateOrderInput struct {
	CustomerID      string
	Items           []ItemInput
	ShippingAddress order.Address
	PaymentMethod   string
}

// CreateOrder validates the request, snapshots prices, reserves stock for
// every line and persists a pending order. Nothing is reserved when any
// line fails.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*order.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.CreateOrder")
	defer span.End()

	if len(in.Items) == 0 {
		return nil, order.ErrEmptyItems
	}
	lines, ids, err := mergeItems(in.Items)
	if err != nil {
		return nil, err
	}
	if err := in.ShippingAddress.Validate(); err != nil {
		return nil, err
	}
	method := in.PaymentMethod
	if method == "" {
		method = order.MethodCOD
	}
	if s.gateway == nil && method != order.MethodCOD && method != order.MethodManual {
		return nil, errors.Wrapf(ErrGatewayDisabled, "payment method %q", method)
	}

	products, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	items := make([]order.Item, 0, len(lines))
	var prescription bool
	for _, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok {
			return nil, &order.ProductNotFoundError{ProductID: l.ProductID}
		}
		items = append(items, order.Item{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  l.Quantity,
			UnitPrice: p.Price,
		})
		prescription = prescription || p.RequiresPrescription
	}
	totals := s.pricing.Compute(items)

	now := s.now()
	o := &order.Order{
		ID:              uuid.New().String(),
		CustomerID:      in.CustomerID,
		Items:           items,
		Subtotal:        totals.Subtotal,
		ShippingCost:    totals.ShippingCost,
		Tax:             totals.Tax,
		Total:           totals.Total,
		Currency:        s.pricing.Currency,
		Status:          order.StatusPending,
		PaymentStatus:   order.PaymentPending,
		PaymentMethod:   method,
		ShippingAddress: in.ShippingAddress,
		Prescription:    order.Prescription{Required: prescription},
		History: []order.StatusChange{{
			Status: order.StatusPending,
			At:     now,
			Actor:  in.CustomerID,
			Note:   "order placed",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		o.Number = s.orderNumber(now)
		err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return s.placeOrder(ctx, tx, o)
		})
		if !errors.Is(err, ledger.ErrDuplicateKey) || attempt == maxNumberAttempts {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", o.PaymentMethod)))
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.String("total", o.Total.String()),
	)
	return o, nil
}

func (s *Service) placeOrder(ctx context.Context, tx ledger.Tx, o *order.Order) error {
	st := tx.Stock()
	for _, r := range o.Reservations() {
		ok, err := st.Reserve(ctx, r.ProductID, r.Quantity)
		if err != nil {
			return errors.Wrapf(err, "reserve %s", r.ProductID)
		}
		if !ok {
			available, err := st.Available(ctx, r.ProductID)
			if err != nil {
				return errors.Wrapf(err, "available %s", r.ProductID)
			}
			return &order.InsufficientStockError{
				ProductID: r.ProductID,
				Requested: r.Quantity,
				Available: available,
			}
		}
	}
	if err := tx.CreateOrder(ctx, o); err != nil {
		return errors.Wrap(err, "create order")
	}
	return enqueueOrder(ctx, tx, event.OrderCreated, o, "", o.CustomerID, "")
}

// mergeItems folds repeated products into one line, keeping first-seen
// order.
func mergeItems(in []ItemInput) ([]ItemInput, []string, error) {
	index := make(map[string]int, len(in))
	var (
		out []ItemInput
		ids []string
	)
	for _, it := range in {
		if it.Quantity <= 0 {
			return nil, nil, &order.InvalidQuantityError{ProductID: it.ProductID}
		}
		if i, ok := index[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, it)
		ids = append(ids, it.ProductID)
	}
	return out, ids, nil
}

// TransitionInput requests an order status change.
type TransitionInput struct {
	OrderID string
	To      order.Status
	Actor   string
	Note    string
}

// Transition applies a status change with its side effects. Cancelling
// releases stock and cancels the active payment; delivering a COD order
// settles its payment.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (*order.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Transition")
	defer span.End()

	var (
		result    *order.Order
		cancelled *payment.Payment
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		cancelled = nil

		o, err := tx.LockOrder(ctx, in.OrderID)
		if err != nil {
			return err
		}
		from := o.Status
		if err := o.CheckTransition(in.To); err != nil {
			return err
		}
		now := s.now()

		switch {
		case in.To == order.StatusCancelled:
			if err := releaseStock(ctx, tx, o); err != nil {
				return err
			}
			p, err := s.cancelActivePayment(ctx, tx, o, now)
			if err != nil {
				return err
			}
			cancelled = p
		case in.To == order.StatusConfirmed && o.IsManual() && o.PaymentStatus != order.PaymentPaid,
			in.To == order.StatusDelivered && o.IsCOD():
			if err := s.collectOffline(ctx, tx, o, now); err != nil {
				return err
			}
		}

		if err := o.Transition(in.To, in.Actor, in.Note, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		if err := enqueueOrder(ctx, tx, event.OrderStatusChanged, o, from, in.Actor, in.Note); err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(in.To))))
	zctx.From(ctx).Info("Order transitioned",
		zap.String("order_id", result.ID),
		zap.String("to", string(result.Status)),
		zap.String("actor", in.Actor),
	)
	if cancelled != nil {
		s.cancelAtGateway(ctx, cancelled)
	}
	return result, nil
}

// Cancel is the customer-facing cancellation.
func (s *Service) Cancel(ctx context.Context, orderID, actor, note string) (*order.Order, error) {
	return s.Transition(ctx, TransitionInput{OrderID: orderID, To: order.StatusCancelled, Actor: actor, Note: note})
}

func releaseStock(ctx context.Context, tx ledger.Tx, o *order.Order) error {
	st := tx.Stock()
	for _, r := range o.Reservations() {
		if err := st.Release(ctx, r.ProductID, r.Quantity); err != nil {
			return errors.Wrapf(err, "release %s", r.ProductID)
		}
	}
	return nil
}

// cancelActivePayment cancels the order's pending or processing payment.
// It returns the cancelled gateway payment, if any, so the caller can cancel
// it remotely after commit.
func (s *Service) cancelActivePayment(ctx context.Context, tx ledger.Tx, o *order.Order, now time.Time) (*payment.Payment, error) {
	p, err := tx.ActivePayment(ctx, o.ID)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "active payment")
	}
	if err := s.settlePayment(ctx, tx, p, payment.StatusCancelled, outcome{At: now}); err != nil {
		return nil, err
	}
	if p.Gateway != payment.GatewayMidtrans {
		return nil, nil
	}
	return p, nil
}

// collectOffline marks the cash-on-delivery or manual transfer payment paid.
// An order that never initiated a payment gets one created on the spot.
func (s *Service) collectOffline(ctx context.Context, tx ledger.Tx, o *order.Order, now time.Time) error {
	p, err := tx.ActivePayment(ctx, o.ID)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		p, err = s.newPayment(ctx, tx, o, now)
	}
	if err != nil {
		return errors.Wrap(err, "offline payment")
	}
	if err := s.settlePayment(ctx, tx, p, payment.StatusPaid, outcome{At: now}); err != nil {
		return err
	}
	o.PaymentStatus = order.PaymentPaid
	return nil
}

func (s *Service) cancelAtGateway(ctx context.Context, p *payment.Payment) {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.Cancel(ctx, p.GatewayOrderID); err != nil {
		zctx.From(ctx).Warn("Gateway cancel failed",
			zap.String("payment_id", p.ID),
			zap.String("gateway_order_id", p.GatewayOrderID),
			zap.Error(err),
		)
	}
}

// VerifyPrescription records the pharmacist's verification.
func (s *Service) VerifyPrescription(ctx context.Context, orderID, verifier string) (*order.Order, error) {
	var result *order.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := o.VerifyPrescription(verifier, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return errors.Wrap(err, "update order")
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Prescription verified",
		zap.String("order_id", orderID),
		zap.String("verifier", verifier),
	)
	return result, nil
}

// Order returns an order by id.
func (s *Service) Order(ctx context.Context, id string) (*order.Order, error) {
	return s.store.Order(ctx, id)
}

// CustomerOrder returns an order only when it belongs to customerID.
// Foreign orders are reported as not found.
func (s *Service) CustomerOrder(ctx context.Context, customerID, id string) (*order.Order, error) {
	o, err := s.store.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, order.ErrNotFound
	}
	return o, nil
}

// OrdersByCustomer lists a customer's orders, newest first.
func (s *Service) OrdersByCustomer(ctx context.Context, customerID string) ([]order.Order, error) {
	return s.store.OrdersByCustomer(ctx, customerID)
}

// Transactions returns the ledger entries of an order in append order.
func (s *Service) Transactions(ctx context.Context, orderID string) ([]payment.Transaction, error) {
	return s.store.Transactions(ctx, orderID)
}

// Payments returns every payment attempt of an order.
func (s *Service) Payments(ctx context.Context, orderID string) ([]payment.Payment, error) {
	return s.store.PaymentsByOrder(ctx, orderID)
}

func paymentDescription(o *order.Order, attempt int) string {
	return fmt.Sprintf("Payment for order %s (attempt %d)", o.Number, attempt)
}
