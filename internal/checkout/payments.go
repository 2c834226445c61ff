package checkout

import (
	"context"
	"encoding/json"
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
	"github.com/xenking/marketplace-core/internal/gateway"
)

// outcome carries the evidence attached to a payment status change.
type outcome struct {
	At            time.Time
	TransactionID string
	Raw           json.RawMessage
	Verified      bool
}

// InitiatePayment opens a payment attempt for a pending order. An attempt
// that is still pending or processing is returned unchanged, except a pending
// gateway attempt without a token, which is sent to the gateway again with
// its original gateway order id. The payment and
// its pending ledger entry are committed before the gateway is contacted.
//
// A gateway rejection fails the attempt and returns the failed payment with
// an error wrapping gateway.ErrRejected. A gateway timeout leaves the
// payment pending for the webhook or the sweeper to settle.
func (s *Service) InitiatePayment(ctx context.Context, orderID string) (*payment.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.InitiatePayment")
	defer span.End()

	var (
		p        *payment.Payment
		o        *order.Order
		existing bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if o, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		if o.Status != order.StatusPending || o.PaymentStatus == order.PaymentPaid || o.PaymentStatus == order.PaymentRefunded {
			return errors.Wrapf(ErrPaymentNotAllowed, "order is %s/%s", o.Status, o.PaymentStatus)
		}

		active, err := tx.ActivePayment(ctx, o.ID)
		switch {
		case err == nil:
			// An attempt whose creation timed out has no token yet. It is
			// created again under the same gateway order id.
			p, existing = active, !needsToken(active)
			return nil
		case !errors.Is(err, ledger.ErrPaymentNotFound):
			return errors.Wrap(err, "active payment")
		}

		now := s.now()
		if p, err = s.newPayment(ctx, tx, o, now); err != nil {
			return err
		}
		if o.PaymentStatus == order.PaymentFailed {
			o.PaymentStatus = order.PaymentPending
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return errors.Wrap(err, "update order")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing || p.Gateway != payment.GatewayMidtrans {
		return p, nil
	}
	if s.gateway == nil {
		return nil, ErrGatewayDisabled
	}

	lg := zctx.From(ctx).With(
		zap.String("payment_id", p.ID),
		zap.String("gateway_order_id", p.GatewayOrderID),
	)
	start := time.Now()
	resp, gwErr := s.gateway.CreateTransaction(ctx, transactionRequest(o, p))
	s.metrics.gatewayLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("operation", "create_transaction")))

	switch {
	case gwErr == nil:
		return s.attachToken(ctx, p, resp)
	case errors.Is(gwErr, gateway.ErrRejected):
		lg.Warn("Gateway rejected payment", zap.Error(gwErr))
		failed, err := s.applyOutcome(ctx, p, payment.StatusFailed, outcome{At: s.now()})
		if err != nil && !errors.Is(err, ErrStaleNotification) {
			return nil, err
		}
		if failed == nil {
			failed = p
		}
		return failed, errors.Wrap(gwErr, "create transaction")
	case errors.Is(gwErr, gateway.ErrTimeout):
		lg.Warn("Gateway timeout, payment left pending", zap.Error(gwErr))
		return p, nil
	default:
		return p, errors.Wrap(gwErr, "create transaction")
	}
}

func needsToken(p *payment.Payment) bool {
	return p.Gateway == payment.GatewayMidtrans && p.Status == payment.StatusPending && p.Token == ""
}

func transactionRequest(o *order.Order, p *payment.Payment) gateway.TransactionRequest {
	req := gateway.TransactionRequest{
		OrderID:  p.GatewayOrderID,
		Amount:   p.Amount,
		Currency: p.Currency,
		Customer: gateway.Customer{
			ID:    o.CustomerID,
			Name:  o.ShippingAddress.RecipientName,
			Phone: o.ShippingAddress.Phone,
		},
	}
	if o.PaymentMethod != "" && o.PaymentMethod != "online" {
		req.Method = o.PaymentMethod
	}
	for _, it := range o.Items {
		req.Items = append(req.Items, gateway.Item{
			ID:       it.ProductID,
			Name:     it.Name,
			Price:    it.UnitPrice,
			Quantity: it.Quantity,
		})
	}
	if !o.ShippingCost.IsZero() {
		req.Items = append(req.Items, gateway.Item{ID: "shipping", Name: "Shipping", Price: o.ShippingCost, Quantity: 1})
	}
	if !o.Tax.IsZero() {
		req.Items = append(req.Items, gateway.Item{ID: "tax", Name: "Tax", Price: o.Tax, Quantity: 1})
	}
	return req
}

// newPayment persists a pending payment attempt and its pending ledger
// entry. Gateway order ids carry the attempt number and are never reused.
func (s *Service) newPayment(ctx context.Context, tx ledger.Tx, o *order.Order, now time.Time) (*payment.Payment, error) {
	n, err := tx.CountPayments(ctx, o.ID)
	if err != nil {
		return nil, errors.Wrap(err, "count payments")
	}
	attempt := n + 1
	p := &payment.Payment{
		ID:             uuid.New().String(),
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		Attempt:        attempt,
		Amount:         o.Total,
		Currency:       o.Currency,
		Method:         o.PaymentMethod,
		Gateway:        payment.Gateway(o.Gateway()),
		Status:         payment.StatusPending,
		GatewayOrderID: fmt.Sprintf("%s-%d", o.Number, attempt),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.CreatePayment(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create payment")
	}
	if err := tx.AppendTransaction(ctx, &payment.Transaction{
		ID:          uuid.New().String(),
		OrderID:     o.ID,
		PaymentID:   p.ID,
		CustomerID:  o.CustomerID,
		Type:        payment.TypePayment,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Status:      payment.TxPending,
		Description: paymentDescription(o, attempt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, errors.Wrap(err, "append transaction")
	}
	if err := enqueuePayment(ctx, tx, p, ""); err != nil {
		return nil, err
	}
	return p, nil
}

// attachToken stores the gateway instrument on a still-pending payment.
func (s *Service) attachToken(ctx context.Context, p *payment.Payment, resp *gateway.TransactionResponse) (*payment.Payment, error) {
	var result *payment.Payment
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := tx.LockOrder(ctx, p.OrderID); err != nil {
			return err
		}
		cur, err := tx.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		cur.Token = resp.Token
		cur.RedirectURL = resp.RedirectURL
		cur.GatewayResponse = resp.Raw
		if resp.TransactionID != "" && cur.GatewayTransactionID == "" {
			cur.GatewayTransactionID = resp.TransactionID
		}
		cur.UpdatedAt = s.now()
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return errors.Wrap(err, "update payment")
		}
		result = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyOutcome locks the order and payment and applies a status change
// through the shared settle path.
func (s *Service) applyOutcome(ctx context.Context, p *payment.Payment, to payment.Status, out outcome) (*payment.Payment, error) {
	var result *payment.Payment
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		o, err := tx.LockOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		cur, err := tx.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if err := s.settle(ctx, tx, o, cur, to, out); err != nil {
			return err
		}
		result = cur
		return nil
	})
	return result, err
}

// settle moves the payment forward and forwards the outcome to its order.
// The order and payment must be locked by the caller.
func (s *Service) settle(ctx context.Context, tx ledger.Tx, o *order.Order, p *payment.Payment, to payment.Status, out outcome) error {
	if err := s.settlePayment(ctx, tx, p, to, out); err != nil {
		return err
	}
	return s.forwardToOrder(ctx, tx, o, to, out.At)
}

// settlePayment transitions the payment, settles its pending ledger entry
// and appends a refund entry for refunds.
func (s *Service) settlePayment(ctx context.Context, tx ledger.Tx, p *payment.Payment, to payment.Status, out outcome) error {
	from := p.Status
	if err := p.Transition(to, out.At); err != nil {
		return errors.Wrap(ErrStaleNotification, err.Error())
	}
	if out.TransactionID != "" && p.GatewayTransactionID == "" {
		p.GatewayTransactionID = out.TransactionID
	}
	switch {
	case out.Verified:
		p.LastNotification = out.Raw
		p.SignatureVerified = true
	case out.Raw != nil && !p.SignatureVerified:
		// A polled status never replaces a verified webhook payload.
		p.LastNotification = out.Raw
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return errors.Wrap(err, "update payment")
	}

	if status, ok := payment.SettlementFor(to); ok {
		entry, err := tx.PendingTransaction(ctx, p.ID, payment.TypePayment)
		if err != nil {
			return errors.Wrapf(err, "pending transaction of payment %s", p.ID)
		}
		if err := entry.Settle(status, p.GatewayTransactionID, out.At); err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, entry); err != nil {
			return errors.Wrap(err, "update transaction")
		}
	}
	if to == payment.StatusRefunded {
		if err := tx.AppendTransaction(ctx, &payment.Transaction{
			ID:          uuid.New().String(),
			OrderID:     p.OrderID,
			PaymentID:   p.ID,
			CustomerID:  p.CustomerID,
			Type:        payment.TypeRefund,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Status:      payment.TxCompleted,
			Description: "Refund of " + p.GatewayOrderID,
			Reference:   p.GatewayTransactionID,
			CreatedAt:   out.At,
			UpdatedAt:   out.At,
		}); err != nil {
			return errors.Wrap(err, "append refund")
		}
	}
	return enqueuePayment(ctx, tx, p, from)
}

// forwardToOrder reflects a payment outcome on the order.
func (s *Service) forwardToOrder(ctx context.Context, tx ledger.Tx, o *order.Order, to payment.Status, at time.Time) error {
	from := o.Status
	var (
		target order.Status
		note   string
	)
	switch to {
	case payment.StatusPaid:
		o.PaymentStatus = order.PaymentPaid
		if o.Status == order.StatusPending && !o.IsCOD() {
			target, note = order.StatusConfirmed, "payment settled"
		}
	case payment.StatusFailed:
		o.PaymentStatus = order.PaymentFailed
	case payment.StatusExpired:
		o.PaymentStatus = order.PaymentFailed
		if order.CanTransition(o.Status, order.StatusCancelled) {
			target, note = order.StatusCancelled, "payment expired"
		}
	case payment.StatusRefunded:
		o.PaymentStatus = order.PaymentRefunded
		switch o.Status {
		case order.StatusShipped, order.StatusDelivered:
			target, note = order.StatusRefunded, "payment refunded"
		case order.StatusPending, order.StatusConfirmed, order.StatusProcessing:
			target, note = order.StatusCancelled, "payment refunded"
		}
	default:
		return nil
	}

	if target == order.StatusCancelled {
		if err := releaseStock(ctx, tx, o); err != nil {
			return err
		}
	}
	if target != "" {
		if err := o.Transition(target, actorSystem, note, at); err != nil {
			return err
		}
	} else if at.After(o.UpdatedAt) {
		o.UpdatedAt = at
	}
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return errors.Wrap(err, "update order")
	}
	if target == "" {
		return nil
	}
	s.metrics.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(target))))
	return enqueueOrder(ctx, tx, event.OrderStatusChanged, o, from, actorSystem, note)
}

// ExpirePending expires a pending or processing payment older than the TTL
// and cancels its order. Payments that already reached an outcome are left
// alone.
func (s *Service) ExpirePending(ctx context.Context, paymentID string, now time.Time) error {
	p, err := s.store.Payment(ctx, paymentID)
	if err != nil {
		return err
	}
	var expired bool
	err = s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		expired = false

		o, err := tx.LockOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		cur, err := tx.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return nil
		}
		if age := now.Sub(cur.CreatedAt); age <= s.ttl {
			return errors.Wrapf(ErrNotExpired, "payment %s is %s old", cur.ID, age.Round(time.Second))
		}
		if err := s.settle(ctx, tx, o, cur, payment.StatusExpired, outcome{At: now}); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return err
	}
	if expired {
		s.metrics.expirations.Add(ctx, 1)
		zctx.From(ctx).Info("Payment expired",
			zap.String("payment_id", p.ID),
			zap.String("order_id", p.OrderID),
		)
		if p.Gateway == payment.GatewayMidtrans {
			s.cancelAtGateway(ctx, p)
		}
	}
	return nil
}
