package checkout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/gateway"
)

// Outcome describes what a notification did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is the effect of a notification or a reconciliation poll.
type Result struct {
	Outcome   Outcome
	PaymentID string
	OrderID   string
	Status    payment.Status
}

// MapStatus maps the gateway vocabulary onto payment statuses. ok is false
// for statuses that are acknowledged without effect.
func MapStatus(s gateway.Status) (payment.Status, bool) {
	switch s.Kind {
	case gateway.KindSettlement:
		return payment.StatusPaid, true
	case gateway.KindCapture:
		switch s.Fraud {
		case gateway.FraudChallenge:
			return payment.StatusProcessing, true
		case gateway.FraudDeny:
			return payment.StatusFailed, true
		default:
			return payment.StatusPaid, true
		}
	case gateway.KindAuthorize, gateway.KindPending:
		return payment.StatusProcessing, true
	case gateway.KindDeny, gateway.KindCancel, gateway.KindFailure:
		return payment.StatusFailed, true
	case gateway.KindExpire:
		return payment.StatusExpired, true
	case gateway.KindRefund:
		return payment.StatusRefunded, true
	default:
		// Partial refunds and unknown statuses need manual review.
		return "", false
	}
}

// dedupKey identifies one delivery of one outcome. Gateway retries of the
// same outcome share a key.
func dedupKey(p *payment.Payment, transactionID string, to payment.Status) string {
	ref := transactionID
	if ref == "" {
		ref = p.GatewayTransactionID
	}
	if ref == "" {
		ref = p.GatewayOrderID
	}
	return ref + ":" + string(to)
}

// HandleNotification verifies and applies a gateway webhook. It is safe to
// call any number of times with the same payload and in any order.
//
// Duplicate, stale and unrecognized notifications are acknowledged: the
// Result describes them and only stale ones also return
// ErrStaleNotification.
func (s *Service) HandleNotification(ctx context.Context, raw []byte, signature string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.HandleNotification")
	defer span.End()

	if s.gateway == nil {
		return nil, ErrGatewayDisabled
	}
	lg := zctx.From(ctx)

	n, err := s.gateway.ParseNotification(raw)
	if err != nil {
		s.countNotification(ctx, "malformed")
		return nil, err
	}
	lg = lg.With(
		zap.String("gateway_order_id", n.OrderID),
		zap.String("gateway_transaction_id", n.TransactionID),
		zap.Stringer("gateway_status", n.Status),
	)
	if !s.gateway.VerifySignature(n, signature) {
		s.countNotification(ctx, "signature_invalid")
		lg.Warn("Notification signature mismatch")
		return nil, ErrSignatureInvalid
	}

	p, err := s.store.PaymentByGatewayRef(ctx, n.OrderID, n.TransactionID)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		s.countNotification(ctx, "unknown_payment")
		lg.Warn("Notification for unknown payment")
		return nil, ErrUnknownPayment
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve payment")
	}

	to, ok := MapStatus(n.Status)
	if !ok {
		s.countNotification(ctx, string(OutcomeIgnored))
		lg.Info("Notification status not actionable", zap.String("payment_id", p.ID))
		return &Result{Outcome: OutcomeIgnored, PaymentID: p.ID, OrderID: p.OrderID, Status: p.Status}, nil
	}

	return s.apply(ctx, p, to, outcome{
		At:            s.now(),
		TransactionID: n.TransactionID,
		Raw:           n.Raw,
		Verified:      true,
	})
}

// apply is the single path for gateway outcomes, shared by webhooks and
// reconciliation polls.
func (s *Service) apply(ctx context.Context, p *payment.Payment, to payment.Status, out outcome) (*Result, error) {
	lg := zctx.From(ctx).With(
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.String("to", string(to)),
	)

	res := &Result{PaymentID: p.ID, OrderID: p.OrderID}
	var from payment.Status
	err := s.store.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		o, err := tx.LockOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		cur, err := tx.LockPayment(ctx, p.ID)
		if err != nil {
			return err
		}
		from = cur.Status
		res.Status = cur.Status

		fresh, err := tx.MarkNotification(ctx, dedupKey(cur, out.TransactionID, to), cur.ID, out.Raw)
		if err != nil {
			return errors.Wrap(err, "mark notification")
		}
		switch {
		case !fresh || cur.Status == to:
			res.Outcome = OutcomeDuplicate
			return nil
		case !payment.CanTransition(cur.Status, to):
			// Keep the payload for audit without touching the status.
			if out.Raw != nil {
				cur.LastNotification = out.Raw
				if err := tx.UpdatePayment(ctx, cur); err != nil {
					return errors.Wrap(err, "update payment")
				}
			}
			res.Outcome = OutcomeStale
			return nil
		}

		if err := s.settle(ctx, tx, o, cur, to, out); err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		res.Status = cur.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.countNotification(ctx, string(res.Outcome))
	switch res.Outcome {
	case OutcomeApplied:
		lg.Info("Payment status changed", zap.String("from", string(from)))
	case OutcomeDuplicate:
		lg.Debug("Duplicate notification")
	case OutcomeStale:
		if to == payment.StatusPaid || to == payment.StatusRefunded {
			// Money moved on an attempt that is already closed locally.
			lg.Error("Late settlement on closed payment", zap.String("status", string(from)))
		} else {
			lg.Info("Stale notification", zap.String("status", string(from)))
		}
		return res, errors.Wrapf(ErrStaleNotification, "%s -> %s", from, to)
	}
	return res, nil
}

func (s *Service) countNotification(ctx context.Context, result string) {
	s.metrics.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", result)))
}

// Reconcile polls the gateway for a payment that got no webhook and applies
// the answer through the same path as a notification. When the gateway has
// no final answer the payment is expired once it is past the TTL.
func (s *Service) Reconcile(ctx context.Context, paymentID string, now time.Time) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Reconcile")
	defer span.End()

	p, err := s.store.Payment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	res := &Result{Outcome: OutcomeIgnored, PaymentID: p.ID, OrderID: p.OrderID, Status: p.Status}
	if !p.Status.Active() {
		return res, nil
	}

	if p.Gateway == payment.GatewayMidtrans && s.gateway != nil {
		start := time.Now()
		st, err := s.gateway.QueryStatus(ctx, p.GatewayOrderID)
		s.metrics.gatewayLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("operation", "query_status")))

		switch {
		case err == nil:
			to, ok := MapStatus(st.Status)
			if ok && (to != payment.StatusProcessing || p.Status == payment.StatusPending) {
				applied, err := s.apply(ctx, p, to, outcome{
					At:            now,
					TransactionID: st.TransactionID,
					Raw:           json.RawMessage(st.Raw),
				})
				if err != nil || to != payment.StatusProcessing {
					return applied, err
				}
			}
		case errors.Is(err, gateway.ErrNotFound):
			// The customer never opened the payment page.
		default:
			return nil, errors.Wrap(err, "query status")
		}
	}

	if err := s.ExpirePending(ctx, p.ID, now); err != nil {
		if errors.Is(err, ErrNotExpired) {
			return res, nil
		}
		return nil, err
	}
	cur, err := s.store.Payment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	res.Status = cur.Status
	if cur.Status == payment.StatusExpired {
		res.Outcome = OutcomeApplied
	}
	return res, nil
}
