// Package checkout owns the order state machine and the payment
// reconciliation engine. Every mutation runs inside one ledger transaction
// that locks the order before any of its payments.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jaevor/go-nanoid"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/marketplace-core/internal/domain/event"
	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/domain/product"
	"github.com/xenking/marketplace-core/internal/gateway"
)

const (
	numberAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numberLength   = 8

	actorSystem  = "system"
	actorGateway = "gateway"
)

// Options configures a Service.
type Options struct {
	Pricing order.Pricing
	// PaymentTTL is how long a payment may stay pending or processing.
	PaymentTTL time.Duration

	Now            func() time.Time
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.PaymentTTL == 0 {
		o.PaymentTTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
}

// Service is the checkout core.
type Service struct {
	store   ledger.Store
	catalog product.Repository
	gateway gateway.Client

	pricing order.Pricing
	ttl     time.Duration
	now     func() time.Time
	number  func() string

	metrics *metrics
	tracer  trace.Tracer
}

// New creates a Service. gw may be nil when only COD and manual transfer
// are offered.
func New(store ledger.Store, catalog product.Repository, gw gateway.Client, opts Options) (*Service, error) {
	opts.setDefaults()

	gen, err := nanoid.CustomASCII(numberAlphabet, numberLength)
	if err != nil {
		return nil, errors.Wrap(err, "order number generator")
	}
	m, err := newMetrics(opts.MeterProvider.Meter("checkout"))
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	return &Service{
		store:   store,
		catalog: catalog,
		gateway: gw,
		pricing: opts.Pricing,
		ttl:     opts.PaymentTTL,
		now:     opts.Now,
		number:  gen,
		metrics: m,
		tracer:  opts.TracerProvider.Tracer("checkout"),
	}, nil
}

// TTL returns the configured payment lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) orderNumber(at time.Time) string {
	return "ORD-" + at.UTC().Format("20060102") + "-" + s.number()
}

func enqueueOrder(ctx context.Context, tx ledger.Tx, typ string, o *order.Order, from order.Status, actor, note string) error {
	e, err := event.New(typ, o.ID, event.OrderStatus{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		CustomerID:    o.CustomerID,
		From:          string(from),
		To:            string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Actor:         actor,
		Note:          note,
		At:            o.UpdatedAt,
	}, o.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "encode order event")
	}
	return tx.Enqueue(ctx, e)
}

func enqueuePayment(ctx context.Context, tx ledger.Tx, p *payment.Payment, from payment.Status) error {
	e, err := event.New(event.PaymentStatusChanged, p.OrderID, event.PaymentStatus{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		GatewayOrderID: p.GatewayOrderID,
		From:           string(from),
		To:             string(p.Status),
		Amount:         p.Amount.String(),
		Currency:       p.Currency,
		At:             p.UpdatedAt,
	}, p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "encode payment event")
	}
	return tx.Enqueue(ctx, e)
}
