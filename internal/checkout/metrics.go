package checkout

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	ordersCreated  metric.Int64Counter
	transitions    metric.Int64Counter
	notifications  metric.Int64Counter
	expirations    metric.Int64Counter
	gatewayLatency metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.ordersCreated, err = meter.Int64Counter("checkout.orders.created",
		metric.WithDescription("Orders accepted"),
	); err != nil {
		return nil, errors.Wrap(err, "orders counter")
	}
	if m.transitions, err = meter.Int64Counter("checkout.order.transitions",
		metric.WithDescription("Order status transitions by target status"),
	); err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	if m.notifications, err = meter.Int64Counter("checkout.notifications",
		metric.WithDescription("Gateway notifications by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "notifications counter")
	}
	if m.expirations, err = meter.Int64Counter("checkout.payments.expired",
		metric.WithDescription("Payments expired by the sweeper"),
	); err != nil {
		return nil, errors.Wrap(err, "expirations counter")
	}
	if m.gatewayLatency, err = meter.Float64Histogram("checkout.gateway.duration",
		metric.WithDescription("Gateway call latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "gateway histogram")
	}
	return &m, nil
}
