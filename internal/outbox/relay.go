// Package outbox publishes domain events written by the ledger store to
// Kafka.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-core/internal/domain/event"
)

// Source is the outbox side of the ledger store.
type Source interface {
	PendingEvents(ctx context.Context, limit int) ([]event.Event, error)
	MarkEventsSent(ctx context.Context, ids []string, at time.Time) error
}

// Writer is satisfied by *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config controls the relay loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Relay moves pending events to Kafka. Delivery is at-least-once: a crash
// between the write and the sent mark republishes the batch.
type Relay struct {
	src Source
	w   Writer
	cfg Config
	now func() time.Time

	published metric.Int64Counter
}

// NewRelay creates a Relay.
func NewRelay(src Source, w Writer, cfg Config, meter metric.Meter) (*Relay, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	published, err := meter.Int64Counter("outbox.events.published",
		metric.WithDescription("Events published to Kafka"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "published counter")
	}
	return &Relay{src: src, w: w, cfg: cfg, now: time.Now, published: published}, nil
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	lg.Info("Outbox relay started", zap.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
			// Drain the backlog before waiting for the next tick.
			for {
				n, err := r.Flush(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						lg.Error("Outbox flush failed", zap.Error(err))
					}
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// Flush publishes one batch and returns the number of events sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.src.PendingEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "pending events")
	}
	if len(events) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	ids := make([]string, 0, len(events))
	for _, e := range events {
		msgs = append(msgs, Message(e))
		ids = append(ids, e.ID)
	}
	if err := r.w.WriteMessages(ctx, msgs...); err != nil {
		return 0, errors.Wrap(err, "write messages")
	}
	if err := r.src.MarkEventsSent(ctx, ids, r.now()); err != nil {
		return 0, errors.Wrap(err, "mark sent")
	}

	for _, e := range events {
		r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", e.Type)))
	}
	zctx.From(ctx).Debug("Outbox flushed", zap.Int("count", len(events)))
	return len(events), nil
}

// Message converts an event to a Kafka message keyed by its aggregate so
// one partition sees an aggregate's events in order.
func Message(e event.Event) kafka.Message {
	return kafka.Message{
		Key:   []byte(e.Key),
		Value: e.Payload,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID)},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
}
