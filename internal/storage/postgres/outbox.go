package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/marketplace-core/internal/domain/event"
)

const (
	enqueueEventSQL = `INSERT INTO outbox_events (id, type, key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	pendingEventsSQL = `SELECT id, type, key, payload, created_at, sent_at FROM outbox_events
		WHERE sent_at IS NULL ORDER BY seq LIMIT $1`

	markEventsSentSQL = `UPDATE outbox_events SET sent_at = $2
		WHERE id = ANY($1) AND sent_at IS NULL`

	pendingEventCountSQL = `SELECT count(*) FROM outbox_events WHERE sent_at IS NULL`
)

func enqueueEvent(ctx context.Context, q querier, e event.Event) error {
	_, err := q.Exec(ctx, enqueueEventSQL, e.ID, e.Type, e.Key, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return mapUnique(err, fmt.Sprintf("enqueueing event %q", e.ID))
	}
	return nil
}

// PendingEvents returns unsent events in insertion order.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, pendingEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (event.Event, error) {
		var (
			e       event.Event
			payload []byte
		)
		err := row.Scan(&e.ID, &e.Type, &e.Key, &payload, &e.CreatedAt, &e.SentAt)
		e.Payload = payload
		return e, err
	})
}

// MarkEventsSent stamps the given events as published.
func (s *Store) MarkEventsSent(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, markEventsSentSQL, ids, at); err != nil {
		return fmt.Errorf("marking events sent: %w", err)
	}
	return nil
}

// PendingEventCount is used by the readiness check.
func (s *Store) PendingEventCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, pendingEventCountSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending events: %w", err)
	}
	return n, nil
}
