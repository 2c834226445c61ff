package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/marketplace-core/internal/domain/event"
	"github.com/xenking/marketplace-core/internal/domain/ledger"
	"github.com/xenking/marketplace-core/internal/storage/memory"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func seed(t *testing.T, store *memory.Store, keys ...string) []string {
	t.Helper()
	var ids []string
	err := store.InTx(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		for _, k := range keys {
			e, err := event.New(event.OrderCreated, k, map[string]string{"order_id": k}, time.Now())
			if err != nil {
				return err
			}
			ids = append(ids, e.ID)
			if err := tx.Enqueue(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func newTestRelay(t *testing.T, store *memory.Store, w Writer, batch int) *Relay {
	t.Helper()
	r, err := NewRelay(store, w, Config{Interval: 10 * time.Millisecond, BatchSize: batch}, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return r
}

func TestFlush_PublishesAndMarksSent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.NewStock())
	ids := seed(t, store, "o1", "o2", "o1")

	w := &fakeWriter{}
	r := newTestRelay(t, store, w, 10)

	n, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs := w.written()
	require.Len(t, msgs, 3)
	assert.Equal(t, "o1", string(msgs[0].Key))
	assert.Equal(t, "o2", string(msgs[1].Key))
	assert.JSONEq(t, `{"order_id":"o1"}`, string(msgs[0].Value))
	assert.Equal(t, ids[0], string(msgs[0].Headers[0].Value))
	assert.Equal(t, event.OrderCreated, string(msgs[0].Headers[1].Value))

	pending, err := store.PendingEventCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	n, err = r.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_WriteFailureKeepsEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.NewStock())
	seed(t, store, "o1", "o2")

	w := &fakeWriter{err: errors.New("broker down")}
	r := newTestRelay(t, store, w, 10)

	_, err := r.Flush(ctx)
	require.Error(t, err)

	pending, err := store.PendingEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	w.err = nil
	n, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRun_DrainsBacklogInBatches(t *testing.T) {
	store := memory.NewStore(memory.NewStock())
	seed(t, store, "a", "b", "c", "d", "e")

	w := &fakeWriter{}
	r := newTestRelay(t, store, w, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(w.written()) == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
