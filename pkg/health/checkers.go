package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when the process runs more than threshold
// goroutines, which usually means a leak.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is implemented by pgxpool.Pool and the postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when the dependency does not answer a ping.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// BacklogFunc reports how many items are waiting to be processed.
type BacklogFunc func(ctx context.Context) (int, error)

// BacklogCheck fails when more than limit items are waiting, e.g. outbox
// events that the relay could not publish.
func BacklogCheck(backlog BacklogFunc, limit int) CheckFunc {
	return func(ctx context.Context) error {
		n, err := backlog(ctx)
		if err != nil {
			return errors.Wrap(err, "backlog")
		}
		if n > limit {
			return errors.Errorf("backlog %d exceeds limit %d", n, limit)
		}
		return nil
	}
}
