package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
)

// RetryPolicy bounds retries of transient gateway failures.
type RetryPolicy struct {
	// Attempt caps a single request.
	Attempt time.Duration
	// Total caps the whole call including backoff sleeps.
	Total          time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy keeps a customer-facing call under a few seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempt:        3 * time.Second,
		Total:          8 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op with exponential backoff. op receives a context bounded by the
// per-attempt timeout and should wrap non-transient failures in Permanent.
// When retries run out or the total deadline passes, the last transient
// error is wrapped in ErrTimeout.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.Total)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = p.Total

	var last error
	err := backoff.Retry(func() error {
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, p.Attempt)
		defer cancelAttempt()

		last = op(attemptCtx)
		return last
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(last, &perm) {
		return perm.Err
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound) {
		return err
	}
	if last == nil {
		last = err
	}
	return errors.Wrap(ErrTimeout, last.Error())
}
