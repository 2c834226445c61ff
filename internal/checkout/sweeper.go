package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-core/internal/domain/ledger"
)

// SweeperConfig controls the reconciliation loop.
type SweeperConfig struct {
	Interval time.Duration
	// PollAfter is how long a payment may go without updates before the
	// gateway is polled.
	PollAfter time.Duration
	BatchSize int
}

// Sweeper periodically reconciles payments stuck in pending or processing.
type Sweeper struct {
	svc   *Service
	store ledger.Store
	cfg   SweeperConfig
}

// NewSweeper creates a Sweeper.
func NewSweeper(svc *Service, store ledger.Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PollAfter <= 0 {
		cfg.PollAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{svc: svc, store: store, cfg: cfg}
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	lg.Info("Sweeper started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("poll_after", w.cfg.PollAfter),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Checked int
	Settled int
	Failed  int
}

// Sweep reconciles one batch of stale payments. A failure on one payment is
// logged and does not stop the batch.
func (w *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := w.svc.now()

	stale, err := w.store.StalePayments(ctx, now.Add(-w.cfg.PollAfter), w.cfg.BatchSize)
	if err != nil {
		return stats, errors.Wrap(err, "stale payments")
	}

	lg := zctx.From(ctx)
	for _, p := range stale {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Checked++

		res, err := w.svc.Reconcile(ctx, p.ID, now)
		switch {
		case errors.Is(err, ErrStaleNotification):
		case err != nil:
			stats.Failed++
			lg.Warn("Reconcile failed", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		if res != nil && res.Outcome == OutcomeApplied {
			stats.Settled++
		}
	}
	if stats.Checked > 0 {
		lg.Info("Sweep done",
			zap.Int("checked", stats.Checked),
			zap.Int("settled", stats.Settled),
			zap.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}
