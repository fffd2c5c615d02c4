package quota

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// sweepBatch caps how many due subscriptions one sweep examines.
const sweepBatch = 500

// SweepReport summarizes one Sweep run.
type SweepReport struct {
	Due      int           `json:"due"`
	Rolled   int64         `json:"rolled"`
	Ended    int64         `json:"ended"`
	Failed   int64         `json:"failed"`
	Purged   int64         `json:"purged"`
	Duration time.Duration `json:"duration"`
}

// Sweep applies due transitions ahead of the next read. Rollover is lazy, so
// sweeping is never required for correctness; it keeps stored state close
// to the clock for reporting and listing. It also purges usage events past
// the retention window when one is configured.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	now := e.now().UTC()

	due, err := e.store.ListDueSubscriptions(ctx, now, sweepBatch)
	if err != nil {
		return nil, unavailable(err)
	}

	report := &SweepReport{Due: len(due)}
	var rolled, ended, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.sweepConcurrency)
	for _, sub := range due {
		g.Go(func() error {
			_, err := e.ledger.Current(gctx, sub.SubscriberID)
			switch {
			case err == nil:
				rolled.Add(1)
			case errors.Is(err, ErrNoActiveSubscription):
				ended.Add(1)
			default:
				failed.Add(1)
				e.logger.Warn("quota: sweep rollover failed",
					"subscriber_id", sub.SubscriberID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through counters

	report.Rolled = rolled.Load()
	report.Ended = ended.Load()
	report.Failed = failed.Load()

	if e.usageRetention > 0 {
		purged, err := e.store.PurgeUsage(ctx, now.Add(-e.usageRetention))
		if err != nil {
			return report, unavailable(err)
		}
		report.Purged = purged
	}

	report.Duration = time.Since(start)
	return report, nil
}

func (e *Engine) sweepWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			report, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error("quota: sweep failed", "error", err)
				continue
			}
			if report.Due > 0 || report.Purged > 0 {
				e.logger.Info("quota: sweep finished",
					"due", report.Due,
					"rolled", report.Rolled,
					"ended", report.Ended,
					"failed", report.Failed,
					"purged", report.Purged,
				)
			}
		}
	}
}
