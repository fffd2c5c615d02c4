package quota

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/subscription"
)

// DecideOption customizes a single Decide call.
type DecideOption func(*decideConfig)

type decideConfig struct {
	eventID  string
	metadata map[string]string
}

// WithEventID makes the call idempotent: a second Decide with the same
// event ID, while the first one's allowance is remembered, fails with
// ErrDuplicateEvent instead of consuming quota again. Requires WithIdempotency.
func WithEventID(key string) DecideOption {
	return func(c *decideConfig) { c.eventID = key }
}

// WithUsageMetadata attaches metadata to the usage event of an allowed
// decision.
func WithUsageMetadata(md map[string]string) DecideOption {
	return func(c *decideConfig) { c.metadata = md }
}

// Decide reports whether subscriberID may consume quantity units of
// meterKey and, if so, records the consumption. A request that does not fit
// in full is denied and consumes nothing.
//
// Denials are returned as decisions, never as errors. Errors mean the
// decision could not be made: ErrInvalidQuantity, ErrDuplicateEvent, or
// ErrUnavailable.
func (e *Engine) Decide(ctx context.Context, subscriberID, meterKey string, quantity int64, opts ...DecideOption) (*entitlement.Decision, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if subscriberID == "" {
		return nil, ValidationError{Field: "subscriber_id", Message: "required"}
	}
	if meterKey == "" {
		return nil, ValidationError{Field: "meter_key", Message: "required"}
	}

	var cfg decideConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	claimed := false
	if cfg.eventID != "" && e.idem != nil {
		ok, err := e.idem.Claim(ctx, cfg.eventID, e.idemTTL)
		if err != nil {
			return nil, unavailable(err)
		}
		if !ok {
			return nil, ErrDuplicateEvent
		}
		claimed = true
	}

	e.recording.RLock()
	d, err := e.decide(ctx, subscriberID, meterKey, quantity)
	if err == nil && d.Allowed {
		e.recordUsage(ctx, &meter.UsageEvent{
			ID:             id.NewUsageEventID(),
			SubscriberID:   subscriberID,
			SubscriptionID: d.SubscriptionID,
			MeterKey:       meterKey,
			Quantity:       quantity,
			PeriodStart:    d.PeriodStart,
			Timestamp:      d.DecidedAt,
			IdempotencyKey: cfg.eventID,
			Metadata:       cfg.metadata,
		})
	}
	e.recording.RUnlock()

	if claimed && (err != nil || !d.Allowed) {
		if rerr := e.idem.Release(context.WithoutCancel(ctx), cfg.eventID); rerr != nil {
			e.logger.Warn("quota: failed to release event id",
				"event_id", cfg.eventID,
				"error", rerr,
			)
		}
	}
	if err != nil {
		return nil, err
	}

	if d.Allowed {
		e.usage.Set(subscriberID, &entitlement.Usage{
			MeterKey:    meterKey,
			Used:        d.Used,
			Limit:       d.Limit,
			Remaining:   d.Remaining,
			PeriodStart: d.PeriodStart,
			PeriodEnd:   d.PeriodEnd,
		})
	}

	if d.Reason == entitlement.ReasonLimitExceeded {
		e.plugins.EmitQuotaExceeded(ctx, d)
	}
	e.plugins.EmitDecision(ctx, d)
	return d, nil
}

// decide runs the decision, retrying when the subscription changed between
// the read and the increment.
func (e *Engine) decide(ctx context.Context, subscriberID, meterKey string, quantity int64) (*entitlement.Decision, error) {
	var d *entitlement.Decision
	rateChecked := false
	r := retrier{policy: e.retry, logger: e.logger}

	err := r.do(ctx, "decide", func() error {
		d = &entitlement.Decision{
			ID:           id.NewDecisionID(),
			SubscriberID: subscriberID,
			MeterKey:     meterKey,
			Quantity:     quantity,
		}

		sub, err := e.ledger.Current(ctx, subscriberID)
		if errors.Is(err, ErrNoActiveSubscription) {
			d.Deny(entitlement.ReasonNoSubscription)
			return nil
		}
		if err != nil {
			return err
		}
		p, err := e.catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		d.SubscriptionID = sub.ID
		d.PlanID = p.ID
		d.PeriodStart = sub.CurrentPeriodStart
		d.PeriodEnd = sub.CurrentPeriodEnd

		limit, err := e.catalog.LimitFor(p, meterKey)
		if err != nil {
			d.Deny(entitlement.ReasonMeterNotEntitled)
			return nil
		}
		d.Limit = limit

		now := e.now()
		if !rateChecked {
			rateChecked = true
			if !e.limiters.allow(subscriberID, p, now) {
				d.Deny(entitlement.ReasonRateLimited)
				return nil
			}
		}
		if !sub.Period().Contains(now) {
			// Rolled over by someone else between Current and now.
			return ErrConflict
		}

		out, err := e.counters.CheckAndIncrement(ctx, &meter.Increment{
			Key: meter.Key{
				SubscriberID: subscriberID,
				MeterKey:     meterKey,
				PeriodStart:  sub.CurrentPeriodStart,
			},
			Limit:    limit,
			Quantity: quantity,
			Guard:    meter.Guard{SubscriptionID: sub.ID, Version: sub.Version},
		})
		if err != nil {
			return err
		}

		d.Allowed = out.Allowed
		d.Used = out.Counter
		d.Remaining = limit.Remaining(out.Counter)
		if !out.Allowed {
			d.Reason = entitlement.ReasonLimitExceeded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.DecidedAt = e.now().UTC()
	return d, nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// Peek returns the subscriber's usage of meterKey in the current period
// without consuming anything. Results may be served from a short-lived
// cache and can lag behind concurrent decisions.
func (e *Engine) Peek(ctx context.Context, subscriberID, meterKey string) (*entitlement.Usage, error) {
	if u, ok := e.usage.Get(subscriberID, meterKey); ok {
		return u, nil
	}

	sub, p, err := e.currentPlan(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	limit, err := e.catalog.LimitFor(p, meterKey)
	if err != nil {
		return nil, err
	}

	used, err := e.counters.PeekCounter(ctx, meter.Key{
		SubscriberID: subscriberID,
		MeterKey:     meterKey,
		PeriodStart:  sub.CurrentPeriodStart,
	})
	if err != nil {
		return nil, unavailable(err)
	}

	u := usageOf(sub, meterKey, limit, used)
	if f := p.FindFeature(meterKey); f != nil {
		u.Name = f.Name
	}
	e.usage.Set(subscriberID, u)
	return u, nil
}

// Summary returns usage for every meter listed on the subscriber's plan.
func (e *Engine) Summary(ctx context.Context, subscriberID string) (*entitlement.Summary, error) {
	sub, p, err := e.currentPlan(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	meters := lo.Map(p.Features, func(f plan.Feature, _ int) entitlement.Usage {
		u := usageOf(sub, f.Key, f.Limit, 0)
		u.Name = f.Name
		return *u
	})

	g, gctx := errgroup.WithContext(ctx)
	for i := range meters {
		g.Go(func() error {
			used, err := e.counters.PeekCounter(gctx, meter.Key{
				SubscriberID: subscriberID,
				MeterKey:     meters[i].MeterKey,
				PeriodStart:  sub.CurrentPeriodStart,
			})
			if err != nil {
				return err
			}
			meters[i].Used = used
			meters[i].Remaining = meters[i].Limit.Remaining(used)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, unavailable(err)
	}

	return &entitlement.Summary{
		SubscriberID:   subscriberID,
		SubscriptionID: sub.ID,
		PlanID:         p.ID,
		PlanName:       p.Name,
		Meters:         meters,
	}, nil
}

// Drift compares a counter with the usage log for the same key.
type Drift struct {
	Key     meter.Key `json:"key"`
	Counter int64     `json:"counter"`
	Logged  int64     `json:"logged"`
}

// Delta is Counter minus Logged. A positive delta is expected while usage
// events are still buffered.
func (d *Drift) Delta() int64 { return d.Counter - d.Logged }

// Reconcile compares the current period's counter for meterKey with the sum
// of logged usage events.
func (e *Engine) Reconcile(ctx context.Context, subscriberID, meterKey string) (*Drift, error) {
	sub, err := e.ledger.Current(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	key := meter.Key{SubscriberID: subscriberID, MeterKey: meterKey, PeriodStart: sub.CurrentPeriodStart}

	counter, err := e.counters.PeekCounter(ctx, key)
	if err != nil {
		return nil, unavailable(err)
	}
	logged, err := e.store.SumUsage(ctx, key)
	if err != nil {
		return nil, unavailable(err)
	}

	drift := &Drift{Key: key, Counter: counter, Logged: logged}
	if drift.Delta() != 0 {
		e.logger.Debug("quota: usage drift",
			"subscriber_id", subscriberID,
			"meter_key", meterKey,
			"delta", drift.Delta(),
		)
	}
	return drift, nil
}

// RebuildCounter rewrites the current period's counter for meterKey from the
// usage log. Decisions on this engine wait while it runs and buffered usage
// events are flushed first. The write is a compare-and-set against the value
// read, so an increment from another process landing in between makes it
// start over. The returned Drift holds the counter as it was before the
// rewrite; after it, the counter equals Logged.
//
// Usage events still buffered in another process are not in the log yet, so
// rebuild a key while other writers are quiet.
func (e *Engine) RebuildCounter(ctx context.Context, subscriberID, meterKey string) (*Drift, error) {
	sub, p, err := e.currentPlan(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	limit, err := e.catalog.LimitFor(p, meterKey)
	if err != nil {
		return nil, err
	}
	key := meter.Key{SubscriberID: subscriberID, MeterKey: meterKey, PeriodStart: sub.CurrentPeriodStart}

	e.recording.Lock()
	defer e.recording.Unlock()

	var drift *Drift
	r := retrier{policy: e.retry, logger: e.logger}
	err = r.do(ctx, "rebuild counter", func() error {
		counter, err := e.counters.PeekCounter(ctx, key)
		if err != nil {
			return err
		}
		if err := e.flushUsage(ctx); err != nil {
			return err
		}
		logged, err := e.store.SumUsage(ctx, key)
		if err != nil {
			return err
		}
		drift = &Drift{Key: key, Counter: counter, Logged: logged}
		if counter == logged {
			return nil
		}
		return e.counters.ResetCounter(ctx, &meter.Reset{
			Key:      key,
			Limit:    limit,
			Expected: counter,
			Value:    logged,
		})
	})
	if err != nil {
		return nil, err
	}

	e.usage.InvalidateMeter(subscriberID, meterKey)
	if drift.Delta() != 0 {
		e.logger.Info("quota: counter rebuilt",
			"subscriber_id", subscriberID,
			"meter_key", meterKey,
			"counter", drift.Counter,
			"logged", drift.Logged,
		)
	}
	return drift, nil
}

// History lists the subscriber's usage events.
func (e *Engine) History(ctx context.Context, subscriberID string, opts meter.QueryOpts) ([]*meter.UsageEvent, error) {
	events, err := e.store.QueryUsage(ctx, subscriberID, opts)
	if err != nil {
		return nil, unavailable(err)
	}
	return events, nil
}

func (e *Engine) currentPlan(ctx context.Context, subscriberID string) (*subscription.Subscription, *plan.Plan, error) {
	sub, err := e.ledger.Current(ctx, subscriberID)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return sub, p, nil
}

func usageOf(sub *subscription.Subscription, meterKey string, limit plan.Limit, used int64) *entitlement.Usage {
	return &entitlement.Usage{
		MeterKey:    meterKey,
		Used:        used,
		Limit:       limit,
		Remaining:   limit.Remaining(used),
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
	}
}
