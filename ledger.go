package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/internal/keylock"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/subscription"
	"github.com/xraph/quota/types"
)

// Direction classifies a plan change by price.
type Direction string

const (
	DirectionUpgrade   Direction = "upgrade"
	DirectionDowngrade Direction = "downgrade"
	DirectionLateral   Direction = "lateral"
)

// ChangeResult describes the outcome of ChangePlan.
type ChangeResult struct {
	// Previous is the subscription that was current when the change was
	// requested.
	Previous *subscription.Subscription `json:"previous"`
	// Current is the new current subscription. For a scheduled change it is
	// Previous carrying the pending plan.
	Current   *subscription.Subscription `json:"current"`
	Direction Direction                  `json:"direction"`
	// Proration is the price difference for the unused part of the period.
	// Negative values are credits.
	Proration   types.Money `json:"proration"`
	Scheduled   bool        `json:"scheduled"`
	EffectiveAt time.Time   `json:"effective_at"`
}

// SubscribeOption customizes a new subscription.
type SubscribeOption func(*subscription.Subscription)

// WithRenewalPolicy sets what happens at period end.
func WithRenewalPolicy(p subscription.RenewalPolicy) SubscribeOption {
	return func(s *subscription.Subscription) { s.RenewalPolicy = p }
}

// WithSubscriptionMetadata attaches metadata to the new subscription.
func WithSubscriptionMetadata(md map[string]string) SubscribeOption {
	return func(s *subscription.Subscription) { s.Metadata = maps.Clone(md) }
}

// WithPeriodAnchor aligns the subscription's periods to anchor instead of
// the signup time, e.g. the first of the month. The first period is the one
// containing the signup time. Anchors in the future are rejected.
func WithPeriodAnchor(anchor time.Time) SubscribeOption {
	return func(s *subscription.Subscription) { s.CurrentPeriodStart = anchor.UTC() }
}

// Ledger owns subscription state. Every read of the current subscription
// first applies whatever transitions are due (scheduled plan changes,
// cancellation, renewal, expiry), so callers never observe a subscription
// whose period has already ended.
type Ledger struct {
	store   store.Store
	catalog *Catalog
	plugins *plugin.Registry
	logger  *slog.Logger
	locks   *keylock.Table
	retry   retrier
	now     func() time.Time

	// changed is called after any write that affects what a subscriber is
	// entitled to.
	changed func(subscriberID string)
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// Current returns the subscriber's single trialing, active or past_due
// subscription, rolling it over first if its period has ended. It fails
// with ErrNoActiveSubscription when there is none.
func (l *Ledger) Current(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	var current *subscription.Subscription
	err := l.retry.do(ctx, "rollover", func() error {
		sub, err := l.store.GetCurrentSubscription(ctx, subscriberID)
		if err != nil {
			return err
		}
		current, err = l.rollover(ctx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

// Get returns a subscription by ID without applying transitions.
func (l *Ledger) Get(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	sub, err := l.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, unavailable(err)
	}
	return sub, nil
}

// History lists every subscription the subscriber ever had, newest first.
func (l *Ledger) History(ctx context.Context, subscriberID string) ([]*subscription.Subscription, error) {
	subs, err := l.store.ListSubscriptions(ctx, subscriberID, subscription.ListOpts{})
	if err != nil {
		return nil, unavailable(err)
	}
	return subs, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Subscribe starts a subscription to planID. Plans with trial days start
// trialing.
func (l *Ledger) Subscribe(ctx context.Context, subscriberID string, planID id.PlanID, opts ...SubscribeOption) (*subscription.Subscription, error) {
	if subscriberID == "" {
		return nil, ValidationError{Field: "subscriber_id", Message: "required"}
	}
	p, err := l.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.IsArchived() {
		return nil, ErrPlanArchived
	}

	unlock, err := l.locks.Lock(ctx, subscriberID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer unlock()

	// Rolls over a lapsed subscription so it does not block the new one.
	if _, err := l.Current(ctx, subscriberID); err == nil {
		return nil, ErrSubscriptionExists
	} else if !errors.Is(err, ErrNoActiveSubscription) {
		return nil, err
	}

	// Period bounds round-trip through every backend at millisecond precision.
	now := l.now().UTC().Truncate(time.Millisecond)
	sub := &subscription.Subscription{
		Entity:             types.NewEntity(),
		ID:                 id.NewSubscriptionID(),
		SubscriberID:       subscriberID,
		PlanID:             p.ID,
		Status:             subscription.StatusActive,
		RenewalPolicy:      subscription.RenewAuto,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   p.Period.Next(now),
	}
	if p.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, p.TrialDays)
		sub.Status = subscription.StatusTrialing
		sub.TrialEnd = &trialEnd
	}
	for _, opt := range opts {
		opt(sub)
	}
	if anchor := sub.CurrentPeriodStart.Truncate(time.Millisecond); !anchor.Equal(now) {
		if anchor.After(now) {
			return nil, ValidationError{Field: "period_anchor", Message: "must not be in the future"}
		}
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd = p.Period.Advance(anchor, p.Period.Next(anchor), now)
	}

	if err := l.store.CreateSubscription(ctx, sub); err != nil {
		return nil, unavailable(err)
	}

	l.logger.Info("subscription created",
		"subscriber_id", subscriberID,
		"subscription_id", sub.ID.String(),
		"plan_id", p.ID.String(),
		"status", sub.Status,
	)
	l.changed(subscriberID)
	l.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// ChangePlan moves the subscriber to newPlanID. When effectiveAt is zero or
// not in the future the old subscription is canceled and the new one
// becomes current in a single store operation; otherwise the change is
// recorded and applied by the first read at or after effectiveAt.
//
// Counters carry over when both plans share a billing period, because the
// new subscription keeps the old period bounds.
func (l *Ledger) ChangePlan(ctx context.Context, subscriberID string, newPlanID id.PlanID, effectiveAt time.Time) (*ChangeResult, error) {
	newPlan, err := l.catalog.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}
	if newPlan.IsArchived() {
		return nil, ErrPlanArchived
	}

	unlock, err := l.locks.Lock(ctx, subscriberID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer unlock()

	var result *ChangeResult
	err = l.retry.do(ctx, "change plan", func() error {
		cur, err := l.Current(ctx, subscriberID)
		if err != nil {
			return err
		}
		if cur.PlanID == newPlan.ID {
			return ErrSamePlan
		}
		oldPlan, err := l.catalog.GetPlan(ctx, cur.PlanID)
		if err != nil {
			return err
		}

		now := l.now().UTC().Truncate(time.Millisecond)
		if effectiveAt.After(now) {
			result, err = l.schedule(ctx, cur, oldPlan, newPlan, effectiveAt.UTC())
			return err
		}
		result, err = l.swap(ctx, cur, oldPlan, newPlan, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (l *Ledger) schedule(ctx context.Context, cur *subscription.Subscription, oldPlan, newPlan *plan.Plan, at time.Time) (*ChangeResult, error) {
	upd := cur.Clone()
	pending := newPlan.ID
	upd.PendingPlanID = &pending
	upd.PendingAt = &at
	if err := l.store.UpdateSubscription(ctx, upd); err != nil {
		return nil, err
	}

	l.logger.Info("plan change scheduled",
		"subscriber_id", cur.SubscriberID,
		"subscription_id", cur.ID.String(),
		"plan_id", newPlan.ID.String(),
		"effective_at", at,
	)
	return &ChangeResult{
		Previous:    cur,
		Current:     upd,
		Direction:   direction(oldPlan, newPlan),
		Proration:   prorate(cur, oldPlan, newPlan, at),
		Scheduled:   true,
		EffectiveAt: at,
	}, nil
}

// swap atomically cancels cur and inserts its successor on newPlan. The
// store rejects the swap with ErrConflict if cur changed since it was read.
func (l *Ledger) swap(ctx context.Context, cur *subscription.Subscription, oldPlan, newPlan *plan.Plan, at time.Time) (*ChangeResult, error) {
	old := cur.Clone()
	old.Status = subscription.StatusCanceled
	old.CanceledAt = &at
	old.EndedAt = &at
	old.PendingPlanID = nil
	old.PendingAt = nil

	next := &subscription.Subscription{
		Entity:        types.NewEntity(),
		ID:            id.NewSubscriptionID(),
		SubscriberID:  cur.SubscriberID,
		PlanID:        newPlan.ID,
		Status:        subscription.StatusActive,
		RenewalPolicy: cur.RenewalPolicy,
		PreviousID:    cur.ID,
		Metadata:      maps.Clone(cur.Metadata),
	}
	if newPlan.Period == oldPlan.Period {
		next.SetPeriod(cur.Period())
	} else {
		next.SetPeriod(plan.Window{Start: at, End: newPlan.Period.Next(at)})
	}

	if err := l.store.ReplaceSubscription(ctx, old, next); err != nil {
		return nil, err
	}

	res := &ChangeResult{
		Previous:    old,
		Current:     next,
		Direction:   direction(oldPlan, newPlan),
		Proration:   prorate(cur, oldPlan, newPlan, at),
		EffectiveAt: at,
	}
	l.logger.Info("plan changed",
		"subscriber_id", cur.SubscriberID,
		"from_plan", oldPlan.ID.String(),
		"to_plan", newPlan.ID.String(),
		"direction", res.Direction,
	)
	l.changed(cur.SubscriberID)
	l.plugins.EmitSubscriptionChanged(ctx, &plugin.Change{
		Previous:  old,
		Current:   next,
		OldPlan:   oldPlan,
		NewPlan:   newPlan,
		Direction: string(res.Direction),
	})
	return res, nil
}

// Renew moves the subscription to the period w. Renewing to the period it
// already has is a no-op, so retried renewals are safe.
func (l *Ledger) Renew(ctx context.Context, subID id.SubscriptionID, w plan.Window) (*subscription.Subscription, error) {
	if !w.End.After(w.Start) {
		return nil, ErrInvalidPeriod
	}

	var renewed *subscription.Subscription
	err := l.retry.do(ctx, "renew", func() error {
		sub, err := l.store.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if !sub.Status.IsCurrent() {
			return ErrSubscriptionInactive
		}
		if sub.Period().Equal(w) {
			renewed = sub
			return nil
		}
		if w.Start.Before(sub.CurrentPeriodStart) {
			return fmt.Errorf("%w: renewal cannot move the period backwards", ErrInvalidPeriod)
		}

		upd := sub.Clone()
		upd.SetPeriod(plan.Window{Start: w.Start.UTC(), End: w.End.UTC()})
		endTrial(upd, upd.CurrentPeriodStart)
		if err := l.store.UpdateSubscription(ctx, upd); err != nil {
			return err
		}
		renewed = upd
		l.changed(upd.SubscriberID)
		l.plugins.EmitSubscriptionRenewed(ctx, upd)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// Cancel ends the subscription now, or at the end of its current period.
func (l *Ledger) Cancel(ctx context.Context, subID id.SubscriptionID, immediately bool) (*subscription.Subscription, error) {
	var canceled *subscription.Subscription
	err := l.retry.do(ctx, "cancel", func() error {
		sub, err := l.store.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if !sub.Status.IsCurrent() {
			return ErrSubscriptionInactive
		}

		upd := sub.Clone()
		now := l.now().UTC()
		if immediately {
			upd.Status = subscription.StatusCanceled
			upd.CanceledAt = &now
			upd.EndedAt = &now
			upd.PendingPlanID = nil
			upd.PendingAt = nil
		} else {
			end := upd.CurrentPeriodEnd
			upd.CancelAt = &end
		}
		if err := l.store.UpdateSubscription(ctx, upd); err != nil {
			return err
		}
		canceled = upd
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("subscription canceled",
		"subscription_id", subID.String(),
		"immediately", immediately,
	)
	l.changed(canceled.SubscriberID)
	l.plugins.EmitSubscriptionCanceled(ctx, canceled)
	return canceled, nil
}

// MarkPastDue flags a current subscription whose payment failed. A past_due
// subscription keeps its entitlements until period end, then expires.
func (l *Ledger) MarkPastDue(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return l.transition(ctx, subID, "mark past due", func(s *subscription.Subscription) bool {
		if s.Status == subscription.StatusPastDue {
			return false
		}
		s.Status = subscription.StatusPastDue
		return true
	})
}

// Reactivate returns a past_due subscription to active and withdraws a
// pending cancellation.
func (l *Ledger) Reactivate(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return l.transition(ctx, subID, "reactivate", func(s *subscription.Subscription) bool {
		if s.Status != subscription.StatusPastDue && s.CancelAt == nil {
			return false
		}
		if s.Status == subscription.StatusPastDue {
			s.Status = subscription.StatusActive
		}
		s.CancelAt = nil
		return true
	})
}

func (l *Ledger) transition(ctx context.Context, subID id.SubscriptionID, op string, apply func(*subscription.Subscription) bool) (*subscription.Subscription, error) {
	var result *subscription.Subscription
	err := l.retry.do(ctx, op, func() error {
		sub, err := l.store.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if !sub.Status.IsCurrent() {
			return ErrSubscriptionInactive
		}
		upd := sub.Clone()
		if !apply(upd) {
			result = sub
			return nil
		}
		if err := l.store.UpdateSubscription(ctx, upd); err != nil {
			return err
		}
		result = upd
		l.changed(upd.SubscriberID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Rollover
// ──────────────────────────────────────────────────

// rollover applies every transition that is due for sub at the current
// time. It returns the resulting current subscription, or
// ErrNoActiveSubscription when sub ended. Writes are compare-and-swap on
// Version; a lost race surfaces as ErrConflict and the caller re-reads.
func (l *Ledger) rollover(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	now := l.now().UTC()

	if sub.PendingPlanID != nil && sub.PendingAt != nil && !now.Before(*sub.PendingAt) {
		next, err := l.applyPending(ctx, sub)
		if err != nil {
			return nil, err
		}
		sub = next
	}

	if !due(sub, now) {
		return sub, nil
	}

	upd := sub.Clone()
	switch {
	case upd.CancelAt != nil && !now.Before(*upd.CancelAt):
		upd.Status = subscription.StatusCanceled
		upd.CanceledAt = upd.CancelAt
		upd.EndedAt = upd.CancelAt
		if err := l.store.UpdateSubscription(ctx, upd); err != nil {
			return nil, err
		}
		l.changed(upd.SubscriberID)
		l.plugins.EmitSubscriptionCanceled(ctx, upd)
		return nil, ErrNoActiveSubscription

	case !now.Before(upd.CurrentPeriodEnd) &&
		(upd.RenewalPolicy == subscription.RenewNone || upd.Status == subscription.StatusPastDue):
		end := upd.CurrentPeriodEnd
		upd.Status = subscription.StatusExpired
		upd.EndedAt = &end
		if err := l.store.UpdateSubscription(ctx, upd); err != nil {
			return nil, err
		}
		l.logger.Info("subscription expired",
			"subscriber_id", upd.SubscriberID,
			"subscription_id", upd.ID.String(),
		)
		l.changed(upd.SubscriberID)
		l.plugins.EmitSubscriptionExpired(ctx, upd)
		return nil, ErrNoActiveSubscription

	case !now.Before(upd.CurrentPeriodEnd):
		p, err := l.catalog.GetPlan(ctx, upd.PlanID)
		if err != nil {
			return nil, err
		}
		start, end := p.Period.Advance(upd.CurrentPeriodStart, upd.CurrentPeriodEnd, now)
		upd.SetPeriod(plan.Window{Start: start, End: end})
		endTrial(upd, now)
		if err := l.store.UpdateSubscription(ctx, upd); err != nil {
			return nil, err
		}
		l.logger.Debug("subscription renewed",
			"subscriber_id", upd.SubscriberID,
			"period_start", start,
			"period_end", end,
		)
		l.changed(upd.SubscriberID)
		l.plugins.EmitSubscriptionRenewed(ctx, upd)
		return upd, nil

	default:
		// Trial ended mid-period.
		endTrial(upd, now)
		if err := l.store.UpdateSubscription(ctx, upd); err != nil {
			return nil, err
		}
		return upd, nil
	}
}

func (l *Ledger) applyPending(ctx context.Context, sub *subscription.Subscription) (*subscription.Subscription, error) {
	oldPlan, err := l.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	newPlan, err := l.catalog.GetPlan(ctx, *sub.PendingPlanID)
	if err != nil {
		return nil, err
	}
	res, err := l.swap(ctx, sub, oldPlan, newPlan, *sub.PendingAt)
	if err != nil {
		return nil, err
	}
	return res.Current, nil
}

// due reports whether any transition applies to sub at now.
func due(sub *subscription.Subscription, now time.Time) bool {
	if !now.Before(sub.CurrentPeriodEnd) {
		return true
	}
	if sub.CancelAt != nil && !now.Before(*sub.CancelAt) {
		return true
	}
	return sub.Status == subscription.StatusTrialing && sub.TrialEnd != nil && !now.Before(*sub.TrialEnd)
}

func endTrial(sub *subscription.Subscription, now time.Time) {
	if sub.Status == subscription.StatusTrialing && sub.TrialEnd != nil && !now.Before(*sub.TrialEnd) {
		sub.Status = subscription.StatusActive
	}
}

func direction(oldPlan, newPlan *plan.Plan) Direction {
	if !oldPlan.Price.SameCurrency(newPlan.Price) {
		return DirectionLateral
	}
	switch oldPlan.Price.Compare(newPlan.Price) {
	case -1:
		return DirectionUpgrade
	case 1:
		return DirectionDowngrade
	default:
		return DirectionLateral
	}
}

// prorate returns the new plan's price minus the old plan's price, scaled to
// the part of the current period remaining at at. Plans priced in different
// currencies are not prorated.
func prorate(cur *subscription.Subscription, oldPlan, newPlan *plan.Plan, at time.Time) types.Money {
	currency := newPlan.Price.Currency
	if !oldPlan.Price.SameCurrency(newPlan.Price) {
		return types.Zero(currency)
	}
	total := cur.CurrentPeriodEnd.Sub(cur.CurrentPeriodStart)
	left := cur.CurrentPeriodEnd.Sub(at)
	if total <= 0 || left <= 0 {
		return types.Zero(currency)
	}
	if left > total {
		left = total
	}
	ratio := decimal.NewFromInt(int64(left)).Div(decimal.NewFromInt(int64(total)))
	return newPlan.Price.Subtract(oldPlan.Price).Scale(ratio)
}
