// Package storetest is a behavioral suite every store.Store and
// meter.CounterStore implementation must pass. Backend packages call Run or
// RunCounters from their own tests with a factory that hands out an empty
// store.
package storetest

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/subscription"
	"github.com/xraph/quota/types"
)

// PeriodStart is the period every suite key lives in.
var PeriodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// Run runs the whole suite against stores built by newStore. Every call to
// newStore must return a store that shares no rows with earlier ones.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	RunCounters(t, func(t *testing.T) meter.CounterStore { return newStore(t) })

	t.Run("GuardedIncrement", func(t *testing.T) { testGuardedIncrement(t, newStore(t)) })
	t.Run("SubscriptionCurrentIndex", func(t *testing.T) { testSubscriptionCurrentIndex(t, newStore(t)) })
	t.Run("ReplaceSubscription", func(t *testing.T) { testReplaceSubscription(t, newStore(t)) })
	t.Run("ListDueSubscriptions", func(t *testing.T) { testListDueSubscriptions(t, newStore(t)) })
	t.Run("UsageEvents", func(t *testing.T) { testUsageEvents(t, newStore(t)) })
	t.Run("PlanSlugVersions", func(t *testing.T) { testPlanSlugVersions(t, newStore(t)) })
}

// RunCounters runs the counter part of the suite. Guards are not exercised.
func RunCounters(t *testing.T, newCounters func(t *testing.T) meter.CounterStore) {
	t.Helper()
	t.Run("CheckAndIncrement", func(t *testing.T) { testCheckAndIncrement(t, newCounters(t)) })
	t.Run("DeniedNeverListsRow", func(t *testing.T) { testDeniedNeverListsRow(t, newCounters(t)) })
	t.Run("ConcurrentNoOvershoot", func(t *testing.T) { testConcurrentNoOvershoot(t, newCounters(t)) })
	t.Run("HugeQuantityNeverWraps", func(t *testing.T) { testHugeQuantityNeverWraps(t, newCounters(t)) })
	t.Run("ResetCounter", func(t *testing.T) { testResetCounter(t, newCounters(t)) })
	t.Run("ResetCounterRacingIncrements", func(t *testing.T) { testResetCounterRacingIncrements(t, newCounters(t)) })
}

// NewSubscription returns an active monthly subscription in PeriodStart.
func NewSubscription(subscriberID string) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:             types.NewEntity(),
		ID:                 id.NewSubscriptionID(),
		SubscriberID:       subscriberID,
		PlanID:             id.NewPlanID(),
		Status:             subscription.StatusActive,
		RenewalPolicy:      subscription.RenewAuto,
		CurrentPeriodStart: PeriodStart,
		CurrentPeriodEnd:   plan.PeriodMonthly.Next(PeriodStart),
	}
}

func key(subscriberID, meterKey string) meter.Key {
	return meter.Key{SubscriberID: subscriberID, MeterKey: meterKey, PeriodStart: PeriodStart}
}

func testCheckAndIncrement(t *testing.T, s meter.CounterStore) {
	ctx := context.Background()
	k := key("org_1", "api_calls")

	n, err := s.PeekCounter(ctx, k)
	require.NoError(t, err)
	assert.Zero(t, n)

	out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 10, Quantity: 7})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(7), out.Counter)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 10, Quantity: 4})
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, int64(7), out.Counter)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 10, Quantity: 3})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(10), out.Counter)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: plan.Unlimited, Quantity: 1000})
	require.NoError(t, err)
	assert.True(t, out.Allowed)

	_, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 10, Quantity: 0})
	assert.ErrorIs(t, err, quota.ErrInvalidQuantity)

	counters, err := s.ListCounters(ctx, "org_1", PeriodStart)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(1010), counters[0].Value)
	assert.Equal(t, "api_calls", counters[0].MeterKey)
}

func testDeniedNeverListsRow(t *testing.T, s meter.CounterStore) {
	ctx := context.Background()

	out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: key("org_1", "api_calls"), Limit: 5, Quantity: 6})
	require.NoError(t, err)
	assert.False(t, out.Allowed)

	counters, err := s.ListCounters(ctx, "org_1", PeriodStart)
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func testConcurrentNoOvershoot(t *testing.T, s meter.CounterStore) {
	ctx := context.Background()
	k := key("org_1", "api_calls")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 32, Quantity: 1})
			if !assert.NoError(t, err) {
				return
			}
			if out.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 32, allowed)
	n, err := s.PeekCounter(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(32), n)
}

func testHugeQuantityNeverWraps(t *testing.T, s meter.CounterStore) {
	ctx := context.Background()
	capped := key("org_1", "api_calls")

	_, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: capped, Limit: 100, Quantity: 5})
	require.NoError(t, err)
	out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: capped, Limit: 100, Quantity: math.MaxInt64 - 2})
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, int64(5), out.Counter)

	unlimited := key("org_1", "exports")
	_, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: unlimited, Limit: plan.Unlimited, Quantity: 5})
	require.NoError(t, err)
	_, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: unlimited, Limit: plan.Unlimited, Quantity: math.MaxInt64})
	assert.ErrorIs(t, err, quota.ErrInvalidQuantity)

	for _, k := range []meter.Key{capped, unlimited} {
		n, err := s.PeekCounter(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n, k.MeterKey)
	}
}

func testResetCounter(t *testing.T, s meter.CounterStore) {
	ctx := context.Background()
	k := key("org_1", "api_calls")

	// A missing row reads 0, so only Expected 0 may create it.
	err := s.ResetCounter(ctx, &meter.Reset{Key: k, Limit: 100, Expected: 3, Value: 9})
	assert.ErrorIs(t, err, quota.ErrConflict)
	require.NoError(t, s.ResetCounter(ctx, &meter.Reset{Key: k, Limit: 100, Expected: 0, Value: 9}))

	counters, err := s.ListCounters(ctx, "org_1", PeriodStart)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(9), counters[0].Value)
	assert.Equal(t, plan.Limit(100), counters[0].LimitAtWrite)

	out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 100, Quantity: 91})
	require.NoError(t, err)
	require.True(t, out.Allowed)

	err = s.ResetCounter(ctx, &meter.Reset{Key: k, Limit: 100, Expected: 9, Value: 0})
	assert.ErrorIs(t, err, quota.ErrConflict, "the counter moved")
	require.NoError(t, s.ResetCounter(ctx, &meter.Reset{Key: k, Limit: 100, Expected: 100, Value: 40}))

	n, err := s.PeekCounter(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(40), n)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 100, Quantity: 60})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(100), out.Counter)

	err = s.ResetCounter(ctx, &meter.Reset{Key: k, Limit: 100, Expected: 100, Value: -1})
	assert.ErrorIs(t, err, quota.ErrInvalidQuantity)
}

func testResetCounterRacingIncrements(t *testing.T, s meter.CounterStore) {
	ctx := context.Background()
	k := key("org_1", "api_calls")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		granted   int64
		resetOK   bool
		resetFrom int64
	)
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: plan.Unlimited, Quantity: 1})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 20 {
			cur, err := s.PeekCounter(ctx, k)
			if !assert.NoError(t, err) {
				return
			}
			err = s.ResetCounter(ctx, &meter.Reset{Key: k, Limit: plan.Unlimited, Expected: cur, Value: cur + 1000})
			if err == nil {
				mu.Lock()
				resetOK, resetFrom = true, cur
				mu.Unlock()
				return
			}
			if !assert.ErrorIs(t, err, quota.ErrConflict) {
				return
			}
		}
	}()
	wg.Wait()

	n, err := s.PeekCounter(ctx, k)
	require.NoError(t, err)
	if resetOK {
		// The reset replaced resetFrom with resetFrom+1000 and no increment
		// was lost on either side of it.
		assert.Equal(t, granted+1000, n, "reset from %d", resetFrom)
	} else {
		assert.Equal(t, granted, n)
	}
}

func testGuardedIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("org_1")
	require.NoError(t, s.CreateSubscription(ctx, sub))
	require.Equal(t, int64(1), sub.Version)

	k := key("org_1", "api_calls")
	guard := meter.Guard{SubscriptionID: sub.ID, Version: sub.Version}

	_, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 10, Quantity: 1, Guard: guard})
	require.NoError(t, err)

	upd := sub.Clone()
	upd.RenewalPolicy = subscription.RenewNone
	require.NoError(t, s.UpdateSubscription(ctx, upd))
	assert.Equal(t, int64(2), upd.Version)

	_, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: k, Limit: 10, Quantity: 1, Guard: guard})
	assert.ErrorIs(t, err, quota.ErrConflict)

	n, err := s.PeekCounter(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testSubscriptionCurrentIndex(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetCurrentSubscription(ctx, "org_1")
	assert.ErrorIs(t, err, quota.ErrNoActiveSubscription)

	first := NewSubscription("org_1")
	require.NoError(t, s.CreateSubscription(ctx, first))
	assert.ErrorIs(t, s.CreateSubscription(ctx, NewSubscription("org_1")), quota.ErrSubscriptionExists)

	stale := first.Clone()
	upd := first.Clone()
	upd.Status = subscription.StatusPastDue
	require.NoError(t, s.UpdateSubscription(ctx, upd))
	assert.ErrorIs(t, s.UpdateSubscription(ctx, stale), quota.ErrConflict)

	cur, err := s.GetCurrentSubscription(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, cur.Status)
}

func testReplaceSubscription(t *testing.T, s store.Store) {
	ctx := context.Background()
	cur := NewSubscription("org_1")
	require.NoError(t, s.CreateSubscription(ctx, cur))

	swap := func(from *subscription.Subscription) (*subscription.Subscription, error) {
		old := from.Clone()
		old.Status = subscription.StatusCanceled
		next := NewSubscription("org_1")
		next.PreviousID = from.ID
		return next, s.ReplaceSubscription(ctx, old, next)
	}

	next, err := swap(cur)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Version)

	// A second swap from the same snapshot loses.
	_, err = swap(cur)
	assert.ErrorIs(t, err, quota.ErrConflict)

	got, err := s.GetCurrentSubscription(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, next.ID, got.ID)

	old, err := s.GetSubscription(ctx, cur.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCanceled, old.Status)
	assert.Equal(t, int64(2), old.Version)

	history, err := s.ListSubscriptions(ctx, "org_1", subscription.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func testListDueSubscriptions(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := NewSubscription("org_a")
	b := NewSubscription("org_b")
	b.CurrentPeriodEnd = PeriodStart.AddDate(1, 0, 0)
	pendingAt := PeriodStart.AddDate(0, 0, 10)
	pending := id.NewPlanID()
	b.PendingPlanID = &pending
	b.PendingAt = &pendingAt
	c := NewSubscription("org_c")
	c.CurrentPeriodEnd = PeriodStart.AddDate(1, 0, 0)
	for _, sub := range []*subscription.Subscription{a, b, c} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	due, err := s.ListDueSubscriptions(ctx, PeriodStart.AddDate(0, 2, 0), 10)
	require.NoError(t, err)
	ids := make([]id.SubscriptionID, len(due))
	for i, sub := range due {
		ids[i] = sub.ID
	}
	assert.ElementsMatch(t, []id.SubscriptionID{a.ID, b.ID}, ids)
}

func testUsageEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	k := key("org_1", "api_calls")

	event := func(qty int64, at time.Time, idem string) *meter.UsageEvent {
		return &meter.UsageEvent{
			ID:             id.NewUsageEventID(),
			SubscriberID:   k.SubscriberID,
			MeterKey:       k.MeterKey,
			Quantity:       qty,
			PeriodStart:    k.PeriodStart,
			Timestamp:      at,
			IdempotencyKey: idem,
		}
	}

	require.NoError(t, s.IngestBatch(ctx, []*meter.UsageEvent{
		event(2, PeriodStart.Add(time.Hour), "req-1"),
		event(3, PeriodStart.Add(2*time.Hour), ""),
		event(9, PeriodStart.Add(3*time.Hour), "req-1"),
	}))

	total, err := s.SumUsage(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	events, err := s.QueryUsage(ctx, "org_1", meter.QueryOpts{MeterKey: "api_calls"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Quantity, "newest first")

	purged, err := s.PurgeUsage(ctx, PeriodStart.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func testPlanSlugVersions(t *testing.T, s store.Store) {
	ctx := context.Background()

	mk := func(version int) *plan.Plan {
		return &plan.Plan{
			Entity:  types.NewEntity(),
			ID:      id.NewPlanID(),
			Name:    "Basic",
			Slug:    "basic",
			Version: version,
			Status:  plan.StatusActive,
			Period:  plan.PeriodMonthly,
		}
	}
	v1, v2 := mk(1), mk(2)
	require.NoError(t, s.CreatePlan(ctx, v1))
	require.NoError(t, s.CreatePlan(ctx, v2))
	assert.ErrorIs(t, s.CreatePlan(ctx, mk(2)), quota.ErrAlreadyExists)

	latest, err := s.GetPlanBySlug(ctx, "basic")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)

	require.NoError(t, s.ArchivePlan(ctx, v1.ID))
	active, err := s.ListPlans(ctx, plan.ListOpts{Status: plan.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, v2.ID, active[0].ID)
}
