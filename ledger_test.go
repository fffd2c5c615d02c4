package quota_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/subscription"
)

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})

	sub := f.subscribe(t, "org_1", basic)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, subscription.RenewAuto, sub.RenewalPolicy)
	assert.Equal(t, epoch, sub.CurrentPeriodStart)
	assert.Equal(t, epoch.AddDate(0, 1, 0), sub.CurrentPeriodEnd)

	_, err := f.q.Subscribe(ctx, "org_1", basic.ID)
	assert.ErrorIs(t, err, quota.ErrSubscriptionExists)

	require.NoError(t, f.q.Catalog().ArchivePlan(ctx, basic.ID))
	_, err = f.q.Subscribe(ctx, "org_2", basic.ID)
	assert.ErrorIs(t, err, quota.ErrPlanArchived)
}

func TestSubscribeWithPeriodAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})

	f.clock.Advance(75 * 24 * time.Hour) // mid May
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub, err := f.q.Subscribe(ctx, "org_1", basic.ID, quota.WithPeriodAnchor(anchor))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodStart)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)

	_, err = f.q.Subscribe(ctx, "org_2", basic.ID, quota.WithPeriodAnchor(f.clock.Now().Add(time.Hour)))
	var verr quota.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestCurrentSubscriptionMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.CurrentSubscription(context.Background(), "nobody")
	assert.ErrorIs(t, err, quota.ErrNoActiveSubscription)
	assert.False(t, quota.IsUnavailable(err))
	assert.True(t, quota.IsDenialCause(err))
}

func TestTrialConvertsToActive(t *testing.T) {
	f := newFixture(t)
	p := &plan.Plan{
		Name:      "Trial",
		Slug:      "trial",
		Period:    plan.PeriodMonthly,
		TrialDays: 7,
		Features:  []plan.Feature{{Key: "api_calls", Limit: 10}},
	}
	require.NoError(t, f.q.CreatePlan(context.Background(), p))

	sub := f.subscribe(t, "org_1", p)
	assert.Equal(t, subscription.StatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEnd)

	d, err := f.q.Decide(context.Background(), "org_1", "api_calls", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "trialing subscriptions are entitled")

	f.clock.Advance(8 * 24 * time.Hour)
	cur, err := f.q.CurrentSubscription(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, cur.Status)
	assert.Equal(t, sub.CurrentPeriodStart, cur.CurrentPeriodStart)
}

func TestLazyRolloverRenews(t *testing.T) {
	rec := &lifecycleRecorder{}
	f := newFixture(t, quota.WithPlugin(rec))
	ctx := context.Background()
	basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", basic)

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 10)
	require.NoError(t, err)

	f.clock.Advance(31*24*time.Hour + time.Hour)

	d, err := f.q.Decide(ctx, "org_1", "api_calls", 4)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new period starts with a fresh counter")
	assert.Equal(t, int64(4), d.Used)
	assert.Equal(t, epoch.AddDate(0, 1, 0), d.PeriodStart)
	assert.Equal(t, epoch.AddDate(0, 2, 0), d.PeriodEnd)
	assert.Equal(t, int32(1), rec.renewed.Load())
}

func TestLazyRolloverSkipsMissedPeriods(t *testing.T) {
	f := newFixture(t)
	basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", basic)

	f.clock.Advance(100 * 24 * time.Hour)
	cur, err := f.q.CurrentSubscription(context.Background(), "org_1")
	require.NoError(t, err)
	assert.True(t, cur.Period().Contains(f.clock.Now()))
	assert.Equal(t, epoch.AddDate(0, 3, 0), cur.CurrentPeriodStart)
}

func TestConcurrentRolloverIsIdempotent(t *testing.T) {
	rec := &lifecycleRecorder{}
	f := newFixture(t, quota.WithPlugin(rec))
	basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	sub := f.subscribe(t, "org_1", basic)

	f.clock.Advance(32 * 24 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*subscription.Subscription
		start   = make(chan struct{})
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cur, err := f.q.CurrentSubscription(context.Background(), "org_1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, cur)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, results, 20)
	for _, cur := range results {
		assert.Equal(t, sub.ID, cur.ID)
		assert.Equal(t, epoch.AddDate(0, 1, 0), cur.CurrentPeriodStart)
	}
	assert.Equal(t, int32(1), rec.renewed.Load(), "the period advanced exactly once")

	stored, err := f.store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestRenewalPolicyNoneExpires(t *testing.T) {
	rec := &lifecycleRecorder{}
	f := newFixture(t, quota.WithPlugin(rec))
	ctx := context.Background()
	basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	sub, err := f.q.Subscribe(ctx, "org_1", basic.ID, quota.WithRenewalPolicy(subscription.RenewNone))
	require.NoError(t, err)

	f.clock.Advance(40 * 24 * time.Hour)

	d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
	require.NoError(t, err)
	assert.Equal(t, entitlement.ReasonNoSubscription, d.Reason)
	assert.Equal(t, int32(1), rec.expired.Load())

	stored, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusExpired, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.Equal(t, sub.CurrentPeriodEnd, *stored.EndedAt)

	// An expired subscription no longer blocks a new one.
	_, err = f.q.Subscribe(ctx, "org_1", basic.ID)
	assert.NoError(t, err)
}

func TestPastDueExpiresAtPeriodEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	sub := f.subscribe(t, "org_1", basic)

	pd, err := f.q.Ledger().MarkPastDue(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, pd.Status)

	d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "past_due keeps entitlements until period end")

	f.clock.Advance(32 * 24 * time.Hour)
	_, err = f.q.CurrentSubscription(ctx, "org_1")
	assert.ErrorIs(t, err, quota.ErrNoActiveSubscription)
}

func TestReactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	sub := f.subscribe(t, "org_1", basic)

	_, err := f.q.Ledger().MarkPastDue(ctx, sub.ID)
	require.NoError(t, err)
	_, err = f.q.Cancel(ctx, sub.ID, false)
	require.NoError(t, err)

	re, err := f.q.Ledger().Reactivate(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, re.Status)
	assert.Nil(t, re.CancelAt)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("AtPeriodEnd", func(t *testing.T) {
		f := newFixture(t)
		basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
		sub := f.subscribe(t, "org_1", basic)

		c, err := f.q.Cancel(ctx, sub.ID, false)
		require.NoError(t, err)
		require.NotNil(t, c.CancelAt)
		assert.Equal(t, subscription.StatusActive, c.Status)

		d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		f.clock.Advance(31 * 24 * time.Hour)
		d, err = f.q.Decide(ctx, "org_1", "api_calls", 1)
		require.NoError(t, err)
		assert.Equal(t, entitlement.ReasonNoSubscription, d.Reason)

		stored, err := f.store.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, stored.Status)
	})

	t.Run("Immediately", func(t *testing.T) {
		f := newFixture(t)
		basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
		sub := f.subscribe(t, "org_1", basic)

		c, err := f.q.Cancel(ctx, sub.ID, true)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, c.Status)

		_, err = f.q.Cancel(ctx, sub.ID, true)
		assert.ErrorIs(t, err, quota.ErrSubscriptionInactive)

		d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
		require.NoError(t, err)
		assert.Equal(t, entitlement.ReasonNoSubscription, d.Reason)
	})
}

func TestRenewIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	sub := f.subscribe(t, "org_1", basic)

	next := plan.Window{Start: sub.CurrentPeriodEnd, End: sub.CurrentPeriodEnd.AddDate(0, 1, 0)}
	first, err := f.q.Renew(ctx, sub.ID, next)
	require.NoError(t, err)
	assert.True(t, first.Period().Equal(next))

	second, err := f.q.Renew(ctx, sub.ID, next)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version, "same target period writes nothing")

	_, err = f.q.Renew(ctx, sub.ID, plan.Window{Start: epoch, End: epoch.AddDate(0, 1, 0)})
	assert.ErrorIs(t, err, quota.ErrInvalidPeriod)

	_, err = f.q.Renew(ctx, sub.ID, plan.Window{Start: next.End, End: next.Start})
	assert.ErrorIs(t, err, quota.ErrInvalidPeriod)
}

func TestChangePlanCarriesUsageOver(t *testing.T) {
	rec := &lifecycleRecorder{}
	f := newFixture(t, quota.WithPlugin(rec))
	ctx := context.Background()
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})
	pro := f.plan(t, "pro", 5000, plan.Feature{Key: "api_calls", Limit: 1000})
	old := f.subscribe(t, "org_1", basic)

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 98)
	require.NoError(t, err)

	// Half of March remains.
	f.clock.Advance(372 * time.Hour)

	res, err := f.q.ChangePlan(ctx, "org_1", pro.ID, time.Time{})
	require.NoError(t, err)
	assert.False(t, res.Scheduled)
	assert.Equal(t, quota.DirectionUpgrade, res.Direction)
	assert.Equal(t, quota.USD(2000), res.Proration)
	assert.Equal(t, old.ID, res.Current.PreviousID)
	assert.Equal(t, subscription.StatusCanceled, res.Previous.Status)
	assert.Equal(t, old.CurrentPeriodStart, res.Current.CurrentPeriodStart)
	assert.Equal(t, int32(1), rec.changed.Load())

	u, err := f.q.Peek(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(98), u.Used)
	assert.Equal(t, int64(902), u.Remaining)

	_, err = f.q.ChangePlan(ctx, "org_1", pro.ID, time.Time{})
	assert.ErrorIs(t, err, quota.ErrSamePlan)

	assert.Equal(t, 1, currentCount(t, f.store, "org_1"))
}

func TestChangePlanDowngradeCredits(t *testing.T) {
	f := newFixture(t)
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})
	pro := f.plan(t, "pro", 5000, plan.Feature{Key: "api_calls", Limit: 1000})
	f.subscribe(t, "org_1", pro)

	res, err := f.q.ChangePlan(context.Background(), "org_1", basic.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, quota.DirectionDowngrade, res.Direction)
	assert.Equal(t, quota.USD(-4000), res.Proration)
}

func TestChangePlanToDifferentPeriodStartsFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monthly := f.plan(t, "monthly", 0, plan.Feature{Key: "api_calls", Limit: 100})
	hourly := &plan.Plan{
		Name:     "Hourly",
		Slug:     "hourly",
		Period:   plan.PeriodHourly,
		Features: []plan.Feature{{Key: "api_calls", Limit: 10}},
	}
	require.NoError(t, f.q.CreatePlan(ctx, hourly))
	f.subscribe(t, "org_1", monthly)

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 50)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	res, err := f.q.ChangePlan(ctx, "org_1", hourly.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), res.Current.CurrentPeriodStart)
	assert.Equal(t, f.clock.Now().Add(time.Hour), res.Current.CurrentPeriodEnd)

	d, err := f.q.Decide(ctx, "org_1", "api_calls", 10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(10), d.Used)
}

func TestChangePlanScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})
	pro := f.plan(t, "pro", 5000, plan.Feature{Key: "api_calls", Limit: 1000})
	old := f.subscribe(t, "org_1", basic)

	at := epoch.Add(10 * 24 * time.Hour)
	res, err := f.q.ChangePlan(ctx, "org_1", pro.ID, at)
	require.NoError(t, err)
	assert.True(t, res.Scheduled)
	require.NotNil(t, res.Current.PendingPlanID)
	assert.Equal(t, pro.ID, *res.Current.PendingPlanID)

	cur, err := f.q.CurrentSubscription(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, basic.ID, cur.PlanID, "nothing changes before the effective time")

	f.clock.Advance(10 * 24 * time.Hour)
	cur, err = f.q.CurrentSubscription(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, pro.ID, cur.PlanID)
	assert.Equal(t, old.ID, cur.PreviousID)
	assert.Nil(t, cur.PendingPlanID)
	assert.Equal(t, 1, currentCount(t, f.store, "org_1"))

	history, err := f.q.Ledger().History(ctx, "org_1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestChangePlanConcurrentKeepsExactlyOneCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})
	pro := f.plan(t, "pro", 5000, plan.Feature{Key: "api_calls", Limit: 1000})
	team := f.plan(t, "team", 9000, plan.Feature{Key: "api_calls", Limit: 5000})
	f.subscribe(t, "org_1", basic)

	// A second engine on the same store stands in for another process, so
	// only the store's compare-and-swap keeps the two apart.
	other := quota.New(f.store, quota.WithLogger(quietLogger()), quota.WithClock(f.clock.Now))
	engines := []*quota.Engine{f.q, other}
	targets := []*plan.Plan{pro, team, basic}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			q := engines[i%len(engines)]
			_, err := q.ChangePlan(ctx, "org_1", targets[i%len(targets)].ID, time.Time{})
			if err != nil && !errors.Is(err, quota.ErrSamePlan) && !quota.IsUnavailable(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	// Decisions racing the plan changes.
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
			if err != nil && !quota.IsUnavailable(err) {
				t.Errorf("unexpected decide error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, currentCount(t, f.store, "org_1"))
	_, err := f.q.CurrentSubscription(ctx, "org_1")
	assert.NoError(t, err)
}

// commitLog records which subscription every committed increment was
// guarded by, together with the counter value it produced.
type commitLog struct {
	meter.CounterStore
	mu      sync.Mutex
	commits map[int64]id.SubscriptionID
}

func (c *commitLog) CheckAndIncrement(ctx context.Context, inc *meter.Increment) (*meter.Outcome, error) {
	out, err := c.CounterStore.CheckAndIncrement(ctx, inc)
	if err == nil && out.Allowed {
		c.mu.Lock()
		c.commits[out.Counter] = inc.Guard.SubscriptionID
		c.mu.Unlock()
	}
	return out, err
}

func TestChangePlanRacingDecideNeverChargesReplacedSubscription(t *testing.T) {
	log := &commitLog{commits: map[int64]id.SubscriptionID{}}
	f := newFixture(t, quota.WithCounterStore(log))
	log.CounterStore = f.store
	ctx := context.Background()
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 5000})
	pro := f.plan(t, "pro", 5000, plan.Feature{Key: "api_calls", Limit: 6000})
	team := f.plan(t, "team", 9000, plan.Feature{Key: "api_calls", Limit: 7000})
	first := f.subscribe(t, "org_1", basic)

	other := quota.New(f.store, quota.WithLogger(quietLogger()), quota.WithClock(f.clock.Now))
	targets := []*plan.Plan{pro, team, basic}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		decisions []*entitlement.Decision
		start     = make(chan struct{})
	)
	for i := range 24 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := other.ChangePlan(ctx, "org_1", targets[i%len(targets)].ID, time.Time{})
			if err != nil && !errors.Is(err, quota.ErrSamePlan) && !quota.IsUnavailable(err) {
				t.Errorf("unexpected change plan error: %v", err)
			}
		}()
	}
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 40 {
				d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
				if quota.IsUnavailable(err) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				decisions = append(decisions, d)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	// Every allowed decision names the subscription, plan and limit its
	// increment was committed under.
	var allowed int64
	for _, d := range decisions {
		if !d.Allowed {
			continue
		}
		allowed++
		require.Equal(t, d.SubscriptionID, log.commits[d.Used], "decision at counter %d", d.Used)
		sub, err := f.store.GetSubscription(ctx, d.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, sub.PlanID, d.PlanID)
		p, err := f.q.GetPlan(ctx, sub.PlanID)
		require.NoError(t, err)
		limit, _ := p.LimitFor("api_calls")
		assert.Equal(t, limit, d.Limit)
	}
	require.NotZero(t, allowed)
	require.Len(t, log.commits, int(allowed))
	assert.Equal(t, allowed, f.counter(t, "org_1", "api_calls"))

	// Counter values are handed out in commit order, so each subscription
	// must own one contiguous run of them, and the runs must follow the
	// swap chain: once a subscription is replaced nothing more is charged
	// to it.
	values := make([]int64, 0, len(log.commits))
	for v := range log.commits {
		values = append(values, v)
	}
	slices.Sort(values)
	var runs []id.SubscriptionID
	for _, v := range values {
		if owner := log.commits[v]; len(runs) == 0 || runs[len(runs)-1] != owner {
			runs = append(runs, owner)
		}
	}
	seen := map[id.SubscriptionID]bool{}
	for _, owner := range runs {
		assert.False(t, seen[owner], "subscription %s charged again after it was replaced", owner)
		seen[owner] = true
	}
	for i := 1; i < len(runs); i++ {
		assert.True(t, descendsFrom(t, f, runs[i], runs[i-1]),
			"%s charged before its successor %s", runs[i-1], runs[i])
	}
	assert.True(t, runs[0] == first.ID || descendsFrom(t, f, runs[0], first.ID))

	// The usage log agrees with the commits.
	events, err := f.q.History(ctx, "org_1", meter.QueryOpts{MeterKey: "api_calls"})
	require.NoError(t, err)
	require.Len(t, events, int(allowed))
	perSub := map[id.SubscriptionID]int{}
	for _, ev := range events {
		perSub[ev.SubscriptionID]++
	}
	want := map[id.SubscriptionID]int{}
	for _, owner := range log.commits {
		want[owner]++
	}
	assert.Equal(t, want, perSub)
	assert.Equal(t, 1, currentCount(t, f.store, "org_1"))
}

// descendsFrom walks PreviousID links back from sub looking for ancestor.
func descendsFrom(t *testing.T, f *fixture, sub, ancestor id.SubscriptionID) bool {
	t.Helper()
	for cur := sub; !cur.IsNil(); {
		s, err := f.store.GetSubscription(context.Background(), cur)
		require.NoError(t, err)
		if s.PreviousID == ancestor {
			return true
		}
		cur = s.PreviousID
	}
	return false
}
