package quota_test

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/idempotency"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
)

func TestDecideBasicScenario(t *testing.T) {
	rec := &lifecycleRecorder{}
	f := newFixture(t, quota.WithPlugin(rec))
	ctx := context.Background()
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})
	f.subscribe(t, "org_1", basic)

	d, err := f.q.Decide(ctx, "org_1", "api_calls", 95)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = f.q.Decide(ctx, "org_1", "api_calls", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(98), d.Used)
	assert.Equal(t, int64(2), d.Remaining)
	assert.Equal(t, entitlement.ReasonNone, d.Reason)

	d, err = f.q.Decide(ctx, "org_1", "api_calls", 5)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonLimitExceeded, d.Reason)
	assert.Equal(t, int64(98), d.Used)
	assert.Equal(t, plan.Limit(100), d.Limit)

	assert.Equal(t, int64(98), f.counter(t, "org_1", "api_calls"))
	assert.Equal(t, int32(1), rec.exceeded.Load())

	// The denied request left no trace in the usage log.
	drift, err := f.q.Reconcile(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(98), drift.Logged)
	assert.Zero(t, drift.Delta())
}

func TestDecideWithoutSubscription(t *testing.T) {
	spy := &spyCounters{}
	f := newFixture(t, quota.WithCounterStore(spy))
	spy.CounterStore = f.store
	ctx := context.Background()

	d, err := f.q.Decide(ctx, "nobody", "api_calls", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonNoSubscription, d.Reason)
	assert.Zero(t, spy.increments.Load(), "no meter row may be touched")

	counters, err := f.store.ListCounters(ctx, "nobody", epoch)
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func TestDecideMeterNotEntitled(t *testing.T) {
	spy := &spyCounters{}
	f := newFixture(t, quota.WithCounterStore(spy))
	spy.CounterStore = f.store
	basic := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})
	f.subscribe(t, "org_1", basic)

	d, err := f.q.Decide(context.Background(), "org_1", "gpu_minutes", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonMeterNotEntitled, d.Reason)
	assert.Zero(t, spy.increments.Load())
}

func TestDecideDefaultLimitPolicy(t *testing.T) {
	f := newFixture(t)
	five := plan.Limit(5)
	p := &plan.Plan{Name: "Flex", Slug: "flex", Period: plan.PeriodMonthly, DefaultLimit: &five}
	require.NoError(t, f.q.CreatePlan(context.Background(), p))
	f.subscribe(t, "org_1", p)

	d, err := f.q.Decide(context.Background(), "org_1", "anything", 5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = f.q.Decide(context.Background(), "org_1", "anything", 1)
	require.NoError(t, err)
	assert.Equal(t, entitlement.ReasonLimitExceeded, d.Reason)
}

func TestDecideUnlimited(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, "ent", 0, plan.Feature{Key: "exports", Limit: plan.Unlimited})
	f.subscribe(t, "org_1", p)

	d, err := f.q.Decide(context.Background(), "org_1", "exports", 1_000_000)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Unlimited())
	assert.Equal(t, int64(-1), d.Remaining)
	assert.Equal(t, int64(1_000_000), d.Used)
}

func TestDecideInvalidQuantity(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", p)

	for _, qty := range []int64{0, -1, -100} {
		_, err := f.q.Decide(context.Background(), "org_1", "api_calls", qty)
		assert.ErrorIs(t, err, quota.ErrInvalidQuantity, "quantity %d", qty)
	}
	assert.Zero(t, f.counter(t, "org_1", "api_calls"))
}

func TestDecideHugeQuantityNeverWraps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.plan(t, "basic", 0,
		plan.Feature{Key: "api_calls", Limit: 100},
		plan.Feature{Key: "exports", Limit: plan.Unlimited},
	)
	f.subscribe(t, "org_1", p)

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 5)
	require.NoError(t, err)

	d, err := f.q.Decide(ctx, "org_1", "api_calls", math.MaxInt64-2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonLimitExceeded, d.Reason)
	assert.Equal(t, int64(5), d.Used)
	assert.Equal(t, int64(95), d.Remaining)
	assert.Equal(t, int64(5), f.counter(t, "org_1", "api_calls"))

	_, err = f.q.Decide(ctx, "org_1", "exports", 5)
	require.NoError(t, err)
	_, err = f.q.Decide(ctx, "org_1", "exports", math.MaxInt64)
	assert.ErrorIs(t, err, quota.ErrInvalidQuantity)
	assert.Equal(t, int64(5), f.counter(t, "org_1", "exports"))

	drift, err := f.q.Reconcile(ctx, "org_1", "exports")
	require.NoError(t, err)
	assert.Equal(t, int64(5), drift.Logged)
}

func TestDecideConcurrentAgainstSmallLimit(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, "tiny", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", p)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
		denied  atomic.Int32
		start   = make(chan struct{})
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := f.q.Decide(context.Background(), "org_1", "api_calls", 1)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
	assert.Equal(t, int32(40), denied.Load())
	assert.Equal(t, int64(10), f.counter(t, "org_1", "api_calls"))
}

func TestDecideNoOvershootAndConservation(t *testing.T) {
	f := newFixture(t)
	limits := map[string]plan.Limit{"api_calls": 500, "exports": 73, "seats": 9}
	p := f.plan(t, "mixed", 0,
		plan.Feature{Key: "api_calls", Limit: limits["api_calls"]},
		plan.Feature{Key: "exports", Limit: limits["exports"]},
		plan.Feature{Key: "seats", Limit: limits["seats"]},
	)
	f.subscribe(t, "org_1", p)

	meters := []string{"api_calls", "exports", "seats"}
	var (
		mu      sync.Mutex
		granted = map[string]int64{}
		wg      sync.WaitGroup
	)
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for range 60 {
				m := meters[rng.IntN(len(meters))]
				qty := int64(rng.IntN(12) + 1)
				d, err := f.q.Decide(context.Background(), "org_1", m, qty)
				if !assert.NoError(t, err) {
					return
				}
				if d.Allowed {
					mu.Lock()
					granted[m] += qty
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for _, m := range meters {
		got := f.counter(t, "org_1", m)
		assert.Equal(t, granted[m], got, "counter %s equals the sum of allowed quantities", m)
		assert.LessOrEqual(t, got, int64(limits[m]), "counter %s within limit", m)
	}
}

func TestDecideRateLimited(t *testing.T) {
	f := newFixture(t)
	p := &plan.Plan{
		Name:      "Burst",
		Slug:      "burst",
		Period:    plan.PeriodMonthly,
		Features:  []plan.Feature{{Key: "api_calls", Limit: 100}},
		RateLimit: &plan.RateLimit{Requests: 2, Window: time.Minute},
	}
	require.NoError(t, f.q.CreatePlan(context.Background(), p))
	f.subscribe(t, "org_1", p)

	ctx := context.Background()
	for range 2 {
		d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
	require.NoError(t, err)
	assert.Equal(t, entitlement.ReasonRateLimited, d.Reason)
	assert.Equal(t, int64(2), f.counter(t, "org_1", "api_calls"))

	f.clock.Advance(time.Minute)
	d, err = f.q.Decide(ctx, "org_1", "api_calls", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDecideIdempotentEventID(t *testing.T) {
	f := newFixture(t, quota.WithIdempotency(idempotency.NewMemoryStore(), time.Hour))
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", p)
	ctx := context.Background()

	d, err := f.q.Decide(ctx, "org_1", "api_calls", 4, quota.WithEventID("req-1"))
	require.NoError(t, err)
	require.True(t, d.Allowed)

	_, err = f.q.Decide(ctx, "org_1", "api_calls", 4, quota.WithEventID("req-1"))
	require.ErrorIs(t, err, quota.ErrDuplicateEvent)
	assert.Equal(t, int64(4), f.counter(t, "org_1", "api_calls"))

	// A denied event does not burn its ID.
	d, err = f.q.Decide(ctx, "org_1", "api_calls", 20, quota.WithEventID("req-2"))
	require.NoError(t, err)
	require.False(t, d.Allowed)
	d, err = f.q.Decide(ctx, "org_1", "api_calls", 2, quota.WithEventID("req-2"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDecideUnavailableAfterConflicts(t *testing.T) {
	failing := &failingCounters{err: quota.ErrConflict}
	f := newFixture(t,
		quota.WithCounterStore(failing),
		quota.WithRetryPolicy(quota.RetryPolicy{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		}),
	)
	failing.CounterStore = f.store
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", p)

	d, err := f.q.Decide(context.Background(), "org_1", "api_calls", 1)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.True(t, quota.IsUnavailable(err))
	assert.ErrorIs(t, err, quota.ErrConflict)
	assert.Equal(t, int32(3), failing.calls.Load())
}

func TestDecideStorageFailureIsUnavailable(t *testing.T) {
	boom := errors.New("dial tcp 10.0.0.1:5432: connection refused")
	failing := &failingCounters{err: boom}
	f := newFixture(t, quota.WithCounterStore(failing))
	failing.CounterStore = f.store
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", p)

	_, err := f.q.Decide(context.Background(), "org_1", "api_calls", 1)
	require.Error(t, err)
	assert.True(t, quota.IsUnavailable(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), failing.calls.Load(), "infrastructure errors are not retried")
}

func TestDecideCanceledContextCommitsNothing(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 10})
	f.subscribe(t, "org_1", p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, quota.IsUnavailable(err))
	assert.Zero(t, f.counter(t, "org_1", "api_calls"))
}

func TestPeekAndSummary(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, "basic", 0,
		plan.Feature{Key: "api_calls", Name: "API calls", Limit: 100},
		plan.Feature{Key: "exports", Limit: plan.Unlimited},
	)
	f.subscribe(t, "org_1", p)
	ctx := context.Background()

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 30)
	require.NoError(t, err)

	u, err := f.q.Peek(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, "API calls", u.Name)
	assert.Equal(t, int64(30), u.Used)
	assert.Equal(t, int64(70), u.Remaining)

	_, err = f.q.Peek(ctx, "org_1", "gpu_minutes")
	assert.ErrorIs(t, err, quota.ErrUnknownMeter)

	_, err = f.q.Peek(ctx, "nobody", "api_calls")
	assert.ErrorIs(t, err, quota.ErrNoActiveSubscription)

	sum, err := f.q.Summary(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, sum.Meters, 2)
	assert.Equal(t, p.ID, sum.PlanID)
	assert.Equal(t, int64(30), sum.Meters[0].Used)
	assert.True(t, sum.Meters[1].Unlimited())
	assert.Equal(t, int64(-1), sum.Meters[1].Remaining)
}

func TestPeekCacheServesRecentDecision(t *testing.T) {
	f := newFixture(t, quota.WithUsageCacheTTL(time.Minute))
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 100})
	f.subscribe(t, "org_1", p)
	ctx := context.Background()

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 7)
	require.NoError(t, err)

	// Written behind the engine's back: the cached snapshot is served.
	sub, err := f.q.CurrentSubscription(ctx, "org_1")
	require.NoError(t, err)
	_, err = f.store.CheckAndIncrement(ctx, &meter.Increment{
		Key:      meter.Key{SubscriberID: "org_1", MeterKey: "api_calls", PeriodStart: sub.CurrentPeriodStart},
		Limit:    100,
		Quantity: 1,
	})
	require.NoError(t, err)

	u, err := f.q.Peek(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.Used)
}

// movingCounters lets another writer bump the counter right before the first
// reset lands.
type movingCounters struct {
	meter.CounterStore
	resets atomic.Int32
}

func (m *movingCounters) ResetCounter(ctx context.Context, r *meter.Reset) error {
	if m.resets.Add(1) == 1 {
		if _, err := m.CounterStore.CheckAndIncrement(ctx, &meter.Increment{Key: r.Key, Limit: r.Limit, Quantity: 4}); err != nil {
			return err
		}
	}
	return m.CounterStore.ResetCounter(ctx, r)
}

func TestRebuildCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 100})
	sub := f.subscribe(t, "org_1", p)
	key := meter.Key{SubscriberID: "org_1", MeterKey: "api_calls", PeriodStart: sub.CurrentPeriodStart}

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 7)
	require.NoError(t, err)

	// An increment that never reached the usage log.
	_, err = f.store.CheckAndIncrement(ctx, &meter.Increment{Key: key, Limit: 100, Quantity: 93})
	require.NoError(t, err)

	d, err := f.q.Decide(ctx, "org_1", "api_calls", 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	drift, err := f.q.RebuildCounter(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(100), drift.Counter)
	assert.Equal(t, int64(7), drift.Logged)
	assert.Equal(t, int64(7), f.counter(t, "org_1", "api_calls"))

	d, err = f.q.Decide(ctx, "org_1", "api_calls", 93)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(100), d.Used)

	drift, err = f.q.RebuildCounter(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Zero(t, drift.Delta())

	_, err = f.q.RebuildCounter(ctx, "org_1", "storage")
	assert.ErrorIs(t, err, quota.ErrUnknownMeter)
	_, err = f.q.RebuildCounter(ctx, "nobody", "api_calls")
	assert.ErrorIs(t, err, quota.ErrNoActiveSubscription)
}

func TestRebuildCounterCreatesMissingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 100})
	sub := f.subscribe(t, "org_1", p)

	// The log holds usage the counter store has never seen, as after
	// switching counter backends.
	require.NoError(t, f.store.IngestBatch(ctx, []*meter.UsageEvent{{
		ID:           id.NewUsageEventID(),
		SubscriberID: "org_1",
		MeterKey:     "api_calls",
		Quantity:     12,
		PeriodStart:  sub.CurrentPeriodStart,
		Timestamp:    epoch,
	}}))

	drift, err := f.q.RebuildCounter(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Zero(t, drift.Counter)
	assert.Equal(t, int64(12), f.counter(t, "org_1", "api_calls"))

	counters, err := f.store.ListCounters(ctx, "org_1", sub.CurrentPeriodStart)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, plan.Limit(100), counters[0].LimitAtWrite)
}

func TestRebuildCounterRetriesWhenCounterMoves(t *testing.T) {
	moving := &movingCounters{}
	f := newFixture(t, quota.WithCounterStore(moving))
	moving.CounterStore = f.store
	ctx := context.Background()
	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 100})
	sub := f.subscribe(t, "org_1", p)
	key := meter.Key{SubscriberID: "org_1", MeterKey: "api_calls", PeriodStart: sub.CurrentPeriodStart}

	_, err := f.q.Decide(ctx, "org_1", "api_calls", 10)
	require.NoError(t, err)
	_, err = f.store.CheckAndIncrement(ctx, &meter.Increment{Key: key, Limit: 100, Quantity: 20})
	require.NoError(t, err)

	drift, err := f.q.RebuildCounter(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int32(2), moving.resets.Load(), "the first compare-and-set lost")
	assert.Equal(t, int64(34), drift.Counter, "the retry saw the concurrent increment")
	assert.Equal(t, int64(10), f.counter(t, "org_1", "api_calls"))
}

func TestRebuildCounterFlushesBufferedUsage(t *testing.T) {
	f := newFixture(t, quota.WithMeterConfig(1000, time.Hour))
	ctx := context.Background()
	require.NoError(t, f.q.Start(ctx))
	t.Cleanup(func() { _ = f.q.Stop() })

	p := f.plan(t, "basic", 0, plan.Feature{Key: "api_calls", Limit: 100})
	f.subscribe(t, "org_1", p)
	for range 6 {
		_, err := f.q.Decide(ctx, "org_1", "api_calls", 3)
		require.NoError(t, err)
	}

	drift, err := f.q.RebuildCounter(ctx, "org_1", "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(18), drift.Logged)
	assert.Zero(t, drift.Delta())
	assert.Equal(t, int64(18), f.counter(t, "org_1", "api_calls"))
}
