package quota_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/store/memory"
	"github.com/xraph/quota/subscription"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock { return &testClock{t: epoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// spyCounters counts increments reaching the counter store.
type spyCounters struct {
	meter.CounterStore
	increments atomic.Int32
}

func (s *spyCounters) CheckAndIncrement(ctx context.Context, inc *meter.Increment) (*meter.Outcome, error) {
	s.increments.Add(1)
	return s.CounterStore.CheckAndIncrement(ctx, inc)
}

// failingCounters fails every increment with err.
type failingCounters struct {
	meter.CounterStore
	err   error
	calls atomic.Int32
}

func (f *failingCounters) CheckAndIncrement(context.Context, *meter.Increment) (*meter.Outcome, error) {
	f.calls.Add(1)
	return nil, f.err
}

// lifecycleRecorder counts subscription events.
type lifecycleRecorder struct {
	renewed  atomic.Int32
	expired  atomic.Int32
	changed  atomic.Int32
	exceeded atomic.Int32
}

func (r *lifecycleRecorder) Name() string { return "lifecycle-recorder" }

func (r *lifecycleRecorder) OnSubscriptionRenewed(context.Context, *subscription.Subscription) error {
	r.renewed.Add(1)
	return nil
}

func (r *lifecycleRecorder) OnSubscriptionExpired(context.Context, *subscription.Subscription) error {
	r.expired.Add(1)
	return nil
}

func (r *lifecycleRecorder) OnSubscriptionChanged(context.Context, *plugin.Change) error {
	r.changed.Add(1)
	return nil
}

func (r *lifecycleRecorder) OnQuotaExceeded(context.Context, *entitlement.Decision) error {
	r.exceeded.Add(1)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	q     *quota.Engine
	store *memory.Store
	clock *testClock
}

func newFixture(t *testing.T, opts ...quota.Option) *fixture {
	t.Helper()
	s := memory.New()
	c := newClock()
	base := []quota.Option{
		quota.WithLogger(quietLogger()),
		quota.WithClock(c.Now),
		quota.WithUsageCacheTTL(0),
	}
	q := quota.New(s, append(base, opts...)...)
	return &fixture{q: q, store: s, clock: c}
}

func (f *fixture) plan(t *testing.T, slug string, price int64, features ...plan.Feature) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Name:     slug,
		Slug:     slug,
		Period:   plan.PeriodMonthly,
		Price:    quota.USD(price),
		Features: features,
	}
	require.NoError(t, f.q.CreatePlan(context.Background(), p))
	return p
}

func (f *fixture) subscribe(t *testing.T, subscriberID string, p *plan.Plan) *subscription.Subscription {
	t.Helper()
	sub, err := f.q.Subscribe(context.Background(), subscriberID, p.ID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) counter(t *testing.T, subscriberID, meterKey string) int64 {
	t.Helper()
	sub, err := f.q.CurrentSubscription(context.Background(), subscriberID)
	require.NoError(t, err)
	v, err := f.store.PeekCounter(context.Background(), meter.Key{
		SubscriberID: subscriberID,
		MeterKey:     meterKey,
		PeriodStart:  sub.CurrentPeriodStart,
	})
	require.NoError(t, err)
	return v
}

func currentCount(t *testing.T, s *memory.Store, subscriberID string) int {
	t.Helper()
	subs, err := s.ListSubscriptions(context.Background(), subscriberID, subscription.ListOpts{})
	require.NoError(t, err)
	n := 0
	for _, sub := range subs {
		if sub.Status.IsCurrent() {
			n++
		}
	}
	return n
}
