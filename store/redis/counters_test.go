package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	quotaredis "github.com/xraph/quota/store/redis"
	"github.com/xraph/quota/store/storetest"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("QUOTA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUOTA_TEST_REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func testPrefix() string {
	return "quota:test:" + id.NewUsageEventID().String() + ":"
}

var periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestConformance(t *testing.T) {
	client := newTestClient(t)
	storetest.RunCounters(t, func(*testing.T) meter.CounterStore {
		return quotaredis.NewCounterStore(client, quotaredis.WithKeyPrefix(testPrefix()), quotaredis.WithTTL(time.Hour))
	})
}

func TestCounterStoreCheckAndIncrement(t *testing.T) {
	s := quotaredis.NewCounterStore(newTestClient(t), quotaredis.WithKeyPrefix(testPrefix()), quotaredis.WithTTL(time.Hour))
	ctx := context.Background()
	key := meter.Key{SubscriberID: "org_1", MeterKey: "api_calls", PeriodStart: periodStart}

	used, err := s.PeekCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Quantity: 95, Limit: 100})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(95), out.Counter)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Quantity: 5, Limit: 100})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(100), out.Counter)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Quantity: 1, Limit: 100})
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, int64(100), out.Counter)

	_, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Quantity: 0, Limit: 100})
	assert.ErrorIs(t, err, quota.ErrInvalidQuantity)

	unlimited := meter.Key{SubscriberID: "org_1", MeterKey: "exports", PeriodStart: periodStart}
	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: unlimited, Quantity: 1_000_000, Limit: plan.Unlimited})
	require.NoError(t, err)
	assert.True(t, out.Allowed)

	counters, err := s.ListCounters(ctx, "org_1", periodStart)
	require.NoError(t, err)
	require.Len(t, counters, 2)
	assert.Equal(t, "api_calls", counters[0].MeterKey)
	assert.Equal(t, int64(100), counters[0].Value)
	assert.Equal(t, plan.Limit(100), counters[0].LimitAtWrite)
	assert.Equal(t, periodStart, counters[0].PeriodStart)
	assert.Equal(t, "exports", counters[1].MeterKey)
}

func TestCounterStoreConcurrentNoOvershoot(t *testing.T) {
	s := quotaredis.NewCounterStore(newTestClient(t), quotaredis.WithKeyPrefix(testPrefix()), quotaredis.WithTTL(time.Hour))
	ctx := context.Background()
	key := meter.Key{SubscriberID: "org_2", MeterKey: "api_calls", PeriodStart: periodStart}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Quantity: 1, Limit: 10})
			if err == nil && out.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
	used, err := s.PeekCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)
}

func TestCounterStoreGuard(t *testing.T) {
	var calls atomic.Int64
	guard := func(_ context.Context, g meter.Guard) error {
		calls.Add(1)
		if g.Version != 1 {
			return quota.ErrConflict
		}
		return nil
	}
	s := quotaredis.NewCounterStore(newTestClient(t), quotaredis.WithKeyPrefix(testPrefix()), quotaredis.WithGuard(guard))
	ctx := context.Background()
	key := meter.Key{SubscriberID: "org_3", MeterKey: "api_calls", PeriodStart: periodStart}
	subID := id.NewSubscriptionID()

	_, err := s.CheckAndIncrement(ctx, &meter.Increment{
		Key: key, Quantity: 1, Limit: 10,
		Guard: meter.Guard{SubscriptionID: subID, Version: 2},
	})
	assert.ErrorIs(t, err, quota.ErrConflict)

	used, err := s.PeekCounter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used, "a failed guard leaves the counter alone")

	out, err := s.CheckAndIncrement(ctx, &meter.Increment{
		Key: key, Quantity: 1, Limit: 10,
		Guard: meter.Guard{SubscriptionID: subID, Version: 1},
	})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(2), calls.Load())
}
