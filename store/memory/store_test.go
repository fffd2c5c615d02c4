package memory_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/store/memory"
	"github.com/xraph/quota/store/storetest"
	"github.com/xraph/quota/subscription"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestCheckAndIncrementHugeQuantity(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	key := meter.Key{SubscriberID: "org_1", MeterKey: "api_calls", PeriodStart: storetest.PeriodStart}

	out, err := s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Limit: 100, Quantity: 5})
	require.NoError(t, err)
	require.True(t, out.Allowed)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Limit: 100, Quantity: math.MaxInt64 - 2})
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, int64(5), out.Counter)

	// The same row under an unlimited plan refuses to leave the int64 range.
	_, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Limit: plan.Unlimited, Quantity: math.MaxInt64 - 4})
	assert.ErrorIs(t, err, quota.ErrInvalidQuantity)

	out, err = s.CheckAndIncrement(ctx, &meter.Increment{Key: key, Limit: plan.Unlimited, Quantity: math.MaxInt64 - 5})
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(math.MaxInt64), out.Counter)
}

func TestListDueSubscriptionsOrder(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	a := storetest.NewSubscription("org_a")
	b := storetest.NewSubscription("org_b")
	b.CurrentPeriodEnd = storetest.PeriodStart.AddDate(1, 0, 0)
	pendingAt := storetest.PeriodStart.AddDate(0, 0, 10)
	pending := id.NewPlanID()
	b.PendingPlanID = &pending
	b.PendingAt = &pendingAt
	for _, sub := range []*subscription.Subscription{a, b} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	due, err := s.ListDueSubscriptions(ctx, storetest.PeriodStart.AddDate(0, 2, 0), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, a.ID, due[0].ID)
	assert.Equal(t, b.ID, due[1].ID)

	due, err = s.ListDueSubscriptions(ctx, storetest.PeriodStart.AddDate(0, 2, 0), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
