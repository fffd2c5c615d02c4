package quota_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
)

func TestCatalogVersionsBySlug(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.plan(t, "basic", 1000, plan.Feature{Key: "api_calls", Limit: 100})
	v2 := f.plan(t, "basic", 1200, plan.Feature{Key: "api_calls", Limit: 150})
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	latest, err := f.q.GetPlanBySlug(ctx, "basic")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)

	// Existing references keep resolving to the version they point at.
	old, err := f.q.GetPlan(ctx, v1.ID)
	require.NoError(t, err)
	limit, err := f.q.Catalog().LimitFor(old, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, plan.Limit(100), limit)

	plans, err := f.q.Catalog().ListPlans(ctx, plan.ListOpts{Slug: "basic"})
	require.NoError(t, err)
	assert.Len(t, plans, 2)
}

func TestCatalogValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		plan *plan.Plan
		want error
	}{
		{
			name: "MissingName",
			plan: &plan.Plan{Slug: "x", Period: plan.PeriodMonthly},
			want: quota.ErrInvalidInput,
		},
		{
			name: "UnknownPeriod",
			plan: &plan.Plan{Name: "X", Slug: "x", Period: "fortnightly"},
			want: quota.ErrInvalidInput,
		},
		{
			name: "NegativeLimit",
			plan: &plan.Plan{Name: "X", Slug: "x", Period: plan.PeriodMonthly, Features: []plan.Feature{
				{Key: "api_calls", Limit: -5},
			}},
			want: quota.ErrInvalidInput,
		},
		{
			name: "DuplicateFeature",
			plan: &plan.Plan{Name: "X", Slug: "x", Period: plan.PeriodMonthly, Features: []plan.Feature{
				{Key: "api_calls", Limit: 1},
				{Key: "api_calls", Limit: 2},
			}},
			want: quota.ErrDuplicateFeature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.q.CreatePlan(ctx, tt.plan)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	var verr quota.ValidationError
	err := f.q.CreatePlan(ctx, &plan.Plan{Slug: "x", Period: plan.PeriodMonthly})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Field, "Name")
}

func TestCatalogLimitFor(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t, "basic", 0,
		plan.Feature{Key: "api_calls", Limit: 100},
		plan.Feature{Key: "exports", Limit: plan.Unlimited},
	)

	limit, err := f.q.Catalog().LimitFor(p, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, plan.Limit(100), limit)

	limit, err = f.q.Catalog().LimitFor(p, "exports")
	require.NoError(t, err)
	assert.True(t, limit.IsUnlimited())

	_, err = f.q.Catalog().LimitFor(p, "gpu_minutes")
	assert.ErrorIs(t, err, quota.ErrUnknownMeter)
	assert.True(t, quota.IsDenialCause(err))
}

func TestCatalogGetPlanNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.q.GetPlan(context.Background(), id.NewPlanID())
	assert.ErrorIs(t, err, quota.ErrPlanNotFound)
	assert.True(t, quota.IsNotFound(err))
}
