package observability_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota"
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/observability"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/store/memory"
)

func TestMetricsExtensionRecordsDecisions(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := observability.NewPrometheusFactory(reg, "quota")
	metrics := observability.NewMetricsExtension(factory)

	q := quota.New(memory.New(),
		quota.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		quota.WithUsageCacheTTL(0),
		quota.WithPlugin(metrics),
	)
	ctx := context.Background()

	basic := &plan.Plan{
		Name:     "Basic",
		Slug:     "basic",
		Period:   plan.PeriodMonthly,
		Features: []plan.Feature{{Key: "api_calls", Name: "API calls", Limit: 10}},
	}
	require.NoError(t, q.CreatePlan(ctx, basic))
	_, err := q.Subscribe(ctx, "org_1", basic.ID)
	require.NoError(t, err)

	_, err = q.Decide(ctx, "org_2", "api_calls", 1)
	require.NoError(t, err)
	_, err = q.Decide(ctx, "org_1", "exports", 1)
	require.NoError(t, err)
	_, err = q.Decide(ctx, "org_1", "api_calls", 8)
	require.NoError(t, err)
	_, err = q.Decide(ctx, "org_1", "api_calls", 3)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanCreated.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SubscriptionCreated.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsAllowed.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeniedNoSubscription.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeniedNotEntitled.(prometheus.Counter)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeniedLimitExceeded.(prometheus.Counter)))
}

func TestPrometheusFactoryNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := observability.NewPrometheusFactory(reg, "quota")

	c := factory.Counter("quota.decision.allowed")
	c.Add(2)
	assert.Same(t, c, factory.Counter("quota.decision.allowed"))

	factory.Histogram("quota.usage.flush.latency_ms").Observe(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{"quota_decision_allowed_total", "quota_usage_flush_latency_ms"}, names)
}

func TestPrometheusFactorySharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := observability.NewPrometheusFactory(reg, "quota").Counter("quota.plan.created")
	b := observability.NewPrometheusFactory(reg, "quota").Counter("quota.plan.created")

	a.Inc()
	b.Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.(prometheus.Counter)))
}

func TestMetricsExtensionRateLimitedDenial(t *testing.T) {
	factory := observability.NewPrometheusFactory(prometheus.NewRegistry(), "quota")
	metrics := observability.NewMetricsExtension(factory)

	d := &entitlement.Decision{SubscriberID: "org_1", MeterKey: "api_calls", Quantity: 1}
	d.Deny(entitlement.ReasonRateLimited)
	require.NoError(t, metrics.OnDecision(context.Background(), d))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeniedRateLimited.(prometheus.Counter)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.DecisionsAllowed.(prometheus.Counter)))
}
