// Package observability provides a metrics extension for Quota that records
// decision and lifecycle counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated          = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionRenewed  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired  = (*MetricsExtension)(nil)
	_ plugin.OnDecision             = (*MetricsExtension)(nil)
	_ plugin.OnUsageFlushed         = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records engine-wide decision and lifecycle metrics.
type MetricsExtension struct {
	PlanCreated Counter

	SubscriptionCreated    Counter
	SubscriptionChanged    Counter
	SubscriptionUpgraded   Counter
	SubscriptionDowngraded Counter
	SubscriptionCanceled   Counter
	SubscriptionRenewed    Counter
	SubscriptionExpired    Counter

	DecisionsAllowed     Counter
	DeniedNoSubscription Counter
	DeniedNotEntitled    Counter
	DeniedLimitExceeded  Counter
	DeniedRateLimited    Counter
	QuantityAllowed      Histogram

	UsageEventsFlushed Counter
	UsageFlushLatency  Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		PlanCreated: factory.Counter("quota.plan.created"),

		SubscriptionCreated:    factory.Counter("quota.subscription.created"),
		SubscriptionChanged:    factory.Counter("quota.subscription.changed"),
		SubscriptionUpgraded:   factory.Counter("quota.subscription.upgraded"),
		SubscriptionDowngraded: factory.Counter("quota.subscription.downgraded"),
		SubscriptionCanceled:   factory.Counter("quota.subscription.canceled"),
		SubscriptionRenewed:    factory.Counter("quota.subscription.renewed"),
		SubscriptionExpired:    factory.Counter("quota.subscription.expired"),

		DecisionsAllowed:     factory.Counter("quota.decision.allowed"),
		DeniedNoSubscription: factory.Counter("quota.decision.denied.no_subscription"),
		DeniedNotEntitled:    factory.Counter("quota.decision.denied.meter_not_entitled"),
		DeniedLimitExceeded:  factory.Counter("quota.decision.denied.limit_exceeded"),
		DeniedRateLimited:    factory.Counter("quota.decision.denied.rate_limited"),
		QuantityAllowed:      factory.Histogram("quota.decision.quantity"),

		UsageEventsFlushed: factory.Counter("quota.usage.events.flushed"),
		UsageFlushLatency:  factory.Histogram("quota.usage.flush.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Plan and subscription hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (m *MetricsExtension) OnPlanCreated(_ context.Context, _ *plan.Plan) error {
	m.PlanCreated.Inc()
	return nil
}

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, change *plugin.Change) error {
	m.SubscriptionChanged.Inc()
	switch change.Direction {
	case "upgrade":
		m.SubscriptionUpgraded.Inc()
	case "downgrade":
		m.SubscriptionDowngraded.Inc()
	}
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// OnSubscriptionRenewed implements plugin.OnSubscriptionRenewed.
func (m *MetricsExtension) OnSubscriptionRenewed(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionRenewed.Inc()
	return nil
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (m *MetricsExtension) OnSubscriptionExpired(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Decision hooks
// ──────────────────────────────────────────────────

// OnDecision implements plugin.OnDecision.
func (m *MetricsExtension) OnDecision(_ context.Context, d *entitlement.Decision) error {
	if d.Allowed {
		m.DecisionsAllowed.Inc()
		m.QuantityAllowed.Observe(float64(d.Quantity))
		return nil
	}
	switch d.Reason {
	case entitlement.ReasonNoSubscription:
		m.DeniedNoSubscription.Inc()
	case entitlement.ReasonMeterNotEntitled:
		m.DeniedNotEntitled.Inc()
	case entitlement.ReasonLimitExceeded:
		m.DeniedLimitExceeded.Inc()
	case entitlement.ReasonRateLimited:
		m.DeniedRateLimited.Inc()
	}
	return nil
}

// OnUsageFlushed implements plugin.OnUsageFlushed.
func (m *MetricsExtension) OnUsageFlushed(_ context.Context, count int, elapsed time.Duration) error {
	m.UsageEventsFlushed.Add(float64(count))
	m.UsageFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}
