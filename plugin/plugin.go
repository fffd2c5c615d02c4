// Package plugin provides an extensible plugin system for Quota.
// Plugins can hook into lifecycle and decision events to extend functionality.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *quota.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan hooks
// ──────────────────────────────────────────────────

// OnPlanCreated is called when a plan (or a new plan version) is created.
type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, p *plan.Plan) error
}

// OnPlanArchived is called when a plan is archived.
type OnPlanArchived interface {
	Plugin
	OnPlanArchived(ctx context.Context, planID id.PlanID) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a subscriber signs up.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionChanged is called after a plan change swapped subscriptions.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, change *Change) error
}

// OnSubscriptionCanceled is called when a subscription is canceled.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionRenewed is called when a subscription enters a new period.
type OnSubscriptionRenewed interface {
	Plugin
	OnSubscriptionRenewed(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionExpired is called when a subscription lapses at period end.
type OnSubscriptionExpired interface {
	Plugin
	OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Decision hooks
// ──────────────────────────────────────────────────

// OnDecision is called for every decision, allowed or denied.
type OnDecision interface {
	Plugin
	OnDecision(ctx context.Context, d *entitlement.Decision) error
}

// OnQuotaExceeded is called when a decision is denied with limit_exceeded.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, d *entitlement.Decision) error
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageFlushed is called when buffered usage events reach the store.
type OnUsageFlushed interface {
	Plugin
	OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// Change describes a completed plan change.
type Change struct {
	Previous  *subscription.Subscription
	Current   *subscription.Subscription
	OldPlan   *plan.Plan
	NewPlan   *plan.Plan
	Direction string
}
