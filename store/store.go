package store

import (
	"context"
	"time"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/subscription"
)

// Store is the unified storage interface for all Quota entities. Counters and
// the usage log come from meter.Store.
//
// UpdateSubscription and ReplaceSubscription are optimistic: they compare the
// stored Version with the caller's and fail with ErrConflict when another
// writer got there first.
type Store interface {
	// Plan methods
	CreatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error)
	ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error)
	ArchivePlan(ctx context.Context, planID id.PlanID) error

	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	GetCurrentSubscription(ctx context.Context, subscriberID string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, subscriberID string, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	ListDueSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error
	ReplaceSubscription(ctx context.Context, old, next *subscription.Subscription) error

	// Counters and the usage log
	meter.Store

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
