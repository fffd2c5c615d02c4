// Package quota provides an entitlement and metering engine for Go applications.
//
// Quota is designed as a library, not a service. Import it directly into your
// Go application and hand it an already-authenticated subscriber identity. It
// provides:
//
//   - Atomic check-and-increment of per-period usage counters
//   - Subscription lifecycle with lazy rollover on read
//   - Plan changes that keep exactly one current subscription per subscriber
//   - Idempotent decisions keyed by caller-supplied event IDs
//   - Batched usage logging for audit and reconciliation
//   - Production metrics via a pluggable MetricFactory
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/xraph/quota"
//	    "github.com/xraph/quota/store/memory"
//	)
//
//	q := quota.New(memory.New())
//
//	// Start the engine (begins background workers)
//	if err := q.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Stop()
//
// # Core Concepts
//
// Plans define which meters a subscriber may use and how much of each per
// billing period:
//
//	basic := &plan.Plan{
//	    Name:   "Basic",
//	    Slug:   "basic",
//	    Period: plan.PeriodMonthly,
//	    Features: []plan.Feature{
//	        {Key: "api_calls", Limit: 100},
//	        {Key: "exports", Limit: plan.Unlimited},
//	    },
//	}
//	err := q.CreatePlan(ctx, basic)
//
// Subscriptions connect subscribers to plans:
//
//	sub, err := q.Subscribe(ctx, "org_42", basic.ID)
//
// Decide checks and records usage in one step:
//
//	d, err := q.Decide(ctx, "org_42", "api_calls", 3)
//	if err != nil {
//	    // quota.ErrUnavailable: the decision could not be made
//	}
//	if !d.Allowed {
//	    // d.Reason is no_subscription, meter_not_entitled,
//	    // limit_exceeded or rate_limited
//	}
//
// A request that does not fit in full is denied and consumes nothing.
//
// # Concurrency
//
// Counters are keyed by (subscriber, meter, period start). Each increment is
// atomic per key, so concurrent decisions can never push a counter past its
// limit. Increments carry the version of the subscription they were decided
// against; if a plan change lands in between, the increment is rejected and
// the decision is re-evaluated against the new subscription.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	uevt_01h455vb4pex5vsknk084sn02q  // Usage event ID
package quota
