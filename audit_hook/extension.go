// Package audithook bridges Quota lifecycle and denial events to an audit
// trail backend.
//
// It defines a local Recorder interface so the package stays free of any
// particular audit library. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnPlanCreated          = (*Extension)(nil)
	_ plugin.OnPlanArchived         = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated  = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged  = (*Extension)(nil)
	_ plugin.OnSubscriptionRenewed  = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnSubscriptionExpired  = (*Extension)(nil)
	_ plugin.OnDecision             = (*Extension)(nil)
	_ plugin.OnQuotaExceeded        = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Quota events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (e *Extension) OnPlanCreated(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryCatalog, "",
		"slug", p.Slug,
		"version", p.Version,
		"features", len(p.Features),
	)
}

// OnPlanArchived implements plugin.OnPlanArchived.
func (e *Extension) OnPlanArchived(ctx context.Context, planID id.PlanID) error {
	return e.record(ctx, ActionPlanArchived, SeverityInfo, OutcomeSuccess,
		ResourcePlan, planID.String(), CategoryCatalog, "",
	)
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscriptionEvent(ctx, ActionSubscriptionCreated, sub)
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (e *Extension) OnSubscriptionChanged(ctx context.Context, change *plugin.Change) error {
	action := ActionSubscriptionChanged
	switch change.Direction {
	case "upgrade":
		action = ActionSubscriptionUpgraded
	case "downgrade":
		action = ActionSubscriptionDowngraded
	}
	kv := []any{
		"subscriber_id", change.Current.SubscriberID,
		"previous_id", change.Previous.ID.String(),
		"direction", change.Direction,
	}
	if change.OldPlan != nil && change.NewPlan != nil {
		kv = append(kv, "old_plan", change.OldPlan.Slug, "new_plan", change.NewPlan.Slug)
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, change.Current.ID.String(), CategorySubscription, "",
		kv...,
	)
}

// OnSubscriptionRenewed implements plugin.OnSubscriptionRenewed.
func (e *Extension) OnSubscriptionRenewed(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscriptionEvent(ctx, ActionSubscriptionRenewed, sub)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscriptionEvent(ctx, ActionSubscriptionCanceled, sub)
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (e *Extension) OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error {
	return e.subscriptionEvent(ctx, ActionSubscriptionExpired, sub)
}

func (e *Extension) subscriptionEvent(ctx context.Context, action string, sub *subscription.Subscription) error {
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, "",
		"subscriber_id", sub.SubscriberID,
		"plan_id", sub.PlanID.String(),
		"status", string(sub.Status),
		"period_start", sub.CurrentPeriodStart,
		"period_end", sub.CurrentPeriodEnd,
	)
}

// ──────────────────────────────────────────────────
// Decision hooks
// ──────────────────────────────────────────────────

// OnDecision implements plugin.OnDecision. Allowed decisions are not audited;
// limit_exceeded denials are recorded by OnQuotaExceeded instead.
func (e *Extension) OnDecision(ctx context.Context, d *entitlement.Decision) error {
	if d.Allowed || d.Reason == entitlement.ReasonLimitExceeded {
		return nil
	}
	return e.record(ctx, ActionDecisionDenied, SeverityInfo, OutcomeFailure,
		ResourceMeter, d.MeterKey, CategoryAccess, string(d.Reason),
		"subscriber_id", d.SubscriberID,
		"quantity", d.Quantity,
	)
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, d *entitlement.Decision) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceMeter, d.MeterKey, CategoryAccess, string(d.Reason),
		"subscriber_id", d.SubscriberID,
		"subscription_id", d.SubscriptionID.String(),
		"quantity", d.Quantity,
		"used", d.Used,
		"limit", int64(d.Limit),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	reason string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
