package entitlement

import (
	"time"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
)

// Reason explains a denied decision.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoSubscription   Reason = "no_subscription"
	ReasonMeterNotEntitled Reason = "meter_not_entitled"
	ReasonLimitExceeded    Reason = "limit_exceeded"
	ReasonRateLimited      Reason = "rate_limited"
)

// Decision is the allow/deny outcome for one metered action. It is never
// persisted.
type Decision struct {
	ID             id.DecisionID     `json:"id"`
	SubscriberID   string            `json:"subscriber_id"`
	MeterKey       string            `json:"meter_key"`
	Quantity       int64             `json:"quantity"`
	Allowed        bool              `json:"allowed"`
	Reason         Reason            `json:"reason,omitempty"`
	Used           int64             `json:"used"`
	Limit          plan.Limit        `json:"limit"`
	Remaining      int64             `json:"remaining"`
	SubscriptionID id.SubscriptionID `json:"subscription_id,omitempty"`
	PlanID         id.PlanID         `json:"plan_id,omitempty"`
	PeriodStart    time.Time         `json:"period_start,omitzero"`
	PeriodEnd      time.Time         `json:"period_end,omitzero"`
	DecidedAt      time.Time         `json:"decided_at"`
}

// Unlimited reports whether the decision was made against an uncapped meter.
func (d *Decision) Unlimited() bool { return d.Limit.IsUnlimited() }

// Deny marks the decision as refused for reason.
func (d *Decision) Deny(reason Reason) {
	d.Allowed = false
	d.Reason = reason
	d.Remaining = 0
}

// Usage is a display snapshot for one meter. It may be stale.
type Usage struct {
	MeterKey    string     `json:"meter_key"`
	Name        string     `json:"name,omitempty"`
	Used        int64      `json:"used"`
	Limit       plan.Limit `json:"limit"`
	Remaining   int64      `json:"remaining"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
}

func (u *Usage) Unlimited() bool { return u.Limit.IsUnlimited() }

// Summary lists usage for every meter of the subscriber's current plan.
type Summary struct {
	SubscriberID   string            `json:"subscriber_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	PlanID         id.PlanID         `json:"plan_id"`
	PlanName       string            `json:"plan_name"`
	Meters         []Usage           `json:"meters"`
}
