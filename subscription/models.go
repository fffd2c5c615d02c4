package subscription

import (
	"time"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/types"
)

type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// CurrentStatuses are the states in which a subscription counts as the
// subscriber's current one. At most one subscription per subscriber may be in
// any of them.
var CurrentStatuses = []Status{StatusTrialing, StatusActive, StatusPastDue}

// IsCurrent reports whether s is trialing, active or past_due.
func (s Status) IsCurrent() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

type RenewalPolicy string

const (
	// RenewAuto rolls the subscription into the next period when the
	// current one ends.
	RenewAuto RenewalPolicy = "auto"
	// RenewNone lets the subscription expire at period end.
	RenewNone RenewalPolicy = "none"
)

type Subscription struct {
	types.Entity
	ID                 id.SubscriptionID `json:"id"`
	SubscriberID       string            `json:"subscriber_id"`
	PlanID             id.PlanID         `json:"plan_id"`
	Status             Status            `json:"status"`
	RenewalPolicy      RenewalPolicy     `json:"renewal_policy"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	TrialEnd           *time.Time        `json:"trial_end,omitempty"`
	CancelAt           *time.Time        `json:"cancel_at,omitempty"`
	CanceledAt         *time.Time        `json:"canceled_at,omitempty"`
	EndedAt            *time.Time        `json:"ended_at,omitempty"`

	// PendingPlanID is a plan change scheduled to take effect at PendingAt.
	PendingPlanID *id.PlanID `json:"pending_plan_id,omitempty"`
	PendingAt     *time.Time `json:"pending_at,omitempty"`

	// PreviousID links a subscription created by a plan change to the one it
	// superseded.
	PreviousID id.SubscriptionID `json:"previous_id,omitempty"`

	// Version increments on every write. Stores reject writes carrying a
	// stale version with a conflict.
	Version  int64             `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Subscription) Period() plan.Window {
	return plan.Window{Start: s.CurrentPeriodStart, End: s.CurrentPeriodEnd}
}

func (s *Subscription) SetPeriod(w plan.Window) {
	s.CurrentPeriodStart = w.Start
	s.CurrentPeriodEnd = w.End
}

// Clone returns a deep copy, so callers can mutate without sharing
// pointer fields.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.CancelAt = cloneTime(s.CancelAt)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.EndedAt = cloneTime(s.EndedAt)
	c.PendingAt = cloneTime(s.PendingAt)
	if s.PendingPlanID != nil {
		p := *s.PendingPlanID
		c.PendingPlanID = &p
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ListOpts filters subscription history listings.
type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
