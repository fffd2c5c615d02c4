package meter

import (
	"time"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
)

// Key identifies one usage counter row.
type Key struct {
	SubscriberID string    `json:"subscriber_id"`
	MeterKey     string    `json:"meter_key"`
	PeriodStart  time.Time `json:"period_start"`
}

// String renders the key as "subscriber:meter:unixnano", the form used by
// lock tables and key-value backends.
func (k Key) String() string {
	return k.SubscriberID + ":" + k.MeterKey + ":" + strconvTime(k.PeriodStart)
}

type Counter struct {
	Key
	Value        int64      `json:"value"`
	LimitAtWrite plan.Limit `json:"limit_at_write"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Guard pins an increment to the subscription version it was decided
// against. A zero Guard disables the check.
type Guard struct {
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	Version        int64             `json:"version"`
}

func (g Guard) IsZero() bool { return g.SubscriptionID.IsNil() }

type Increment struct {
	Key      Key
	Limit    plan.Limit
	Quantity int64
	Guard    Guard
}

// Reset replaces a counter value. Limit is recorded as the limit at write
// when the row has to be created.
type Reset struct {
	Key      Key
	Limit    plan.Limit
	Expected int64
	Value    int64
}

// Outcome is the result of a check-and-increment. Counter is the value after
// the increment when Allowed, or the unchanged value when not.
type Outcome struct {
	Allowed bool  `json:"allowed"`
	Counter int64 `json:"counter"`
}

// UsageEvent is the audit record of an allowed decision.
type UsageEvent struct {
	ID             id.UsageEventID   `json:"id"`
	SubscriberID   string            `json:"subscriber_id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	MeterKey       string            `json:"meter_key"`
	Quantity       int64             `json:"quantity"`
	PeriodStart    time.Time         `json:"period_start"`
	Timestamp      time.Time         `json:"timestamp"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
