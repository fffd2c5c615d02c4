package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/subscription"
	"github.com/xraph/quota/types"
)

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:quota_plans"`

	ID            string            `grove:"id,pk"`
	Name          string            `grove:"name"`
	Slug          string            `grove:"slug"`
	Version       int               `grove:"version"`
	Description   string            `grove:"description"`
	Status        string            `grove:"status"`
	Period        string            `grove:"period"`
	PriceAmount   int64             `grove:"price_amount"`
	PriceCurrency string            `grove:"price_currency"`
	TrialDays     int               `grove:"trial_days"`
	Features      json.RawMessage   `grove:"features,type:jsonb"`
	DefaultLimit  *int64            `grove:"default_limit"`
	RateLimit     json.RawMessage   `grove:"rate_limit,type:jsonb"`
	Metadata      map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt     time.Time         `grove:"created_at"`
	UpdatedAt     time.Time         `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	features, _ := json.Marshal(p.Features) //nolint:errcheck // plain structs
	var rateLimit json.RawMessage
	if p.RateLimit != nil {
		rateLimit, _ = json.Marshal(p.RateLimit) //nolint:errcheck // plain structs
	}
	var defaultLimit *int64
	if p.DefaultLimit != nil {
		v := int64(*p.DefaultLimit)
		defaultLimit = &v
	}

	return &planModel{
		ID:            p.ID.String(),
		Name:          p.Name,
		Slug:          p.Slug,
		Version:       p.Version,
		Description:   p.Description,
		Status:        string(p.Status),
		Period:        string(p.Period),
		PriceAmount:   p.Price.Amount,
		PriceCurrency: p.Price.Currency,
		TrialDays:     p.TrialDays,
		Features:      features,
		DefaultLimit:  defaultLimit,
		RateLimit:     rateLimit,
		Metadata:      p.Metadata,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}

	var features []plan.Feature
	if len(m.Features) > 0 {
		if err := json.Unmarshal(m.Features, &features); err != nil {
			return nil, err
		}
	}

	var rateLimit *plan.RateLimit
	if len(m.RateLimit) > 0 && string(m.RateLimit) != "null" {
		rateLimit = new(plan.RateLimit)
		if err := json.Unmarshal(m.RateLimit, rateLimit); err != nil {
			return nil, err
		}
	}

	var defaultLimit *plan.Limit
	if m.DefaultLimit != nil {
		l := plan.Limit(*m.DefaultLimit)
		defaultLimit = &l
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           planID,
		Name:         m.Name,
		Slug:         m.Slug,
		Version:      m.Version,
		Description:  m.Description,
		Status:       plan.Status(m.Status),
		Period:       plan.Period(m.Period),
		Price:        types.Money{Amount: m.PriceAmount, Currency: m.PriceCurrency},
		TrialDays:    m.TrialDays,
		Features:     features,
		DefaultLimit: defaultLimit,
		RateLimit:    rateLimit,
		Metadata:     m.Metadata,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:quota_subscriptions"`

	ID                 string            `grove:"id,pk"`
	SubscriberID       string            `grove:"subscriber_id"`
	PlanID             string            `grove:"plan_id"`
	Status             string            `grove:"status"`
	RenewalPolicy      string            `grove:"renewal_policy"`
	CurrentPeriodStart time.Time         `grove:"current_period_start"`
	CurrentPeriodEnd   time.Time         `grove:"current_period_end"`
	TrialEnd           *time.Time        `grove:"trial_end"`
	CancelAt           *time.Time        `grove:"cancel_at"`
	CanceledAt         *time.Time        `grove:"canceled_at"`
	EndedAt            *time.Time        `grove:"ended_at"`
	PendingPlanID      *string           `grove:"pending_plan_id"`
	PendingAt          *time.Time        `grove:"pending_at"`
	PreviousID         string            `grove:"previous_id"`
	Version            int64             `grove:"version"`
	Metadata           map[string]string `grove:"metadata,type:jsonb"`

	// Set only on rows inserted by a plan swap; the replace trigger reads
	// them to end the previous subscription in the same statement.
	ReplaceVersion int64      `grove:"replace_version"`
	ReplaceStatus  string     `grove:"replace_status"`
	ReplaceEndedAt *time.Time `grove:"replace_ended_at"`
	CreatedAt          time.Time         `grove:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	var pending *string
	if s.PendingPlanID != nil {
		v := s.PendingPlanID.String()
		pending = &v
	}
	var previous string
	if !s.PreviousID.IsNil() {
		previous = s.PreviousID.String()
	}

	return &subscriptionModel{
		ID:                 s.ID.String(),
		SubscriberID:       s.SubscriberID,
		PlanID:             s.PlanID.String(),
		Status:             string(s.Status),
		RenewalPolicy:      string(s.RenewalPolicy),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		TrialEnd:           s.TrialEnd,
		CancelAt:           s.CancelAt,
		CanceledAt:         s.CanceledAt,
		EndedAt:            s.EndedAt,
		PendingPlanID:      pending,
		PendingAt:          s.PendingAt,
		PreviousID:         previous,
		Version:            s.Version,
		Metadata:           s.Metadata,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}

	sub := &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 subID,
		SubscriberID:       m.SubscriberID,
		PlanID:             planID,
		Status:             subscription.Status(m.Status),
		RenewalPolicy:      subscription.RenewalPolicy(m.RenewalPolicy),
		CurrentPeriodStart: m.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   m.CurrentPeriodEnd.UTC(),
		TrialEnd:           m.TrialEnd,
		CancelAt:           m.CancelAt,
		CanceledAt:         m.CanceledAt,
		EndedAt:            m.EndedAt,
		PendingAt:          m.PendingAt,
		Version:            m.Version,
		Metadata:           m.Metadata,
	}
	if m.PendingPlanID != nil {
		pending, err := id.ParsePlanID(*m.PendingPlanID)
		if err != nil {
			return nil, err
		}
		sub.PendingPlanID = &pending
	}
	if m.PreviousID != "" {
		if sub.PreviousID, err = id.ParseSubscriptionID(m.PreviousID); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

// ==================== Counter models ====================

type counterModel struct {
	grove.BaseModel `grove:"table:quota_counters"`

	SubscriberID string    `grove:"subscriber_id,pk"`
	MeterKey     string    `grove:"meter_key,pk"`
	PeriodStart  time.Time `grove:"period_start,pk"`
	Value        int64     `grove:"value"`
	LimitAtWrite int64     `grove:"limit_at_write"`
	UpdatedAt    time.Time `grove:"updated_at"`
}

func fromCounterModel(m *counterModel) *meter.Counter {
	return &meter.Counter{
		Key: meter.Key{
			SubscriberID: m.SubscriberID,
			MeterKey:     m.MeterKey,
			PeriodStart:  m.PeriodStart.UTC(),
		},
		Value:        m.Value,
		LimitAtWrite: plan.Limit(m.LimitAtWrite),
		UpdatedAt:    m.UpdatedAt,
	}
}

// ==================== Usage Event models ====================

type usageEventModel struct {
	grove.BaseModel `grove:"table:quota_usage_events"`

	ID             string            `grove:"id,pk"`
	SubscriberID   string            `grove:"subscriber_id"`
	SubscriptionID string            `grove:"subscription_id"`
	MeterKey       string            `grove:"meter_key"`
	Quantity       int64             `grove:"quantity"`
	PeriodStart    time.Time         `grove:"period_start"`
	Timestamp      time.Time         `grove:"timestamp"`
	IdempotencyKey string            `grove:"idempotency_key"`
	Metadata       map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt      time.Time         `grove:"created_at"`
}

func toUsageEventModel(e *meter.UsageEvent) *usageEventModel {
	return &usageEventModel{
		ID:             e.ID.String(),
		SubscriberID:   e.SubscriberID,
		SubscriptionID: e.SubscriptionID.String(),
		MeterKey:       e.MeterKey,
		Quantity:       e.Quantity,
		PeriodStart:    e.PeriodStart,
		Timestamp:      e.Timestamp,
		IdempotencyKey: e.IdempotencyKey,
		Metadata:       e.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
}

func fromUsageEventModel(m *usageEventModel) (*meter.UsageEvent, error) {
	evtID, err := id.ParseUsageEventID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &meter.UsageEvent{
		ID:             evtID,
		SubscriberID:   m.SubscriberID,
		SubscriptionID: subID,
		MeterKey:       m.MeterKey,
		Quantity:       m.Quantity,
		PeriodStart:    m.PeriodStart.UTC(),
		Timestamp:      m.Timestamp,
		IdempotencyKey: m.IdempotencyKey,
		Metadata:       m.Metadata,
	}, nil
}
