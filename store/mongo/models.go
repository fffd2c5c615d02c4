package mongo

import (
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

	ID            string            `grove:"id,pk"          bson:"_id"`
	Name          string            `grove:"name"           bson:"name"`
	Slug          string            `grove:"slug"           bson:"slug"`
	Version       int               `grove:"version"        bson:"version"`
	Description   string            `grove:"description"    bson:"description"`
	Status        string            `grove:"status"         bson:"status"`
	Period        string            `grove:"period"         bson:"period"`
	PriceAmount   int64             `grove:"price_amount"   bson:"price_amount"`
	PriceCurrency string            `grove:"price_currency" bson:"price_currency"`
	TrialDays     int               `grove:"trial_days"     bson:"trial_days"`
	Features      []featureModel    `grove:"features"       bson:"features"`
	DefaultLimit  *int64            `grove:"default_limit"  bson:"default_limit,omitempty"`
	RateLimit     *rateLimitModel   `grove:"rate_limit"     bson:"rate_limit,omitempty"`
	Metadata      map[string]string `grove:"metadata"       bson:"metadata,omitempty"`
	CreatedAt     time.Time         `grove:"created_at"     bson:"created_at"`
	UpdatedAt     time.Time         `grove:"updated_at"     bson:"updated_at"`
}

type featureModel struct {
	Key   string `bson:"key"`
	Name  string `bson:"name"`
	Limit int64  `bson:"limit"`
}

type rateLimitModel struct {
	Requests int           `bson:"requests"`
	Window   time.Duration `bson:"window"`
}

func toPlanModel(p *plan.Plan) *planModel {
	features := make([]featureModel, len(p.Features))
	for i, f := range p.Features {
		features[i] = featureModel{Key: f.Key, Name: f.Name, Limit: int64(f.Limit)}
	}

	var defaultLimit *int64
	if p.DefaultLimit != nil {
		v := int64(*p.DefaultLimit)
		defaultLimit = &v
	}
	var rateLimit *rateLimitModel
	if p.RateLimit != nil {
		rateLimit = &rateLimitModel{Requests: p.RateLimit.Requests, Window: p.RateLimit.Window}
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

	features := make([]plan.Feature, len(m.Features))
	for i, f := range m.Features {
		features[i] = plan.Feature{Key: f.Key, Name: f.Name, Limit: plan.Limit(f.Limit)}
	}

	var defaultLimit *plan.Limit
	if m.DefaultLimit != nil {
		l := plan.Limit(*m.DefaultLimit)
		defaultLimit = &l
	}
	var rateLimit *plan.RateLimit
	if m.RateLimit != nil {
		rateLimit = &plan.RateLimit{Requests: m.RateLimit.Requests, Window: m.RateLimit.Window}
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

// subscriptionModel mirrors Status.IsCurrent into Current so a partial
// unique index can hold one current document per subscriber.
type subscriptionModel struct {
	grove.BaseModel `grove:"table:quota_subscriptions"`

	ID                 string            `grove:"id,pk"                bson:"_id"`
	SubscriberID       string            `grove:"subscriber_id"        bson:"subscriber_id"`
	PlanID             string            `grove:"plan_id"              bson:"plan_id"`
	Status             string            `grove:"status"               bson:"status"`
	Current            bool              `grove:"current"              bson:"current"`
	RenewalPolicy      string            `grove:"renewal_policy"       bson:"renewal_policy"`
	CurrentPeriodStart time.Time         `grove:"current_period_start" bson:"current_period_start"`
	CurrentPeriodEnd   time.Time         `grove:"current_period_end"   bson:"current_period_end"`
	TrialEnd           *time.Time        `grove:"trial_end"            bson:"trial_end,omitempty"`
	CancelAt           *time.Time        `grove:"cancel_at"            bson:"cancel_at,omitempty"`
	CanceledAt         *time.Time        `grove:"canceled_at"          bson:"canceled_at,omitempty"`
	EndedAt            *time.Time        `grove:"ended_at"             bson:"ended_at,omitempty"`
	PendingPlanID      string            `grove:"pending_plan_id"      bson:"pending_plan_id,omitempty"`
	PendingAt          *time.Time        `grove:"pending_at"           bson:"pending_at,omitempty"`
	PreviousID         string            `grove:"previous_id"          bson:"previous_id,omitempty"`
	Version            int64             `grove:"version"              bson:"version"`
	Metadata           map[string]string `grove:"metadata"             bson:"metadata,omitempty"`
	CreatedAt          time.Time         `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"           bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	m := &subscriptionModel{
		ID:                 s.ID.String(),
		SubscriberID:       s.SubscriberID,
		PlanID:             s.PlanID.String(),
		Status:             string(s.Status),
		Current:            s.Status.IsCurrent(),
		RenewalPolicy:      string(s.RenewalPolicy),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		TrialEnd:           s.TrialEnd,
		CancelAt:           s.CancelAt,
		CanceledAt:         s.CanceledAt,
		EndedAt:            s.EndedAt,
		PendingAt:          s.PendingAt,
		Version:            s.Version,
		Metadata:           s.Metadata,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
	if s.PendingPlanID != nil {
		m.PendingPlanID = s.PendingPlanID.String()
	}
	if !s.PreviousID.IsNil() {
		m.PreviousID = s.PreviousID.String()
	}
	return m
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
	if m.PendingPlanID != "" {
		pending, err := id.ParsePlanID(m.PendingPlanID)
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

// counterModel is keyed by meter.Key.String() so the upsert path can use
// _id uniqueness instead of a compound index.
type counterModel struct {
	grove.BaseModel `grove:"table:quota_counters"`

	ID           string    `grove:"id,pk"          bson:"_id"`
	SubscriberID string    `grove:"subscriber_id"  bson:"subscriber_id"`
	MeterKey     string    `grove:"meter_key"      bson:"meter_key"`
	PeriodStart  time.Time `grove:"period_start"   bson:"period_start"`
	Value        int64     `grove:"value"          bson:"value"`
	LimitAtWrite int64     `grove:"limit_at_write" bson:"limit_at_write"`
	UpdatedAt    time.Time `grove:"updated_at"     bson:"updated_at"`
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

	ID             string            `grove:"id,pk"           bson:"_id"`
	SubscriberID   string            `grove:"subscriber_id"   bson:"subscriber_id"`
	SubscriptionID string            `grove:"subscription_id" bson:"subscription_id"`
	MeterKey       string            `grove:"meter_key"       bson:"meter_key"`
	Quantity       int64             `grove:"quantity"        bson:"quantity"`
	PeriodStart    time.Time         `grove:"period_start"    bson:"period_start"`
	Timestamp      time.Time         `grove:"timestamp"       bson:"timestamp"`
	IdempotencyKey string            `grove:"idempotency_key" bson:"idempotency_key,omitempty"`
	Metadata       map[string]string `grove:"metadata"        bson:"metadata,omitempty"`
	CreatedAt      time.Time         `grove:"created_at"      bson:"created_at"`
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
