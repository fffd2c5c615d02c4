// Package memory is an in-process store.Store. Plans and subscriptions live
// behind one RWMutex; every counter row carries its own mutex so increments
// on different keys never contend.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	quotastore "github.com/xraph/quota/store"
	"github.com/xraph/quota/subscription"
)

// compile-time interface check
var _ quotastore.Store = (*Store)(nil)

type counterRow struct {
	mu        sync.Mutex
	key       meter.Key
	value     atomic.Int64
	written   bool
	limit     plan.Limit
	updatedAt time.Time
}

type Store struct {
	mu sync.RWMutex

	// Plan storage
	plans map[string]*plan.Plan

	// Subscription storage; current maps subscriber → current subscription ID.
	subscriptions map[string]*subscription.Subscription
	current       map[string]string

	// Counter rows keyed by meter.Key.String().
	counters sync.Map

	// Usage events storage
	eventsMu    sync.RWMutex
	usageEvents []*meter.UsageEvent
	eventKeys   map[string]struct{}
}

func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		subscriptions: make(map[string]*subscription.Subscription),
		current:       make(map[string]string),
		usageEvents:   make([]*meter.UsageEvent, 0),
		eventKeys:     make(map[string]struct{}),
	}
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return quota.ErrAlreadyExists
	}
	for _, existing := range s.plans {
		if existing.Slug == p.Slug && existing.Version == p.Version {
			return quota.ErrAlreadyExists
		}
	}
	s.plans[p.ID.String()] = clonePlan(p)
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return clonePlan(p), nil
	}
	return nil, quota.ErrPlanNotFound
}

func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *plan.Plan
	for _, p := range s.plans {
		if p.Slug == slug && (latest == nil || p.Version > latest.Version) {
			latest = p
		}
	}
	if latest == nil {
		return nil, quota.ErrPlanNotFound
	}
	return clonePlan(latest), nil
}

func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		if opts.Slug != "" && p.Slug != opts.Slug {
			continue
		}
		result = append(result, clonePlan(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Slug != result[j].Slug {
			return result[i].Slug < result[j].Slug
		}
		return result[i].Version < result[j].Version
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ArchivePlan(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID.String()]
	if !ok {
		return quota.ErrPlanNotFound
	}
	p.Status = plan.StatusArchived
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return quota.ErrAlreadyExists
	}
	if sub.Status.IsCurrent() {
		if _, exists := s.current[sub.SubscriberID]; exists {
			return quota.ErrSubscriptionExists
		}
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	s.put(sub)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return sub.Clone(), nil
	}
	return nil, quota.ErrSubscriptionNotFound
}

func (s *Store) GetCurrentSubscription(_ context.Context, subscriberID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subID, ok := s.current[subscriberID]
	if !ok {
		return nil, quota.ErrNoActiveSubscription
	}
	return s.subscriptions[subID].Clone(), nil
}

func (s *Store) ListSubscriptions(_ context.Context, subscriberID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.SubscriberID != subscriberID {
			continue
		}
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		result = append(result, sub.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListDueSubscriptions(_ context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, subID := range s.current {
		sub := s.subscriptions[subID]
		due := !sub.CurrentPeriodEnd.After(before) ||
			(sub.PendingAt != nil && !sub.PendingAt.After(before))
		if due {
			result = append(result, sub.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CurrentPeriodEnd.Before(result[j].CurrentPeriodEnd)
	})
	return paginate(result, 0, limit), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.subscriptions[sub.ID.String()]
	if !ok {
		return quota.ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version {
		return quota.ErrConflict
	}
	if sub.Status.IsCurrent() {
		if curID, exists := s.current[sub.SubscriberID]; exists && curID != sub.ID.String() {
			return quota.ErrSubscriptionExists
		}
	}

	sub.Version++
	sub.UpdatedAt = time.Now().UTC()
	s.put(sub)
	return nil
}

func (s *Store) ReplaceSubscription(_ context.Context, old, next *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.subscriptions[old.ID.String()]
	if !ok {
		return quota.ErrSubscriptionNotFound
	}
	if stored.Version != old.Version || !stored.Status.IsCurrent() {
		return quota.ErrConflict
	}
	if old.Status.IsCurrent() || !next.Status.IsCurrent() || old.SubscriberID != next.SubscriberID {
		return quota.ErrInvalidInput
	}
	if _, exists := s.subscriptions[next.ID.String()]; exists {
		return quota.ErrAlreadyExists
	}

	t := time.Now().UTC()
	old.Version++
	old.UpdatedAt = t
	next.Version = 1
	s.put(old)
	s.put(next)
	return nil
}

// put stores a copy of sub and keeps the current index in sync. Callers hold
// s.mu for writing.
func (s *Store) put(sub *subscription.Subscription) {
	key := sub.ID.String()
	s.subscriptions[key] = sub.Clone()
	switch {
	case sub.Status.IsCurrent():
		s.current[sub.SubscriberID] = key
	case s.current[sub.SubscriberID] == key:
		delete(s.current, sub.SubscriberID)
	}
}

// ==================== Counter Store ====================

func (s *Store) row(key meter.Key) *counterRow {
	k := key.String()
	if r, ok := s.counters.Load(k); ok {
		return r.(*counterRow)
	}
	r, _ := s.counters.LoadOrStore(k, &counterRow{key: key})
	return r.(*counterRow)
}

func (s *Store) PeekCounter(_ context.Context, key meter.Key) (int64, error) {
	r, ok := s.counters.Load(key.String())
	if !ok {
		return 0, nil
	}
	return r.(*counterRow).value.Load(), nil
}

func (s *Store) CheckAndIncrement(ctx context.Context, inc *meter.Increment) (*meter.Outcome, error) {
	if inc.Quantity <= 0 {
		return nil, quota.ErrInvalidQuantity
	}

	r := s.row(inc.Key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Holding the read lock while committing keeps plan changes out until
	// the increment is in, so the guard cannot go stale mid-write.
	if !inc.Guard.IsZero() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		sub, ok := s.subscriptions[inc.Guard.SubscriptionID.String()]
		if !ok || sub.Version != inc.Guard.Version || !sub.Status.IsCurrent() {
			return nil, quota.ErrConflict
		}
	}

	current := r.value.Load()
	if !inc.Limit.Allows(current, inc.Quantity) {
		return &meter.Outcome{Allowed: false, Counter: current}, nil
	}
	if plan.Overflows(current, inc.Quantity) {
		return nil, quota.ErrInvalidQuantity
	}

	next := current + inc.Quantity
	r.value.Store(next)
	r.written = true
	r.limit = inc.Limit
	r.updatedAt = time.Now().UTC()
	return &meter.Outcome{Allowed: true, Counter: next}, nil
}

func (s *Store) ResetCounter(ctx context.Context, rs *meter.Reset) error {
	if rs.Value < 0 {
		return quota.ErrInvalidQuantity
	}

	r := s.row(rs.Key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.value.Load() != rs.Expected {
		return quota.ErrConflict
	}

	r.value.Store(rs.Value)
	if !r.written {
		r.written = true
		r.limit = rs.Limit
	}
	r.updatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ListCounters(_ context.Context, subscriberID string, periodStart time.Time) ([]*meter.Counter, error) {
	result := make([]*meter.Counter, 0)
	s.counters.Range(func(_, v any) bool {
		r := v.(*counterRow)
		if r.key.SubscriberID != subscriberID || !r.key.PeriodStart.Equal(periodStart) {
			return true
		}
		r.mu.Lock()
		if r.written {
			result = append(result, &meter.Counter{
				Key:          r.key,
				Value:        r.value.Load(),
				LimitAtWrite: r.limit,
				UpdatedAt:    r.updatedAt,
			})
		}
		r.mu.Unlock()
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].MeterKey < result[j].MeterKey })
	return result, nil
}

// ==================== Usage Event Store ====================

func (s *Store) IngestBatch(_ context.Context, events []*meter.UsageEvent) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	for _, e := range events {
		dedupe := e.ID.String()
		if e.IdempotencyKey != "" {
			dedupe = "idem:" + e.IdempotencyKey
		}
		if _, seen := s.eventKeys[dedupe]; seen {
			continue
		}
		s.eventKeys[dedupe] = struct{}{}
		cp := *e
		s.usageEvents = append(s.usageEvents, &cp)
	}
	return nil
}

func (s *Store) QueryUsage(_ context.Context, subscriberID string, opts meter.QueryOpts) ([]*meter.UsageEvent, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	result := make([]*meter.UsageEvent, 0)
	for _, e := range s.usageEvents {
		if e.SubscriberID != subscriberID {
			continue
		}
		if opts.MeterKey != "" && e.MeterKey != opts.MeterKey {
			continue
		}
		if !opts.Start.IsZero() && e.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && e.Timestamp.After(opts.End) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) SumUsage(_ context.Context, key meter.Key) (int64, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	var total int64
	for _, e := range s.usageEvents {
		if e.SubscriberID == key.SubscriberID && e.MeterKey == key.MeterKey && e.PeriodStart.Equal(key.PeriodStart) {
			total += e.Quantity
		}
	}
	return total, nil
}

func (s *Store) PurgeUsage(_ context.Context, before time.Time) (int64, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	kept := s.usageEvents[:0]
	var purged int64
	for _, e := range s.usageEvents {
		if e.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.usageEvents); i++ {
		s.usageEvents[i] = nil
	}
	s.usageEvents = kept
	return purged, nil
}

// ==================== Lifecycle ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func clonePlan(p *plan.Plan) *plan.Plan {
	c := *p
	c.Features = append([]plan.Feature(nil), p.Features...)
	return &c
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
