package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	quotastore "github.com/xraph/quota/store"
	"github.com/xraph/quota/subscription"
)

// compile-time interface check
var _ quotastore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM. SQLite runs one
// writer at a time, so each single-statement upsert is atomic without row
// locks; plan swaps go through the replace trigger installed by Migrations.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("quota/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", quota.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isConstraint(err) {
			return quota.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", planID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("slug = ?", slug).
		OrderExpr("version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.sdb.NewSelect(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Slug != "" {
		q = q.Where("slug = ?", opts.Slug)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("slug ASC, version ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.sdb.NewUpdate((*planModel)(nil)).
		Set("status = ?", string(plan.StatusArchived)).
		Set("updated_at = ?", now()).
		Where("id = ?", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return quota.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	m := toSubscriptionModel(sub)
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isConstraint(err) {
			return quota.ErrSubscriptionExists
		}
		return err
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetCurrentSubscription(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("subscriber_id = ?", subscriberID).
		Where("status IN (?, ?, ?)", currentStatusArgs()...).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, quota.ErrNoActiveSubscription
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, subscriberID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).
		Where("subscriber_id = ?", subscriberID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models)
}

func (s *Store) ListDueSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).
		Where("status IN (?, ?, ?)", currentStatusArgs()...).
		Where("(current_period_end <= ? OR pending_at <= ?)", before, before).
		OrderExpr("current_period_end ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models)
}

// UpdateSubscription writes sub if the stored version still equals
// sub.Version, then bumps sub.Version.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	t := now()
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("plan_id = ?", m.PlanID).
		Set("status = ?", m.Status).
		Set("renewal_policy = ?", m.RenewalPolicy).
		Set("current_period_start = ?", m.CurrentPeriodStart).
		Set("current_period_end = ?", m.CurrentPeriodEnd).
		Set("trial_end = ?", m.TrialEnd).
		Set("cancel_at = ?", m.CancelAt).
		Set("canceled_at = ?", m.CanceledAt).
		Set("ended_at = ?", m.EndedAt).
		Set("pending_plan_id = ?", m.PendingPlanID).
		Set("pending_at = ?", m.PendingAt).
		Set("metadata = ?", jsonMetadata(m.Metadata)).
		Set("version = version + 1").
		Set("updated_at = ?", t).
		Where("id = ?", m.ID).
		Where("version = ?", m.Version).
		Exec(ctx)
	if err != nil {
		if isConstraint(err) {
			return quota.ErrSubscriptionExists
		}
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetSubscription(ctx, sub.ID); err != nil {
			return err
		}
		return quota.ErrConflict
	}
	sub.Version++
	sub.UpdatedAt = t
	return nil
}

// ReplaceSubscription inserts next carrying old's expected version; the
// replace trigger ends old inside the same statement or aborts it.
func (s *Store) ReplaceSubscription(ctx context.Context, old, next *subscription.Subscription) error {
	if old.Status.IsCurrent() || !next.Status.IsCurrent() || old.SubscriberID != next.SubscriberID {
		return quota.ErrInvalidInput
	}

	t := now()
	endedAt := t
	if old.EndedAt != nil {
		endedAt = *old.EndedAt
	}
	next.PreviousID = old.ID
	next.Version = 1
	next.CreatedAt, next.UpdatedAt = t, t

	m := toSubscriptionModel(next)
	m.ReplaceVersion = old.Version
	m.ReplaceStatus = string(old.Status)
	m.ReplaceEndedAt = &endedAt

	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isVersionConflict(err) || isConstraint(err) {
			return quota.ErrConflict
		}
		return err
	}

	old.Version++
	old.UpdatedAt = t
	return nil
}

// ==================== Counter Store ====================

func (s *Store) PeekCounter(ctx context.Context, key meter.Key) (int64, error) {
	var value int64
	err := s.sdb.NewRaw(`
		SELECT COALESCE(MAX(value), 0) FROM quota_counters
		WHERE subscriber_id = ? AND meter_key = ? AND period_start = ?
	`, key.SubscriberID, key.MeterKey, key.PeriodStart.UTC()).Scan(ctx, &value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// CheckAndIncrement upserts the counter with the limit in the conflict
// predicate, so a refused increment leaves the row untouched.
func (s *Store) CheckAndIncrement(ctx context.Context, inc *meter.Increment) (*meter.Outcome, error) {
	if inc.Quantity <= 0 {
		return nil, quota.ErrInvalidQuantity
	}

	var guardID string
	if !inc.Guard.IsZero() {
		guardID = inc.Guard.SubscriptionID.String()
	}
	limit := int64(inc.Limit)

	var counter int64
	err := s.sdb.NewRaw(`
		INSERT INTO quota_counters (subscriber_id, meter_key, period_start, value, limit_at_write, updated_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE (? < 0 OR ? <= ?)
		  AND (? = '' OR EXISTS (
		      SELECT 1 FROM quota_subscriptions
		      WHERE id = ? AND version = ? AND status IN ('trialing', 'active', 'past_due')))
		ON CONFLICT (subscriber_id, meter_key, period_start) DO UPDATE
		SET value = quota_counters.value + excluded.value,
		    limit_at_write = excluded.limit_at_write,
		    updated_at = excluded.updated_at
		WHERE (excluded.limit_at_write < 0 AND quota_counters.value <= 9223372036854775807 - excluded.value)
		   OR (excluded.limit_at_write >= 0 AND excluded.value <= excluded.limit_at_write - quota_counters.value)
		RETURNING value
	`, inc.Key.SubscriberID, inc.Key.MeterKey, inc.Key.PeriodStart.UTC(), inc.Quantity, limit, now(),
		limit, inc.Quantity, limit,
		guardID, guardID, inc.Guard.Version,
	).Scan(ctx, &counter)
	if err == nil {
		return &meter.Outcome{Allowed: true, Counter: counter}, nil
	}
	if !isNoRows(err) {
		return nil, err
	}

	if guardID != "" {
		sub, err := s.GetSubscription(ctx, inc.Guard.SubscriptionID)
		if err != nil && !errors.Is(err, quota.ErrSubscriptionNotFound) {
			return nil, err
		}
		if sub == nil || sub.Version != inc.Guard.Version || !sub.Status.IsCurrent() {
			return nil, quota.ErrConflict
		}
	}
	if inc.Limit.IsUnlimited() {
		return nil, quota.ErrInvalidQuantity
	}
	current, err := s.PeekCounter(ctx, inc.Key)
	if err != nil {
		return nil, err
	}
	return &meter.Outcome{Allowed: false, Counter: current}, nil
}

// ResetCounter overwrites the counter only while it still holds
// r.Expected. A missing row counts as 0 and is created by the insert arm.
func (s *Store) ResetCounter(ctx context.Context, r *meter.Reset) error {
	if r.Value < 0 {
		return quota.ErrInvalidQuantity
	}
	start := r.Key.PeriodStart.UTC()
	res, err := s.sdb.NewRaw(`
		INSERT INTO quota_counters (subscriber_id, meter_key, period_start, value, limit_at_write, updated_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE ? = 0 OR EXISTS (
		    SELECT 1 FROM quota_counters
		    WHERE subscriber_id = ? AND meter_key = ? AND period_start = ?)
		ON CONFLICT (subscriber_id, meter_key, period_start) DO UPDATE
		SET value = excluded.value,
		    updated_at = excluded.updated_at
		WHERE quota_counters.value = ?
	`, r.Key.SubscriberID, r.Key.MeterKey, start, r.Value, int64(r.Limit), now(),
		r.Expected,
		r.Key.SubscriberID, r.Key.MeterKey, start,
		r.Expected,
	).Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return quota.ErrConflict
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context, subscriberID string, periodStart time.Time) ([]*meter.Counter, error) {
	var models []counterModel
	err := s.sdb.NewSelect(&models).
		Where("subscriber_id = ?", subscriberID).
		Where("period_start = ?", periodStart.UTC()).
		OrderExpr("meter_key ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*meter.Counter, len(models))
	for i := range models {
		result[i] = fromCounterModel(&models[i])
	}
	return result, nil
}

// ==================== Usage Event Store ====================

func (s *Store) IngestBatch(ctx context.Context, events []*meter.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	models := make([]usageEventModel, len(events))
	for i, e := range events {
		models[i] = *toUsageEventModel(e)
	}
	_, err := s.sdb.NewInsert(&models).
		OnConflict("DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) QueryUsage(ctx context.Context, subscriberID string, opts meter.QueryOpts) ([]*meter.UsageEvent, error) {
	var models []usageEventModel
	q := s.sdb.NewSelect(&models).
		Where("subscriber_id = ?", subscriberID)

	if opts.MeterKey != "" {
		q = q.Where("meter_key = ?", opts.MeterKey)
	}
	if !opts.Start.IsZero() {
		q = q.Where("timestamp >= ?", opts.Start.UTC())
	}
	if !opts.End.IsZero() {
		q = q.Where("timestamp <= ?", opts.End.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("timestamp DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*meter.UsageEvent, len(models))
	for i := range models {
		evt, err := fromUsageEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

func (s *Store) SumUsage(ctx context.Context, key meter.Key) (int64, error) {
	var total int64
	err := s.sdb.NewRaw(`
		SELECT COALESCE(SUM(quantity), 0) FROM quota_usage_events
		WHERE subscriber_id = ? AND meter_key = ? AND period_start = ?
	`, key.SubscriberID, key.MeterKey, key.PeriodStart.UTC()).Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*usageEventModel)(nil)).
		Where("timestamp < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return rows, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

func currentStatusArgs() []any {
	args := make([]any, len(subscription.CurrentStatuses))
	for i, st := range subscription.CurrentStatuses {
		args[i] = string(st)
	}
	return args
}

func fromSubscriptionModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func jsonMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m) //nolint:errcheck // string map
	return string(b)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isVersionConflict(err error) bool {
	return strings.Contains(err.Error(), "quota: version conflict")
}
