package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
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

// Store implements store.Store using PostgreSQL via Grove ORM.
//
// Counter increments and plan swaps are single statements, so no explicit
// transactions are needed: the primary key on quota_counters serializes
// increments per key and the partial unique index on quota_subscriptions
// keeps at most one current subscription per subscriber.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("quota/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %w", quota.ErrMigrationFailed, err)
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
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return quota.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID.String()).
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
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.Slug != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("slug = $%d", argIdx), opts.Slug)
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
	res, err := s.pg.NewUpdate((*planModel)(nil)).
		Set("status = $1", string(plan.StatusArchived)).
		Set("updated_at = $2", now()).
		Where("id = $3", planID.String()).
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
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return quota.ErrSubscriptionExists
		}
		return err
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
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
	err := s.pg.NewSelect(m).
		Where("subscriber_id = $1", subscriberID).
		Where("status IN ($2, $3, $4)", currentStatusArgs()...).
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
	q := s.pg.NewSelect(&models).
		Where("subscriber_id = $1", subscriberID)

	if opts.Status != "" {
		q = q.Where("status = $2", string(opts.Status))
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
	q := s.pg.NewSelect(&models).
		Where("status IN ($1, $2, $3)", currentStatusArgs()...).
		Where("(current_period_end <= $4 OR pending_at <= $4)", before).
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
	res, err := s.pg.NewRaw(`
		UPDATE quota_subscriptions SET
			plan_id = $1, status = $2, renewal_policy = $3,
			current_period_start = $4, current_period_end = $5,
			trial_end = $6, cancel_at = $7, canceled_at = $8, ended_at = $9,
			pending_plan_id = $10, pending_at = $11, metadata = $12::jsonb,
			version = version + 1, updated_at = $13
		WHERE id = $14 AND version = $15
	`, m.PlanID, m.Status, m.RenewalPolicy,
		m.CurrentPeriodStart, m.CurrentPeriodEnd,
		m.TrialEnd, m.CancelAt, m.CanceledAt, m.EndedAt,
		m.PendingPlanID, m.PendingAt, jsonMetadata(m.Metadata),
		t, m.ID, m.Version,
	).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
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

// ReplaceSubscription ends old and inserts next in one statement. The insert
// only runs when the version-checked update of old matched a row, so a stale
// old inserts nothing and reports ErrConflict.
func (s *Store) ReplaceSubscription(ctx context.Context, old, next *subscription.Subscription) error {
	if old.Status.IsCurrent() || !next.Status.IsCurrent() || old.SubscriberID != next.SubscriberID {
		return quota.ErrInvalidInput
	}

	o := toSubscriptionModel(old)
	n := toSubscriptionModel(next)
	t := now()
	res, err := s.pg.NewRaw(`
		WITH ended AS (
			UPDATE quota_subscriptions SET
				status = $1, cancel_at = $2, canceled_at = $3, ended_at = $4,
				pending_plan_id = NULL, pending_at = NULL,
				version = version + 1, updated_at = $5
			WHERE id = $6 AND version = $7 AND status IN ('trialing', 'active', 'past_due')
			RETURNING id
		)
		INSERT INTO quota_subscriptions (
			id, subscriber_id, plan_id, status, renewal_policy,
			current_period_start, current_period_end, trial_end,
			previous_id, version, metadata, created_at, updated_at
		)
		SELECT $8, $9, $10, $11, $12, $13, $14, $15, ended.id, 1, $16::jsonb, $5, $5
		FROM ended
	`, o.Status, o.CancelAt, o.CanceledAt, o.EndedAt,
		t, o.ID, o.Version,
		n.ID, n.SubscriberID, n.PlanID, n.Status, n.RenewalPolicy,
		n.CurrentPeriodStart, n.CurrentPeriodEnd, n.TrialEnd,
		jsonMetadata(n.Metadata),
	).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return quota.ErrConflict
		}
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return quota.ErrConflict
	}

	old.Version++
	old.UpdatedAt = t
	next.Version = 1
	next.PreviousID = old.ID
	next.CreatedAt, next.UpdatedAt = t, t
	return nil
}

// ==================== Counter Store ====================

func (s *Store) PeekCounter(ctx context.Context, key meter.Key) (int64, error) {
	var value int64
	err := s.pg.NewRaw(`
		SELECT COALESCE(MAX(value), 0) FROM quota_counters
		WHERE subscriber_id = $1 AND meter_key = $2 AND period_start = $3
	`, key.SubscriberID, key.MeterKey, key.PeriodStart).Scan(ctx, &value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// CheckAndIncrement creates or bumps the counter row in one statement. The
// limit is re-checked by the ON CONFLICT predicate against the locked row,
// so concurrent increments on one key can never overshoot. With a guard,
// the subscription row is share-locked for the statement and must still
// carry the guarded version.
func (s *Store) CheckAndIncrement(ctx context.Context, inc *meter.Increment) (*meter.Outcome, error) {
	if inc.Quantity <= 0 {
		return nil, quota.ErrInvalidQuantity
	}

	var guardID string
	if !inc.Guard.IsZero() {
		guardID = inc.Guard.SubscriptionID.String()
	}

	var counter int64
	err := s.pg.NewRaw(`
		INSERT INTO quota_counters AS c (subscriber_id, meter_key, period_start, value, limit_at_write, updated_at)
		SELECT $1::text, $2::text, $3::timestamptz, $4::bigint, $5::bigint, NOW()
		WHERE ($5::bigint < 0 OR $4::bigint <= $5::bigint)
		  AND ($6::text = '' OR EXISTS (
		      SELECT 1 FROM quota_subscriptions
		      WHERE id = $6::text AND version = $7::bigint AND status IN ('trialing', 'active', 'past_due')
		      FOR SHARE))
		ON CONFLICT (subscriber_id, meter_key, period_start) DO UPDATE
		SET value = c.value + EXCLUDED.value,
		    limit_at_write = EXCLUDED.limit_at_write,
		    updated_at = EXCLUDED.updated_at
		WHERE (EXCLUDED.limit_at_write < 0 AND c.value <= 9223372036854775807 - EXCLUDED.value)
		   OR (EXCLUDED.limit_at_write >= 0 AND EXCLUDED.value <= EXCLUDED.limit_at_write - c.value)
		RETURNING c.value
	`, inc.Key.SubscriberID, inc.Key.MeterKey, inc.Key.PeriodStart,
		inc.Quantity, int64(inc.Limit), guardID, inc.Guard.Version,
	).Scan(ctx, &counter)
	if err == nil {
		return &meter.Outcome{Allowed: true, Counter: counter}, nil
	}
	if !isNoRows(err) {
		return nil, err
	}

	// Nothing was written: either the limit refused it or the guard did.
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
	res, err := s.pg.NewRaw(`
		INSERT INTO quota_counters AS c (subscriber_id, meter_key, period_start, value, limit_at_write, updated_at)
		SELECT $1::text, $2::text, $3::timestamptz, $5::bigint, $6::bigint, NOW()
		WHERE $4::bigint = 0 OR EXISTS (
		    SELECT 1 FROM quota_counters
		    WHERE subscriber_id = $1::text AND meter_key = $2::text AND period_start = $3::timestamptz)
		ON CONFLICT (subscriber_id, meter_key, period_start) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = EXCLUDED.updated_at
		WHERE c.value = $4::bigint
	`, r.Key.SubscriberID, r.Key.MeterKey, r.Key.PeriodStart,
		r.Expected, r.Value, int64(r.Limit),
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
	err := s.pg.NewSelect(&models).
		Where("subscriber_id = $1", subscriberID).
		Where("period_start = $2", periodStart).
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
	_, err := s.pg.NewInsert(&models).
		OnConflict("DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) QueryUsage(ctx context.Context, subscriberID string, opts meter.QueryOpts) ([]*meter.UsageEvent, error) {
	var models []usageEventModel
	q := s.pg.NewSelect(&models).
		Where("subscriber_id = $1", subscriberID)

	argIdx := 1
	if opts.MeterKey != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("meter_key = $%d", argIdx), opts.MeterKey)
	}
	if !opts.Start.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("timestamp >= $%d", argIdx), opts.Start)
	}
	if !opts.End.IsZero() {
		argIdx++
		q = q.Where(fmt.Sprintf("timestamp <= $%d", argIdx), opts.End)
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
	err := s.pg.NewRaw(`
		SELECT COALESCE(SUM(quantity), 0) FROM quota_usage_events
		WHERE subscriber_id = $1 AND meter_key = $2 AND period_start = $3
	`, key.SubscriberID, key.MeterKey, key.PeriodStart).Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pg.NewDelete((*usageEventModel)(nil)).
		Where("timestamp < $1", before).
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

// jsonMetadata renders metadata for raw statements, which bypass the model's
// jsonb column mapping.
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

// isUniqueViolation matches SQLSTATE 23505 without importing the driver's
// error type.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key value")
}
