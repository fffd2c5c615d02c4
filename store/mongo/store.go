package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	quotastore "github.com/xraph/quota/store"
	"github.com/xraph/quota/subscription"
)

// Collection name constants.
const (
	colPlans         = "quota_plans"
	colSubscriptions = "quota_subscriptions"
	colCounters      = "quota_counters"
	colUsageEvents   = "quota_usage_events"
)

// compile-time interface check
var _ quotastore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Plan swaps run in a multi-document transaction, which needs a replica set
// or sharded cluster. Counter increments are single-document conditional
// updates. The increment guard is read before the update rather than locked
// with it, so a decision racing a plan change may still book against the
// outgoing subscription's period.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all quota collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: mongo: %s indexes: %w", quota.ErrMigrationFailed, col, err)
		}
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return quota.ErrAlreadyExists
		}
		return fmt.Errorf("quota/mongo: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": planID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, quota.ErrPlanNotFound
		}
		return nil, fmt.Errorf("quota/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"slug": slug}).
		Sort(bson.D{{Key: "version", Value: -1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, quota.ErrPlanNotFound
		}
		return nil, fmt.Errorf("quota/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Slug != "" {
		filter["slug"] = opts.Slug
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "slug", Value: 1}, {Key: "version", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/mongo: list plans: %w", err)
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
	res, err := s.mdb.NewUpdate((*planModel)(nil)).
		Filter(bson.M{"_id": planID.String()}).
		Set("status", string(plan.StatusArchived)).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("quota/mongo: archive plan: %w", err)
	}
	if res.MatchedCount() == 0 {
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
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return quota.ErrSubscriptionExists
		}
		return fmt.Errorf("quota/mongo: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, quota.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("quota/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) GetCurrentSubscription(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"subscriber_id": subscriberID, "current": true}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, quota.ErrNoActiveSubscription
		}
		return nil, fmt.Errorf("quota/mongo: get current subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, subscriberID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	filter := bson.M{"subscriber_id": subscriberID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/mongo: list subscriptions: %w", err)
	}
	return fromSubscriptionModels(models)
}

func (s *Store) ListDueSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"current": true,
			"$or": bson.A{
				bson.M{"current_period_end": bson.M{"$lte": before}},
				bson.M{"pending_at": bson.M{"$lte": before}},
			},
		}).
		Sort(bson.D{{Key: "current_period_end", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/mongo: list due subscriptions: %w", err)
	}
	return fromSubscriptionModels(models)
}

// UpdateSubscription writes sub if the stored version still equals
// sub.Version, then bumps sub.Version.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	t := now()

	res, err := s.mdb.Collection(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": m.ID, "version": m.Version},
		subscriptionUpdate(m, t),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return quota.ErrSubscriptionExists
		}
		return fmt.Errorf("quota/mongo: update subscription: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetSubscription(ctx, sub.ID); err != nil {
			return err
		}
		return quota.ErrConflict
	}
	sub.Version++
	sub.UpdatedAt = t
	return nil
}

// ReplaceSubscription ends old and inserts next inside one transaction.
func (s *Store) ReplaceSubscription(ctx context.Context, old, next *subscription.Subscription) error {
	if old.Status.IsCurrent() || !next.Status.IsCurrent() || old.SubscriberID != next.SubscriberID {
		return quota.ErrInvalidInput
	}

	coll := s.mdb.Collection(colSubscriptions)
	sess, err := coll.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("quota/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	t := now()
	o := toSubscriptionModel(old)
	o.PendingPlanID, o.PendingAt = "", nil
	n := toSubscriptionModel(next)
	n.PreviousID = o.ID
	n.Version = 1
	n.CreatedAt, n.UpdatedAt = t, t

	_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		res, err := coll.UpdateOne(txCtx,
			bson.M{"_id": o.ID, "version": o.Version, "current": true},
			subscriptionUpdate(o, t),
		)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, quota.ErrConflict
		}
		if _, err := coll.InsertOne(txCtx, n); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, quota.ErrConflict
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, quota.ErrConflict) {
			return quota.ErrConflict
		}
		return fmt.Errorf("quota/mongo: replace subscription: %w", err)
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
	var m counterModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": key.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("quota/mongo: peek counter: %w", err)
	}
	return m.Value, nil
}

// CheckAndIncrement bumps the counter with a filter that only matches while
// the increment fits, so the check and the write are one document update.
// A missing document is created with an insert; losing that race to another
// writer falls back to the conditional update.
func (s *Store) CheckAndIncrement(ctx context.Context, inc *meter.Increment) (*meter.Outcome, error) {
	if inc.Quantity <= 0 {
		return nil, quota.ErrInvalidQuantity
	}
	if !inc.Guard.IsZero() {
		sub, err := s.GetSubscription(ctx, inc.Guard.SubscriptionID)
		if err != nil && !errors.Is(err, quota.ErrSubscriptionNotFound) {
			return nil, err
		}
		if sub == nil || sub.Version != inc.Guard.Version || !sub.Status.IsCurrent() {
			return nil, quota.ErrConflict
		}
	}

	coll := s.mdb.Collection(colCounters)
	docID := inc.Key.String()
	t := now()

	ceiling := int64(math.MaxInt64) - inc.Quantity
	if !inc.Limit.IsUnlimited() {
		ceiling = int64(inc.Limit) - inc.Quantity
	}
	filter := bson.M{"_id": docID, "value": bson.M{"$lte": ceiling}}
	update := bson.M{
		"$inc": bson.M{"value": inc.Quantity},
		"$set": bson.M{"limit_at_write": int64(inc.Limit), "updated_at": t},
	}
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)

	for attempt := 0; attempt < 2; attempt++ {
		var m counterModel
		err := coll.FindOneAndUpdate(ctx, filter, update, after).Decode(&m)
		if err == nil {
			return &meter.Outcome{Allowed: true, Counter: m.Value}, nil
		}
		if !isNoDocuments(err) {
			return nil, fmt.Errorf("quota/mongo: increment counter: %w", err)
		}

		// No match: the document is missing or the increment does not fit.
		if !inc.Limit.Allows(0, inc.Quantity) {
			break
		}
		_, err = coll.InsertOne(ctx, &counterModel{
			ID:           docID,
			SubscriberID: inc.Key.SubscriberID,
			MeterKey:     inc.Key.MeterKey,
			PeriodStart:  inc.Key.PeriodStart,
			Value:        inc.Quantity,
			LimitAtWrite: int64(inc.Limit),
			UpdatedAt:    t,
		})
		if err == nil {
			return &meter.Outcome{Allowed: true, Counter: inc.Quantity}, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("quota/mongo: create counter: %w", err)
		}
	}

	current, err := s.PeekCounter(ctx, inc.Key)
	if err != nil {
		return nil, err
	}
	if inc.Limit.IsUnlimited() {
		return nil, quota.ErrInvalidQuantity
	}
	return &meter.Outcome{Allowed: false, Counter: current}, nil
}

// ResetCounter overwrites the counter only while it still holds
// r.Expected. With Expected 0 and no document, the insert creates it; a
// concurrent creator wins and the reset reports a conflict.
func (s *Store) ResetCounter(ctx context.Context, r *meter.Reset) error {
	if r.Value < 0 {
		return quota.ErrInvalidQuantity
	}
	coll := s.mdb.Collection(colCounters)
	docID := r.Key.String()
	t := now()

	res, err := coll.UpdateOne(ctx,
		bson.M{"_id": docID, "value": r.Expected},
		bson.M{"$set": bson.M{"value": r.Value, "updated_at": t}},
	)
	if err != nil {
		return fmt.Errorf("quota/mongo: reset counter: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if r.Expected != 0 {
		return quota.ErrConflict
	}

	_, err = coll.InsertOne(ctx, &counterModel{
		ID:           docID,
		SubscriberID: r.Key.SubscriberID,
		MeterKey:     r.Key.MeterKey,
		PeriodStart:  r.Key.PeriodStart,
		Value:        r.Value,
		LimitAtWrite: int64(r.Limit),
		UpdatedAt:    t,
	})
	if mongo.IsDuplicateKeyError(err) {
		return quota.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("quota/mongo: create counter: %w", err)
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context, subscriberID string, periodStart time.Time) ([]*meter.Counter, error) {
	var models []counterModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"subscriber_id": subscriberID, "period_start": periodStart}).
		Sort(bson.D{{Key: "meter_key", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota/mongo: list counters: %w", err)
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
	for _, e := range events {
		m := toUsageEventModel(e)
		_, err := s.mdb.NewInsert(m).Exec(ctx)
		if err != nil {
			// Skip duplicates for idempotency
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return fmt.Errorf("quota/mongo: ingest event: %w", err)
		}
	}
	return nil
}

func (s *Store) QueryUsage(ctx context.Context, subscriberID string, opts meter.QueryOpts) ([]*meter.UsageEvent, error) {
	var models []usageEventModel

	filter := bson.M{"subscriber_id": subscriberID}
	if opts.MeterKey != "" {
		filter["meter_key"] = opts.MeterKey
	}
	if !opts.Start.IsZero() || !opts.End.IsZero() {
		ts := bson.M{}
		if !opts.Start.IsZero() {
			ts["$gte"] = opts.Start
		}
		if !opts.End.IsZero() {
			ts["$lte"] = opts.End
		}
		filter["timestamp"] = ts
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "timestamp", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("quota/mongo: query usage: %w", err)
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
	pipeline := bson.A{
		bson.M{"$match": bson.M{
			"subscriber_id": key.SubscriberID,
			"meter_key":     key.MeterKey,
			"period_start":  key.PeriodStart,
		}},
		bson.M{"$group": bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$quantity"},
		}},
	}

	cursor, err := s.mdb.Collection(colUsageEvents).Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("quota/mongo: sum usage: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, fmt.Errorf("quota/mongo: sum usage decode: %w", err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*usageEventModel)(nil)).
		Filter(bson.M{"timestamp": bson.M{"$lt": before}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota/mongo: purge usage: %w", err)
	}
	return res.DeletedCount(), nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// subscriptionUpdate is the update document for a version-checked write:
// present fields are set, nil optional fields are removed and the version
// moves with $inc.
func subscriptionUpdate(m *subscriptionModel, t time.Time) bson.M {
	set := bson.M{
		"plan_id":              m.PlanID,
		"status":               m.Status,
		"current":              m.Current,
		"renewal_policy":       m.RenewalPolicy,
		"current_period_start": m.CurrentPeriodStart,
		"current_period_end":   m.CurrentPeriodEnd,
		"metadata":             m.Metadata,
		"updated_at":           t,
	}
	unset := bson.M{}

	optional := map[string]*time.Time{
		"trial_end":   m.TrialEnd,
		"cancel_at":   m.CancelAt,
		"canceled_at": m.CanceledAt,
		"ended_at":    m.EndedAt,
		"pending_at":  m.PendingAt,
	}
	for k, v := range optional {
		if v != nil {
			set[k] = *v
		} else {
			unset[k] = ""
		}
	}
	if m.PendingPlanID != "" {
		set["pending_plan_id"] = m.PendingPlanID
	} else {
		unset["pending_plan_id"] = ""
	}

	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
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

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all quota collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys:    bson.D{{Key: "slug", Value: 1}, {Key: "version", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colSubscriptions: {
			{
				Keys: bson.D{{Key: "subscriber_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"current": true}),
			},
			{Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "current", Value: 1}, {Key: "current_period_end", Value: 1}}},
		},
		colCounters: {
			{Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "period_start", Value: 1}}},
		},
		colUsageEvents: {
			{Keys: bson.D{{Key: "subscriber_id", Value: 1}, {Key: "meter_key", Value: 1}, {Key: "period_start", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
	}
}
