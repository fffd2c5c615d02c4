package quota

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/idempotency"
	"github.com/xraph/quota/internal/keylock"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/subscription"
)

// Engine is the entitlement and metering engine. It decides whether a
// subscriber may perform a metered action and records the consumption
// atomically, so concurrent callers can never spend more than the plan
// allows.
type Engine struct {
	store    store.Store
	counters meter.CounterStore
	plugins  *plugin.Registry
	logger   *slog.Logger
	now      func() time.Time

	catalog  *Catalog
	ledger   *Ledger
	usage    entitlement.Cache
	limiters *rateLimiters
	idem     idempotency.Store
	idemTTL  time.Duration
	retry    RetryPolicy

	// Background workers
	started     atomic.Bool
	meterBuffer chan *meter.UsageEvent
	flushReq    chan chan struct{}
	stopChan    chan struct{}
	wg          sync.WaitGroup

	// recording is held shared by Decide from the increment until the usage
	// event is handed off, and exclusively by RebuildCounter.
	recording sync.RWMutex

	// Configuration
	meterBatchSize     int
	meterFlushInterval time.Duration
	meterBufferSize    int
	usageCacheTTL      time.Duration
	sweepInterval      time.Duration
	sweepConcurrency   int
	usageRetention     time.Duration
	skipMigrate        bool
}

// New creates a new Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		now:                time.Now,
		idemTTL:            idempotency.DefaultTTL,
		retry:              DefaultRetryPolicy(),
		flushReq:           make(chan chan struct{}),
		stopChan:           make(chan struct{}),
		meterBatchSize:     100,
		meterFlushInterval: 5 * time.Second,
		meterBufferSize:    10000,
		usageCacheTTL:      2 * time.Second,
		sweepConcurrency:   8,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.counters == nil {
		e.counters = s
	}
	e.meterBuffer = make(chan *meter.UsageEvent, e.meterBufferSize)
	e.usage = entitlement.NewMemoryCache(e.usageCacheTTL)
	e.limiters = newRateLimiters()
	e.catalog = newCatalog(s, e.plugins, e.logger)
	e.ledger = &Ledger{
		store:   s,
		catalog: e.catalog,
		plugins: e.plugins,
		logger:  e.logger,
		locks:   keylock.New(),
		retry:   retrier{policy: e.retry, logger: e.logger},
		now:     e.now,
		changed: e.usage.Invalidate,
	}

	return e
}

// Start migrates the store, initializes plugins and begins background
// workers.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	workerCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go e.meterFlushWorker(workerCtx)

	if e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepWorker(workerCtx)
	}
	e.started.Store(true)

	e.logger.Info("quota started",
		"batch_size", e.meterBatchSize,
		"flush_interval", e.meterFlushInterval,
		"usage_cache_ttl", e.usageCacheTTL,
		"sweep_interval", e.sweepInterval,
	)
	return nil
}

// Stop flushes buffered usage, stops workers and closes the store.
func (e *Engine) Stop() error {
	if e.started.CompareAndSwap(true, false) {
		close(e.stopChan)
		e.wg.Wait()
	}

	ctx := context.Background()
	e.drainMeterBuffer(ctx)
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Ledger returns the subscription ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// ──────────────────────────────────────────────────
// Plans
// ──────────────────────────────────────────────────

// CreatePlan creates a plan, or a new version of an existing slug.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	return e.catalog.CreatePlan(ctx, p)
}

// GetPlan retrieves a plan by ID.
func (e *Engine) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return e.catalog.GetPlan(ctx, planID)
}

// GetPlanBySlug retrieves the latest version of a plan.
func (e *Engine) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	return e.catalog.GetPlanBySlug(ctx, slug)
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// Subscribe starts a subscription for subscriberID.
func (e *Engine) Subscribe(ctx context.Context, subscriberID string, planID id.PlanID, opts ...SubscribeOption) (*subscription.Subscription, error) {
	return e.ledger.Subscribe(ctx, subscriberID, planID, opts...)
}

// CurrentSubscription returns the subscriber's current subscription.
func (e *Engine) CurrentSubscription(ctx context.Context, subscriberID string) (*subscription.Subscription, error) {
	return e.ledger.Current(ctx, subscriberID)
}

// ChangePlan moves the subscriber to newPlanID at effectiveAt. A zero
// effectiveAt means now.
func (e *Engine) ChangePlan(ctx context.Context, subscriberID string, newPlanID id.PlanID, effectiveAt time.Time) (*ChangeResult, error) {
	return e.ledger.ChangePlan(ctx, subscriberID, newPlanID, effectiveAt)
}

// Renew moves a subscription to a new period.
func (e *Engine) Renew(ctx context.Context, subID id.SubscriptionID, w plan.Window) (*subscription.Subscription, error) {
	return e.ledger.Renew(ctx, subID, w)
}

// Cancel cancels a subscription now or at period end.
func (e *Engine) Cancel(ctx context.Context, subID id.SubscriptionID, immediately bool) (*subscription.Subscription, error) {
	return e.ledger.Cancel(ctx, subID, immediately)
}

// ──────────────────────────────────────────────────
// Usage log
// ──────────────────────────────────────────────────

// recordUsage hands an allowed decision to the usage log. Before Start, or
// when the buffer is full, the event is written synchronously.
func (e *Engine) recordUsage(ctx context.Context, event *meter.UsageEvent) {
	if e.started.Load() {
		select {
		case e.meterBuffer <- event:
			return
		default:
			e.logger.Warn("quota: meter buffer full, writing usage synchronously",
				"subscriber_id", event.SubscriberID,
			)
		}
	}
	e.flushMeterBatch(context.WithoutCancel(ctx), []*meter.UsageEvent{event})
}

// meterFlushWorker flushes usage events to the store.
func (e *Engine) meterFlushWorker(ctx context.Context) {
	defer e.wg.Done()

	batch := make([]*meter.UsageEvent, 0, e.meterBatchSize)
	ticker := time.NewTicker(e.meterFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Final flush
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
			}
			return

		case event := <-e.meterBuffer:
			batch = append(batch, event)
			if len(batch) >= e.meterBatchSize {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}

		case done := <-e.flushReq:
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
				batch = make([]*meter.UsageEvent, 0, e.meterBatchSize)
			}
			e.drainMeterBuffer(ctx)
			close(done)
		}
	}
}

// flushUsage returns once every usage event buffered so far, including a
// batch the flush worker is holding, has been handed to the store.
func (e *Engine) flushUsage(ctx context.Context) error {
	if e.started.Load() {
		done := make(chan struct{})
		select {
		case e.flushReq <- done:
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-e.stopChan:
			// Stop drains the rest.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.drainMeterBuffer(ctx)
	return nil
}

func (e *Engine) drainMeterBuffer(ctx context.Context) {
	batch := make([]*meter.UsageEvent, 0, e.meterBatchSize)
	for {
		select {
		case event := <-e.meterBuffer:
			batch = append(batch, event)
		default:
			if len(batch) > 0 {
				e.flushMeterBatch(ctx, batch)
			}
			return
		}
	}
}

func (e *Engine) flushMeterBatch(ctx context.Context, batch []*meter.UsageEvent) {
	start := time.Now()

	if err := e.store.IngestBatch(ctx, batch); err != nil {
		e.logger.Error("failed to flush meter batch",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}

	elapsed := time.Since(start)
	e.plugins.EmitUsageFlushed(ctx, len(batch), elapsed)

	e.logger.Debug("flushed meter batch",
		"batch_size", len(batch),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
