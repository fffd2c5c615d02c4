package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/quota"
	"github.com/xraph/quota/idempotency"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/store/memory"
	quotaredis "github.com/xraph/quota/store/redis"
	"github.com/xraph/quota/subscription"
)

// app is one engine instance set up from Config. Plans and subscriptions live
// in memory for the process; counters and event IDs outlive it when Redis is
// configured.
type app struct {
	cfg    *Config
	engine *quota.Engine
	store  *memory.Store
	redis  *goredis.Client
	logger *slog.Logger
}

func newApp(ctx context.Context, cfg *Config, logOut io.Writer) (*app, error) {
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.slogLevel()}))
	s := memory.New()

	opts := []quota.Option{
		quota.WithLogger(logger),
		quota.WithUsageCacheTTL(0),
	}

	a := &app{cfg: cfg, store: s, logger: logger}
	if cfg.Redis.Addr != "" {
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		counters := quotaredis.NewCounterStore(a.redis,
			quotaredis.WithKeyPrefix(cfg.Redis.Prefix),
			quotaredis.WithTTL(cfg.Redis.CounterTTL),
			quotaredis.WithGuard(quotaredis.SubscriptionGuard(s)),
		)
		opts = append(opts,
			quota.WithCounterStore(counters),
			quota.WithIdempotency(idempotency.NewRedisStore(a.redis, cfg.Redis.Prefix+"event:"), cfg.Redis.IdempotencyTTL),
		)
	} else {
		opts = append(opts, quota.WithIdempotency(idempotency.NewMemoryStore(), 0))
	}

	a.engine = quota.New(s, opts...)
	if err := a.engine.Start(ctx); err != nil {
		a.close()
		return nil, err
	}
	for _, pc := range cfg.Plans {
		if err := a.engine.CreatePlan(ctx, pc.toPlan()); err != nil {
			a.close()
			return nil, fmt.Errorf("plan %q: %w", pc.Slug, err)
		}
	}
	return a, nil
}

func (a *app) close() {
	if err := a.engine.Stop(); err != nil {
		a.logger.Warn("quotactl: engine stop failed", "error", err)
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// subscribe puts subscriberID on planSlug, or on the plan the config assigns
// it when planSlug is empty. Periods are anchored to calendar boundaries.
func (a *app) subscribe(ctx context.Context, subscriberID, planSlug string) (*subscription.Subscription, error) {
	if planSlug == "" {
		planSlug = a.cfg.Subscribers[subscriberID]
	}
	if planSlug == "" {
		return nil, nil
	}
	p, err := a.engine.GetPlanBySlug(ctx, planSlug)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", planSlug, err)
	}
	sub, err := a.engine.Subscribe(ctx, subscriberID, p.ID, quota.WithPeriodAnchor(periodAnchor(p.Period, timeNow())))
	if errors.Is(err, quota.ErrSubscriptionExists) {
		return a.engine.CurrentSubscription(ctx, subscriberID)
	}
	return sub, err
}

func (a *app) plans(ctx context.Context) ([]*plan.Plan, error) {
	return a.engine.Catalog().ListPlans(ctx, plan.ListOpts{})
}
