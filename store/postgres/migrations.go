package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Quota store.
var Migrations = migrate.NewGroup("quota")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_quota_plans",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_plans (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL DEFAULT '',
    slug           TEXT NOT NULL DEFAULT '',
    version        INT NOT NULL DEFAULT 1,
    description    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'active',
    period         TEXT NOT NULL DEFAULT 'monthly',
    price_amount   BIGINT NOT NULL DEFAULT 0,
    price_currency TEXT NOT NULL DEFAULT '',
    trial_days     INT NOT NULL DEFAULT 0,
    features       JSONB NOT NULL DEFAULT '[]',
    default_limit  BIGINT,
    rate_limit     JSONB,
    metadata       JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quota_plans_slug_version ON quota_plans (slug, version);
CREATE INDEX IF NOT EXISTS idx_quota_plans_status ON quota_plans (status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_plans`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_quota_subscriptions",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_subscriptions (
    id                   TEXT PRIMARY KEY,
    subscriber_id        TEXT NOT NULL,
    plan_id              TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'active',
    renewal_policy       TEXT NOT NULL DEFAULT 'auto',
    current_period_start TIMESTAMPTZ NOT NULL,
    current_period_end   TIMESTAMPTZ NOT NULL,
    trial_end            TIMESTAMPTZ,
    cancel_at            TIMESTAMPTZ,
    canceled_at          TIMESTAMPTZ,
    ended_at             TIMESTAMPTZ,
    pending_plan_id      TEXT,
    pending_at           TIMESTAMPTZ,
    previous_id          TEXT NOT NULL DEFAULT '',
    version              BIGINT NOT NULL DEFAULT 1,
    metadata             JSONB NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quota_subs_current ON quota_subscriptions (subscriber_id)
    WHERE status IN ('trialing', 'active', 'past_due');
CREATE INDEX IF NOT EXISTS idx_quota_subs_subscriber ON quota_subscriptions (subscriber_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_quota_subs_due ON quota_subscriptions (current_period_end)
    WHERE status IN ('trialing', 'active', 'past_due');
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_quota_counters",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_counters (
    subscriber_id  TEXT NOT NULL,
    meter_key      TEXT NOT NULL,
    period_start   TIMESTAMPTZ NOT NULL,
    value          BIGINT NOT NULL DEFAULT 0 CHECK (value >= 0),
    limit_at_write BIGINT NOT NULL DEFAULT 0,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (subscriber_id, meter_key, period_start)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_counters`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_quota_usage_events",
			Version: "20260301000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_usage_events (
    id              TEXT PRIMARY KEY,
    subscriber_id   TEXT NOT NULL,
    subscription_id TEXT NOT NULL DEFAULT '',
    meter_key       TEXT NOT NULL,
    quantity        BIGINT NOT NULL DEFAULT 0,
    period_start    TIMESTAMPTZ NOT NULL,
    timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    idempotency_key TEXT NOT NULL DEFAULT '',
    metadata        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_quota_usage_key ON quota_usage_events (subscriber_id, meter_key, period_start);
CREATE INDEX IF NOT EXISTS idx_quota_usage_timestamp ON quota_usage_events (timestamp);
CREATE UNIQUE INDEX IF NOT EXISTS idx_quota_usage_idempotency ON quota_usage_events (idempotency_key) WHERE idempotency_key != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS quota_usage_events`)
				return err
			},
		},
	)
}
