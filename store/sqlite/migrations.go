package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Quota store (SQLite).
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
    version        INTEGER NOT NULL DEFAULT 1,
    description    TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'active',
    period         TEXT NOT NULL DEFAULT 'monthly',
    price_amount   INTEGER NOT NULL DEFAULT 0,
    price_currency TEXT NOT NULL DEFAULT '',
    trial_days     INTEGER NOT NULL DEFAULT 0,
    features       TEXT NOT NULL DEFAULT '[]',
    default_limit  INTEGER,
    rate_limit     TEXT,
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at     TEXT NOT NULL DEFAULT (datetime('now'))
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
    current_period_start TEXT NOT NULL,
    current_period_end   TEXT NOT NULL,
    trial_end            TEXT,
    cancel_at            TEXT,
    canceled_at          TEXT,
    ended_at             TEXT,
    pending_plan_id      TEXT,
    pending_at           TEXT,
    previous_id          TEXT NOT NULL DEFAULT '',
    version              INTEGER NOT NULL DEFAULT 1,
    metadata             TEXT NOT NULL DEFAULT '{}',
    replace_version      INTEGER NOT NULL DEFAULT 0,
    replace_status       TEXT NOT NULL DEFAULT '',
    replace_ended_at     TEXT,
    created_at           TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quota_subs_current ON quota_subscriptions (subscriber_id)
    WHERE status IN ('trialing', 'active', 'past_due');
CREATE INDEX IF NOT EXISTS idx_quota_subs_subscriber ON quota_subscriptions (subscriber_id, created_at);
CREATE INDEX IF NOT EXISTS idx_quota_subs_due ON quota_subscriptions (current_period_end)
    WHERE status IN ('trialing', 'active', 'past_due');

-- A swap inserts the successor with replace_version set. The trigger checks
-- the predecessor still carries that version and ends it before the insert
-- lands, so both rows change in one statement.
CREATE TRIGGER IF NOT EXISTS trg_quota_subs_replace
BEFORE INSERT ON quota_subscriptions
WHEN NEW.replace_version > 0
BEGIN
    SELECT RAISE(ABORT, 'quota: version conflict')
    WHERE NOT EXISTS (
        SELECT 1 FROM quota_subscriptions
        WHERE id = NEW.previous_id
          AND subscriber_id = NEW.subscriber_id
          AND version = NEW.replace_version
          AND status IN ('trialing', 'active', 'past_due')
    );
    UPDATE quota_subscriptions SET
        status = NEW.replace_status,
        canceled_at = COALESCE(canceled_at, NEW.replace_ended_at),
        ended_at = NEW.replace_ended_at,
        pending_plan_id = NULL,
        pending_at = NULL,
        version = version + 1,
        updated_at = NEW.created_at
    WHERE id = NEW.previous_id;
END;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TRIGGER IF EXISTS trg_quota_subs_replace;
DROP TABLE IF EXISTS quota_subscriptions;
`)
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
    period_start   TEXT NOT NULL,
    value          INTEGER NOT NULL DEFAULT 0 CHECK (value >= 0),
    limit_at_write INTEGER NOT NULL DEFAULT 0,
    updated_at     TEXT NOT NULL DEFAULT (datetime('now')),
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
    quantity        INTEGER NOT NULL DEFAULT 0,
    period_start    TEXT NOT NULL,
    timestamp       TEXT NOT NULL DEFAULT (datetime('now')),
    idempotency_key TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    created_at      TEXT NOT NULL DEFAULT (datetime('now'))
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
