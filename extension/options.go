package extension

import (
	"time"

	"github.com/xraph/quota"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/store"
)

// Option configures the Quota Forge extension.
type Option func(*Extension)

// WithStore sets the store for the quota engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithQuotaOption passes a quota.Option through to the underlying engine.
func WithQuotaOption(opt quota.Option) Option {
	return func(e *Extension) {
		e.quotaOpts = append(e.quotaOpts, opt)
	}
}

// WithPlugin registers a quota plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.quotaOpts = append(e.quotaOpts, quota.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMeterBatchSize sets the number of usage events to buffer before flushing.
func WithMeterBatchSize(size int) Option {
	return func(e *Extension) { e.config.MeterBatchSize = size }
}

// WithMeterFlushInterval sets how frequently the meter buffer is flushed.
func WithMeterFlushInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.MeterFlushInterval = d }
}

// WithUsageCacheTTL sets how long Peek snapshots are cached.
func WithUsageCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.UsageCacheTTL = d }
}

// WithSweepInterval sets the background renewal sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SweepInterval = d }
}

// WithUsageRetention sets how long usage events are kept.
func WithUsageRetention(d time.Duration) Option {
	return func(e *Extension) { e.config.UsageRetention = d }
}
