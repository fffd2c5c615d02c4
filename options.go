package quota

import (
	"log/slog"
	"time"

	"github.com/xraph/quota/idempotency"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plugin"
)

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithMeterConfig configures the usage log buffer: events are written to the
// store in batches of batchSize, or every flushInterval.
func WithMeterConfig(batchSize int, flushInterval time.Duration) Option {
	return func(e *Engine) {
		if batchSize > 0 {
			e.meterBatchSize = batchSize
		}
		if flushInterval > 0 {
			e.meterFlushInterval = flushInterval
		}
	}
}

// WithMeterBuffer sets the capacity of the in-memory usage event buffer.
func WithMeterBuffer(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.meterBufferSize = size
		}
	}
}

// WithUsageCacheTTL sets how long Peek results are served from memory.
// Zero disables the cache.
func WithUsageCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.usageCacheTTL = ttl
	}
}

// WithRetryPolicy sets how conflicting writes are retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithSweepInterval enables the background sweep. Zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithSweepConcurrency bounds how many subscriptions a sweep rolls over at once.
func WithSweepConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepConcurrency = n
		}
	}
}

// WithUsageRetention makes Sweep purge usage events older than d.
func WithUsageRetention(d time.Duration) Option {
	return func(e *Engine) {
		e.usageRetention = d
	}
}

// WithIdempotency sets the store used to deduplicate Decide calls carrying
// an event ID.
func WithIdempotency(s idempotency.Store, ttl time.Duration) Option {
	return func(e *Engine) {
		e.idem = s
		if ttl > 0 {
			e.idemTTL = ttl
		}
	}
}

// WithCounterStore routes counter reads and increments to s instead of the
// main store.
func WithCounterStore(s meter.CounterStore) Option {
	return func(e *Engine) {
		e.counters = s
	}
}

// WithoutMigrate makes Start skip store migrations, for deployments that
// migrate out of band.
func WithoutMigrate() Option {
	return func(e *Engine) {
		e.skipMigrate = true
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
