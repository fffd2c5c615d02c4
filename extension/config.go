package extension

import "time"

// Config holds the Quota extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.quota" or "quota" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// MeterBatchSize is the number of usage events to buffer before flushing
	// to the store (default: 100).
	MeterBatchSize int `json:"meter_batch_size" mapstructure:"meter_batch_size" yaml:"meter_batch_size"`

	// MeterFlushInterval is how frequently the meter buffer is flushed
	// even if the batch size has not been reached (default: 5s).
	MeterFlushInterval time.Duration `json:"meter_flush_interval" mapstructure:"meter_flush_interval" yaml:"meter_flush_interval"`

	// UsageCacheTTL controls how long Peek snapshots are cached in-process
	// (default: 5s). Decisions never read the cache.
	UsageCacheTTL time.Duration `json:"usage_cache_ttl" mapstructure:"usage_cache_ttl" yaml:"usage_cache_ttl"`

	// SweepInterval enables the background renewal sweep (default: 1m).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// UsageRetention purges usage events older than this on each sweep.
	// Zero keeps events forever.
	UsageRetention time.Duration `json:"usage_retention" mapstructure:"usage_retention" yaml:"usage_retention"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MeterBatchSize:     100,
		MeterFlushInterval: 5 * time.Second,
		UsageCacheTTL:      5 * time.Second,
		SweepInterval:      time.Minute,
	}
}
