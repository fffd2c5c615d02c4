// Package extension provides the Forge extension adapter for Quota.
//
// It implements the forge.Extension interface to integrate Quota
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.quota" or "quota" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/quota"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "quota"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Plan entitlements and atomic usage metering"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Quota as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config    Config
	engine    *quota.Engine
	store     store.Store
	quotaOpts []quota.Option
}

// New creates a new Quota Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Quota engine.
// This is nil until Register is called.
func (e *Extension) Engine() *quota.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = quota.New(e.store, e.buildQuotaOpts()...)

	return vessel.Provide(fapp.Container(), func() (*quota.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("quota: extension not initialized")
	}
	if err := e.engine.Start(ctx); err != nil {
		return err
	}
	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("quota: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildQuotaOpts constructs quota.Option values from the resolved config.
// Pass-through options come last so they win.
func (e *Extension) buildQuotaOpts() []quota.Option {
	opts := make([]quota.Option, 0, len(e.quotaOpts)+5)

	opts = append(opts,
		quota.WithMeterConfig(e.config.MeterBatchSize, e.config.MeterFlushInterval),
		quota.WithUsageCacheTTL(e.config.UsageCacheTTL),
		quota.WithSweepInterval(e.config.SweepInterval),
	)
	if e.config.UsageRetention > 0 {
		opts = append(opts, quota.WithUsageRetention(e.config.UsageRetention))
	}
	if e.config.DisableMigrate {
		opts = append(opts, quota.WithoutMigrate())
	}

	return append(opts, e.quotaOpts...)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("quota: configuration is required but not found in config files; " +
				"ensure 'extensions.quota' or 'quota' key exists in your config")
		}
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("quota: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("meter_batch_size", e.config.MeterBatchSize),
		forge.F("meter_flush_interval", e.config.MeterFlushInterval),
		forge.F("usage_cache_ttl", e.config.UsageCacheTTL),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("usage_retention", e.config.UsageRetention),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.quota", "quota"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("quota: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("quota: failed to bind config",
			forge.F("key", key),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MeterBatchSize == 0 {
		cfg.MeterBatchSize = defaults.MeterBatchSize
	}
	if cfg.MeterFlushInterval == 0 {
		cfg.MeterFlushInterval = defaults.MeterFlushInterval
	}
	if cfg.UsageCacheTTL == 0 {
		cfg.UsageCacheTTL = defaults.UsageCacheTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if yamlConfig.MeterBatchSize == 0 {
		yamlConfig.MeterBatchSize = programmaticConfig.MeterBatchSize
	}
	if yamlConfig.MeterFlushInterval == 0 {
		yamlConfig.MeterFlushInterval = programmaticConfig.MeterFlushInterval
	}
	if yamlConfig.UsageCacheTTL == 0 {
		yamlConfig.UsageCacheTTL = programmaticConfig.UsageCacheTTL
	}
	if yamlConfig.SweepInterval == 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.UsageRetention == 0 {
		yamlConfig.UsageRetention = programmaticConfig.UsageRetention
	}
	return e.mergeWithDefaults(yamlConfig)
}
