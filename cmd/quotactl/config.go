package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/types"
)

// Config is the quotactl configuration, read from quotactl.yaml and QUOTA_*
// environment variables.
type Config struct {
	LogLevel    string            `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Plans       []PlanConfig      `mapstructure:"plans" validate:"dive"`
	Subscribers map[string]string `mapstructure:"subscribers"`
}

// RedisConfig enables Redis-backed counters and event deduplication. Both
// stay in memory while Addr is empty.
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db" validate:"gte=0"`
	Prefix         string        `mapstructure:"prefix"`
	CounterTTL     time.Duration `mapstructure:"counter_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type PlanConfig struct {
	Slug         string           `mapstructure:"slug" validate:"required"`
	Name         string           `mapstructure:"name"`
	Period       string           `mapstructure:"period" validate:"omitempty,oneof=monthly yearly hourly minute"`
	Price        int64            `mapstructure:"price" validate:"gte=0"`
	Currency     string           `mapstructure:"currency" validate:"omitempty,len=3"`
	TrialDays    int              `mapstructure:"trial_days" validate:"gte=0"`
	DefaultLimit *int64           `mapstructure:"default_limit" validate:"omitempty,gte=-1"`
	Features     []FeatureConfig  `mapstructure:"features" validate:"dive"`
	RateLimit    *RateLimitConfig `mapstructure:"rate_limit"`
}

type FeatureConfig struct {
	Key   string `mapstructure:"key" validate:"required"`
	Name  string `mapstructure:"name"`
	Limit int64  `mapstructure:"limit" validate:"gte=-1"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" validate:"gt=0"`
	Window   time.Duration `mapstructure:"window" validate:"gt=0"`
}

// loadConfig reads path, or quotactl.yaml from the usual places when path is
// empty. A missing default file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", "warn")
	v.SetDefault("redis.prefix", "quota:")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quotactl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/quota")
		v.AddConfigPath("/etc/quota")
	}

	v.SetEnvPrefix("QUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{"log_level", "redis.addr", "redis.password", "redis.db", "redis.prefix", "redis.counter_ttl", "redis.idempotency_ttl"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) slogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func (pc PlanConfig) toPlan() *plan.Plan {
	p := &plan.Plan{
		Name:      pc.Name,
		Slug:      pc.Slug,
		Period:    plan.Period(pc.Period),
		TrialDays: pc.TrialDays,
	}
	if p.Name == "" {
		p.Name = pc.Slug
	}
	if p.Period == "" {
		p.Period = plan.PeriodMonthly
	}
	currency := pc.Currency
	if currency == "" {
		currency = "usd"
	}
	p.Price = types.Zero(currency)
	p.Price.Amount = pc.Price

	for _, f := range pc.Features {
		p.Features = append(p.Features, plan.Feature{Key: f.Key, Name: f.Name, Limit: plan.Limit(f.Limit)})
	}
	if pc.DefaultLimit != nil {
		l := plan.Limit(*pc.DefaultLimit)
		p.DefaultLimit = &l
	}
	if pc.RateLimit != nil {
		p.RateLimit = &plan.RateLimit{Requests: pc.RateLimit.Requests, Window: pc.RateLimit.Window}
	}
	return p
}

// periodAnchor is the calendar boundary periods align to, so counter keys
// stay stable across invocations sharing a Redis.
func periodAnchor(p plan.Period, now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case plan.PeriodYearly:
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case plan.PeriodHourly:
		return now.Truncate(time.Hour)
	case plan.PeriodMinute:
		return now.Truncate(time.Minute)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
