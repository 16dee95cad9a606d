package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTimestampTolerance = 300 * time.Second
	NonceSafetyMargin         = 60 * time.Second
	DefaultIdempotencyTTL     = 24 * time.Hour
	DefaultMaxBodyBytes       = 1 << 20
)

type WebhookConfig struct {
	TimestampToleranceSeconds int               `koanf:"timestamp_tolerance_seconds" mapstructure:"timestamp_tolerance_seconds"`
	NonceTTLSeconds           int               `koanf:"nonce_ttl_seconds" mapstructure:"nonce_ttl_seconds"`
	MaxBodyBytes              int64             `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	Secrets                   map[string]string `koanf:"secrets" mapstructure:"secrets"`
}

type IdempotencyConfig struct {
	RetentionSeconds     int `koanf:"retention_seconds" mapstructure:"retention_seconds"`
	InFlightLeaseSeconds int `koanf:"in_flight_lease_seconds" mapstructure:"in_flight_lease_seconds"`
	WaitTimeoutMillis    int `koanf:"wait_timeout_ms" mapstructure:"wait_timeout_ms"`
	PollIntervalMillis   int `koanf:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

type ReconciliationConfig struct {
	WindowSeconds   int `koanf:"window_seconds" mapstructure:"window_seconds"`
	IntervalSeconds int `koanf:"interval_seconds" mapstructure:"interval_seconds"`
}

// StoreConfig selects the ConditionalStore backend. SQL settings also back
// the reconciliation snapshots and report history when a database is present.
type StoreConfig struct {
	Driver          string `koanf:"driver" mapstructure:"driver"`
	SQLDriver       string `koanf:"sql_driver" mapstructure:"sql_driver"`
	DSN             string `koanf:"dsn" mapstructure:"dsn"`
	RedisAddr       string `koanf:"redis_addr" mapstructure:"redis_addr"`
	RedisPrefix     string `koanf:"redis_prefix" mapstructure:"redis_prefix"`
	ReportCacheSecs int    `koanf:"report_cache_seconds" mapstructure:"report_cache_seconds"`
}

type Config struct {
	ServiceName    string               `koanf:"service_name" mapstructure:"service_name"`
	Webhooks       WebhookConfig        `koanf:"webhooks" mapstructure:"webhooks"`
	Idempotency    IdempotencyConfig    `koanf:"idempotency" mapstructure:"idempotency"`
	Reconciliation ReconciliationConfig `koanf:"reconciliation" mapstructure:"reconciliation"`
	Store          StoreConfig          `koanf:"store" mapstructure:"store"`
}

const (
	StoreDriverMemory = "memory"
	StoreDriverSQL    = "sql"
	StoreDriverRedis  = "redis"
)

func DefaultConfig() Config {
	return Config{
		ServiceName: "settlement-guard",
		Webhooks: WebhookConfig{
			TimestampToleranceSeconds: int(DefaultTimestampTolerance / time.Second),
			NonceTTLSeconds:           int((15 * time.Minute) / time.Second),
			MaxBodyBytes:              DefaultMaxBodyBytes,
			Secrets:                   map[string]string{},
		},
		Idempotency: IdempotencyConfig{
			RetentionSeconds:     int(DefaultIdempotencyTTL / time.Second),
			InFlightLeaseSeconds: 120,
			WaitTimeoutMillis:    750,
			PollIntervalMillis:   25,
		},
		Reconciliation: ReconciliationConfig{
			WindowSeconds:   int((24 * time.Hour) / time.Second),
			IntervalSeconds: int((15 * time.Minute) / time.Second),
		},
		Store: StoreConfig{
			Driver:          StoreDriverMemory,
			SQLDriver:       "postgres",
			RedisPrefix:     "guard:",
			ReportCacheSecs: 30,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Webhooks.TimestampToleranceSeconds <= 0 {
		return fmt.Errorf("core: webhooks.timestamp_tolerance_seconds must be positive")
	}
	if c.NonceTTL() < MinimumNonceTTL(c.TimestampTolerance()) {
		return fmt.Errorf(
			"core: webhooks.nonce_ttl_seconds must be at least %d",
			int(MinimumNonceTTL(c.TimestampTolerance())/time.Second),
		)
	}
	if c.Webhooks.MaxBodyBytes <= 0 {
		return fmt.Errorf("core: webhooks.max_body_bytes must be positive")
	}
	for name := range c.Webhooks.Secrets {
		if _, err := ParseSource(name); err != nil {
			return fmt.Errorf("core: webhooks.secrets: %w", err)
		}
	}
	if c.Idempotency.RetentionSeconds <= 0 {
		return fmt.Errorf("core: idempotency.retention_seconds must be positive")
	}
	if c.Idempotency.InFlightLeaseSeconds <= 0 {
		return fmt.Errorf("core: idempotency.in_flight_lease_seconds must be positive")
	}
	if c.Idempotency.WaitTimeoutMillis < 0 || c.Idempotency.PollIntervalMillis <= 0 {
		return fmt.Errorf("core: idempotency wait settings are invalid")
	}
	if c.Reconciliation.WindowSeconds <= 0 || c.Reconciliation.IntervalSeconds <= 0 {
		return fmt.Errorf("core: reconciliation window and interval must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", StoreDriverMemory, StoreDriverSQL, StoreDriverRedis:
	default:
		return fmt.Errorf("core: unsupported store.driver %q", c.Store.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.SQLDriver)) {
	case "", "postgres", "sqlite3":
	default:
		return fmt.Errorf("core: unsupported store.sql_driver %q", c.Store.SQLDriver)
	}
	if c.Store.ReportCacheSecs < 0 {
		return fmt.Errorf("core: store.report_cache_seconds must not be negative")
	}
	return nil
}

func (c Config) StoreDriver() string {
	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if driver == "" {
		return StoreDriverMemory
	}
	return driver
}

func (c Config) ReportCacheTTL() time.Duration {
	return time.Duration(c.Store.ReportCacheSecs) * time.Second
}

func (c Config) TimestampTolerance() time.Duration {
	return time.Duration(c.Webhooks.TimestampToleranceSeconds) * time.Second
}

func (c Config) NonceTTL() time.Duration {
	return time.Duration(c.Webhooks.NonceTTLSeconds) * time.Second
}

func (c Config) Secret(source Source) string {
	return strings.TrimSpace(c.Webhooks.Secrets[string(source)])
}

func (c Config) IdempotencyRetention() time.Duration {
	return time.Duration(c.Idempotency.RetentionSeconds) * time.Second
}

func (c Config) InFlightLease() time.Duration {
	return time.Duration(c.Idempotency.InFlightLeaseSeconds) * time.Second
}

func (c Config) IdempotencyWait() time.Duration {
	return time.Duration(c.Idempotency.WaitTimeoutMillis) * time.Millisecond
}

func (c Config) IdempotencyPoll() time.Duration {
	return time.Duration(c.Idempotency.PollIntervalMillis) * time.Millisecond
}

func (c Config) ReconciliationWindow() time.Duration {
	return time.Duration(c.Reconciliation.WindowSeconds) * time.Second
}

func (c Config) ReconciliationInterval() time.Duration {
	return time.Duration(c.Reconciliation.IntervalSeconds) * time.Second
}

// MinimumNonceTTL covers a message stamped at the future edge of the window
// being replayed at the past edge, plus a margin for clock drift.
func MinimumNonceTTL(tolerance time.Duration) time.Duration {
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	return 2*tolerance + NonceSafetyMargin
}
