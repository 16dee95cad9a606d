package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed raw map, typically decoded from a
// config file.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig layers defaults, the provider's loaded config, and runtime
// overrides into one validated Config.
func ResolveConfig(ctx context.Context, runtime Config, provider ConfigProvider, resolver OptionsResolver) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	webhooks := map[string]any{}
	putInt(webhooks, "timestamp_tolerance_seconds", cfg.Webhooks.TimestampToleranceSeconds, includeZero)
	putInt(webhooks, "nonce_ttl_seconds", cfg.Webhooks.NonceTTLSeconds, includeZero)
	if includeZero || cfg.Webhooks.MaxBodyBytes > 0 {
		webhooks["max_body_bytes"] = cfg.Webhooks.MaxBodyBytes
	}
	if includeZero || len(cfg.Webhooks.Secrets) > 0 {
		secrets := map[string]any{}
		for source, secret := range cfg.Webhooks.Secrets {
			if strings.TrimSpace(secret) == "" {
				continue
			}
			secrets[strings.ToLower(strings.TrimSpace(source))] = secret
		}
		webhooks["secrets"] = secrets
	}
	if len(webhooks) > 0 {
		layer["webhooks"] = webhooks
	}

	idempotency := map[string]any{}
	putInt(idempotency, "retention_seconds", cfg.Idempotency.RetentionSeconds, includeZero)
	putInt(idempotency, "in_flight_lease_seconds", cfg.Idempotency.InFlightLeaseSeconds, includeZero)
	putInt(idempotency, "wait_timeout_ms", cfg.Idempotency.WaitTimeoutMillis, includeZero)
	putInt(idempotency, "poll_interval_ms", cfg.Idempotency.PollIntervalMillis, includeZero)
	if len(idempotency) > 0 {
		layer["idempotency"] = idempotency
	}

	reconciliation := map[string]any{}
	putInt(reconciliation, "window_seconds", cfg.Reconciliation.WindowSeconds, includeZero)
	putInt(reconciliation, "interval_seconds", cfg.Reconciliation.IntervalSeconds, includeZero)
	if len(reconciliation) > 0 {
		layer["reconciliation"] = reconciliation
	}

	store := map[string]any{}
	putString(store, "driver", strings.ToLower(strings.TrimSpace(cfg.Store.Driver)), includeZero)
	putString(store, "sql_driver", strings.ToLower(strings.TrimSpace(cfg.Store.SQLDriver)), includeZero)
	putString(store, "dsn", strings.TrimSpace(cfg.Store.DSN), includeZero)
	putString(store, "redis_addr", strings.TrimSpace(cfg.Store.RedisAddr), includeZero)
	putString(store, "redis_prefix", cfg.Store.RedisPrefix, includeZero)
	putInt(store, "report_cache_seconds", cfg.Store.ReportCacheSecs, includeZero)
	if len(store) > 0 {
		layer["store"] = store
	}
	return layer
}

func putInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func putString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || value != "" {
		layer[key] = value
	}
}
