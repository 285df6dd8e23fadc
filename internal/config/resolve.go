package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
)

// ConfigSource identifies where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates the value came from built-in defaults.
	SourceDefault ConfigSource = "default"
	// SourceFile indicates the value came from corvid.toml.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates the value came from a CORVID_* environment variable.
	SourceEnv ConfigSource = "env"
	// SourceCLI indicates the value came from a CLI flag.
	SourceCLI ConfigSource = "cli"
)

// EnvPrefix prefixes every environment variable Corvid reads.
const EnvPrefix = "CORVID_"

// ResolvedConfig holds the fully-resolved configuration with source
// tracking. Sources is keyed by dotted path, e.g. "store.backend".
type ResolvedConfig struct {
	Config  *Config
	Sources map[string]ConfigSource
	Path    string
}

// CLIOverrides captures flag values that can override configuration. A nil
// field means "not set".
type CLIOverrides struct {
	StoreBackend *string
	StoreDir     *string
	CatalogPath  *string
	PoolSize     *int
	FailFast     *bool
	LogLevel     *string
	LogFormat    *string
	MetricsAddr  *string
}

// envOverrides are the CORVID_* variables. Pointer fields stay nil when the
// variable is unset.
type envOverrides struct {
	StoreBackend     *string  `env:"STORE_BACKEND"`
	StoreDir         *string  `env:"STORE_DIR"`
	StoreRedisAddr   *string  `env:"STORE_REDIS_ADDR"`
	StorePostgresDSN *string  `env:"STORE_POSTGRES_DSN"`
	PoolSize         *int     `env:"POOL_SIZE"`
	FailFast         *bool    `env:"FAIL_FAST"`
	RetryMaxAttempts *int     `env:"RETRY_MAX_ATTEMPTS"`
	BridgeEnabled    *bool    `env:"BRIDGE_ENABLED"`
	BridgeTransport  *string  `env:"BRIDGE_TRANSPORT"`
	BridgeRedisAddr  *string  `env:"BRIDGE_REDIS_ADDR"`
	CatalogPath      *string  `env:"CATALOG_PATH"`
	MetricsAddr      *string  `env:"METRICS_ADDR"`
	LogLevel         *string  `env:"LOG_LEVEL"`
	LogFormat        *string  `env:"LOG_FORMAT"`
	BreakerThreshold *float64 `env:"BREAKER_FAILURE_THRESHOLD"`
}

// Resolve merges configuration from all sources in priority order:
// CLI flags > environment variables > config file > defaults.
//
// Only keys present in the file (per md) override defaults, so an explicit
// `validate_outputs = false` wins over a true default. environ is the
// environment as a map; env.ToMap(os.Environ()) builds one. A nil environ
// reads nothing.
func Resolve(defaults, file *Config, md toml.MetaData, environ map[string]string, overrides *CLIOverrides) (*ResolvedConfig, error) {
	if defaults == nil {
		defaults = &Config{}
	}
	if overrides == nil {
		overrides = &CLIOverrides{}
	}
	if environ == nil {
		environ = map[string]string{}
	}
	rc := &ResolvedConfig{
		Config:  clone(defaults),
		Sources: make(map[string]ConfigSource),
	}
	for _, k := range leafKeys(reflect.ValueOf(*rc.Config), "") {
		rc.Sources[k] = SourceDefault
	}

	if file != nil {
		applyFile(rc, file, md)
	}

	var eo envOverrides
	if err := env.ParseWithOptions(&eo, env.Options{Environment: environ, Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("reading %s* environment: %w", EnvPrefix, err)
	}
	c := rc.Config
	set(rc, &c.Store.Backend, eo.StoreBackend, "store.backend", SourceEnv)
	set(rc, &c.Store.Dir, eo.StoreDir, "store.dir", SourceEnv)
	set(rc, &c.Store.RedisAddr, eo.StoreRedisAddr, "store.redis_addr", SourceEnv)
	set(rc, &c.Store.PostgresDSN, eo.StorePostgresDSN, "store.postgres_dsn", SourceEnv)
	set(rc, &c.Orchestrator.PoolSize, eo.PoolSize, "orchestrator.pool_size", SourceEnv)
	set(rc, &c.Orchestrator.FailFast, eo.FailFast, "orchestrator.fail_fast", SourceEnv)
	set(rc, &c.Retry.MaxAttempts, eo.RetryMaxAttempts, "retry.max_attempts", SourceEnv)
	set(rc, &c.Bridge.Enabled, eo.BridgeEnabled, "bridge.enabled", SourceEnv)
	set(rc, &c.Bridge.Transport, eo.BridgeTransport, "bridge.transport", SourceEnv)
	set(rc, &c.Bridge.RedisAddr, eo.BridgeRedisAddr, "bridge.redis_addr", SourceEnv)
	set(rc, &c.Catalog.Path, eo.CatalogPath, "catalog.path", SourceEnv)
	set(rc, &c.Metrics.Addr, eo.MetricsAddr, "metrics.addr", SourceEnv)
	set(rc, &c.Log.Level, eo.LogLevel, "log.level", SourceEnv)
	set(rc, &c.Log.Format, eo.LogFormat, "log.format", SourceEnv)
	set(rc, &c.Breaker.FailureThreshold, eo.BreakerThreshold, "breaker.failure_threshold", SourceEnv)

	set(rc, &c.Store.Backend, overrides.StoreBackend, "store.backend", SourceCLI)
	set(rc, &c.Store.Dir, overrides.StoreDir, "store.dir", SourceCLI)
	set(rc, &c.Catalog.Path, overrides.CatalogPath, "catalog.path", SourceCLI)
	set(rc, &c.Orchestrator.PoolSize, overrides.PoolSize, "orchestrator.pool_size", SourceCLI)
	set(rc, &c.Orchestrator.FailFast, overrides.FailFast, "orchestrator.fail_fast", SourceCLI)
	set(rc, &c.Log.Level, overrides.LogLevel, "log.level", SourceCLI)
	set(rc, &c.Log.Format, overrides.LogFormat, "log.format", SourceCLI)
	set(rc, &c.Metrics.Addr, overrides.MetricsAddr, "metrics.addr", SourceCLI)

	return rc, nil
}

func set[T any](rc *ResolvedConfig, dst *T, v *T, key string, src ConfigSource) {
	if v == nil {
		return
	}
	*dst = *v
	rc.Sources[key] = src
}

// applyFile copies every key defined in the file onto rc.
func applyFile(rc *ResolvedConfig, file *Config, md toml.MetaData) {
	dst := reflect.ValueOf(rc.Config).Elem()
	src := reflect.ValueOf(file).Elem()
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "quotas" {
			if rc.Config.Quotas == nil {
				rc.Config.Quotas = make(map[string]QuotaConfig)
			}
			rc.Config.Quotas[key[1]] = file.Quotas[key[1]]
			rc.Sources["quotas."+key[1]] = SourceFile
			continue
		}
		if len(key) != 2 {
			continue
		}
		d, ok := fieldByKey(dst, key)
		if !ok {
			continue
		}
		s, _ := fieldByKey(src, key)
		d.Set(s)
		rc.Sources[strings.Join(key, ".")] = SourceFile
	}
}

// fieldByKey walks struct fields by their toml tags.
func fieldByKey(v reflect.Value, key []string) (reflect.Value, bool) {
	for _, k := range key {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		t := v.Type()
		found := false
		for i := 0; i < t.NumField(); i++ {
			if tomlName(t.Field(i)) == k {
				v, found = v.Field(i), true
				break
			}
		}
		if !found {
			return reflect.Value{}, false
		}
	}
	return v, true
}

var durationType = reflect.TypeOf(Duration{})

// leafKeys lists the dotted paths of every settable value in v.
func leafKeys(v reflect.Value, prefix string) []string {
	var keys []string
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := tomlName(t.Field(i))
		if name == "" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		f := v.Field(i)
		switch {
		case f.Kind() == reflect.Struct && f.Type() != durationType:
			keys = append(keys, leafKeys(f, path)...)
		case f.Kind() == reflect.Map:
			for _, mk := range f.MapKeys() {
				keys = append(keys, path+"."+mk.String())
			}
		default:
			keys = append(keys, path)
		}
	}
	return keys
}

func tomlName(f reflect.StructField) string {
	tag := f.Tag.Get("toml")
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func clone(c *Config) *Config {
	cp := *c
	cp.Quotas = make(map[string]QuotaConfig, len(c.Quotas))
	for k, v := range c.Quotas {
		cp.Quotas[k] = v
	}
	cp.Catalog.Patterns = append([]string(nil), c.Catalog.Patterns...)
	return &cp
}
