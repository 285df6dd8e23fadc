// Package config loads corvid.toml and layers defaults, file values,
// CORVID_* environment variables and CLI flags into one Config.
package config

import (
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
)

// Config is the top-level configuration structure mapping to corvid.toml.
type Config struct {
	Orchestrator OrchestratorConfig     `toml:"orchestrator"`
	Retry        RetryConfig            `toml:"retry"`
	Breaker      BreakerConfig          `toml:"breaker"`
	Quotas       map[string]QuotaConfig `toml:"quotas"`
	Store        StoreConfig            `toml:"store"`
	Bridge       BridgeConfig           `toml:"bridge"`
	Catalog      CatalogConfig          `toml:"catalog"`
	Metrics      MetricsConfig          `toml:"metrics"`
	Log          LogConfig              `toml:"log"`
}

// OrchestratorConfig maps to the [orchestrator] section.
type OrchestratorConfig struct {
	PoolSize             int  `toml:"pool_size"`
	FailFast             bool `toml:"fail_fast"`
	CompensationAttempts int  `toml:"compensation_attempts"`
	// ValidateOutputs runs catalog validation rules on every step output.
	ValidateOutputs bool `toml:"validate_outputs"`
}

// RetryConfig maps to the [retry] section: the policy for steps without
// their own.
type RetryConfig struct {
	Strategy     catalog.RetryStrategy `toml:"strategy"`
	MaxAttempts  int                   `toml:"max_attempts"`
	BaseDelay    Duration              `toml:"base_delay"`
	MaxDelay     Duration              `toml:"max_delay"`
	JitterFactor float64               `toml:"jitter_factor"`
}

// Policy converts r to a catalog retry policy.
func (r RetryConfig) Policy() catalog.RetryPolicy {
	return catalog.RetryPolicy{
		Strategy:     r.Strategy,
		MaxAttempts:  r.MaxAttempts,
		BaseDelay:    r.BaseDelay.Duration,
		MaxDelay:     r.MaxDelay.Duration,
		JitterFactor: r.JitterFactor,
	}
}

// BreakerConfig maps to the [breaker] section.
type BreakerConfig struct {
	FailureThreshold float64  `toml:"failure_threshold"`
	MinRequests      int      `toml:"min_requests"`
	Cooldown         Duration `toml:"cooldown"`
	Window           Duration `toml:"window"`
}

// QuotaConfig maps to a [quotas.<component>] section.
type QuotaConfig struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// StoreConfig maps to the [store] section.
type StoreConfig struct {
	Backend string `toml:"backend"`
	// Dir is the root of the file backend.
	Dir string `toml:"dir"`
	// RedisAddr and RedisPrefix configure the redis backend.
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
	// PostgresDSN configures the postgres backend.
	PostgresDSN string `toml:"postgres_dsn"`
	// KeepVersions bounds history after a workflow finishes. Zero keeps all.
	KeepVersions int `toml:"keep_versions"`
}

// Bridge transports.
const (
	BridgeMemory = "memory"
	BridgeRedis  = "redis"
)

// BridgeConfig maps to the [bridge] section.
type BridgeConfig struct {
	// Enabled turns on delegation of steps with a delegate group.
	Enabled      bool     `toml:"enabled"`
	Transport    string   `toml:"transport"`
	RedisAddr    string   `toml:"redis_addr"`
	StreamPrefix string   `toml:"stream_prefix"`
	Group        string   `toml:"group"`
	Timeout      Duration `toml:"timeout"`
	// GroupTimeouts replaces the timeout derived from a delegate group's
	// member steps.
	GroupTimeouts map[string]Duration `toml:"group_timeouts"`
	// Executor runs an in-process executor for delegated groups.
	Executor     bool `toml:"executor"`
	ExecutorPool int  `toml:"executor_pool"`
}

// CatalogConfig maps to the [catalog] section.
type CatalogConfig struct {
	// Path is a catalog file or a directory to discover catalogs under.
	Path string `toml:"path"`
	// Patterns are doublestar globs used when Path is a directory.
	Patterns []string `toml:"patterns"`
}

// MetricsConfig maps to the [metrics] section.
type MetricsConfig struct {
	Addr string `toml:"addr"`
	Path string `toml:"path"`
}

// LogConfig maps to the [log] section.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string such as "250ms".
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
