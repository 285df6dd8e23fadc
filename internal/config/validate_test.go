package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefaults(t *testing.T) *Config {
	t.Helper()
	cfg := NewDefaults()
	cfg.Catalog.Path = t.TempDir()
	return cfg
}

func fields(issues []ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Field
	}
	return out
}

func TestValidate_Nil(t *testing.T) {
	t.Parallel()
	assert.True(t, Validate(nil, nil).HasErrors())
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"pool size", func(c *Config) { c.Orchestrator.PoolSize = 0 }, "orchestrator.pool_size"},
		{"compensation attempts", func(c *Config) { c.Orchestrator.CompensationAttempts = 0 }, "orchestrator.compensation_attempts"},
		{"retry strategy", func(c *Config) { c.Retry.Strategy = "SOMETIMES" }, "retry.strategy"},
		{"max attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"jitter", func(c *Config) { c.Retry.JitterFactor = 1.5 }, "retry.jitter_factor"},
		{"breaker threshold zero", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"breaker threshold above one", func(c *Config) { c.Breaker.FailureThreshold = 1.1 }, "breaker.failure_threshold"},
		{"quota rate", func(c *Config) { c.Quotas["billing"] = QuotaConfig{Rate: 0, Burst: 1} }, "quotas.billing.rate"},
		{"store backend", func(c *Config) { c.Store.Backend = "s3" }, "store.backend"},
		{"redis addr", func(c *Config) { c.Store.Backend = StoreRedis }, "store.redis_addr"},
		{"postgres dsn", func(c *Config) { c.Store.Backend = StorePostgres }, "store.postgres_dsn"},
		{"file dir", func(c *Config) { c.Store.Backend, c.Store.Dir = StoreFile, "" }, "store.dir"},
		{"bridge transport", func(c *Config) { c.Bridge.Enabled, c.Bridge.Transport = true, "nats" }, "bridge.transport"},
		{"bridge redis", func(c *Config) { c.Bridge.Enabled, c.Bridge.Transport = true, BridgeRedis }, "bridge.redis_addr"},
		{"catalog glob", func(c *Config) { c.Catalog.Patterns = []string{"[a-"} }, "catalog.patterns[0]"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validDefaults(t)
			tt.mutate(cfg)
			vr := Validate(cfg, nil)
			require.True(t, vr.HasErrors())
			assert.Contains(t, fields(vr.Errors()), tt.field)
		})
	}
}

func TestValidate_DisabledBridgeIsNotChecked(t *testing.T) {
	t.Parallel()

	cfg := validDefaults(t)
	cfg.Bridge.Transport = "nats"
	assert.False(t, Validate(cfg, nil).HasErrors())
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()

	cfg, md, err := LoadFromFile(testdataPath(t, "corvid-full.toml"))
	require.NoError(t, err)
	cfg.Catalog.Path = "does-not-exist"

	vr := Validate(cfg, &md)
	assert.False(t, vr.HasErrors(), "%v", vr.Errors())
	require.True(t, vr.HasWarnings())
	assert.ElementsMatch(t, []string{"catalog.path", "unexpected.key"}, fields(vr.Warnings()))
}

func TestValidate_MemoryBridgeWithoutExecutor(t *testing.T) {
	t.Parallel()

	cfg := validDefaults(t)
	cfg.Bridge.Enabled = true
	cfg.Bridge.Executor = false
	vr := Validate(cfg, nil)
	assert.False(t, vr.HasErrors())
	assert.Equal(t, []string{"bridge.executor"}, fields(vr.Warnings()))
}
