package config

import (
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
)

// NewDefaults returns a Config populated with all default values: an
// in-memory store, no delegation and exponential retry with three attempts.
func NewDefaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			PoolSize:             4,
			CompensationAttempts: 2,
			ValidateOutputs:      true,
		},
		Retry: RetryConfig{
			Strategy:     catalog.RetryExponential,
			MaxAttempts:  3,
			BaseDelay:    Duration{100 * time.Millisecond},
			MaxDelay:     Duration{10 * time.Second},
			JitterFactor: 0.1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 0.5,
			MinRequests:      5,
			Cooldown:         Duration{30 * time.Second},
			Window:           Duration{time.Minute},
		},
		Quotas: map[string]QuotaConfig{},
		Store: StoreConfig{
			Backend:     StoreMemory,
			Dir:         ".corvid/state",
			RedisPrefix: "corvid:wf:",
		},
		Bridge: BridgeConfig{
			Transport:    BridgeMemory,
			StreamPrefix: "corvid:events:",
			Group:        "corvid",
			Timeout:      Duration{5 * time.Minute},
			Executor:     true,
			ExecutorPool: 4,
		},
		Catalog: CatalogConfig{
			Path: "catalogs",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
