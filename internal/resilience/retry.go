package resilience

import (
	"context"
	"math"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
)

// RetryConfig bounds and schedules retries. It is the catalog's RetryPolicy
// so a per-step override needs no conversion.
type RetryConfig = catalog.RetryPolicy

// DefaultRetryConfig returns the engine-wide retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:     catalog.RetryExponential,
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.1,
	}
}

// EffectiveRetry returns the step's override when present, otherwise def,
// normalised so MaxAttempts is at least 1 and NONE allows no retries.
func EffectiveRetry(sc catalog.StepContext, def RetryConfig) RetryConfig {
	cfg := def
	if sc.Retry != nil {
		cfg = *sc.Retry
	}
	return normalize(cfg)
}

func normalize(cfg RetryConfig) RetryConfig {
	if cfg.Strategy == "" {
		cfg.Strategy = catalog.RetryExponential
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Strategy == catalog.RetryNone {
		cfg.MaxAttempts = 1
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}
	return cfg
}

// Delay returns the wait before retry n (1-indexed: n=1 is the wait after
// the first failed attempt). rnd supplies jitter in [0, 1) and is only
// consulted by JITTERED_EXPONENTIAL.
func Delay(cfg RetryConfig, n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	var d time.Duration
	switch cfg.Strategy {
	case catalog.RetryNone:
		return 0
	case catalog.RetryFixed:
		d = cfg.BaseDelay
	case catalog.RetryExponential, catalog.RetryJitteredExponential, "":
		d = time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(n-1)))
		if d < 0 {
			d = cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Strategy == catalog.RetryJitteredExponential && cfg.JitterFactor > 0 && rnd != nil {
		d += time.Duration(rnd() * cfg.JitterFactor * float64(d))
	}
	return d
}

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// sleep waits on a timer so only the calling goroutine is parked.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
