package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
)

// ValidationSeverity indicates whether a validation issue is an error or warning.
type ValidationSeverity string

const (
	// SeverityError indicates a fatal validation issue; the configuration is unusable.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates an informational validation issue; the configuration works
	// but may have problems.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity
	Field    string // dotted path, e.g., "store.backend"
	Message  string
}

// ValidationResult holds all validation findings.
type ValidationResult struct {
	Issues []ValidationIssue
}

// HasErrors returns true if any issue has error severity.
func (vr *ValidationResult) HasErrors() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any issue has warning severity.
func (vr *ValidationResult) HasWarnings() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Errors returns only error-severity issues.
func (vr *ValidationResult) Errors() []ValidationIssue {
	var errs []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}
	return errs
}

// Warnings returns only warning-severity issues.
func (vr *ValidationResult) Warnings() []ValidationIssue {
	var warns []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			warns = append(warns, issue)
		}
	}
	return warns
}

var validRetryStrategies = map[catalog.RetryStrategy]bool{
	catalog.RetryNone:                true,
	catalog.RetryFixed:               true,
	catalog.RetryExponential:         true,
	catalog.RetryJitteredExponential: true,
}

var validLogFormats = map[string]bool{"": true, "text": true, "json": true, "logfmt": true}

// Validate checks the configuration for correctness and completeness.
// It performs structural validation, semantic validation, and unknown key detection.
//
// meta is the TOML metadata from LoadFromFile and may be nil when no file
// was loaded. Check HasErrors() to determine if the config is usable.
func Validate(cfg *Config, meta *toml.MetaData) *ValidationResult {
	vr := &ValidationResult{}

	if cfg == nil {
		addError(vr, "", "configuration is nil")
		return vr
	}

	validateOrchestrator(vr, &cfg.Orchestrator)
	validateRetry(vr, &cfg.Retry)
	validateBreaker(vr, &cfg.Breaker)
	validateQuotas(vr, cfg.Quotas)
	validateStore(vr, &cfg.Store)
	validateBridge(vr, &cfg.Bridge)
	validateCatalog(vr, &cfg.Catalog)
	validateLog(vr, &cfg.Log)
	validateUnknownKeys(vr, meta)

	return vr
}

func validateOrchestrator(vr *ValidationResult, o *OrchestratorConfig) {
	if o.PoolSize < 1 {
		addError(vr, "orchestrator.pool_size", fmt.Sprintf("must be at least 1, got %d", o.PoolSize))
	}
	if o.CompensationAttempts < 1 {
		addError(vr, "orchestrator.compensation_attempts",
			fmt.Sprintf("must be at least 1, got %d", o.CompensationAttempts))
	}
}

func validateRetry(vr *ValidationResult, r *RetryConfig) {
	if !validRetryStrategies[r.Strategy] {
		addError(vr, "retry.strategy",
			fmt.Sprintf("unrecognized strategy %q; must be one of: NONE, FIXED, EXPONENTIAL, JITTERED_EXPONENTIAL", r.Strategy))
	}
	if r.MaxAttempts < 1 {
		addError(vr, "retry.max_attempts", fmt.Sprintf("must be at least 1, got %d", r.MaxAttempts))
	}
	if r.BaseDelay.Duration < 0 {
		addError(vr, "retry.base_delay", "must not be negative")
	}
	if r.MaxDelay.Duration > 0 && r.MaxDelay.Duration < r.BaseDelay.Duration {
		addWarning(vr, "retry.max_delay",
			fmt.Sprintf("%s is below base_delay %s; every delay is capped to it", r.MaxDelay, r.BaseDelay))
	}
	if r.JitterFactor < 0 || r.JitterFactor > 1 {
		addError(vr, "retry.jitter_factor", fmt.Sprintf("must be within [0, 1], got %g", r.JitterFactor))
	}
}

func validateBreaker(vr *ValidationResult, b *BreakerConfig) {
	if b.FailureThreshold <= 0 || b.FailureThreshold > 1 {
		addError(vr, "breaker.failure_threshold",
			fmt.Sprintf("must be within (0, 1], got %g", b.FailureThreshold))
	}
	if b.MinRequests < 1 {
		addError(vr, "breaker.min_requests", fmt.Sprintf("must be at least 1, got %d", b.MinRequests))
	}
	if b.Cooldown.Duration <= 0 {
		addError(vr, "breaker.cooldown", "must be positive")
	}
	if b.Window.Duration < 0 {
		addError(vr, "breaker.window", "must not be negative")
	}
}

func validateQuotas(vr *ValidationResult, quotas map[string]QuotaConfig) {
	for name, q := range quotas {
		prefix := "quotas." + name
		if q.Rate <= 0 {
			addError(vr, prefix+".rate", fmt.Sprintf("must be positive, got %g", q.Rate))
		}
		if q.Burst < 1 {
			addError(vr, prefix+".burst", fmt.Sprintf("must be at least 1, got %d", q.Burst))
		}
	}
}

func validateStore(vr *ValidationResult, s *StoreConfig) {
	switch s.Backend {
	case StoreMemory:
	case StoreFile:
		if s.Dir == "" {
			addError(vr, "store.dir", "must not be empty for the file backend")
		}
	case StoreRedis:
		if s.RedisAddr == "" {
			addError(vr, "store.redis_addr", "must not be empty for the redis backend")
		}
	case StorePostgres:
		if s.PostgresDSN == "" {
			addError(vr, "store.postgres_dsn", "must not be empty for the postgres backend")
		}
	default:
		addError(vr, "store.backend",
			fmt.Sprintf("unrecognized backend %q; must be one of: memory, file, redis, postgres", s.Backend))
	}
	if s.KeepVersions < 0 {
		addError(vr, "store.keep_versions", "must not be negative")
	}
}

func validateBridge(vr *ValidationResult, b *BridgeConfig) {
	if !b.Enabled {
		return
	}
	switch b.Transport {
	case BridgeMemory:
	case BridgeRedis:
		if b.RedisAddr == "" {
			addError(vr, "bridge.redis_addr", "must not be empty for the redis transport")
		}
		if b.Group == "" {
			addError(vr, "bridge.group", "must not be empty for the redis transport")
		}
	default:
		addError(vr, "bridge.transport",
			fmt.Sprintf("unrecognized transport %q; must be one of: memory, redis", b.Transport))
	}
	if b.Timeout.Duration <= 0 {
		addError(vr, "bridge.timeout", "must be positive")
	}
	for group, d := range b.GroupTimeouts {
		if d.Duration <= 0 {
			addError(vr, "bridge.group_timeouts."+group, "must be positive")
		}
	}
	if b.Executor && b.ExecutorPool < 1 {
		addError(vr, "bridge.executor_pool", fmt.Sprintf("must be at least 1, got %d", b.ExecutorPool))
	}
	if b.Transport == BridgeMemory && !b.Executor {
		addWarning(vr, "bridge.executor",
			"memory transport without an in-process executor; delegated groups will time out")
	}
}

func validateCatalog(vr *ValidationResult, c *CatalogConfig) {
	if c.Path == "" {
		addError(vr, "catalog.path", "must not be empty")
		return
	}
	if _, err := os.Stat(c.Path); err != nil {
		addWarning(vr, "catalog.path", fmt.Sprintf("%q does not exist", c.Path))
	}
	for i, p := range c.Patterns {
		if !doublestar.ValidatePattern(p) {
			addError(vr, fmt.Sprintf("catalog.patterns[%d]", i), fmt.Sprintf("invalid glob %q", p))
		}
	}
}

func validateLog(vr *ValidationResult, l *LogConfig) {
	if l.Level != "" {
		if _, err := log.ParseLevel(strings.ToLower(l.Level)); err != nil {
			addError(vr, "log.level", fmt.Sprintf("unrecognized level %q", l.Level))
		}
	}
	if !validLogFormats[strings.ToLower(l.Format)] {
		addError(vr, "log.format",
			fmt.Sprintf("unrecognized format %q; must be one of: text, json, logfmt", l.Format))
	}
}

// validateUnknownKeys checks for TOML keys that did not map to any config struct field.
func validateUnknownKeys(vr *ValidationResult, meta *toml.MetaData) {
	if meta == nil {
		return
	}

	for _, key := range meta.Undecoded() {
		path := strings.Join(key, ".")
		addWarning(vr, path, "unknown configuration key")
	}
}

// addError appends an error-severity issue to the validation result.
func addError(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityError,
		Field:    field,
		Message:  message,
	})
}

// addWarning appends a warning-severity issue to the validation result.
func addWarning(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityWarning,
		Field:    field,
		Message:  message,
	})
}
