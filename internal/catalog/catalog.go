// Package catalog holds the step metadata that parametrises a workflow: the
// validation rules, declared dependencies, error-handling strategy and
// preconditions of every step. The catalog is owned by its author (a TOML or
// YAML file); the orchestration core only ever reads it.
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// ErrStepNotFound is returned by Catalog.StepContext for unknown step IDs.
var ErrStepNotFound = errors.New("step not found in catalog")

// ErrorStrategy selects how a step's terminal failure is handled.
type ErrorStrategy string

const (
	StrategyRetry      ErrorStrategy = "RETRY"
	StrategyFallback   ErrorStrategy = "FALLBACK"
	StrategyFailFast   ErrorStrategy = "FAIL_FAST"
	StrategySkip       ErrorStrategy = "SKIP"
	StrategyCompensate ErrorStrategy = "COMPENSATE"
)

// DefaultStrategy applies to steps that do not declare one.
const DefaultStrategy = StrategyRetry

// Valid reports whether s is a known strategy.
func (s ErrorStrategy) Valid() bool {
	switch s {
	case StrategyRetry, StrategyFallback, StrategyFailFast, StrategySkip, StrategyCompensate:
		return true
	}
	return false
}

// RuleType names a validation rule kind.
type RuleType string

const (
	RuleTypeCheck      RuleType = "TYPE_CHECK"
	RuleRangeCheck     RuleType = "RANGE_CHECK"
	RuleRequiredFields RuleType = "REQUIRED_FIELDS"
	RuleRegexMatch     RuleType = "REGEX_MATCH"
	RuleContainsAll    RuleType = "CONTAINS_ALL"
	RuleContainsAny    RuleType = "CONTAINS_ANY"
	RuleCustom         RuleType = "CUSTOM"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeCheck, RuleRangeCheck, RuleRequiredFields, RuleRegexMatch,
		RuleContainsAll, RuleContainsAny, RuleCustom:
		return true
	}
	return false
}

// Severity of a rule violation. Only errors flip a validation result to FAIL.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Predicate is an injected check for CUSTOM rules. It returns whether the
// output satisfies the rule and, when it does not, a human-readable reason.
type Predicate func(output any, params map[string]any) (ok bool, reason string)

// Rule is one declarative validation rule.
type Rule struct {
	// Name identifies the rule in results and metrics. Defaults to
	// "<TYPE>:<field>" when empty.
	Name     string   `toml:"name" yaml:"name" json:"name,omitempty"`
	Type     RuleType `toml:"type" yaml:"type" json:"type"`
	Severity Severity `toml:"severity" yaml:"severity" json:"severity,omitempty"`

	// Field is the dotted path the rule inspects ("scores.total", "items.0").
	// REQUIRED_FIELDS uses Fields instead.
	Field  string   `toml:"field" yaml:"field" json:"field,omitempty"`
	Fields []string `toml:"fields" yaml:"fields" json:"fields,omitempty"`

	// TYPE_CHECK: a JSON type name or an inline JSON schema document.
	Expect string `toml:"expect" yaml:"expect" json:"expect,omitempty"`
	Schema string `toml:"schema" yaml:"schema" json:"schema,omitempty"`

	// RANGE_CHECK bounds, inclusive. A nil bound is open.
	Min *float64 `toml:"min" yaml:"min" json:"min,omitempty"`
	Max *float64 `toml:"max" yaml:"max" json:"max,omitempty"`

	// REGEX_MATCH pattern (RE2 syntax).
	Pattern string `toml:"pattern" yaml:"pattern" json:"pattern,omitempty"`

	// CONTAINS_ALL / CONTAINS_ANY reference set.
	Values []any `toml:"values" yaml:"values" json:"values,omitempty"`

	// CUSTOM: a predicate registered on the validation engine by name, with
	// free-form parameters. Func, when set programmatically, takes
	// precedence over Predicate.
	Predicate string         `toml:"predicate" yaml:"predicate" json:"predicate,omitempty"`
	Params    map[string]any `toml:"params" yaml:"params" json:"params,omitempty"`
	Func      Predicate      `toml:"-" yaml:"-" json:"-" hash:"ignore"`

	// Message overrides the generated violation message.
	Message string `toml:"message" yaml:"message" json:"message,omitempty"`
}

// ID returns the rule's stable identifier.
func (r Rule) ID() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Field != "" {
		return string(r.Type) + ":" + r.Field
	}
	if r.Predicate != "" {
		return string(r.Type) + ":" + r.Predicate
	}
	return string(r.Type)
}

// EffectiveSeverity returns the rule's severity, defaulting to error.
func (r Rule) EffectiveSeverity() Severity {
	if r.Severity == SeverityWarning {
		return SeverityWarning
	}
	return SeverityError
}

// Precondition is one ordered gate evaluated before a step is invoked. A
// precondition is met when its metadata key is present (and, if Equals is
// set, equal to it) and its named predicate, if any, accepts the workflow
// metadata.
type Precondition struct {
	Name        string `toml:"name" yaml:"name" json:"name"`
	MetadataKey string `toml:"metadata_key" yaml:"metadata_key" json:"metadata_key,omitempty"`
	Equals      string `toml:"equals" yaml:"equals" json:"equals,omitempty"`
	Predicate   string `toml:"predicate" yaml:"predicate" json:"predicate,omitempty"`
}

// RetryStrategy selects the delay schedule between attempts.
type RetryStrategy string

const (
	RetryNone                RetryStrategy = "NONE"
	RetryFixed               RetryStrategy = "FIXED"
	RetryExponential         RetryStrategy = "EXPONENTIAL"
	RetryJitteredExponential RetryStrategy = "JITTERED_EXPONENTIAL"
)

// Valid reports whether s is a known retry strategy.
func (s RetryStrategy) Valid() bool {
	switch s {
	case RetryNone, RetryFixed, RetryExponential, RetryJitteredExponential:
		return true
	}
	return false
}

// RetryPolicy bounds and schedules retries. MaxAttempts counts the first
// call, so MaxAttempts=3 means at most two retries.
type RetryPolicy struct {
	Strategy     RetryStrategy `toml:"strategy" yaml:"strategy" json:"strategy"`
	MaxAttempts  int           `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	BaseDelay    time.Duration `toml:"base_delay" yaml:"base_delay" json:"base_delay"`
	MaxDelay     time.Duration `toml:"max_delay" yaml:"max_delay" json:"max_delay,omitempty"`
	JitterFactor float64       `toml:"jitter_factor" yaml:"jitter_factor" json:"jitter_factor,omitempty"`
}

// StepContext is the per-step configuration the core reads from the catalog.
type StepContext struct {
	StepID        string         `toml:"id" yaml:"id" json:"step_id"`
	Description   string         `toml:"description" yaml:"description" json:"description,omitempty"`
	Component     string         `toml:"component" yaml:"component" json:"component"`
	Method        string         `toml:"method" yaml:"method" json:"method"`
	DependsOn     []string       `toml:"depends_on" yaml:"depends_on" json:"depends_on,omitempty"`
	ErrorStrategy ErrorStrategy  `toml:"error_strategy" yaml:"error_strategy" json:"error_strategy"`
	Preconditions []Precondition `toml:"preconditions" yaml:"preconditions" json:"preconditions,omitempty"`
	Rules         []Rule         `toml:"rules" yaml:"rules" json:"rules,omitempty"`
	Retry         *RetryPolicy   `toml:"retry" yaml:"retry" json:"retry,omitempty"`

	// Delegate names a sub-graph: all steps sharing a Delegate value are
	// handed to the choreographer as one delegated request.
	Delegate string `toml:"delegate" yaml:"delegate" json:"delegate,omitempty"`

	Timeout       time.Duration  `toml:"timeout" yaml:"timeout" json:"timeout,omitempty"`
	Args          map[string]any `toml:"args" yaml:"args" json:"args,omitempty"`
	SchemaVersion string         `toml:"schema_version" yaml:"schema_version" json:"schema_version,omitempty"`
}

// Strategy returns the step's error strategy, defaulting to DefaultStrategy.
func (sc StepContext) Strategy() ErrorStrategy {
	if sc.ErrorStrategy == "" {
		return DefaultStrategy
	}
	return sc.ErrorStrategy
}

// Clone returns a deep-enough copy for read-only sharing: slices and the
// top-level args map are copied so a caller cannot reach catalog internals.
func (sc StepContext) Clone() StepContext {
	cp := sc
	cp.DependsOn = append([]string(nil), sc.DependsOn...)
	cp.Preconditions = append([]Precondition(nil), sc.Preconditions...)
	cp.Rules = append([]Rule(nil), sc.Rules...)
	if sc.Retry != nil {
		r := *sc.Retry
		cp.Retry = &r
	}
	if sc.Args != nil {
		cp.Args = make(map[string]any, len(sc.Args))
		for k, v := range sc.Args {
			cp.Args[k] = v
		}
	}
	return cp
}

// Catalog is an immutable, indexed set of step contexts.
type Catalog struct {
	Name          string        `toml:"name" yaml:"name" json:"name"`
	SchemaVersion string        `toml:"schema_version" yaml:"schema_version" json:"schema_version"`
	Steps         []StepContext `toml:"steps" yaml:"steps" json:"steps"`

	index map[string]int
}

// New builds a catalog from step contexts. Duplicate or empty step IDs are
// rejected, as are two rules of one step sharing an ID.
func New(name, schemaVersion string, steps []StepContext) (*Catalog, error) {
	c := &Catalog{Name: name, SchemaVersion: schemaVersion, Steps: steps}
	if err := c.reindex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reindex() error {
	c.index = make(map[string]int, len(c.Steps))
	for i, sc := range c.Steps {
		if sc.StepID == "" {
			return fmt.Errorf("catalog %q: step at index %d has an empty id", c.Name, i)
		}
		if _, dup := c.index[sc.StepID]; dup {
			return fmt.Errorf("catalog %q: step %q is defined more than once", c.Name, sc.StepID)
		}
		if id := duplicateRule(sc.Rules); id != "" {
			return fmt.Errorf("catalog %q: step %q: rule %q is defined more than once; give one of them a name", c.Name, sc.StepID, id)
		}
		c.index[sc.StepID] = i
	}
	return nil
}

// duplicateRule returns the first rule ID used twice, or "".
func duplicateRule(rules []Rule) string {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		id := r.ID()
		if seen[id] {
			return id
		}
		seen[id] = true
	}
	return ""
}

// StepContext returns a copy of the context registered for stepID. Steps
// without their own schema version inherit the catalog's.
func (c *Catalog) StepContext(stepID string) (StepContext, error) {
	i, ok := c.index[stepID]
	if !ok {
		return StepContext{}, fmt.Errorf("step %q: %w", stepID, ErrStepNotFound)
	}
	sc := c.Steps[i].Clone()
	if sc.SchemaVersion == "" {
		sc.SchemaVersion = c.SchemaVersion
	}
	return sc, nil
}

// Has reports whether stepID is defined.
func (c *Catalog) Has(stepID string) bool {
	_, ok := c.index[stepID]
	return ok
}

// StepIDs returns every step ID in declaration order.
func (c *Catalog) StepIDs() []string {
	ids := make([]string, len(c.Steps))
	for i, sc := range c.Steps {
		ids[i] = sc.StepID
	}
	return ids
}

// Version fingerprints the catalog content. Two catalogs with the same steps
// and schema version share a version regardless of file layout.
func (c *Catalog) Version() (string, error) {
	h, err := hashstructure.Hash(struct {
		SchemaVersion string
		Steps         []StepContext
	}{c.SchemaVersion, c.Steps}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing catalog %q: %w", c.Name, err)
	}
	return strconv.FormatUint(h, 16), nil
}

// Merge combines catalogs into one. The first catalog's name and schema
// version win; duplicate step IDs are an error.
func Merge(catalogs ...*Catalog) (*Catalog, error) {
	if len(catalogs) == 0 {
		return New("empty", "", nil)
	}
	var steps []StepContext
	for _, c := range catalogs {
		steps = append(steps, c.Steps...)
	}
	return New(catalogs[0].Name, catalogs[0].SchemaVersion, steps)
}
