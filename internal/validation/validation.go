// Package validation checks step outputs against the declarative rules of
// their catalog entry.
//
// Validation is pure: the same output and rules always yield the same Result,
// violations in rule order and passed rules as a sorted set. Every rule runs
// even after an earlier one fails, so a result lists every problem at once.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/metrics"
)

// Status is the overall verdict of a validation.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Violation is one rule failure.
type Violation struct {
	Field    string           `json:"field"`
	Rule     string           `json:"rule"`
	Severity catalog.Severity `json:"severity"`
	Message  string           `json:"message"`
}

// Result is the outcome of validating one output. Status is FAIL iff
// ErrorCount > 0; warnings alone never fail a result.
type Result struct {
	Status       Status      `json:"status"`
	Violations   []Violation `json:"violations"`
	PassedRules  []string    `json:"passed_rules"`
	ErrorCount   int         `json:"error_count"`
	WarningCount int         `json:"warning_count"`
}

// Passed reports whether the result is PASS.
func (r Result) Passed() bool { return r.Status == StatusPass }

// Err converts a failing result into a classified validation error. A
// passing result yields nil.
func (r Result) Err(stepID string) error {
	if r.Passed() {
		return nil
	}
	msgs := make([]string, 0, r.ErrorCount)
	for _, v := range r.Violations {
		if v.Severity == catalog.SeverityError {
			msgs = append(msgs, v.Rule+": "+v.Message)
		}
	}
	return failure.New(failure.KindValidation, "VALIDATION_FAILED", strings.Join(msgs, "; ")).WithStep(stepID)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records per-rule pass/fail counters on m.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine's logger. A nil logger is silent.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine evaluates rules. It is safe for concurrent use.
type Engine struct {
	metrics *metrics.Recorder
	logger  *log.Logger

	mu         sync.RWMutex
	predicates map[string]catalog.Predicate

	cache *compileCache
}

// New creates an Engine with the bundled predicates registered.
func New(opts ...Option) *Engine {
	e := &Engine{
		predicates: make(map[string]catalog.Predicate),
		cache:      newCompileCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.RegisterPredicate(AcyclicityPredicateName, AcyclicityPredicate)
	return e
}

// RegisterPredicate makes p available to CUSTOM rules under name. It panics
// on an empty name, a nil predicate or a duplicate registration, which are
// programming errors.
func (e *Engine) RegisterPredicate(name string, p catalog.Predicate) {
	if name == "" {
		panic("validation: predicate name must not be empty")
	}
	if p == nil {
		panic(fmt.Sprintf("validation: nil predicate for %q", name))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.predicates[name]; dup {
		panic(fmt.Sprintf("validation: predicate %q already registered", name))
	}
	e.predicates[name] = p
}

// HasPredicate reports whether name is registered.
func (e *Engine) HasPredicate(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.predicates[name]
	return ok
}

func (e *Engine) predicate(name string) (catalog.Predicate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.predicates[name]
	return p, ok
}

// Validate checks output against the rules of sc.
func (e *Engine) Validate(output any, sc catalog.StepContext) Result {
	return e.ValidateRules(output, sc.Rules)
}

// ValidateRules checks output against rules.
func (e *Engine) ValidateRules(output any, rules []catalog.Rule) Result {
	result := Result{Violations: []Violation{}, PassedRules: []string{}}

	doc, err := normalize(output)
	if err != nil {
		result.add(Violation{Rule: "OUTPUT", Severity: catalog.SeverityError, Message: err.Error()})
		result.finish()
		return result
	}

	passed := make(map[string]bool)
	for _, rule := range rules {
		violations := e.check(doc, rule)
		id := rule.ID()
		e.metrics.ValidationRule(id, len(violations) == 0)
		if len(violations) == 0 {
			passed[id] = true
			continue
		}
		for _, v := range violations {
			result.add(v)
		}
	}
	for id := range passed {
		result.PassedRules = append(result.PassedRules, id)
	}
	sort.Strings(result.PassedRules)
	result.finish()
	if e.logger != nil && !result.Passed() {
		e.logger.Debug("validation failed", "errors", result.ErrorCount, "warnings", result.WarningCount)
	}
	return result
}

func (r *Result) add(v Violation) {
	r.Violations = append(r.Violations, v)
	if v.Severity == catalog.SeverityWarning {
		r.WarningCount++
	} else {
		r.ErrorCount++
	}
}

func (r *Result) finish() {
	r.Status = StatusPass
	if r.ErrorCount > 0 {
		r.Status = StatusFail
	}
}

// normalize turns any JSON-serialisable output into its generic decoded form
// with json.Number for numbers, so rules see one shape regardless of the Go
// types a step returned.
func normalize(output any) (any, error) {
	var raw []byte
	switch v := output.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		if json.Valid(v) {
			raw = v
		}
	}
	if raw == nil {
		var err error
		raw, err = json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("output is not JSON-serialisable: %v", err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("output is not valid JSON: %v", err)
	}
	return doc, nil
}

// lookup resolves a dotted path ("scores.total", "items.0.id") in doc. An
// empty path is the document itself.
func lookup(doc any, path string) (any, bool) {
	if path == "" || path == "." {
		return doc, true
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, ok := parseIndex(part)
			if !ok || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
