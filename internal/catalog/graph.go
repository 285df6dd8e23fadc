package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Lint issue codes. Codes are stable strings so callers can switch on them.
const (
	IssueNoSteps          = "NO_STEPS"
	IssueMissingComponent = "MISSING_COMPONENT"
	IssueUnknownStrategy  = "UNKNOWN_ERROR_STRATEGY"
	IssueUnknownRule      = "UNKNOWN_RULE_TYPE"
	IssueRuleMissingField = "RULE_MISSING_FIELD"
	IssueUnknownRetry     = "UNKNOWN_RETRY_STRATEGY"
	IssueUnknownDep       = "UNKNOWN_DEPENDENCY"
	IssueSelfDep          = "SELF_DEPENDENCY"
	IssueCycleDetected    = "CYCLE_DETECTED"
	IssueMissingHandler   = "MISSING_HANDLER"
	IssueNoRules          = "NO_RULES"
	IssueEmptyPrecond     = "EMPTY_PRECONDITION"
)

// Issue is a single problem found in a catalog.
type Issue struct {
	Code    string `json:"code"`
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
}

// LintResult holds the outcome of linting a catalog. Errors make the catalog
// unusable; warnings flag likely mistakes.
type LintResult struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// IsValid reports whether the catalog has no errors.
func (r *LintResult) IsValid() bool {
	return len(r.Errors) == 0
}

// String renders all issues, errors first.
func (r *LintResult) String() string {
	var b strings.Builder
	write := func(title string, issues []Issue) {
		fmt.Fprintf(&b, "%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Step != "" {
				fmt.Fprintf(&b, "  [%s] step %q: %s\n", issue.Code, issue.Step, issue.Message)
			} else {
				fmt.Fprintf(&b, "  [%s] %s\n", issue.Code, issue.Message)
			}
		}
	}
	write("Errors", r.Errors)
	write("Warnings", r.Warnings)
	return b.String()
}

// HandlerChecker reports whether a component/method pair can be invoked.
// The controller's registry satisfies it.
type HandlerChecker interface {
	Has(component, method string) bool
}

// Lint checks a catalog for structural errors. When handlers is non-nil,
// every step's component/method must also be registered.
func Lint(c *Catalog, handlers HandlerChecker) *LintResult {
	result := &LintResult{}
	addErr := func(code, step, format string, args ...any) {
		result.Errors = append(result.Errors, Issue{Code: code, Step: step, Message: fmt.Sprintf(format, args...)})
	}
	addWarn := func(code, step, format string, args ...any) {
		result.Warnings = append(result.Warnings, Issue{Code: code, Step: step, Message: fmt.Sprintf(format, args...)})
	}

	if len(c.Steps) == 0 {
		addErr(IssueNoSteps, "", "catalog %q defines no steps", c.Name)
		return result
	}

	for _, sc := range c.Steps {
		id := sc.StepID
		if sc.Component == "" || sc.Method == "" {
			addErr(IssueMissingComponent, id, "component and method are required")
		} else if handlers != nil && !handlers.Has(sc.Component, sc.Method) {
			addErr(IssueMissingHandler, id, "no handler registered for %s.%s", sc.Component, sc.Method)
		}
		if sc.ErrorStrategy != "" && !sc.ErrorStrategy.Valid() {
			addErr(IssueUnknownStrategy, id, "unknown error strategy %q", sc.ErrorStrategy)
		}
		if sc.Retry != nil && sc.Retry.Strategy != "" && !sc.Retry.Strategy.Valid() {
			addErr(IssueUnknownRetry, id, "unknown retry strategy %q", sc.Retry.Strategy)
		}
		for i, r := range sc.Rules {
			if !r.Type.Valid() {
				addErr(IssueUnknownRule, id, "rule %d: unknown type %q", i, r.Type)
				continue
			}
			if missing := ruleMissing(r); missing != "" {
				addErr(IssueRuleMissingField, id, "rule %q: %s", r.ID(), missing)
			}
		}
		if len(sc.Rules) == 0 {
			addWarn(IssueNoRules, id, "step output is never validated")
		}
		for i, p := range sc.Preconditions {
			if p.MetadataKey == "" && p.Predicate == "" {
				addWarn(IssueEmptyPrecond, id, "precondition %d checks nothing", i)
			}
		}
		for _, dep := range sc.DependsOn {
			switch {
			case dep == id:
				addErr(IssueSelfDep, id, "step depends on itself")
			case !c.Has(dep):
				addErr(IssueUnknownDep, id, "depends on undefined step %q", dep)
			}
		}
	}

	if cycle := findCycle(c.Steps); len(cycle) > 0 {
		addErr(IssueCycleDetected, cycle[0], "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return result
}

func ruleMissing(r Rule) string {
	switch r.Type {
	case RuleRequiredFields:
		if len(r.Fields) == 0 {
			return "fields is required"
		}
	case RuleTypeCheck:
		if r.Expect == "" && r.Schema == "" {
			return "expect or schema is required"
		}
	case RuleRangeCheck:
		if r.Min == nil && r.Max == nil {
			return "min or max is required"
		}
	case RuleRegexMatch:
		if r.Pattern == "" {
			return "pattern is required"
		}
	case RuleContainsAll, RuleContainsAny:
		if len(r.Values) == 0 {
			return "values is required"
		}
	case RuleCustom:
		if r.Predicate == "" && r.Func == nil {
			return "predicate is required"
		}
	}
	return ""
}

// findCycle returns the first dependency cycle found, closed on its start
// node, or nil. Steps are visited in sorted order so the report is stable.
func findCycle(steps []StepContext) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	deps := make(map[string][]string, len(steps))
	ids := make([]string, 0, len(steps))
	for _, sc := range steps {
		deps[sc.StepID] = sc.DependsOn
		ids = append(ids, sc.StepID)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(steps))
	var cycle []string
	var dfs func(node string, path []string) bool
	dfs = func(node string, path []string) bool {
		color[node] = gray
		path = append(path, node)
		for _, next := range deps[node] {
			if _, known := deps[next]; !known || next == node {
				continue
			}
			switch color[next] {
			case gray:
				for i, p := range path {
					if p == next {
						cycle = append(append([]string(nil), path[i:]...), next)
						return true
					}
				}
			case white:
				if dfs(next, path) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}
	for _, id := range ids {
		if color[id] == white && dfs(id, nil) {
			return cycle
		}
	}
	return nil
}

// Waves groups steps into dependency levels: every step lands one level
// after the deepest of its in-set dependencies. Dependencies outside steps
// are ignored here; they are resolved against completed work at run time.
// Steps within a wave keep their input order.
func Waves(steps []StepContext) ([][]StepContext, error) {
	if cycle := findCycle(steps); len(cycle) > 0 {
		return nil, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	byID := make(map[string]StepContext, len(steps))
	for _, sc := range steps {
		byID[sc.StepID] = sc
	}
	depth := make(map[string]int, len(steps))
	var level func(id string) int
	level = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range byID[id].DependsOn {
			if _, in := byID[dep]; in && dep != id {
				if l := level(dep) + 1; l > d {
					d = l
				}
			}
		}
		depth[id] = d
		return d
	}
	maxDepth := -1
	for _, sc := range steps {
		if d := level(sc.StepID); d > maxDepth {
			maxDepth = d
		}
	}
	waves := make([][]StepContext, maxDepth+1)
	for _, sc := range steps {
		d := depth[sc.StepID]
		waves[d] = append(waves[d], sc)
	}
	return waves, nil
}
