package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
)

// jsonTypes are the names TYPE_CHECK accepts in Rule.Expect.
var jsonTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
	"object": true, "array": true, "null": true,
}

// compileCache memoises compiled schemas and regexes by source text.
type compileCache struct {
	mu      sync.Mutex
	schemas map[string]compiled[*jsonschema.Schema]
	regexes map[string]compiled[*regexp.Regexp]
}

type compiled[T any] struct {
	value T
	err   error
}

func newCompileCache() *compileCache {
	return &compileCache{
		schemas: make(map[string]compiled[*jsonschema.Schema]),
		regexes: make(map[string]compiled[*regexp.Regexp]),
	}
}

func (c *compileCache) schema(src string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit, ok := c.schemas[src]; ok {
		return hit.value, hit.err
	}
	s, err := jsonschema.CompileString("corvid-rule.json", src)
	c.schemas[src] = compiled[*jsonschema.Schema]{s, err}
	return s, err
}

func (c *compileCache) regex(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit, ok := c.regexes[pattern]; ok {
		return hit.value, hit.err
	}
	re, err := regexp.Compile(pattern)
	c.regexes[pattern] = compiled[*regexp.Regexp]{re, err}
	return re, err
}

// check evaluates one rule and returns its violations, empty when it passes.
func (e *Engine) check(doc any, rule catalog.Rule) []Violation {
	sev := rule.EffectiveSeverity()
	fail := func(field, msg string) []Violation {
		if rule.Message != "" {
			msg = rule.Message
		}
		return []Violation{{Field: field, Rule: rule.ID(), Severity: sev, Message: msg}}
	}

	if rule.Type == catalog.RuleRequiredFields {
		var out []Violation
		for _, f := range rule.Fields {
			if v, ok := lookup(doc, f); !ok || v == nil {
				out = append(out, fail(f, "required field is missing")...)
			}
		}
		return out
	}

	value, found := lookup(doc, rule.Field)
	if !found && rule.Type != catalog.RuleCustom {
		return fail(rule.Field, "field is missing")
	}

	switch rule.Type {
	case catalog.RuleTypeCheck:
		return e.checkType(value, rule, fail)

	case catalog.RuleRangeCheck:
		n, ok := asFloat(value)
		if !ok {
			return fail(rule.Field, fmt.Sprintf("expected a number, got %s", typeName(value)))
		}
		if rule.Min != nil && n < *rule.Min {
			return fail(rule.Field, fmt.Sprintf("value %v is below minimum %v", n, *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			return fail(rule.Field, fmt.Sprintf("value %v is above maximum %v", n, *rule.Max))
		}
		return nil

	case catalog.RuleRegexMatch:
		s, ok := value.(string)
		if !ok {
			return fail(rule.Field, fmt.Sprintf("expected a string, got %s", typeName(value)))
		}
		re, err := e.cache.regex(rule.Pattern)
		if err != nil {
			return fail(rule.Field, fmt.Sprintf("invalid pattern %q: %v", rule.Pattern, err))
		}
		if !re.MatchString(s) {
			return fail(rule.Field, fmt.Sprintf("value %q does not match %q", s, rule.Pattern))
		}
		return nil

	case catalog.RuleContainsAll, catalog.RuleContainsAny:
		return e.checkContains(value, rule, fail)

	case catalog.RuleCustom:
		return e.checkCustom(value, found, rule, fail)
	}
	return fail(rule.Field, fmt.Sprintf("unknown rule type %q", rule.Type))
}

func (e *Engine) checkType(value any, rule catalog.Rule, fail func(string, string) []Violation) []Violation {
	src := rule.Schema
	if src == "" {
		if !jsonTypes[rule.Expect] {
			return fail(rule.Field, fmt.Sprintf("unknown JSON type %q", rule.Expect))
		}
		src = fmt.Sprintf(`{"type":%q}`, rule.Expect)
	}
	schema, err := e.cache.schema(src)
	if err != nil {
		return fail(rule.Field, fmt.Sprintf("invalid schema: %v", err))
	}
	if err := schema.Validate(value); err != nil {
		if rule.Schema == "" {
			return fail(rule.Field, fmt.Sprintf("expected %s, got %s", rule.Expect, typeName(value)))
		}
		return fail(rule.Field, schemaMessage(err))
	}
	return nil
}

// schemaMessage flattens a jsonschema error to its leaf causes in a stable
// order.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(leaves, "; ")
}

func (e *Engine) checkContains(value any, rule catalog.Rule, fail func(string, string) []Violation) []Violation {
	expected, err := normalize(rule.Values)
	if err != nil {
		return fail(rule.Field, fmt.Sprintf("invalid reference values: %v", err))
	}
	wants, _ := expected.([]any)

	var has func(want any) bool
	switch v := value.(type) {
	case []any:
		has = func(want any) bool {
			for _, item := range v {
				if equalValues(item, want) {
					return true
				}
			}
			return false
		}
	case string:
		has = func(want any) bool {
			s, ok := want.(string)
			return ok && strings.Contains(v, s)
		}
	default:
		return fail(rule.Field, fmt.Sprintf("expected an array or string, got %s", typeName(value)))
	}

	var missing []string
	matched := 0
	for _, w := range wants {
		if has(w) {
			matched++
		} else {
			missing = append(missing, render(w))
		}
	}
	if rule.Type == catalog.RuleContainsAll && len(missing) > 0 {
		return fail(rule.Field, "missing required values: "+strings.Join(missing, ", "))
	}
	if rule.Type == catalog.RuleContainsAny && matched == 0 {
		return fail(rule.Field, "contains none of: "+strings.Join(missing, ", "))
	}
	return nil
}

func (e *Engine) checkCustom(value any, found bool, rule catalog.Rule, fail func(string, string) []Violation) (out []Violation) {
	pred := rule.Func
	if pred == nil {
		p, ok := e.predicate(rule.Predicate)
		if !ok {
			return fail(rule.Field, fmt.Sprintf("unknown predicate %q", rule.Predicate))
		}
		pred = p
	}
	if rule.Field != "" && !found {
		return fail(rule.Field, "field is missing")
	}
	defer func() {
		if r := recover(); r != nil {
			out = fail(rule.Field, fmt.Sprintf("predicate panicked: %v", r))
		}
	}()
	ok, reason := pred(value, rule.Params)
	if ok {
		return nil
	}
	if reason == "" {
		reason = "custom predicate rejected the value"
	}
	return fail(rule.Field, reason)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return render(a) == render(b)
}

func render(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
