package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

// Call is everything a step method receives for one attempt.
type Call struct {
	Step       catalog.StepContext
	Args       map[string]any
	WorkflowID string
	// Seed is the step's deterministic random seed.
	Seed int64
	// Attempt is 1-indexed.
	Attempt int
	// Inputs holds the outputs of the step's dependencies keyed by step ID.
	Inputs map[string]json.RawMessage
	// OnRetry, when set, is told about each failed attempt before its
	// backoff.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Method implements one (component, method) pair. The returned value is
// normalised by the Controller; see Normalize.
type Method func(ctx context.Context, call Call) (any, error)

// Registry resolves step methods. Lookup failures must be classified as
// component_not_available.
type Registry interface {
	Lookup(component, method string) (Method, error)
}

// MapRegistry is a Registry built by explicit registration at start-up.
type MapRegistry struct {
	mu      sync.RWMutex
	methods map[string]map[string]Method
}

// NewMapRegistry returns an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{methods: make(map[string]map[string]Method)}
}

// Register adds fn under (component, method). It panics on an empty name, a
// nil function or a duplicate registration.
func (r *MapRegistry) Register(component, method string, fn Method) {
	if component == "" || method == "" {
		panic("controller: Register called with empty component or method")
	}
	if fn == nil {
		panic(fmt.Sprintf("controller: Register called with nil method for %s.%s", component, method))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	methods, ok := r.methods[component]
	if !ok {
		methods = make(map[string]Method)
		r.methods[component] = methods
	}
	if _, dup := methods[method]; dup {
		panic(fmt.Sprintf("controller: %s.%s is already registered", component, method))
	}
	methods[method] = fn
}

// Lookup returns the method registered under (component, method).
func (r *MapRegistry) Lookup(component, method string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods, ok := r.methods[component]
	if !ok {
		return nil, failure.Newf(failure.KindComponentNotAvailable, "COMPONENT_NOT_AVAILABLE", "component %q is not registered", component)
	}
	fn, ok := methods[method]
	if !ok {
		return nil, failure.Newf(failure.KindComponentNotAvailable, "COMPONENT_NOT_AVAILABLE", "component %q has no method %q", component, method)
	}
	return fn, nil
}

// Has reports whether (component, method) is registered. It lets a
// MapRegistry serve as a catalog.HandlerChecker.
func (r *MapRegistry) Has(component, method string) bool {
	_, err := r.Lookup(component, method)
	return err == nil
}

// List returns every registered "component.method" in sorted order.
func (r *MapRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for c, methods := range r.methods {
		for m := range methods {
			out = append(out, c+"."+m)
		}
	}
	sort.Strings(out)
	return out
}
