package orchestrator

import (
	"fmt"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
)

const groupPrefix = "group:"

// unit is one scheduling unit: a single local step, or every requested step
// sharing a delegate group.
type unit struct {
	id    string
	group string
	steps []catalog.StepContext
}

func (u unit) delegated() bool { return u.group != "" }

func (u unit) stepIDs() []string {
	ids := make([]string, len(u.steps))
	for i, sc := range u.steps {
		ids[i] = sc.StepID
	}
	return ids
}

// context returns the step context governing a delegated group: error
// strategy and retry policy of its first member. Its timeout is the longest
// chain of member timeouts through the group's internal dependencies, the
// time the executor needs when every step runs to its own limit. Members
// without a timeout add nothing. WithGroupTimeout overrides it.
func (u unit) context() catalog.StepContext {
	first := u.steps[0]
	sc := catalog.StepContext{
		StepID:        u.id,
		Component:     "choreographer:" + u.group,
		Method:        "delegate",
		ErrorStrategy: first.ErrorStrategy,
		Retry:         first.Retry,
		SchemaVersion: first.SchemaVersion,
	}
	sc.Timeout = u.criticalPath()
	return sc
}

func (u unit) criticalPath() time.Duration {
	byID := make(map[string]catalog.StepContext, len(u.steps))
	for _, sc := range u.steps {
		byID[sc.StepID] = sc
	}
	finish := make(map[string]time.Duration, len(u.steps))
	// plan has rejected cycles, so the walk terminates.
	var visit func(id string) time.Duration
	visit = func(id string) time.Duration {
		if d, ok := finish[id]; ok {
			return d
		}
		sc := byID[id]
		var start time.Duration
		for _, dep := range sc.DependsOn {
			if _, in := byID[dep]; in {
				start = max(start, visit(dep))
			}
		}
		finish[id] = start + sc.Timeout
		return finish[id]
	}
	var longest time.Duration
	for _, sc := range u.steps {
		longest = max(longest, visit(sc.StepID))
	}
	return longest
}

// member reports whether stepID belongs to u.
func (u unit) member(stepID string) bool {
	for _, sc := range u.steps {
		if sc.StepID == stepID {
			return true
		}
	}
	return false
}

// externalDeps returns the dependencies of u's steps that lie outside u, in
// first-seen order.
func (u unit) externalDeps() []string {
	var deps []string
	seen := make(map[string]bool)
	for _, sc := range u.steps {
		for _, d := range sc.DependsOn {
			if u.member(d) || seen[d] {
				continue
			}
			seen[d] = true
			deps = append(deps, d)
		}
	}
	return deps
}

// plan groups steps into units and orders the units into waves. With
// delegate false every step is its own unit. Dependencies on steps outside
// the request do not order anything; they are checked when the step runs.
func plan(steps []catalog.StepContext, delegate bool) ([][]unit, error) {
	unitOf := make(map[string]string, len(steps))
	units := make(map[string]*unit)
	var order []string
	for _, sc := range steps {
		key, group := sc.StepID, ""
		if delegate && sc.Delegate != "" {
			key, group = groupPrefix+sc.Delegate, sc.Delegate
		}
		unitOf[sc.StepID] = key
		u, ok := units[key]
		if !ok {
			u = &unit{id: key, group: group}
			units[key] = u
			order = append(order, key)
		}
		u.steps = append(u.steps, sc)
	}

	synthetic := make([]catalog.StepContext, 0, len(order))
	for _, key := range order {
		var deps []string
		seen := make(map[string]bool)
		for _, d := range units[key].externalDeps() {
			dk, ok := unitOf[d]
			if !ok || dk == key || seen[dk] {
				continue
			}
			seen[dk] = true
			deps = append(deps, dk)
		}
		synthetic = append(synthetic, catalog.StepContext{StepID: key, DependsOn: deps})
	}

	waves, err := catalog.Waves(synthetic)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	out := make([][]unit, len(waves))
	for i, wave := range waves {
		out[i] = make([]unit, len(wave))
		for j, sc := range wave {
			out[i][j] = *units[sc.StepID]
		}
	}
	return out, nil
}
