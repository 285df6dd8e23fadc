// Package steps provides the builtin step methods every Corvid binary can
// run without plugins. They are registered under the "builtin" component
// and are mostly useful for demos, smoke tests and catalog wiring checks.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

// Component is the component name builtin methods register under.
const Component = "builtin"

// Builtin method names.
const (
	MethodEcho   = "echo"
	MethodMerge  = "merge"
	MethodFail   = "fail"
	MethodSleep  = "sleep"
	MethodSample = "sample"
)

// Register adds every builtin method to reg.
func Register(reg *controller.MapRegistry) {
	reg.Register(Component, MethodEcho, Echo)
	reg.Register(Component, MethodMerge, Merge)
	reg.Register(Component, MethodFail, Fail)
	reg.Register(Component, MethodSleep, Sleep)
	reg.Register(Component, MethodSample, Sample)
}

// Echo returns args["value"] when set, otherwise the step's inputs.
func Echo(_ context.Context, call controller.Call) (any, error) {
	if v, ok := call.Args["value"]; ok {
		return v, nil
	}
	return decodeInputs(call.Inputs)
}

// Merge combines the inputs into one object keyed by input name. Object
// inputs are flattened into the result when args["flatten"] is true; later
// keys in sorted input order win.
func Merge(_ context.Context, call controller.Call) (any, error) {
	inputs, err := decodeInputs(call.Inputs)
	if err != nil {
		return nil, err
	}
	flatten, _ := call.Args["flatten"].(bool)
	if !flatten {
		return inputs, nil
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any)
	for _, k := range keys {
		obj, ok := inputs[k].(map[string]any)
		if !ok {
			out[k] = inputs[k]
			continue
		}
		for ik, iv := range obj {
			out[ik] = iv
		}
	}
	return out, nil
}

// Fail returns a classified failure built from args "kind", "code" and
// "message". With args["times"] set it fails only the first that many
// attempts and then returns args["value"].
func Fail(_ context.Context, call controller.Call) (any, error) {
	if times, ok := argInt(call.Args, "times"); ok && call.Attempt > times {
		return call.Args["value"], nil
	}
	kind := failure.KindTechnical
	if k, ok := call.Args["kind"].(string); ok && k != "" {
		kind = failure.Kind(k)
	}
	code, _ := call.Args["code"].(string)
	if code == "" {
		code = "INJECTED"
	}
	msg, _ := call.Args["message"].(string)
	if msg == "" {
		msg = fmt.Sprintf("injected %s failure on attempt %d", kind, call.Attempt)
	}
	return nil, failure.New(kind, code, msg)
}

// Sleep waits for args["duration"] (a Go duration string or milliseconds)
// and then echoes like Echo. It honours ctx, so a step timeout aborts it.
func Sleep(ctx context.Context, call controller.Call) (any, error) {
	d, err := argDuration(call.Args, "duration")
	if err != nil {
		return nil, failure.Wrap(failure.KindBusiness, "BAD_ARGS", err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return Echo(ctx, call)
}

// Sample draws args["n"] (default 1000) uniform values from the step seed
// and returns their mean, min and max. The same seed always yields the same
// summary.
func Sample(_ context.Context, call controller.Call) (any, error) {
	n, ok := argInt(call.Args, "n")
	if !ok || n < 1 {
		n = 1000
	}
	rng := rand.New(rand.NewPCG(uint64(call.Seed), uint64(len(call.Step.StepID))))
	lo, hi, sum := 1.0, 0.0, 0.0
	for i := 0; i < n; i++ {
		v := rng.Float64()
		sum += v
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return map[string]any{"n": n, "mean": sum / float64(n), "min": lo, "max": hi, "seed": call.Seed}, nil
}

func decodeInputs(in map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, raw := range in {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("input %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// argInt reads an integer argument. Catalog decoders hand numbers over as
// int, int64 or float64 depending on the format.
func argInt(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func argDuration(args map[string]any, key string) (time.Duration, error) {
	if s, ok := args[key].(string); ok {
		return time.ParseDuration(s)
	}
	if ms, ok := argInt(args, key); ok {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("argument %q: want a duration", key)
}
