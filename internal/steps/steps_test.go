package steps

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := controller.NewMapRegistry()
	Register(reg)
	assert.Equal(t, []string{"builtin.echo", "builtin.fail", "builtin.merge", "builtin.sample", "builtin.sleep"}, reg.List())
}

func TestEcho(t *testing.T) {
	t.Parallel()

	out, err := Echo(context.Background(), controller.Call{Args: map[string]any{"value": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	out, err = Echo(context.Background(), controller.Call{Inputs: map[string]json.RawMessage{"a": json.RawMessage(`{"x":1}`)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": map[string]any{"x": 1.0}}, out)
}

func TestMerge(t *testing.T) {
	t.Parallel()

	inputs := map[string]json.RawMessage{
		"a": json.RawMessage(`{"x":1,"y":1}`),
		"b": json.RawMessage(`{"y":2}`),
		"c": json.RawMessage(`"scalar"`),
	}
	out, err := Merge(context.Background(), controller.Call{Inputs: inputs, Args: map[string]any{"flatten": true}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0, "y": 2.0, "c": "scalar"}, out)

	_, err = Merge(context.Background(), controller.Call{Inputs: map[string]json.RawMessage{"bad": json.RawMessage(`{`)}})
	assert.Error(t, err)
}

func TestFail(t *testing.T) {
	t.Parallel()

	args := map[string]any{"kind": "business", "code": "NO_DATA", "times": int64(2), "value": "recovered"}
	for attempt, wantErr := range map[int]bool{1: true, 2: true, 3: false} {
		out, err := Fail(context.Background(), controller.Call{Args: args, Attempt: attempt})
		if wantErr {
			require.Error(t, err, "attempt %d", attempt)
			assert.Equal(t, failure.KindBusiness, failure.KindOf(err))
			assert.Equal(t, "NO_DATA", failure.CodeOf(err))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, "recovered", out)
	}

	_, err := Fail(context.Background(), controller.Call{Attempt: 1})
	assert.Equal(t, failure.KindTechnical, failure.KindOf(err))
	assert.Equal(t, "INJECTED", failure.CodeOf(err))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	out, err := Sleep(context.Background(), controller.Call{Args: map[string]any{"duration": "1ms", "value": 5}})
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = Sleep(ctx, controller.Call{Args: map[string]any{"duration": 10_000}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = Sleep(context.Background(), controller.Call{Args: map[string]any{"duration": true}})
	assert.Equal(t, failure.KindBusiness, failure.KindOf(err))
}

func TestSample_IsDeterministic(t *testing.T) {
	t.Parallel()

	call := controller.Call{Step: catalog.StepContext{StepID: "draw"}, Seed: 42, Args: map[string]any{"n": 500}}
	a, err := Sample(context.Background(), call)
	require.NoError(t, err)
	b, err := Sample(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	call.Seed = 43
	c, err := Sample(context.Background(), call)
	require.NoError(t, err)
	assert.NotEqual(t, a.(map[string]any)["mean"], c.(map[string]any)["mean"])
	assert.InDelta(t, 0.5, c.(map[string]any)["mean"], 0.1)
}
