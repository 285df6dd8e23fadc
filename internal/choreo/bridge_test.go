package choreo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/detid"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/resilience"
)

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fixture wires a bridge and an executor over one in-memory bus.
type fixture struct {
	bus      *MemoryBus
	bridge   *Bridge
	registry *controller.MapRegistry
}

func newFixture(t *testing.T, steps []catalog.StepContext, opts ...BridgeOption) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := NewMemoryBus(nil)
	t.Cleanup(func() { _ = bus.Close() })

	bridge, err := NewBridge(ctx, bus, opts...)
	require.NoError(t, err)

	reg := controller.NewMapRegistry()
	if len(steps) > 0 {
		cat, err := catalog.New("delegated", "v1", steps)
		require.NoError(t, err)
		ctrl := controller.New(reg, controller.WithResilience(
			resilience.NewManager(resilience.WithWait(noWait)),
			resilience.RetryConfig{Strategy: catalog.RetryNone},
		))
		stop, err := NewExecutor(bus, cat, ctrl, WithPoolSize(2)).Start(ctx)
		require.NoError(t, err)
		t.Cleanup(stop)
	}
	return &fixture{bus: bus, bridge: bridge, registry: reg}
}

func jsonOf(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := detid.Canonical(v)
	require.NoError(t, err)
	return data
}

func TestBridge_DelegateCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.StepContext{
		{StepID: "summarize", Component: "report", Method: "summarize", ErrorStrategy: catalog.StrategyFailFast},
		{StepID: "publish", Component: "report", Method: "publish", DependsOn: []string{"summarize"}, ErrorStrategy: catalog.StrategyFailFast},
	})
	f.registry.Register("report", "summarize", func(_ context.Context, call controller.Call) (any, error) {
		var doc map[string]any
		if err := json.Unmarshal(call.Inputs["segment"], &doc); err != nil {
			return nil, err
		}
		return map[string]any{"summary": doc["label"]}, nil
	})
	f.registry.Register("report", "publish", func(_ context.Context, call controller.Call) (any, error) {
		var doc map[string]any
		if err := json.Unmarshal(call.Inputs["summarize"], &doc); err != nil {
			return nil, err
		}
		return map[string]any{"published": doc["summary"]}, nil
	})

	out, err := f.bridge.Delegate(context.Background(), Request{
		WorkflowID: "wf-1",
		Group:      "reporting",
		StepIDs:    []string{"summarize", "publish"},
		Attempt:    1,
		Input:      map[string]json.RawMessage{"segment": jsonOf(t, map[string]any{"label": "alpha"})},
		Timeout:    5 * time.Second,
		Dimension:  "tenant",
	})
	require.NoError(t, err)
	require.True(t, out.Succeeded(), "%+v", out.Failed)

	assert.Equal(t, detid.CorrelationID("wf-1", "reporting", 1), out.Correlation.CorrelationID)
	assert.Equal(t, "wf-1", out.Correlation.WorkflowID)
	assert.Equal(t, []string{"summarize", "publish"}, out.Correlation.StepIDs)
	assert.Equal(t, "tenant", out.Correlation.Dimension)
	assert.Equal(t, []string{"summarize", "publish"}, out.Completed.StepsSuccessful)
	assert.JSONEq(t, `{"published":"alpha"}`, string(out.Completed.OutputData["publish"]))
	assert.Zero(t, f.bridge.Pending())
}

func TestBridge_UnknownCorrelationIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	env, err := NewEnvelope(TypeCompleted, "corr-nobody", Completed{
		Correlation: Correlation{CorrelationID: "corr-nobody", WorkflowID: "wf-x"},
	}, time.Now())
	require.NoError(t, err)

	err = f.bridge.Handle(context.Background(), env)
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
	assert.Zero(t, f.bridge.Pending())
}

func TestBridge_DuplicateOutcomeIsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var published atomic.Int32
	// A responder that answers every trigger twice.
	_, err := f.bus.Subscribe(context.Background(), TypeInitiated, func(ctx context.Context, env Envelope) error {
		var in Initiated
		if err := env.Decode(&in); err != nil {
			return err
		}
		for range 2 {
			out, err := NewEnvelope(TypeCompleted, env.CorrelationID, Completed{
				Correlation:     in.Correlation,
				StepsSuccessful: in.Correlation.StepIDs,
			}, time.Now())
			if err != nil {
				return err
			}
			assert.NoError(t, f.bridge.Handle(ctx, out))
			published.Add(1)
		}
		return nil
	})
	require.NoError(t, err)

	out, err := f.bridge.Delegate(context.Background(), Request{WorkflowID: "wf-2", Group: "g", StepIDs: []string{"a"}, Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, out.Succeeded())
	assert.Eventually(t, func() bool { return published.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.bridge.Pending())
}

func TestBridge_TimeoutSynthesisesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	out, err := f.bridge.Delegate(context.Background(), Request{WorkflowID: "wf-3", Group: "slow", StepIDs: []string{"a", "b"}, Attempt: 2, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, out.Succeeded())
	assert.True(t, out.TimedOut)
	assert.Equal(t, CodeTimeout, out.Failed.ErrorCode)
	assert.Equal(t, detid.CorrelationID("wf-3", "slow", 2), out.Failed.Correlation.CorrelationID)
	assert.Equal(t, failure.KindTimeout, resilience.ClassifyCode(out.Failed.ErrorCode))

	// A late answer finds nothing waiting.
	late, err := NewEnvelope(TypeCompleted, out.Correlation.CorrelationID, Completed{Correlation: out.Correlation}, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, f.bridge.Handle(context.Background(), late), ErrUnknownCorrelation)
}

func TestBridge_ContextCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.bridge.Delegate(ctx, Request{WorkflowID: "wf-4", Group: "g", StepIDs: []string{"a"}, Timeout: time.Minute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.bridge.Pending())
}

func TestBridge_WorkflowMismatchIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	done := make(chan error, 1)
	_, err := f.bus.Subscribe(context.Background(), TypeInitiated, func(ctx context.Context, env Envelope) error {
		bad := Correlation{CorrelationID: env.CorrelationID, WorkflowID: "wf-other"}
		out, err := NewEnvelope(TypeCompleted, env.CorrelationID, Completed{Correlation: bad}, time.Now())
		if err != nil {
			done <- err
			return err
		}
		done <- f.bridge.Handle(ctx, out)
		return nil
	})
	require.NoError(t, err)

	out, err := f.bridge.Delegate(context.Background(), Request{WorkflowID: "wf-5", Group: "g", StepIDs: []string{"a"}, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, out.TimedOut, "mismatched outcome must not resolve the request")
	assert.ErrorIs(t, <-done, ErrCorrelationMismatch)
}

func TestExecutor_PartialFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []catalog.StepContext{
		{StepID: "a", Component: "c", Method: "ok"},
		{StepID: "b", Component: "c", Method: "bad", DependsOn: []string{"a"}, ErrorStrategy: catalog.StrategyFailFast},
		{StepID: "c", Component: "c", Method: "ok"},
		{StepID: "d", Component: "c", Method: "ok", DependsOn: []string{"b"}},
	})
	var dCalls atomic.Int32
	f.registry.Register("c", "ok", func(_ context.Context, call controller.Call) (any, error) {
		if call.Step.StepID == "d" {
			dCalls.Add(1)
		}
		return map[string]any{"step": call.Step.StepID}, nil
	})
	f.registry.Register("c", "bad", func(context.Context, controller.Call) (any, error) {
		return nil, failure.New(failure.KindBusiness, "PRECONDITION_UNMET", "tenant missing")
	})

	out, err := f.bridge.Delegate(context.Background(), Request{WorkflowID: "wf-6", Group: "g", StepIDs: []string{"a", "b", "c", "d"}, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, out.Failed)
	assert.False(t, out.TimedOut)
	assert.Equal(t, "PRECONDITION_UNMET", out.Failed.ErrorCode)
	assert.Equal(t, "b", out.Failed.FailedStep)
	assert.Len(t, out.Failed.PartialResult, 2)
	assert.Contains(t, out.Failed.PartialResult, "a")
	assert.Contains(t, out.Failed.PartialResult, "c")
	assert.Zero(t, dCalls.Load(), "waves after a fatal failure do not run")
}

func TestExecutor_ToleratedFailure(t *testing.T) {
	t.Parallel()

	cat, err := catalog.New("t", "v1", []catalog.StepContext{
		{StepID: "a", Component: "c", Method: "skip", ErrorStrategy: catalog.StrategySkip},
		{StepID: "b", Component: "c", Method: "ok", DependsOn: []string{"a"}},
		{StepID: "x", Component: "c", Method: "ok"},
	})
	require.NoError(t, err)
	reg := controller.NewMapRegistry()
	reg.Register("c", "ok", func(context.Context, controller.Call) (any, error) { return "fine", nil })
	reg.Register("c", "skip", func(context.Context, controller.Call) (any, error) {
		return nil, failure.New(failure.KindBusiness, "PRECONDITION_UNMET", "nope")
	})
	ctrl := controller.New(reg, controller.WithResilience(resilience.NewManager(), resilience.DefaultRetryConfig()))
	exec := NewExecutor(NewMemoryBus(nil), cat, ctrl)

	typ, payload := exec.Run(context.Background(), Initiated{Correlation: Correlation{CorrelationID: "corr-t", WorkflowID: "wf-7", StepIDs: []string{"a", "b", "x"}}})
	require.Equal(t, TypeCompleted, typ)
	done := payload.(*Completed)
	assert.Equal(t, []string{"x"}, done.StepsSuccessful)
	assert.ElementsMatch(t, []string{"a", "b"}, done.StepsFailed)
}

func TestExecutor_UnknownStep(t *testing.T) {
	t.Parallel()

	cat, err := catalog.New("t", "v1", nil)
	require.NoError(t, err)
	exec := NewExecutor(NewMemoryBus(nil), cat, controller.New(controller.NewMapRegistry()))
	typ, payload := exec.Run(context.Background(), Initiated{Correlation: Correlation{StepIDs: []string{"ghost"}}})
	require.Equal(t, TypeFailed, typ)
	assert.Equal(t, "COMPONENT_NOT_AVAILABLE", payload.(*Failed).ErrorCode)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(nil)
	var calls atomic.Int32
	unsub, err := bus.Subscribe(context.Background(), TypeFailed, func(context.Context, Envelope) error {
		calls.Add(1)
		return errors.New("ignored")
	})
	require.NoError(t, err)

	env := Envelope{Type: TypeFailed, CorrelationID: "c"}
	require.NoError(t, bus.Publish(context.Background(), env))
	unsub()
	require.NoError(t, bus.Publish(context.Background(), env))
	require.NoError(t, bus.Close())

	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, bus.Publish(context.Background(), env), ErrBusClosed)
	_, err = bus.Subscribe(context.Background(), TypeFailed, func(context.Context, Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBridge_SeenEntriesExpire(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f := newFixture(t, nil, WithBridgeClock(clock.Now), WithSeenTTL(time.Minute))
	answers := make(chan Envelope, 4)
	_, err := f.bus.Subscribe(context.Background(), TypeInitiated, func(ctx context.Context, env Envelope) error {
		var in Initiated
		if err := env.Decode(&in); err != nil {
			return err
		}
		out, err := NewEnvelope(TypeCompleted, env.CorrelationID, Completed{Correlation: in.Correlation}, clock.Now())
		if err != nil {
			return err
		}
		answers <- out
		return f.bridge.Handle(ctx, out)
	})
	require.NoError(t, err)

	seen := func() int {
		f.bridge.mu.Lock()
		defer f.bridge.mu.Unlock()
		return len(f.bridge.seen)
	}

	out, err := f.bridge.Delegate(context.Background(), Request{WorkflowID: "wf-ttl-1", Group: "g", StepIDs: []string{"a"}, Timeout: time.Second})
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	first := <-answers
	assert.NoError(t, f.bridge.Handle(context.Background(), first), "duplicate inside the TTL is ignored")
	assert.Equal(t, 1, seen())

	clock.Advance(2 * time.Minute)
	out, err = f.bridge.Delegate(context.Background(), Request{WorkflowID: "wf-ttl-2", Group: "g", StepIDs: []string{"a"}, Timeout: time.Second})
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	<-answers

	assert.Equal(t, 1, seen(), "expired entries are pruned on the next resolution")
	assert.ErrorIs(t, f.bridge.Handle(context.Background(), first), ErrUnknownCorrelation)
}

func TestBridge_MalformedOutcomeIsUndeliverable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	env := Envelope{Type: TypeFailed, CorrelationID: "corr-bad", Payload: json.RawMessage(`"not an object"`)}
	err := f.bridge.Handle(context.Background(), env)
	assert.ErrorIs(t, err, ErrMalformedOutcome)
	assert.True(t, Undeliverable(err))
	assert.True(t, Undeliverable(fmt.Errorf("x: %w", ErrUnknownCorrelation)))
	assert.False(t, Undeliverable(errors.New("handler busy")))
}

func TestMemoryBus_CloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(nil)
	for _, typ := range []EventType{TypeInitiated, TypeCompleted, TypeFailed} {
		_, err := bus.Subscribe(context.Background(), typ, func(context.Context, Envelope) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), bus.watching.Load())

	require.NoError(t, bus.Close())
	assert.Zero(t, bus.watching.Load(), "Close waits for every subscription watcher")
	require.NoError(t, bus.Close())
}
