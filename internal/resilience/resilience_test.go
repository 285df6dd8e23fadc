package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/metrics"
)

// recordingWait captures requested delays without sleeping.
type recordingWait struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *recordingWait) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func step(id string, strategy catalog.ErrorStrategy) catalog.StepContext {
	return catalog.StepContext{StepID: id, Component: "comp-" + id, Method: "run", ErrorStrategy: strategy}
}

func technical(msg string) error {
	return failure.New(failure.KindTechnical, "IO", msg)
}

func TestDelay(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	tests := []struct {
		name string
		cfg  RetryConfig
		n    int
		want time.Duration
	}{
		{name: "none", cfg: RetryConfig{Strategy: catalog.RetryNone, BaseDelay: base}, n: 1, want: 0},
		{name: "fixed first", cfg: RetryConfig{Strategy: catalog.RetryFixed, BaseDelay: base}, n: 1, want: base},
		{name: "fixed third", cfg: RetryConfig{Strategy: catalog.RetryFixed, BaseDelay: base}, n: 3, want: base},
		{name: "exponential first", cfg: RetryConfig{Strategy: catalog.RetryExponential, BaseDelay: base}, n: 1, want: base},
		{name: "exponential third", cfg: RetryConfig{Strategy: catalog.RetryExponential, BaseDelay: base}, n: 3, want: 4 * base},
		{name: "exponential capped", cfg: RetryConfig{Strategy: catalog.RetryExponential, BaseDelay: base, MaxDelay: 250 * time.Millisecond}, n: 3, want: 250 * time.Millisecond},
		{name: "jittered adds fraction", cfg: RetryConfig{Strategy: catalog.RetryJitteredExponential, BaseDelay: base, JitterFactor: 0.5}, n: 2, want: 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Delay(tt.cfg, tt.n, func() float64 { return 1 })
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEffectiveRetry(t *testing.T) {
	t.Parallel()

	def := DefaultRetryConfig()
	sc := step("a", catalog.StrategyRetry)
	assert.Equal(t, def, EffectiveRetry(sc, def))

	sc.Retry = &catalog.RetryPolicy{Strategy: catalog.RetryNone, MaxAttempts: 5}
	got := EffectiveRetry(sc, def)
	assert.Equal(t, 1, got.MaxAttempts, "NONE never retries")

	sc.Retry = &catalog.RetryPolicy{Strategy: catalog.RetryFixed}
	assert.Equal(t, 1, EffectiveRetry(sc, def).MaxAttempts)
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     failure.Kind
		strategy catalog.ErrorStrategy
		attempt  int
		want     Action
	}{
		{failure.KindTechnical, catalog.StrategyRetry, 1, ActionRetry},
		{failure.KindTechnical, catalog.StrategyRetry, 3, ActionFail},
		{failure.KindTechnical, catalog.StrategySkip, 1, ActionRetry},
		{failure.KindTechnical, catalog.StrategySkip, 3, ActionSkip},
		{failure.KindTechnical, catalog.StrategyFailFast, 1, ActionFailFast},
		{failure.KindTechnical, catalog.StrategyFallback, 3, ActionFallback},
		{failure.KindTechnical, catalog.StrategyCompensate, 3, ActionCompensate},
		{failure.KindTimeout, catalog.StrategyRetry, 2, ActionRetry},
		{failure.KindValidation, catalog.StrategyRetry, 1, ActionFail},
		{failure.KindValidation, catalog.StrategySkip, 1, ActionSkip},
		{failure.KindValidation, catalog.StrategyFallback, 1, ActionFallback},
		{failure.KindBusiness, catalog.StrategySkip, 1, ActionSkip},
		{failure.KindBusiness, catalog.StrategyCompensate, 1, ActionCompensate},
		{failure.KindBusiness, catalog.StrategyRetry, 1, ActionFailFast},
		{failure.KindResource, catalog.StrategyFallback, 1, ActionFallback},
		{failure.KindResource, catalog.StrategyRetry, 1, ActionFailFast},
		{failure.KindComponentNotAvailable, catalog.StrategyRetry, 1, ActionFail},
		{failure.KindTechnical, "", 1, ActionRetry},
	}
	for _, tt := range tests {
		got := Decide(tt.kind, tt.strategy, tt.attempt, 3)
		assert.Equal(t, tt.want, got, "%s/%s attempt %d", tt.kind, tt.strategy, tt.attempt)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, failure.KindTechnical, Classify(errors.New("boom")))
	assert.Equal(t, failure.KindTechnical, Classify(context.DeadlineExceeded))
	assert.Equal(t, failure.KindTechnical, Classify(failure.ErrVersionConflict))
	assert.Equal(t, failure.KindBusiness, Classify(failure.New(failure.KindBusiness, "X", "x")))

	assert.Equal(t, failure.KindTimeout, ClassifyCode("timeout"))
	assert.Equal(t, failure.KindValidation, ClassifyCode("VALIDATION_FAILED"))
	assert.Equal(t, failure.KindBusiness, ClassifyCode("PRECONDITION_UNMET"))
	assert.Equal(t, failure.KindResource, ClassifyCode("QUOTA_EXHAUSTED"))
	assert.Equal(t, failure.KindComponentNotAvailable, ClassifyCode("COMPONENT_NOT_AVAILABLE"))
	assert.Equal(t, failure.KindTechnical, ClassifyCode("SOMETHING_ELSE"))
}

func TestExecute_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	w := &recordingWait{}
	rec := metrics.New()
	m := NewManager(WithWait(w.wait), WithMetrics(rec))
	cfg := RetryConfig{Strategy: catalog.RetryExponential, MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	var calls int
	out := m.Execute(context.Background(), step("segment", catalog.StrategyRetry), cfg, func(_ context.Context, attempt int) (any, error) {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return nil, technical("flaky")
		}
		return "ok", nil
	})

	require.True(t, out.Succeeded())
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, "ok", out.Output)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, out.Delays)
	assert.Equal(t, out.Delays, w.delays)
	assert.Less(t, out.Delays[0], out.Delays[1])

	snap := rec.Snapshot()
	assert.Equal(t, 2.0, snap.Retries)
}

func TestExecute_RetryBound(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 3, 5} {
		w := &recordingWait{}
		m := NewManager(WithWait(w.wait))
		var calls atomic.Int32
		out := m.Execute(context.Background(), step("a", catalog.StrategyRetry), RetryConfig{Strategy: catalog.RetryFixed, MaxAttempts: limit}, func(context.Context, int) (any, error) {
			calls.Add(1)
			return nil, technical("down")
		})
		assert.Equal(t, int32(limit), calls.Load(), "limit %d", limit)
		assert.Equal(t, limit, out.Attempts)
		assert.Len(t, out.Delays, limit-1)
		assert.Equal(t, ActionFail, out.Action)
		assert.Equal(t, failure.KindTechnical, failure.KindOf(out.Err))
		assert.False(t, out.Succeeded())
	}
}

func TestExecute_BusinessErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	m := NewManager(WithWait((&recordingWait{}).wait))
	var calls int
	out := m.Execute(context.Background(), step("a", catalog.StrategySkip), DefaultRetryConfig(), func(context.Context, int) (any, error) {
		calls++
		return nil, failure.New(failure.KindBusiness, "PRECONDITION_UNMET", "no tenant")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, ActionSkip, out.Action)
	assert.Empty(t, out.Delays)
}

func TestExecute_Fallback(t *testing.T) {
	t.Parallel()

	m := NewManager(WithWait((&recordingWait{}).wait))
	m.RegisterFallback("summarize", func(_ context.Context, stepID string, cause error) (any, error) {
		assert.Equal(t, "summarize", stepID)
		assert.ErrorIs(t, cause, failure.ErrResource)
		return map[string]any{"summary": "cached"}, nil
	})

	out := m.Execute(context.Background(), step("summarize", catalog.StrategyFallback), DefaultRetryConfig(), func(context.Context, int) (any, error) {
		return nil, failure.New(failure.KindResource, "QUOTA_EXHAUSTED", "quota")
	})
	assert.Equal(t, ActionFallback, out.Action)
	assert.True(t, out.Succeeded())
	assert.Equal(t, map[string]any{"summary": "cached"}, out.Output)
	assert.ErrorIs(t, out.Err, failure.ErrResource)
}

func TestExecute_FallbackMissingOrFailing(t *testing.T) {
	t.Parallel()

	fail := func(context.Context, int) (any, error) {
		return nil, failure.New(failure.KindResource, "CIRCUIT_OPEN", "open")
	}

	m := NewManager()
	out := m.Execute(context.Background(), step("x", catalog.StrategyFallback), DefaultRetryConfig(), fail)
	assert.Equal(t, ActionSkip, out.Action, "no fallback registered")

	m.RegisterFallback("y", func(context.Context, string, error) (any, error) {
		return nil, errors.New("fallback down")
	})
	out = m.Execute(context.Background(), step("y", catalog.StrategyFallback), DefaultRetryConfig(), fail)
	assert.Equal(t, ActionFail, out.Action)
	assert.ErrorContains(t, out.Err, "fallback down")
	assert.ErrorIs(t, out.Err, failure.ErrResource)
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(WithWait(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	out := m.Execute(ctx, step("a", catalog.StrategyRetry), DefaultRetryConfig(), func(context.Context, int) (any, error) {
		return nil, technical("down")
	})
	assert.Equal(t, ActionFail, out.Action)
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRegister_Panics(t *testing.T) {
	t.Parallel()

	m := NewManager()
	assert.Panics(t, func() { m.RegisterFallback("a", nil) })
	assert.Panics(t, func() { m.RegisterCompensation("a", nil) })

	m.RegisterCompensation("a", func(context.Context, string) error { return nil })
	assert.Panics(t, func() {
		m.RegisterCompensation("a", func(context.Context, string) error { return nil })
	})
}

func TestBreaker_Transitions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	var transitions []string
	bs := NewBreakers(BreakerConfig{FailureThreshold: 0.5, MinRequests: 4, Cooldown: time.Minute}, clock, func(_ string, from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	b := bs.For("scorer")
	require.Same(t, b, bs.For("scorer"))

	for _, ok := range []bool{true, false, true} {
		require.True(t, b.Allow())
		b.Record(ok)
	}
	assert.Equal(t, BreakerClosed, b.State(), "below min requests")

	require.True(t, b.Allow())
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "open during cooldown")

	now = now.Add(time.Minute)
	assert.True(t, b.Allow(), "first caller after cooldown probes")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe")

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State(), "failed probe reopens")

	now = now.Add(time.Minute)
	require.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())

	assert.Equal(t, []string{
		"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->OPEN",
		"OPEN->HALF_OPEN", "HALF_OPEN->CLOSED",
	}, transitions)
	assert.Equal(t, []BreakerStatus{{Component: "scorer", State: "CLOSED"}}, bs.Snapshot())
}

func TestBreaker_OldFailuresAgeOut(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := NewBreakers(BreakerConfig{FailureThreshold: 0.5, MinRequests: 5, Cooldown: time.Minute, Window: time.Minute}, clock, nil).For("scorer")

	for range 4 {
		require.True(t, b.Allow())
		b.Record(false)
	}
	assert.Equal(t, BreakerClosed, b.State(), "below min requests")

	now = now.Add(2 * time.Minute)
	for _, ok := range []bool{false, true, true, true, true} {
		require.True(t, b.Allow())
		b.Record(ok)
	}
	assert.Equal(t, BreakerClosed, b.State(), "failures from an earlier window do not count")

	for range 5 {
		b.Record(false)
	}
	assert.Equal(t, BreakerOpen, b.State(), "a failing window still opens the circuit")
}

func TestBreaker_ZeroWindowCountsUntilOpen(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := NewBreakers(BreakerConfig{FailureThreshold: 0.5, MinRequests: 5, Cooldown: time.Minute}, clock, nil).For("scorer")

	for range 4 {
		b.Record(false)
	}
	now = now.Add(time.Hour)
	b.Record(true)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_ConcurrentProbe(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	b := NewBreakers(BreakerConfig{FailureThreshold: 1, MinRequests: 1, Cooldown: time.Second}, clock, nil).For("c")
	b.Record(false)
	require.Equal(t, BreakerOpen, b.State())

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestExecute_OpenCircuitIsResourceFailure(t *testing.T) {
	t.Parallel()

	rec := metrics.New()
	m := NewManager(
		WithWait((&recordingWait{}).wait),
		WithMetrics(rec),
		WithBreakerConfig(BreakerConfig{FailureThreshold: 0.5, MinRequests: 2, Cooldown: time.Hour}),
	)
	sc := step("score", catalog.StrategyRetry)
	var calls int
	out := m.Execute(context.Background(), sc, RetryConfig{Strategy: catalog.RetryFixed, MaxAttempts: 5}, func(context.Context, int) (any, error) {
		calls++
		return nil, technical("down")
	})

	assert.Equal(t, 2, calls, "circuit opens after two failures")
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, ActionFailFast, out.Action)
	assert.Equal(t, "CIRCUIT_OPEN", failure.CodeOf(out.Err))
	assert.Equal(t, BreakerOpen, m.Breakers().For(sc.Component).State())
	assert.Equal(t, 1.0, rec.Snapshot().BreakerOpened())
}

func TestExecute_BusinessFailuresDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	m := NewManager(WithBreakerConfig(BreakerConfig{FailureThreshold: 0.5, MinRequests: 1, Cooldown: time.Hour}))
	sc := step("a", catalog.StrategySkip)
	for range 3 {
		m.Execute(context.Background(), sc, DefaultRetryConfig(), func(context.Context, int) (any, error) {
			return nil, failure.New(failure.KindBusiness, "PRECONDITION_UNMET", "no")
		})
	}
	assert.Equal(t, BreakerClosed, m.Breakers().For(sc.Component).State())
}

func TestExecute_Quota(t *testing.T) {
	t.Parallel()

	q := NewQuotas()
	q.Set("comp-a", 0.001, 1)
	m := NewManager(WithQuotas(q))
	sc := step("a", catalog.StrategyFallback)
	m.RegisterFallback("a", func(context.Context, string, error) (any, error) { return "degraded", nil })

	op := func(context.Context, int) (any, error) { return "fresh", nil }
	first := m.Execute(context.Background(), sc, DefaultRetryConfig(), op)
	assert.Equal(t, "fresh", first.Output)

	second := m.Execute(context.Background(), sc, DefaultRetryConfig(), op)
	assert.Equal(t, ActionFallback, second.Action)
	assert.Equal(t, "degraded", second.Output)
	assert.Equal(t, "QUOTA_EXHAUSTED", failure.CodeOf(second.Err))

	q.Set("comp-a", 0, 0)
	assert.True(t, q.Allow("comp-a"), "removed quota is unlimited")

	var nilQuotas *Quotas
	assert.True(t, nilQuotas.Allow("anything"))
}

func TestCompensate_ReverseOrder(t *testing.T) {
	t.Parallel()

	rec := metrics.New()
	m := NewManager(WithMetrics(rec), WithCompensationAttempts(2))
	var order []string
	var flakyCalls int
	for _, id := range []string{"ingest", "segment", "score"} {
		m.RegisterCompensation(id, func(_ context.Context, stepID string) error {
			order = append(order, stepID)
			return nil
		})
	}
	m.RegisterCompensation("publish", func(_ context.Context, stepID string) error {
		flakyCalls++
		order = append(order, stepID)
		if flakyCalls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	m.RegisterCompensation("notify", func(context.Context, string) error {
		panic("broken")
	})

	report := m.Compensate(context.Background(), []string{"ingest", "segment", "untracked", "score", "publish", "notify"})

	assert.Equal(t, []string{"publish", "publish", "score", "segment", "ingest"}, order)
	assert.Equal(t, []string{"publish", "score", "segment", "ingest"}, report.Compensated)
	assert.Equal(t, []string{"untracked"}, report.Skipped)
	require.Contains(t, report.Failed, "notify")
	assert.Contains(t, report.Failed["notify"], "panicked")
	assert.Equal(t, 5.0, rec.Snapshot().Compensations, "every attempted step counts once")
}

func TestHandleChoreographerFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(WithJitter(func() float64 { return 0 }))
	cfg := RetryConfig{Strategy: catalog.RetryExponential, MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
	ctx := context.Background()

	tests := []struct {
		name     string
		code     string
		strategy catalog.ErrorStrategy
		attempt  int
		want     Action
		kind     failure.Kind
		delay    time.Duration
	}{
		{name: "timeout retries", code: "TIMEOUT", strategy: catalog.StrategyRetry, attempt: 2, want: ActionRetry, kind: failure.KindTimeout, delay: 100 * time.Millisecond},
		{name: "timeout exhausted", code: "TIMEOUT", strategy: catalog.StrategyRetry, attempt: 3, want: ActionFail, kind: failure.KindTimeout},
		{name: "business skip", code: "PRECONDITION_UNMET", strategy: catalog.StrategySkip, attempt: 1, want: ActionSkip, kind: failure.KindBusiness},
		{name: "resource fallback", code: "QUOTA_EXHAUSTED", strategy: catalog.StrategyFallback, attempt: 1, want: ActionFallback, kind: failure.KindResource},
		{name: "unknown code is technical", code: "EXPLODED", strategy: catalog.StrategyRetry, attempt: 1, want: ActionRetry, kind: failure.KindTechnical, delay: 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := m.HandleChoreographerFailure(ctx, ChoreographerFailure{CorrelationID: "corr-1", Code: tt.code, Message: "m"}, step("s", tt.strategy), tt.attempt, cfg)
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.delay, d.Delay)
			assert.Equal(t, tt.code, failure.CodeOf(d.Err))
		})
	}
}
