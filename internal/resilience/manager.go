// Package resilience decides and executes recovery for failed step attempts:
// classification into technical, validation, business and resource
// failures; bounded retries with backoff; per-component circuit breakers
// and quotas; fallbacks; and saga-style compensation.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/metrics"
)

// DefaultCompensationAttempts bounds each compensating action.
const DefaultCompensationAttempts = 2

// Operation is one attempt of a step. attempt is 1-indexed.
type Operation func(ctx context.Context, attempt int) (any, error)

// FallbackFunc produces a substitute output for a step whose terminal
// failure is cause.
type FallbackFunc func(ctx context.Context, stepID string, cause error) (any, error)

// CompensationFunc undoes the effect of a completed step.
type CompensationFunc func(ctx context.Context, stepID string) error

// Outcome is the result of Execute.
type Outcome struct {
	// Output is the operation's output, or the fallback's on ActionFallback.
	Output any
	// Err is the last failure. It is nil on ActionNone and keeps the
	// original cause on a successful fallback.
	Err error
	// Action is ActionNone on success, otherwise the terminal action taken.
	Action Action
	// Attempts counts calls of the operation (blocked calls included).
	Attempts int
	// Delays lists the backoff waited before each retry.
	Delays []time.Duration
}

// Succeeded reports whether the step produced a usable output, directly or
// through its fallback.
func (o Outcome) Succeeded() bool {
	return o.Action == ActionNone || o.Action == ActionFallback
}

// RetryHook observes a failed attempt that will be retried after delay.
type RetryHook func(attempt int, err error, delay time.Duration)

// ExecOption adjusts a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	onRetry RetryHook
}

// OnRetry calls h before each backoff wait. A nil h is ignored.
func OnRetry(h RetryHook) ExecOption {
	return func(o *execOptions) { o.onRetry = h }
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger. A nil logger is silent.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records retries, breaker transitions and compensations.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithWait replaces the backoff timer, typically in tests.
func WithWait(w WaitFunc) Option {
	return func(m *Manager) { m.wait = w }
}

// WithJitter replaces the jitter source, which must return values in [0, 1).
func WithJitter(rnd func() float64) Option {
	return func(m *Manager) { m.rnd = rnd }
}

// WithBreakerConfig configures the per-component circuit breakers.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(m *Manager) { m.breakerCfg = cfg }
}

// WithClock replaces time.Now for breaker cooldowns.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithQuotas installs per-component quotas.
func WithQuotas(q *Quotas) Option {
	return func(m *Manager) { m.quotas = q }
}

// WithCompensationAttempts bounds each compensating action.
func WithCompensationAttempts(n int) Option {
	return func(m *Manager) { m.compensationAttempts = n }
}

// Manager applies the recovery policy. One Manager is shared by all
// workflows of a process so breaker state is too.
type Manager struct {
	logger               *log.Logger
	metrics              *metrics.Recorder
	wait                 WaitFunc
	rnd                  func() float64
	now                  func() time.Time
	breakerCfg           BreakerConfig
	breakers             *Breakers
	quotas               *Quotas
	compensationAttempts int

	mu            sync.RWMutex
	fallbacks     map[string]FallbackFunc
	compensations map[string]CompensationFunc
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		wait:                 sleep,
		rnd:                  rand.Float64,
		now:                  time.Now,
		breakerCfg:           DefaultBreakerConfig(),
		compensationAttempts: DefaultCompensationAttempts,
		fallbacks:            make(map[string]FallbackFunc),
		compensations:        make(map[string]CompensationFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.compensationAttempts < 1 {
		m.compensationAttempts = 1
	}
	m.breakers = NewBreakers(m.breakerCfg, m.now, func(component string, from, to BreakerState) {
		m.metrics.BreakerTransition(component, from.String(), to.String())
		m.log("circuit breaker transition", "component", component, "from", from, "to", to)
	})
	return m
}

func (m *Manager) log(msg string, keyvals ...interface{}) {
	if m.logger != nil {
		m.logger.Info(msg, keyvals...)
	}
}

// Breakers exposes the breaker set for inspection.
func (m *Manager) Breakers() *Breakers { return m.breakers }

// RegisterFallback registers fn as stepID's fallback. It panics on a nil
// function or a duplicate registration.
func (m *Manager) RegisterFallback(stepID string, fn FallbackFunc) {
	if fn == nil {
		panic(fmt.Sprintf("resilience: nil fallback for step %q", stepID))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.fallbacks[stepID]; dup {
		panic(fmt.Sprintf("resilience: fallback for step %q already registered", stepID))
	}
	m.fallbacks[stepID] = fn
}

// RegisterCompensation registers fn as stepID's compensating action. It
// panics on a nil function or a duplicate registration.
func (m *Manager) RegisterCompensation(stepID string, fn CompensationFunc) {
	if fn == nil {
		panic(fmt.Sprintf("resilience: nil compensation for step %q", stepID))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.compensations[stepID]; dup {
		panic(fmt.Sprintf("resilience: compensation for step %q already registered", stepID))
	}
	m.compensations[stepID] = fn
}

func (m *Manager) fallback(stepID string) (FallbackFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.fallbacks[stepID]
	return fn, ok
}

func (m *Manager) compensation(stepID string) (CompensationFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.compensations[stepID]
	return fn, ok
}

// Execute runs op under sc's error strategy and cfg's retry bound. It never
// calls op more than cfg.MaxAttempts times. A blocked call (open circuit or
// exhausted quota) counts as an attempt but does not invoke op.
func (m *Manager) Execute(ctx context.Context, sc catalog.StepContext, cfg RetryConfig, op Operation, opts ...ExecOption) Outcome {
	var eo execOptions
	for _, opt := range opts {
		opt(&eo)
	}
	cfg = normalize(cfg)
	strategy := sc.Strategy()
	breaker := m.breakers.For(sc.Component)
	var delays []time.Duration

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Err: failure.Wrap(failure.KindTechnical, "CANCELLED", err).WithStep(sc.StepID), Action: ActionFail, Attempts: attempt - 1, Delays: delays}
		}

		var (
			out any
			err error
		)
		switch {
		case !m.quotas.Allow(sc.Component):
			err = failure.Newf(failure.KindResource, "QUOTA_EXHAUSTED", "quota exhausted for component %s", sc.Component)
		case !breaker.Allow():
			err = failure.Newf(failure.KindResource, "CIRCUIT_OPEN", "circuit open for component %s", sc.Component)
		default:
			out, err = op(ctx, attempt)
			// Only faults of the component itself count against its breaker.
			breaker.Record(err == nil || Classify(err) != failure.KindTechnical)
		}

		if err == nil {
			if attempt > 1 {
				m.metrics.RetrySucceeded(sc.StepID)
			}
			return Outcome{Output: out, Action: ActionNone, Attempts: attempt, Delays: delays}
		}

		kind := failure.KindOf(err)
		action := Decide(kind, strategy, attempt, cfg.MaxAttempts)
		if action == ActionRetry {
			d := Delay(cfg, attempt, m.rnd)
			delays = append(delays, d)
			m.metrics.Retry(sc.StepID)
			if m.logger != nil {
				m.logger.Warn("retrying step", "step", sc.StepID, "attempt", attempt, "kind", kind, "delay", d, "error", err)
			}
			if eo.onRetry != nil {
				eo.onRetry(attempt, err, d)
			}
			if werr := m.wait(ctx, d); werr != nil {
				return Outcome{Err: failure.Wrap(failure.KindTechnical, "CANCELLED", werr).WithStep(sc.StepID), Action: ActionFail, Attempts: attempt, Delays: delays}
			}
			continue
		}
		return m.terminal(ctx, sc, action, err, attempt, delays)
	}
}

func (m *Manager) terminal(ctx context.Context, sc catalog.StepContext, action Action, err error, attempts int, delays []time.Duration) Outcome {
	o := Outcome{Err: err, Action: action, Attempts: attempts, Delays: delays}
	if action != ActionFallback {
		return o
	}
	fn, ok := m.fallback(sc.StepID)
	if !ok {
		// FALLBACK with nothing to fall back to degrades to a skip.
		o.Action = ActionSkip
		return o
	}
	out, ferr := fn(ctx, sc.StepID, err)
	if ferr != nil {
		o.Action = ActionFail
		o.Err = errors.Join(err, fmt.Errorf("fallback: %w", ferr))
		return o
	}
	o.Output = out
	return o
}

// CompensationReport summarises a compensation run.
type CompensationReport struct {
	// Compensated lists steps whose action succeeded, in execution order.
	Compensated []string `json:"compensated"`
	// Failed maps steps whose action kept failing to the last error.
	Failed map[string]string `json:"failed,omitempty"`
	// Skipped lists completed steps with no registered action.
	Skipped []string `json:"skipped,omitempty"`
}

// Compensate runs the compensating action of every step in completed, in
// reverse completion order. It is best effort: a failing action is retried
// up to the configured bound, logged, and then the run moves on.
func (m *Manager) Compensate(ctx context.Context, completed []string) CompensationReport {
	report := CompensationReport{Compensated: []string{}, Failed: map[string]string{}}
	for i := len(completed) - 1; i >= 0; i-- {
		stepID := completed[i]
		fn, ok := m.compensation(stepID)
		if !ok {
			report.Skipped = append(report.Skipped, stepID)
			continue
		}
		var err error
		for attempt := 1; attempt <= m.compensationAttempts; attempt++ {
			if err = m.runCompensation(ctx, fn, stepID); err == nil {
				break
			}
		}
		m.metrics.Compensation(stepID, err == nil)
		if err != nil {
			report.Failed[stepID] = err.Error()
			if m.logger != nil {
				m.logger.Error("compensation failed", "step", stepID, "error", err)
			}
			continue
		}
		report.Compensated = append(report.Compensated, stepID)
	}
	return report
}

func (m *Manager) runCompensation(ctx context.Context, fn CompensationFunc, stepID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return fn(ctx, stepID)
}

// ChoreographerFailure is the failure report of a delegated sub-process.
type ChoreographerFailure struct {
	CorrelationID string
	Code          string
	Message       string
}

// Decision is the recovery chosen for a delegated failure.
type Decision struct {
	Action Action
	Kind   failure.Kind
	Delay  time.Duration
	Err    error
}

// HandleChoreographerFailure re-applies the recovery table to a failure
// reported by the choreographer for attempt (1-indexed) of sc's delegation.
// A retry decision carries the backoff delay to wait before re-delegating.
func (m *Manager) HandleChoreographerFailure(ctx context.Context, f ChoreographerFailure, sc catalog.StepContext, attempt int, cfg RetryConfig) Decision {
	cfg = normalize(cfg)
	kind := ClassifyCode(f.Code)
	err := failure.New(kind, f.Code, f.Message).WithStep(sc.StepID)
	d := Decision{Kind: kind, Err: err, Action: Decide(kind, sc.Strategy(), attempt, cfg.MaxAttempts)}
	if ctx.Err() != nil && d.Action == ActionRetry {
		d.Action = ActionFail
	}
	if d.Action == ActionRetry {
		d.Delay = Delay(cfg, attempt, m.rnd)
		m.metrics.Retry(sc.StepID)
	}
	if m.logger != nil {
		m.logger.Warn("delegated sub-process failed", "correlation", f.CorrelationID, "code", f.Code, "kind", kind, "action", d.Action)
	}
	return d
}

// Wait blocks for d using the manager's wait function.
func (m *Manager) Wait(ctx context.Context, d time.Duration) error {
	return m.wait(ctx, d)
}
