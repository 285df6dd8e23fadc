// Package controller is the invocation boundary between the orchestrator and
// step implementations. It resolves methods through a Registry, normalises
// whatever they return, optionally validates and retries through the
// validation and resilience engines, and keeps per-method statistics.
package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/metrics"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/resilience"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/validation"
)

const tracerName = "github.com/AbdelazizMoustafa10m/Corvid/internal/controller"

// SpanName is the name of the span wrapping every Invoke.
const SpanName = "corvid.invoke"

// NormalizedResult is the uniform shape of every invocation.
type NormalizedResult struct {
	Output    any      `json:"output,omitempty"`
	IsSuccess bool     `json:"is_success"`
	Errors    []string `json:"errors,omitempty"`
	// Err is the classified failure behind a non-successful result.
	Err        error              `json:"-"`
	Validation *validation.Result `json:"validation,omitempty"`
	// Action is the terminal recovery action, empty on a clean success.
	Action   resilience.Action `json:"action,omitempty"`
	Attempts int               `json:"attempts"`
	Delays   []time.Duration   `json:"delays,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger. A nil logger is silent.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records every method call.
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = r }
}

// WithValidation validates every successful output against the step's rules.
func WithValidation(e *validation.Engine) Option {
	return func(c *Controller) { c.validator = e }
}

// WithResilience routes every call through m, using def when the step has
// no retry override.
func WithResilience(m *resilience.Manager, def resilience.RetryConfig) Option {
	return func(c *Controller) {
		c.resilience = m
		c.retry = def
	}
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// Controller invokes step methods.
type Controller struct {
	registry   Registry
	validator  *validation.Engine
	resilience *resilience.Manager
	retry      resilience.RetryConfig
	metrics    *metrics.Recorder
	tracer     trace.Tracer
	logger     *log.Logger

	mu    sync.Mutex
	stats map[statKey]*stat
}

// New creates a Controller over registry. The registry must not be nil.
func New(registry Registry, opts ...Option) *Controller {
	if registry == nil {
		panic("controller: New called with nil registry")
	}
	c := &Controller{
		registry: registry,
		retry:    resilience.DefaultRetryConfig(),
		tracer:   otel.Tracer(tracerName),
		stats:    make(map[statKey]*stat),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke calls the method named by call.Step. It never returns a raw step
// error: lookup failures, panics, failed replies and validation failures
// all come back as a non-successful NormalizedResult carrying a classified
// Err. With resilience configured, retries, breakers and fallbacks apply.
func (c *Controller) Invoke(ctx context.Context, call Call) NormalizedResult {
	sc := call.Step
	ctx, span := c.tracer.Start(ctx, SpanName,
		trace.WithAttributes(
			attribute.String("corvid.workflow.id", call.WorkflowID),
			attribute.String("corvid.step.id", sc.StepID),
			attribute.String("corvid.component", sc.Component),
			attribute.String("corvid.method", sc.Method),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	started := time.Now()
	res := c.invoke(ctx, call)
	res.Duration = time.Since(started)

	span.SetAttributes(attribute.Int("corvid.attempts", res.Attempts))
	if res.IsSuccess {
		span.SetStatus(codes.Ok, "")
	} else if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (c *Controller) invoke(ctx context.Context, call Call) NormalizedResult {
	sc := call.Step
	fn, err := c.registry.Lookup(sc.Component, sc.Method)
	if err != nil {
		if failure.KindOf(err) != failure.KindComponentNotAvailable {
			err = failure.Wrap(failure.KindComponentNotAvailable, "COMPONENT_NOT_AVAILABLE", err)
		}
		err = withStep(err, sc.StepID)
		c.logf("component not available", "step", sc.StepID, "component", sc.Component, "method", sc.Method)
		return NormalizedResult{Err: err, Errors: []string{err.Error()}, Action: resilience.ActionFail}
	}

	var lastValidation *validation.Result
	op := func(ctx context.Context, attempt int) (any, error) {
		attemptCall := call
		attemptCall.Attempt = attempt
		out, err := c.call(ctx, fn, attemptCall)
		if err != nil {
			return out, err
		}
		if c.validator != nil && len(sc.Rules) > 0 {
			vr := c.validator.Validate(out, sc)
			lastValidation = &vr
			if !vr.Passed() {
				return out, vr.Err(sc.StepID)
			}
		}
		return out, nil
	}

	if c.resilience == nil {
		out, err := op(ctx, max(call.Attempt, 1))
		res := NormalizedResult{Output: out, Attempts: 1, Validation: lastValidation}
		if err != nil {
			res.Err = err
			res.Errors = []string{err.Error()}
			res.Action = resilience.ActionFail
			return res
		}
		res.IsSuccess = true
		return res
	}

	outcome := c.resilience.Execute(ctx, sc, resilience.EffectiveRetry(sc, c.retry), op, resilience.OnRetry(call.OnRetry))
	res := NormalizedResult{
		Output:     outcome.Output,
		IsSuccess:  outcome.Succeeded(),
		Err:        outcome.Err,
		Action:     outcome.Action,
		Attempts:   outcome.Attempts,
		Delays:     outcome.Delays,
		Validation: lastValidation,
	}
	if outcome.Err != nil {
		res.Errors = []string{outcome.Err.Error()}
	}
	return res
}

// call runs one attempt of fn under the step timeout, recovering panics and
// normalising the return value.
func (c *Controller) call(ctx context.Context, fn Method, call Call) (out any, err error) {
	sc := call.Step
	if sc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logf("step method panicked", "step", sc.StepID, "panic", r, "stack", string(debug.Stack()))
			out = nil
			err = failure.Newf(failure.KindTechnical, "PANIC", "%s.%s panicked: %v", sc.Component, sc.Method, r).WithStep(sc.StepID)
		}
		d := time.Since(started)
		c.record(sc.Component, sc.Method, err == nil, d)
		c.metrics.Invocation(sc.Component, sc.Method, err == nil, d)
	}()

	raw, callErr := fn(ctx, call)
	out, err = Normalize(raw, callErr)
	if err == nil && ctx.Err() != nil {
		// The method ignored its deadline; its late output does not count.
		err = ctx.Err()
	}
	if err != nil {
		err = withStep(classify(err), sc.StepID)
	}
	return out, err
}

func (c *Controller) logf(msg string, keyvals ...interface{}) {
	if c.logger != nil {
		c.logger.Warn(msg, keyvals...)
	}
}

// classify makes sure every step error carries a kind. Context deadlines
// become timeouts and anything unknown is technical.
func classify(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	kind := failure.KindOf(err)
	code := "STEP_ERROR"
	if kind == failure.KindTimeout {
		code = "TIMEOUT"
	}
	return failure.Wrap(kind, code, err)
}

func withStep(err error, stepID string) error {
	if fe, ok := err.(*failure.Error); ok && fe.Step == "" {
		return fe.WithStep(stepID)
	}
	return err
}

// Reply is the explicit result shape a method may return.
type Reply struct {
	Output any
	// Status is "success" (or empty) for a good reply; anything else fails.
	Status string
	Errors []string
	// Code classifies a failed reply (see resilience.ClassifyCode).
	Code string
}

// Normalize maps a method's return value onto (output, error):
//
//   - a non-nil error wins;
//   - NormalizedResult and Reply are unpacked;
//   - a map with a "status" key and an "output" or "errors" key is read as a
//     reply; any other map is the output itself;
//   - nil is a successful empty output;
//   - any other value is the output.
func Normalize(v any, err error) (any, error) {
	if err != nil {
		return v, err
	}
	switch r := v.(type) {
	case nil:
		return nil, nil
	case NormalizedResult:
		if r.IsSuccess {
			return r.Output, nil
		}
		if r.Err != nil {
			return r.Output, r.Err
		}
		return r.Output, replyError("", r.Errors)
	case *NormalizedResult:
		if r == nil {
			return nil, nil
		}
		return Normalize(*r, nil)
	case Reply:
		if isSuccessStatus(r.Status) {
			return r.Output, nil
		}
		return r.Output, replyError(r.Code, r.Errors)
	case *Reply:
		if r == nil {
			return nil, nil
		}
		return Normalize(*r, nil)
	case map[string]any:
		status, hasStatus := r["status"].(string)
		_, hasOutput := r["output"]
		_, hasErrors := r["errors"]
		if !hasStatus || (!hasOutput && !hasErrors) {
			return r, nil
		}
		if isSuccessStatus(status) {
			return r["output"], nil
		}
		code, _ := r["code"].(string)
		return r["output"], replyError(code, stringList(r["errors"]))
	case error:
		return nil, r
	}
	return v, nil
}

func isSuccessStatus(s string) bool {
	switch strings.ToLower(s) {
	case "", "success", "ok", "completed":
		return true
	}
	return false
}

func replyError(code string, errs []string) error {
	msg := strings.Join(errs, "; ")
	if msg == "" {
		msg = "step reported failure"
	}
	if code == "" {
		return failure.New(failure.KindTechnical, "STEP_FAILED", msg)
	}
	return failure.New(resilience.ClassifyCode(code), code, msg)
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return []string{l}
	}
	return nil
}
