package choreo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/detid"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/resilience"
)

// StepCatalog resolves delegated step IDs.
type StepCatalog interface {
	StepContext(stepID string) (catalog.StepContext, error)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the executor logger. A nil logger is silent.
func WithExecutorLogger(l *log.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithPoolSize bounds the steps of one wave running at once.
func WithPoolSize(n int) ExecutorOption {
	return func(e *Executor) { e.poolSize = n }
}

// WithExecutorClock replaces time.Now for event timestamps.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor runs delegated sub-graphs. Steps are grouped into waves by
// dependency depth; each wave runs concurrently and completes before the
// next starts.
type Executor struct {
	bus      Bus
	catalog  StepCatalog
	ctrl     *controller.Controller
	logger   *log.Logger
	poolSize int
	now      func() time.Time
}

// NewExecutor creates an executor invoking steps through ctrl.
func NewExecutor(bus Bus, cat StepCatalog, ctrl *controller.Controller, opts ...ExecutorOption) *Executor {
	e := &Executor{bus: bus, catalog: cat, ctrl: ctrl, poolSize: 4, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.poolSize < 1 {
		e.poolSize = 1
	}
	return e
}

// Start subscribes the executor to trigger events until the returned
// function is called or ctx is done.
func (e *Executor) Start(ctx context.Context) (func(), error) {
	return e.bus.Subscribe(ctx, TypeInitiated, e.handle)
}

func (e *Executor) handle(ctx context.Context, env Envelope) error {
	var in Initiated
	if err := env.Decode(&in); err != nil {
		return err
	}
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}
	t, payload := e.Run(ctx, in)
	out, err := NewEnvelope(t, in.Correlation.CorrelationID, payload, e.now())
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, out)
}

// Run executes the steps of in and returns the outcome event to publish:
// TypeCompleted with a *Completed, or TypeFailed with a *Failed.
func (e *Executor) Run(ctx context.Context, in Initiated) (EventType, any) {
	corr := in.Correlation
	steps := make([]catalog.StepContext, 0, len(corr.StepIDs))
	for _, id := range corr.StepIDs {
		sc, err := e.catalog.StepContext(id)
		if err != nil {
			return TypeFailed, &Failed{
				Correlation:  corr,
				ErrorCode:    "COMPONENT_NOT_AVAILABLE",
				ErrorMessage: err.Error(),
				FailedStep:   id,
			}
		}
		steps = append(steps, sc)
	}
	waves, err := catalog.Waves(steps)
	if err != nil {
		return TypeFailed, &Failed{Correlation: corr, ErrorCode: "INVALID_GRAPH", ErrorMessage: err.Error()}
	}

	run := &waveRun{
		inputs:  make(map[string]json.RawMessage, len(in.InputData)),
		outputs: make(map[string]json.RawMessage),
		failed:  make(map[string]error),
		skipped: make(map[string]bool),
	}
	for k, v := range in.InputData {
		run.inputs[k] = v
	}

	for i, wave := range waves {
		if e.logger != nil {
			e.logger.Debug("running wave", "correlation", corr.CorrelationID, "wave", i, "steps", len(wave))
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.poolSize)
		for _, sc := range wave {
			g.Go(func() error {
				e.runStep(gctx, corr.WorkflowID, sc, run)
				return nil
			})
		}
		_ = g.Wait()
		if run.fatal != nil {
			break
		}
	}

	var successful, tolerated []string
	for _, sc := range steps {
		switch {
		case run.outputs[sc.StepID] != nil:
			successful = append(successful, sc.StepID)
		case run.skipped[sc.StepID]:
			tolerated = append(tolerated, sc.StepID)
		}
	}

	if run.fatal != nil {
		return TypeFailed, &Failed{
			Correlation:   corr,
			ErrorCode:     codeOf(run.fatal),
			ErrorMessage:  run.fatal.Error(),
			FailedStep:    run.fatalStep,
			PartialResult: run.outputs,
		}
	}
	return TypeCompleted, &Completed{
		Correlation:     corr,
		OutputData:      run.outputs,
		StepsSuccessful: successful,
		StepsFailed:     tolerated,
	}
}

type waveRun struct {
	mu        sync.Mutex
	inputs    map[string]json.RawMessage
	outputs   map[string]json.RawMessage
	failed    map[string]error
	skipped   map[string]bool
	fatal     error
	fatalStep string
}

func (r *waveRun) fail(stepID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[stepID] = err
	if r.fatal == nil {
		r.fatal = err
		r.fatalStep = stepID
	}
}

func (e *Executor) runStep(ctx context.Context, workflowID string, sc catalog.StepContext, run *waveRun) {
	run.mu.Lock()
	inputs := make(map[string]json.RawMessage, len(run.inputs)+len(sc.DependsOn))
	for k, v := range run.inputs {
		inputs[k] = v
	}
	for _, dep := range sc.DependsOn {
		if out, ok := run.outputs[dep]; ok {
			inputs[dep] = out
			continue
		}
		if run.skipped[dep] {
			run.skipped[sc.StepID] = true
			run.mu.Unlock()
			return
		}
	}
	run.mu.Unlock()

	res := e.ctrl.Invoke(ctx, controller.Call{
		Step:       sc,
		Args:       sc.Args,
		WorkflowID: workflowID,
		Seed:       detid.Seed(workflowID, sc.StepID, sc.SchemaVersion),
		Attempt:    1,
		Inputs:     inputs,
	})
	if res.IsSuccess {
		data, err := detid.Canonical(res.Output)
		if err != nil {
			run.fail(sc.StepID, failure.Wrap(failure.KindTechnical, "UNSERIALISABLE_OUTPUT", err).WithStep(sc.StepID))
			return
		}
		run.mu.Lock()
		run.outputs[sc.StepID] = data
		run.mu.Unlock()
		return
	}
	if res.Action == resilience.ActionSkip {
		run.mu.Lock()
		run.skipped[sc.StepID] = true
		run.mu.Unlock()
		return
	}
	err := res.Err
	if err == nil {
		err = fmt.Errorf("step %s failed", sc.StepID)
	}
	run.fail(sc.StepID, err)
}

func codeOf(err error) string {
	if code := failure.CodeOf(err); code != "" {
		return code
	}
	switch failure.KindOf(err) {
	case failure.KindTimeout:
		return CodeTimeout
	case failure.KindBusiness:
		return "BUSINESS"
	case failure.KindValidation:
		return "VALIDATION"
	case failure.KindResource:
		return "RESOURCE"
	}
	return "TECHNICAL"
}
