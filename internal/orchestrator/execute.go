package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/choreo"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/detid"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/resilience"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/state"
)

type haltKind int

const (
	haltNone haltKind = iota
	haltFail
	haltCompensate
)

// execution is the mutable bookkeeping of one Run or Resume call.
type execution struct {
	o     *Orchestrator
	id    string
	steps []catalog.StepContext

	mu       sync.Mutex
	halt     haltKind
	haltStep string
	haltErr  error

	// waitMu serialises the RUNNING <-> WAITING_FOR_SUB_ANALYSIS toggles.
	waitMu  sync.Mutex
	waiting int
}

func (r *execution) stop(k haltKind, stepID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halt != haltNone {
		return
	}
	r.halt, r.haltStep, r.haltErr = k, stepID, err
}

func (r *execution) halted() haltKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halt
}

func (o *Orchestrator) execute(ctx context.Context, id string, steps []catalog.StepContext, waves [][]unit, start time.Time) (WorkflowResult, error) {
	run := &execution{o: o, id: id, steps: steps}

	for i, wave := range waves {
		if run.halted() != haltNone {
			break
		}
		if _, ok, err := run.dispatchable(ctx); err != nil {
			return WorkflowResult{}, err
		} else if !ok {
			break
		}
		if err := run.schedule(ctx, wave); err != nil {
			return WorkflowResult{}, err
		}
		if o.logger != nil {
			o.logger.Debug("dispatching wave", "workflow", id, "wave", i, "units", len(wave))
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.poolSize)
		for _, u := range wave {
			g.Go(func() error {
				if u.delegated() {
					return run.group(gctx, u)
				}
				return run.local(gctx, u.steps[0])
			})
		}
		if err := g.Wait(); err != nil {
			return WorkflowResult{}, err
		}
	}
	return o.finish(ctx, run, start)
}

// schedule records every unsettled step of wave as PENDING in one version.
func (r *execution) schedule(ctx context.Context, wave []unit) error {
	st, err := r.o.store.Get(ctx, r.id)
	if err != nil {
		return err
	}
	var results []state.StepResult
	for _, u := range wave {
		for _, sc := range u.steps {
			if prev, ok := st.StepResult(sc.StepID); ok && settled(prev.Status) {
				continue
			}
			results = append(results, state.StepResult{
				StepID: sc.StepID,
				Status: state.StepPending,
				Seed:   detid.Seed(r.id, sc.StepID, sc.SchemaVersion),
			})
		}
	}
	if len(results) == 0 {
		return nil
	}
	return r.record(ctx, results...)
}

// retrying records steps as RETRYING after failed attempt. A write failure
// is logged; the retry goes ahead.
func (r *execution) retrying(ctx context.Context, steps []catalog.StepContext, started time.Time, attempt int, cause error) {
	results := make([]state.StepResult, 0, len(steps))
	for _, sc := range steps {
		results = append(results, state.StepResult{
			StepID:       sc.StepID,
			Status:       state.StepRetrying,
			Seed:         detid.Seed(r.id, sc.StepID, sc.SchemaVersion),
			AttemptCount: attempt,
			Error:        failure.ToRecord(cause),
			StartedAt:    started,
		})
	}
	if err := r.record(ctx, results...); err != nil && r.o.logger != nil {
		r.o.logger.Warn("could not record retry", "workflow", r.id, "attempt", attempt, "error", err)
	}
}

// dispatchable reports whether new work may start: the workflow is neither
// paused nor cancelled and no fatal failure has been seen.
func (r *execution) dispatchable(ctx context.Context) (state.WorkflowState, bool, error) {
	if err := ctx.Err(); err != nil {
		return state.WorkflowState{}, false, err
	}
	st, err := r.o.store.Get(ctx, r.id)
	if err != nil {
		return state.WorkflowState{}, false, err
	}
	switch st.Status() {
	case state.StatusRunning, state.StatusWaitingForSubRun:
	default:
		return st, false, nil
	}
	return st, r.halted() == haltNone, nil
}

// local runs one step through the controller.
func (r *execution) local(ctx context.Context, sc catalog.StepContext) error {
	latest, ok, err := r.dispatchable(ctx)
	if err != nil || !ok {
		return err
	}
	if prev, done := latest.StepResult(sc.StepID); done && settled(prev.Status) {
		return nil
	}
	seed := detid.Seed(r.id, sc.StepID, sc.SchemaVersion)

	if unmet := unmetDeps(latest, sc.DependsOn); len(unmet) > 0 {
		return r.unmet(ctx, []catalog.StepContext{sc}, sc, unmet)
	}

	started := r.o.now()
	if err := r.o.checkPreconditions(latest, sc); err != nil {
		res := controller.NormalizedResult{
			Err:    err,
			Errors: []string{err.Error()},
			Action: resilience.Decide(failure.KindBusiness, sc.Strategy(), 1, 1),
		}
		return r.settle(ctx, sc, seed, started, res)
	}

	if _, err := r.o.store.MarkStepCompleted(ctx, r.id, sc.StepID, state.StepResult{
		Status:    state.StepRunning,
		Seed:      seed,
		StartedAt: started,
	}); err != nil {
		return err
	}
	r.o.emit(Event{Type: EventStepStarted, WorkflowID: r.id, Step: sc.StepID, Message: fmt.Sprintf("invoking %s.%s", sc.Component, sc.Method)})

	res := r.o.ctrl.Invoke(ctx, controller.Call{
		Step:       sc,
		Args:       sc.Args,
		WorkflowID: r.id,
		Seed:       seed,
		Attempt:    1,
		Inputs:     stepInputs(latest, sc.DependsOn),
		OnRetry: func(attempt int, err error, _ time.Duration) {
			r.retrying(ctx, []catalog.StepContext{sc}, started, attempt, err)
		},
	})
	return r.settle(ctx, sc, seed, started, res)
}

// settle records the outcome of a local step and applies its action.
func (r *execution) settle(ctx context.Context, sc catalog.StepContext, seed int64, started time.Time, res controller.NormalizedResult) error {
	result := state.StepResult{
		StepID:           sc.StepID,
		Seed:             seed,
		AttemptCount:     res.Attempts,
		ValidationPassed: res.Validation == nil || res.Validation.Passed(),
		StartedAt:        started,
		FinishedAt:       r.o.now(),
	}

	action := res.Action
	if res.IsSuccess {
		out, err := detid.Canonical(res.Output)
		if err != nil {
			res.Err = failure.Wrap(failure.KindTechnical, "UNSERIALISABLE_OUTPUT", err).WithStep(sc.StepID)
			action = resilience.ActionFail
		} else {
			result.Status = state.StepCompleted
			result.Output = out
			if action == resilience.ActionFallback {
				result.Reason = "fallback output"
				result.Error = failure.ToRecord(res.Err)
			}
		}
	}
	if result.Status == "" {
		result.Error = failure.ToRecord(res.Err)
		if result.Error == nil {
			result.Error = &failure.Record{Kind: failure.KindTechnical, Code: "STEP_FAILED", Message: strings.Join(res.Errors, "; ")}
		}
		if action == resilience.ActionSkip {
			result.Status = state.StepSkipped
			result.Reason = fmt.Sprintf("skipped after %s failure", result.Error.Kind)
		} else {
			result.Status = state.StepFailed
		}
	}

	if err := r.record(ctx, result); err != nil {
		return err
	}

	switch action {
	case resilience.ActionFailFast:
		r.stop(haltFail, sc.StepID, res.Err)
	case resilience.ActionCompensate:
		r.stop(haltCompensate, sc.StepID, res.Err)
	case resilience.ActionFail, resilience.ActionRetry:
		if r.o.failFast {
			r.stop(haltFail, sc.StepID, res.Err)
		}
	}
	return nil
}

// unmet settles steps whose dependencies did not complete. They are skipped
// with a reason, unless gov's strategy is FAIL_FAST, which fails the
// workflow.
func (r *execution) unmet(ctx context.Context, steps []catalog.StepContext, gov catalog.StepContext, deps []string) error {
	reason := "unmet dependencies: " + strings.Join(deps, ", ")
	now := r.o.now()
	failFast := gov.Strategy() == catalog.StrategyFailFast
	results := make([]state.StepResult, 0, len(steps))
	for _, sc := range steps {
		res := state.StepResult{
			StepID:     sc.StepID,
			Status:     state.StepSkipped,
			Reason:     reason,
			Seed:       detid.Seed(r.id, sc.StepID, sc.SchemaVersion),
			StartedAt:  now,
			FinishedAt: now,
		}
		if failFast {
			res.Status = state.StepFailed
			res.Error = failure.ToRecord(failure.New(failure.KindBusiness, "DEPENDENCY_UNMET", reason).WithStep(sc.StepID))
		}
		results = append(results, res)
	}
	if err := r.record(ctx, results...); err != nil {
		return err
	}
	if failFast {
		r.stop(haltFail, gov.StepID, failure.New(failure.KindBusiness, "DEPENDENCY_UNMET", reason).WithStep(gov.StepID))
	}
	return nil
}

// record writes step results in one version and reports them.
func (r *execution) record(ctx context.Context, results ...state.StepResult) error {
	st, err := state.UpdateWithRetry(ctx, r.o.store, r.id, func(state.WorkflowState) (state.Patch, error) {
		p := state.Patch{StepResults: results}
		for _, res := range results {
			if res.Status == state.StepCompleted {
				p.CompleteSteps = append(p.CompleteSteps, res.StepID)
			}
		}
		return p, nil
	}, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: record %s: %w", r.id, err)
	}
	for _, res := range results {
		if settled(res.Status) {
			r.o.metrics.StepOutcome(res.StepID, string(res.Status))
		}
		ev := Event{WorkflowID: r.id, Step: res.StepID, Version: st.Version()}
		switch res.Status {
		case state.StepCompleted:
			ev.Type, ev.Message = EventStepCompleted, fmt.Sprintf("completed after %d attempt(s)", res.AttemptCount)
		case state.StepSkipped:
			ev.Type, ev.Message = EventStepSkipped, res.Reason
		case state.StepFailed:
			ev.Type, ev.Message = EventStepFailed, "step failed"
		case state.StepRetrying:
			ev.Type, ev.Message = EventStepRetrying, fmt.Sprintf("attempt %d failed", res.AttemptCount)
		default:
			continue
		}
		if res.Error != nil {
			ev.Error = res.Error.Message
		}
		r.o.emit(ev)
		if settled(res.Status) {
			r.o.log("step settled", "workflow", r.id, "step", res.StepID, "status", res.Status, "attempts", res.AttemptCount)
		}
	}
	return nil
}

// group delegates a unit of steps to the choreographer, re-delegating with
// a new attempt number while the recovery table says retry.
func (r *execution) group(ctx context.Context, u unit) error {
	latest, ok, err := r.dispatchable(ctx)
	if err != nil || !ok {
		return err
	}
	if len(settledSteps(latest, u.steps)) == len(u.steps) {
		return nil
	}
	gov := u.context()
	if d, ok := r.o.groupTimeouts[u.group]; ok {
		gov.Timeout = d
	}
	if unmet := unmetDeps(latest, u.externalDeps()); len(unmet) > 0 {
		return r.unmet(ctx, u.steps, gov, unmet)
	}

	started := r.o.now()
	if err := r.enterWaiting(ctx, u, started); err != nil {
		return err
	}
	defer r.leaveWaiting(ctx)

	input := stepInputs(latest, u.externalDeps())
	cfg := resilience.EffectiveRetry(gov, r.o.retry)
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := r.record(ctx, r.waitingResults(u, started)...); err != nil {
				return err
			}
		}
		r.o.emit(Event{Type: EventDelegated, WorkflowID: r.id, Step: u.id, Message: fmt.Sprintf("attempt %d with %d steps", attempt, len(u.steps))})
		out, err := r.o.delegator.Delegate(ctx, choreo.Request{
			WorkflowID: r.id,
			Group:      u.group,
			StepIDs:    u.stepIDs(),
			Attempt:    attempt,
			Input:      input,
			Timeout:    gov.Timeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out = choreo.Outcome{Failed: &choreo.Failed{ErrorCode: "DELEGATION_FAILED", ErrorMessage: err.Error()}}
		}
		if out.Succeeded() {
			return r.settleDelegated(ctx, u, out.Completed, attempt, started)
		}

		d := r.o.resilience.HandleChoreographerFailure(ctx, resilience.ChoreographerFailure{
			CorrelationID: out.Correlation.CorrelationID,
			Code:          out.Failed.ErrorCode,
			Message:       out.Failed.ErrorMessage,
		}, gov, attempt, cfg)
		if d.Action == resilience.ActionRetry {
			r.retrying(ctx, u.steps, started, attempt, d.Err)
			if err := r.o.resilience.Wait(ctx, d.Delay); err == nil {
				continue
			}
			d.Action = resilience.ActionFail
		}
		return r.settleDelegatedFailure(ctx, u, out.Failed, d, attempt, started)
	}
}

func (r *execution) waitingResults(u unit, started time.Time) []state.StepResult {
	waiting := make([]state.StepResult, 0, len(u.steps))
	for _, sc := range u.steps {
		waiting = append(waiting, state.StepResult{
			StepID:    sc.StepID,
			Status:    state.StepWaitingForSubRun,
			Seed:      detid.Seed(r.id, sc.StepID, sc.SchemaVersion),
			StartedAt: started,
		})
	}
	return waiting
}

func (r *execution) enterWaiting(ctx context.Context, u unit, started time.Time) error {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	waiting := r.waitingResults(u, started)
	st, err := state.UpdateWithRetry(ctx, r.o.store, r.id, func(cur state.WorkflowState) (state.Patch, error) {
		p := state.Patch{StepResults: waiting}
		if cur.Status() == state.StatusRunning {
			p.Status = state.StatusWaitingForSubRun
		}
		return p, nil
	}, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: wait for %s: %w", u.id, err)
	}
	r.waiting++
	r.o.log("waiting for sub-process", "workflow", r.id, "group", u.group, "version", st.Version())
	return nil
}

func (r *execution) leaveWaiting(ctx context.Context) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	r.waiting--
	if r.waiting > 0 {
		return
	}
	_, err := state.UpdateWithRetry(ctx, r.o.store, r.id, func(cur state.WorkflowState) (state.Patch, error) {
		if cur.Status() != state.StatusWaitingForSubRun {
			return state.Patch{}, nil
		}
		return state.Patch{Status: state.StatusRunning}, nil
	}, 0)
	if err != nil && r.o.logger != nil {
		r.o.logger.Warn("could not leave waiting status", "workflow", r.id, "error", err)
	}
}

// settleDelegated records a completed sub-process: reported successes are
// COMPLETED with their outputs, tolerated failures and unreported steps are
// SKIPPED.
func (r *execution) settleDelegated(ctx context.Context, u unit, c *choreo.Completed, attempt int, started time.Time) error {
	ok := make(map[string]bool, len(c.StepsSuccessful))
	for _, id := range c.StepsSuccessful {
		ok[id] = true
	}
	tolerated := make(map[string]bool, len(c.StepsFailed))
	for _, id := range c.StepsFailed {
		tolerated[id] = true
	}
	now := r.o.now()
	results := make([]state.StepResult, 0, len(u.steps))
	for _, sc := range u.steps {
		res := r.delegatedResult(sc, attempt, started, now)
		out, has := c.OutputData[sc.StepID]
		switch {
		case ok[sc.StepID] && has:
			res.Status = state.StepCompleted
			res.Output = out
			res.ValidationPassed = true
		case tolerated[sc.StepID]:
			res.Status = state.StepSkipped
			res.Reason = "failure tolerated by sub-process"
			res.Error = &failure.Record{Kind: failure.KindTechnical, Code: "SUB_PROCESS_STEP_FAILED", Message: "step failed inside sub-process " + u.group}
		default:
			res.Status = state.StepSkipped
			res.Reason = "not reported by sub-process"
		}
		results = append(results, res)
	}
	return r.record(ctx, results...)
}

// settleDelegatedFailure applies the recovery decision for a failed
// sub-process to every step of the group.
func (r *execution) settleDelegatedFailure(ctx context.Context, u unit, f *choreo.Failed, d resilience.Decision, attempt int, started time.Time) error {
	now := r.o.now()
	rec := failure.ToRecord(d.Err)
	results := make([]state.StepResult, 0, len(u.steps))
	for _, sc := range u.steps {
		res := r.delegatedResult(sc, attempt, started, now)
		res.Error = rec
		switch d.Action {
		case resilience.ActionFallback:
			if out, has := f.PartialResult[sc.StepID]; has {
				res.Status = state.StepCompleted
				res.Output = out
				res.ValidationPassed = true
				res.Error = nil
				res.Reason = "merged from partial result"
			} else {
				res.Status = state.StepSkipped
				res.Reason = "missing from partial result"
			}
		case resilience.ActionSkip:
			res.Status = state.StepSkipped
			res.Reason = fmt.Sprintf("skipped after %s failure of sub-process", d.Kind)
		default:
			res.Status = state.StepFailed
		}
		results = append(results, res)
	}
	if err := r.record(ctx, results...); err != nil {
		return err
	}

	switch d.Action {
	case resilience.ActionFailFast:
		r.stop(haltFail, u.id, d.Err)
	case resilience.ActionCompensate:
		r.stop(haltCompensate, u.id, d.Err)
	case resilience.ActionFail:
		if r.o.failFast {
			r.stop(haltFail, u.id, d.Err)
		}
	}
	return nil
}

func (r *execution) delegatedResult(sc catalog.StepContext, attempt int, started, now time.Time) state.StepResult {
	return state.StepResult{
		StepID:       sc.StepID,
		Seed:         detid.Seed(r.id, sc.StepID, sc.SchemaVersion),
		AttemptCount: attempt,
		StartedAt:    started,
		FinishedAt:   now,
	}
}

// finish moves the workflow to its final status for this run.
func (o *Orchestrator) finish(ctx context.Context, run *execution, start time.Time) (WorkflowResult, error) {
	latest, err := o.store.Get(ctx, run.id)
	if err != nil {
		return WorkflowResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return buildResult(latest, run.steps, o.now().Sub(start)), err
	}

	switch {
	case latest.Status() == state.StatusCancelled:
		o.emit(Event{Type: EventWorkflowCancelled, WorkflowID: run.id, Version: latest.Version(), Message: "workflow cancelled"})
		o.log("workflow cancelled", "workflow", run.id, "version", latest.Version())
		return buildResult(latest, run.steps, o.now().Sub(start)), nil

	case run.halted() == haltNone && latest.Status() == state.StatusPaused:
		o.emit(Event{Type: EventWorkflowPaused, WorkflowID: run.id, Version: latest.Version(), Message: "workflow paused"})
		o.log("workflow paused", "workflow", run.id, "version", latest.Version())
		return buildResult(latest, run.steps, o.now().Sub(start)), nil
	}

	patch := state.Patch{Status: state.StatusCompleted}
	switch run.halted() {
	case haltCompensate:
		report := o.resilience.Compensate(ctx, completedInRun(latest, run.steps))
		data, err := json.Marshal(report)
		if err != nil {
			return WorkflowResult{}, err
		}
		patch = state.Patch{Status: state.StatusFailed, Metadata: map[string]string{MetaCompensation: string(data)}}
		o.emit(Event{Type: EventCompensated, WorkflowID: run.id, Step: run.haltStep, Message: fmt.Sprintf("compensated %d step(s), %d failed", len(report.Compensated), len(report.Failed))})
	case haltFail:
		patch = state.Patch{Status: state.StatusFailed}
	}

	final, err := state.UpdateWithRetry(ctx, o.store, run.id, func(state.WorkflowState) (state.Patch, error) {
		return patch, nil
	}, 0)
	if errors.Is(err, state.ErrInvalidTransition) {
		// Cancelled between the read and the write.
		final, err = o.store.Get(ctx, run.id)
	}
	if err != nil {
		return WorkflowResult{}, fmt.Errorf("orchestrator: finish %s: %w", run.id, err)
	}

	res := buildResult(final, run.steps, o.now().Sub(start))
	o.metrics.WorkflowFinished(string(final.Status()))
	ev := Event{WorkflowID: run.id, Version: final.Version()}
	switch final.Status() {
	case state.StatusCompleted:
		ev.Type, ev.Message = EventWorkflowCompleted, fmt.Sprintf("success rate %.2f", res.SuccessRate)
	case state.StatusFailed:
		ev.Type, ev.Message, ev.Step = EventWorkflowFailed, "workflow failed", run.haltStep
		if run.haltErr != nil {
			ev.Error = run.haltErr.Error()
		}
	default:
		ev.Type, ev.Message = EventWorkflowCancelled, "workflow cancelled"
	}
	o.emit(ev)
	o.log("workflow finished", "workflow", run.id, "status", final.Status(), "success_rate", res.SuccessRate, "version", final.Version())
	return res, nil
}

func (o *Orchestrator) checkPreconditions(st state.WorkflowState, sc catalog.StepContext) error {
	for _, p := range sc.Preconditions {
		if p.MetadataKey != "" {
			v, ok := st.MetadataValue(p.MetadataKey)
			if !ok || (p.Equals != "" && v != p.Equals) {
				return failure.Newf(failure.KindBusiness, "PRECONDITION_UNMET", "precondition %s: metadata %s is %q", p.Name, p.MetadataKey, v).WithStep(sc.StepID)
			}
		}
		if p.Predicate != "" {
			fn, ok := o.preconditions[p.Predicate]
			if !ok {
				return failure.Newf(failure.KindBusiness, "PRECONDITION_UNMET", "precondition %s: unknown predicate %s", p.Name, p.Predicate).WithStep(sc.StepID)
			}
			if !fn(st) {
				return failure.Newf(failure.KindBusiness, "PRECONDITION_UNMET", "precondition %s: predicate %s rejected the workflow", p.Name, p.Predicate).WithStep(sc.StepID)
			}
		}
	}
	return nil
}

func unmetDeps(st state.WorkflowState, deps []string) []string {
	var unmet []string
	for _, d := range deps {
		if !st.IsCompleted(d) {
			unmet = append(unmet, d)
		}
	}
	return unmet
}

// stepInputs collects the outputs of deps and the workflow inputs, keyed by
// step ID and by MetaInputPrefix+name respectively.
func stepInputs(st state.WorkflowState, deps []string) map[string]json.RawMessage {
	inputs := make(map[string]json.RawMessage, len(deps))
	for k, v := range st.Metadata() {
		if !strings.HasPrefix(k, MetaInputPrefix) {
			continue
		}
		if data, err := json.Marshal(v); err == nil {
			inputs[k] = data
		}
	}
	for _, d := range deps {
		if res, ok := st.StepResult(d); ok && res.Output != nil {
			inputs[d] = res.Output
		}
	}
	return inputs
}

// completedInRun returns the run's completed steps in completion order.
func completedInRun(st state.WorkflowState, steps []catalog.StepContext) []string {
	in := make(map[string]bool, len(steps))
	for _, sc := range steps {
		in[sc.StepID] = true
	}
	var out []string
	for _, id := range st.CompletedSteps() {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}
