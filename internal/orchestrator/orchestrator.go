// Package orchestrator drives workflows across catalog steps.
//
// A run resolves the requested steps, groups them into dependency waves and
// dispatches each wave on a bounded pool. Every step outcome is written to
// the state store before the next wave starts, so a crashed or paused run
// can be resumed from the latest version. Steps sharing a delegate group are
// handed to the choreographer as one sub-process while the workflow waits in
// WAITING_FOR_SUB_ANALYSIS.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/choreo"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/detid"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/metrics"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/resilience"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/state"
)

// Metadata keys the orchestrator maintains on every workflow.
const (
	MetaSteps          = "corvid.steps"
	MetaCatalogVersion = "corvid.catalog_version"
	MetaCompensation   = "corvid.compensation"
	// MetaInputPrefix prefixes each workflow input recorded as metadata.
	MetaInputPrefix = "input."
)

const defaultPoolSize = 4

var (
	// ErrAlreadyRunning is returned when the same workflow is driven twice
	// by one orchestrator.
	ErrAlreadyRunning = errors.New("workflow already running")
	// ErrUnknownStep is returned when a request names a step the catalog
	// does not define.
	ErrUnknownStep = errors.New("unknown step")
	// ErrNoSteps is returned for a request that resolves to no steps.
	ErrNoSteps = errors.New("no steps to run")
)

// Catalog resolves step contexts.
type Catalog interface {
	StepContext(stepID string) (catalog.StepContext, error)
	StepIDs() []string
	Version() (string, error)
}

// Delegator hands a group of steps to the choreographer and waits for its
// outcome. *choreo.Bridge implements it.
type Delegator interface {
	Delegate(ctx context.Context, req choreo.Request) (choreo.Outcome, error)
}

// PreconditionFunc is a named precondition predicate. It receives the latest
// workflow state and reports whether the gated step may run.
type PreconditionFunc func(st state.WorkflowState) bool

// Request starts a workflow.
type Request struct {
	// Inputs derive the workflow ID and are recorded as metadata under
	// MetaInputPrefix.
	Inputs map[string]string
	// WorkflowID overrides the ID derived from Inputs.
	WorkflowID string
	// StepIDs selects the steps to run, in order. Empty runs the whole
	// catalog.
	StepIDs  []string
	Metadata map[string]string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a logger. When nil the orchestrator operates silently.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics records workflow and step outcomes on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithEventChannel sets the channel lifecycle events are sent on. Sends are
// non-blocking so a slow consumer never stalls execution.
func WithEventChannel(ch chan<- Event) Option {
	return func(o *Orchestrator) { o.events = ch }
}

// WithClock replaces time.Now for step timestamps and execution time.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithPoolSize bounds the units of one wave running at once.
func WithPoolSize(n int) Option {
	return func(o *Orchestrator) { o.poolSize = n }
}

// WithFailFast promotes any FAILED step to a failed workflow.
func WithFailFast(on bool) Option {
	return func(o *Orchestrator) { o.failFast = on }
}

// WithResilience sets the manager used for compensation and for delegated
// failures. It should be the manager the controller executes through.
func WithResilience(m *resilience.Manager) Option {
	return func(o *Orchestrator) { o.resilience = m }
}

// WithRetry sets the retry policy for delegated groups without their own.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// WithDelegator enables delegation: steps with a delegate group are sent to
// d instead of being invoked locally.
func WithDelegator(d Delegator) Option {
	return func(o *Orchestrator) { o.delegator = d }
}

// WithGroupTimeout sets the delegation timeout of group, replacing the one
// derived from its members.
func WithGroupTimeout(group string, d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.groupTimeouts[group] = d
		}
	}
}

// WithPrecondition registers a named precondition predicate.
func WithPrecondition(name string, fn PreconditionFunc) Option {
	return func(o *Orchestrator) { o.preconditions[name] = fn }
}

// Orchestrator runs workflows. It is safe for concurrent use; a given
// workflow is driven by at most one call at a time.
type Orchestrator struct {
	store      state.Store
	catalog    Catalog
	ctrl       *controller.Controller
	resilience *resilience.Manager
	delegator  Delegator
	retry      resilience.RetryConfig

	events   chan<- Event
	logger   *log.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	poolSize int
	failFast bool

	preconditions map[string]PreconditionFunc
	groupTimeouts map[string]time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an orchestrator. store, cat and ctrl must not be nil.
func New(store state.Store, cat Catalog, ctrl *controller.Controller, opts ...Option) *Orchestrator {
	if store == nil || cat == nil || ctrl == nil {
		panic("orchestrator: nil store, catalog or controller")
	}
	o := &Orchestrator{
		store:         store,
		catalog:       cat,
		ctrl:          ctrl,
		retry:         resilience.DefaultRetryConfig(),
		now:           time.Now,
		poolSize:      defaultPoolSize,
		preconditions: make(map[string]PreconditionFunc),
		groupTimeouts: make(map[string]time.Duration),
		active:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resilience == nil {
		o.resilience = resilience.NewManager(resilience.WithLogger(o.logger), resilience.WithMetrics(o.metrics))
	}
	if o.poolSize < 1 {
		o.poolSize = 1
	}
	return o
}

// Run creates a workflow for req and drives it until it completes, fails,
// is paused or is cancelled. When ctx is done Run returns ctx.Err() and the
// workflow stays resumable at its latest version.
func (o *Orchestrator) Run(ctx context.Context, req Request) (WorkflowResult, error) {
	steps, err := o.resolve(req.StepIDs)
	if err != nil {
		return WorkflowResult{}, err
	}
	waves, err := plan(steps, o.delegator != nil)
	if err != nil {
		return WorkflowResult{}, err
	}

	id := req.WorkflowID
	if id == "" {
		id = detid.WorkflowID(req.Inputs)
	}
	if err := o.acquire(id); err != nil {
		return WorkflowResult{}, err
	}
	defer o.release(id)

	start := o.now()
	meta := make(map[string]string, len(req.Metadata)+len(req.Inputs)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	for k, v := range req.Inputs {
		meta[MetaInputPrefix+k] = v
	}
	meta[MetaSteps] = strings.Join(stepIDs(steps), ",")
	if v, err := o.catalog.Version(); err == nil {
		meta[MetaCatalogVersion] = v
	}

	if _, err := o.store.Create(ctx, id, meta); err != nil {
		return WorkflowResult{}, fmt.Errorf("orchestrator: create %s: %w", id, err)
	}
	o.metrics.WorkflowCreated()
	st, err := o.setStatus(ctx, id, state.StatusRunning)
	if err != nil {
		return WorkflowResult{}, err
	}
	o.emit(Event{Type: EventWorkflowStarted, WorkflowID: id, Version: st.Version(), Message: fmt.Sprintf("workflow started with %d steps", len(steps))})
	o.log("workflow started", "workflow", id, "steps", len(steps), "waves", len(waves))
	return o.execute(ctx, id, steps, waves, start)
}

// Resume continues a paused or interrupted workflow. Steps that already
// settled are not run again. Resuming a terminal workflow returns its result
// unchanged.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (WorkflowResult, error) {
	st, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return WorkflowResult{}, err
	}
	var ids []string
	if v, ok := st.MetadataValue(MetaSteps); ok && v != "" {
		ids = strings.Split(v, ",")
	}
	steps, err := o.resolve(ids)
	if err != nil {
		return WorkflowResult{}, err
	}
	if st.Status().Terminal() {
		return buildResult(st, steps, 0), nil
	}
	waves, err := plan(steps, o.delegator != nil)
	if err != nil {
		return WorkflowResult{}, err
	}
	if err := o.acquire(workflowID); err != nil {
		return WorkflowResult{}, err
	}
	defer o.release(workflowID)

	start := o.now()
	st, err = o.setStatus(ctx, workflowID, state.StatusRunning)
	if err != nil {
		return WorkflowResult{}, err
	}
	o.emit(Event{Type: EventWorkflowResumed, WorkflowID: workflowID, Version: st.Version(), Message: fmt.Sprintf("workflow resumed with %d settled steps", len(settledSteps(st, steps)))})
	o.log("workflow resumed", "workflow", workflowID, "version", st.Version())
	return o.execute(ctx, workflowID, steps, waves, start)
}

// Pause asks a workflow to stop at the next dispatch. Steps in flight finish
// and are recorded.
func (o *Orchestrator) Pause(ctx context.Context, workflowID string) (state.WorkflowState, error) {
	return o.setStatus(ctx, workflowID, state.StatusPaused)
}

// Cancel moves a workflow to CANCELLED. No further step is dispatched; steps
// in flight finish and are recorded.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) (state.WorkflowState, error) {
	return o.setStatus(ctx, workflowID, state.StatusCancelled)
}

// Result returns the result view of a workflow's latest version.
func (o *Orchestrator) Result(ctx context.Context, workflowID string) (WorkflowResult, error) {
	st, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return WorkflowResult{}, err
	}
	var steps []catalog.StepContext
	if v, ok := st.MetadataValue(MetaSteps); ok && v != "" {
		for _, id := range strings.Split(v, ",") {
			steps = append(steps, catalog.StepContext{StepID: id})
		}
	}
	return buildResult(st, steps, 0), nil
}

func (o *Orchestrator) setStatus(ctx context.Context, workflowID string, to state.Status) (state.WorkflowState, error) {
	st, err := state.UpdateWithRetry(ctx, o.store, workflowID, func(state.WorkflowState) (state.Patch, error) {
		return state.Patch{Status: to}, nil
	}, 0)
	if err != nil {
		return state.WorkflowState{}, fmt.Errorf("orchestrator: %s -> %s: %w", workflowID, to, err)
	}
	return st, nil
}

func (o *Orchestrator) resolve(ids []string) ([]catalog.StepContext, error) {
	if len(ids) == 0 {
		ids = o.catalog.StepIDs()
	}
	if len(ids) == 0 {
		return nil, ErrNoSteps
	}
	steps := make([]catalog.StepContext, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		sc, err := o.catalog.StepContext(id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", id, ErrUnknownStep, err)
		}
		steps = append(steps, sc)
	}
	return steps, nil
}

func (o *Orchestrator) acquire(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[workflowID]; busy {
		return fmt.Errorf("%s: %w", workflowID, ErrAlreadyRunning)
	}
	o.active[workflowID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(workflowID string) {
	o.mu.Lock()
	delete(o.active, workflowID)
	o.mu.Unlock()
}

// Preconditions lists the registered predicate names in sorted order.
func (o *Orchestrator) Preconditions() []string {
	names := make([]string, 0, len(o.preconditions))
	for n := range o.preconditions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// emit sends ev without blocking.
func (o *Orchestrator) emit(ev Event) {
	if o.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	select {
	case o.events <- ev:
	default:
	}
}

// log writes a structured log message when a logger is attached.
func (o *Orchestrator) log(msg string, kvs ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Info(msg, kvs...)
}

func stepIDs(steps []catalog.StepContext) []string {
	ids := make([]string, len(steps))
	for i, sc := range steps {
		ids[i] = sc.StepID
	}
	return ids
}
