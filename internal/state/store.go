package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

var (
	// ErrNotFound is returned when a workflow has no stored versions.
	ErrNotFound = errors.New("workflow not found")

	// ErrAlreadyExists is returned by Create for a workflow ID already in use.
	ErrAlreadyExists = errors.New("workflow already exists")

	// ErrInvalidTransition is returned when a patch moves a workflow to a
	// status its current status does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DefaultUpdateAttempts bounds UpdateWithRetry when the caller passes 0.
const DefaultUpdateAttempts = 16

// Store persists workflow versions. Implementations guarantee that for any
// (workflow, version) exactly one writer succeeds and that a returned state
// is durable before the call returns.
type Store interface {
	// Create stores version 1 with status CREATED.
	Create(ctx context.Context, workflowID string, metadata map[string]string) (WorkflowState, error)

	// Update applies patch on top of expectedVersion and stores the result as
	// expectedVersion+1. A stale expectedVersion yields
	// failure.ErrVersionConflict.
	Update(ctx context.Context, workflowID string, patch Patch, expectedVersion int) (WorkflowState, error)

	// MarkStepCompleted records a step result and, when the result is
	// COMPLETED, appends the step to completed_steps. Version conflicts are
	// resolved internally by re-reading.
	MarkStepCompleted(ctx context.Context, workflowID, stepID string, result StepResult) (WorkflowState, error)

	// Get returns the latest version.
	Get(ctx context.Context, workflowID string) (WorkflowState, error)

	// History returns every retained version in ascending order.
	History(ctx context.Context, workflowID string) ([]WorkflowState, error)

	// List returns known workflow IDs in sorted order.
	List(ctx context.Context) ([]string, error)

	// Archive drops all but the newest keepLast versions and reports how
	// many were removed.
	Archive(ctx context.Context, workflowID string, keepLast int) (int, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger *log.Logger
	now    func() time.Time
}

// WithLogger sets the logger for store diagnostics. A nil logger is silent.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for the created_at/updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) debug(msg string, keyvals ...interface{}) {
	if o.logger != nil {
		o.logger.Debug(msg, keyvals...)
	}
}

// versionConflict builds the classified conflict error.
func versionConflict(workflowID string, expected, actual int) error {
	return failure.Newf(failure.KindVersionConflict, "VERSION_CONFLICT",
		"workflow %s: expected version %d, stored version is %d", workflowID, expected, actual)
}

// lostRace builds the conflict error for a writer that lost version to a
// concurrent writer after reading a matching expected version.
func lostRace(workflowID string, version int) error {
	return failure.Newf(failure.KindVersionConflict, "VERSION_CONFLICT",
		"workflow %s: version %d was written concurrently", workflowID, version)
}

// successor validates expectedVersion against latest and applies patch.
func successor(latest WorkflowState, patch Patch, expectedVersion int, now time.Time) (WorkflowState, error) {
	if latest.version != expectedVersion {
		return WorkflowState{}, versionConflict(latest.id, expectedVersion, latest.version)
	}
	return latest.apply(patch, now)
}

// UpdateFunc derives a patch from the latest state.
type UpdateFunc func(current WorkflowState) (Patch, error)

// UpdateWithRetry reads the latest state, derives a patch with fn and
// attempts the update, re-reading and re-deriving on version conflicts. It
// is the only place a VersionConflict is swallowed. An empty patch is not
// written and the current state is returned.
func UpdateWithRetry(ctx context.Context, s Store, workflowID string, fn UpdateFunc, maxAttempts int) (WorkflowState, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultUpdateAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return WorkflowState{}, err
		}
		current, err := s.Get(ctx, workflowID)
		if err != nil {
			return WorkflowState{}, err
		}
		patch, err := fn(current)
		if err != nil {
			return WorkflowState{}, err
		}
		if patch.IsEmpty() {
			return current, nil
		}
		next, err := s.Update(ctx, workflowID, patch, current.Version())
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, failure.ErrVersionConflict) {
			return WorkflowState{}, err
		}
		lastErr = err
	}
	return WorkflowState{}, fmt.Errorf("workflow %s: gave up after %d conflicting updates: %w", workflowID, maxAttempts, lastErr)
}

// markStepCompleted is the shared MarkStepCompleted implementation.
func markStepCompleted(ctx context.Context, s Store, workflowID, stepID string, result StepResult) (WorkflowState, error) {
	result.StepID = stepID
	return UpdateWithRetry(ctx, s, workflowID, func(WorkflowState) (Patch, error) {
		p := Patch{StepResults: []StepResult{result}}
		if result.Status == StepCompleted {
			p.CompleteSteps = []string{stepID}
		}
		return p, nil
	}, 0)
}

func validateKeepLast(keepLast int) error {
	if keepLast < 1 {
		return fmt.Errorf("archive: keepLast must be at least 1, got %d", keepLast)
	}
	return nil
}
