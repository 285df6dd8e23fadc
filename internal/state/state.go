// Package state implements Corvid's versioned workflow state.
//
// A WorkflowState is an immutable snapshot. Every accepted Update produces a
// new snapshot with version+1 and the previous snapshot stays readable through
// History. Concurrent writers race on the expected version: exactly one wins
// each version and the others get failure.ErrVersionConflict.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

// Status is the lifecycle status of a workflow.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusRunning          Status = "RUNNING"
	StatusWaitingForSubRun Status = "WAITING_FOR_SUB_ANALYSIS"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusPaused           Status = "PAUSED"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusCreated:          {StatusRunning, StatusFailed, StatusCancelled, StatusPaused},
	StatusRunning:          {StatusWaitingForSubRun, StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusWaitingForSubRun: {StatusRunning, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:           {StatusRunning, StatusCancelled, StatusFailed},
}

// CanTransition reports whether a workflow may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepStatus is the status of one step's execution.
type StepStatus string

const (
	StepPending          StepStatus = "PENDING"
	StepRunning          StepStatus = "RUNNING"
	StepCompleted        StepStatus = "COMPLETED"
	StepFailed           StepStatus = "FAILED"
	StepSkipped          StepStatus = "SKIPPED"
	StepRetrying         StepStatus = "RETRYING"
	StepWaitingForSubRun StepStatus = "WAITING_FOR_SUB_ANALYSIS"
)

// StepResult is the recorded outcome of one step. Output is canonical JSON.
type StepResult struct {
	StepID           string          `json:"step_id"`
	Status           StepStatus      `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	ValidationPassed bool            `json:"validation_passed"`
	Error            *failure.Record `json:"error,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	Reason           string          `json:"reason,omitempty"`
	Seed             int64           `json:"seed"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
}

// Clone returns a copy that shares no memory with r.
func (r StepResult) Clone() StepResult {
	cp := r
	if r.Output != nil {
		cp.Output = append(json.RawMessage(nil), r.Output...)
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return cp
}

// WorkflowState is one immutable version of a workflow. The zero value is
// not a valid state; obtain states from a Store.
type WorkflowState struct {
	id             string
	version        int
	status         Status
	completedSteps []string
	stepResults    map[string]StepResult
	metadata       map[string]string
	createdAt      time.Time
	updatedAt      time.Time
}

// record is the persisted form of a WorkflowState.
type record struct {
	WorkflowID     string                `json:"workflow_id"`
	Version        int                   `json:"version"`
	Status         Status                `json:"status"`
	CompletedSteps []string              `json:"completed_steps"`
	StepResults    map[string]StepResult `json:"step_results"`
	Metadata       map[string]string     `json:"metadata"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func newState(id string, metadata map[string]string, now time.Time) WorkflowState {
	return WorkflowState{
		id:             id,
		version:        1,
		status:         StatusCreated,
		completedSteps: []string{},
		stepResults:    map[string]StepResult{},
		metadata:       copyStrings(metadata),
		createdAt:      now,
		updatedAt:      now,
	}
}

func (s WorkflowState) ID() string           { return s.id }
func (s WorkflowState) Version() int         { return s.version }
func (s WorkflowState) Status() Status       { return s.status }
func (s WorkflowState) CreatedAt() time.Time { return s.createdAt }
func (s WorkflowState) UpdatedAt() time.Time { return s.updatedAt }

// CompletedSteps returns the completed step IDs in completion order.
func (s WorkflowState) CompletedSteps() []string {
	return append([]string{}, s.completedSteps...)
}

// IsCompleted reports whether stepID has completed.
func (s WorkflowState) IsCompleted(stepID string) bool {
	for _, id := range s.completedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// StepResult returns the recorded result for stepID.
func (s WorkflowState) StepResult(stepID string) (StepResult, bool) {
	r, ok := s.stepResults[stepID]
	if !ok {
		return StepResult{}, false
	}
	return r.Clone(), true
}

// StepResults returns a copy of every recorded step result.
func (s WorkflowState) StepResults() map[string]StepResult {
	out := make(map[string]StepResult, len(s.stepResults))
	for k, v := range s.stepResults {
		out[k] = v.Clone()
	}
	return out
}

// Metadata returns a copy of the workflow metadata.
func (s WorkflowState) Metadata() map[string]string {
	return copyStrings(s.metadata)
}

// MetadataValue returns one metadata entry.
func (s WorkflowState) MetadataValue(key string) (string, bool) {
	v, ok := s.metadata[key]
	return v, ok
}

// MarshalJSON encodes the state in its persisted form.
func (s WorkflowState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toRecord())
}

// UnmarshalJSON decodes the persisted form.
func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*s = fromRecord(r)
	return nil
}

func (s WorkflowState) toRecord() record {
	return record{
		WorkflowID:     s.id,
		Version:        s.version,
		Status:         s.status,
		CompletedSteps: s.CompletedSteps(),
		StepResults:    s.StepResults(),
		Metadata:       s.Metadata(),
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
}

func fromRecord(r record) WorkflowState {
	st := WorkflowState{
		id:             r.WorkflowID,
		version:        r.Version,
		status:         r.Status,
		completedSteps: append([]string{}, r.CompletedSteps...),
		stepResults:    make(map[string]StepResult, len(r.StepResults)),
		metadata:       copyStrings(r.Metadata),
		createdAt:      r.CreatedAt,
		updatedAt:      r.UpdatedAt,
	}
	for k, v := range r.StepResults {
		st.stepResults[k] = v.Clone()
	}
	return st
}

// Patch describes the changes one Update applies. Zero fields leave the
// corresponding part of the state unchanged.
type Patch struct {
	// Status, when non-empty, moves the workflow to a new status.
	Status Status
	// CompleteSteps appends step IDs to completed_steps, skipping ones
	// already present.
	CompleteSteps []string
	// StepResults sets results keyed by their StepID.
	StepResults []StepResult
	// Metadata entries are merged into the workflow metadata.
	Metadata map[string]string
}

// IsEmpty reports whether p changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == "" && len(p.CompleteSteps) == 0 && len(p.StepResults) == 0 && len(p.Metadata) == 0
}

// apply returns the successor of s under p. s itself is left untouched.
func (s WorkflowState) apply(p Patch, now time.Time) (WorkflowState, error) {
	next := WorkflowState{
		id:             s.id,
		version:        s.version + 1,
		status:         s.status,
		completedSteps: append([]string{}, s.completedSteps...),
		stepResults:    make(map[string]StepResult, len(s.stepResults)+len(p.StepResults)),
		metadata:       copyStrings(s.metadata),
		createdAt:      s.createdAt,
		updatedAt:      now,
	}
	if p.Status != "" {
		if !CanTransition(s.status, p.Status) {
			return WorkflowState{}, fmt.Errorf("workflow %s: %s -> %s: %w", s.id, s.status, p.Status, ErrInvalidTransition)
		}
		next.status = p.Status
	}
	for _, id := range p.CompleteSteps {
		if !next.IsCompleted(id) {
			next.completedSteps = append(next.completedSteps, id)
		}
	}
	for k, v := range s.stepResults {
		next.stepResults[k] = v
	}
	for _, r := range p.StepResults {
		if r.StepID == "" {
			return WorkflowState{}, fmt.Errorf("workflow %s: step result without step id", s.id)
		}
		next.stepResults[r.StepID] = r.Clone()
	}
	for k, v := range p.Metadata {
		next.metadata[k] = v
	}
	return next, nil
}

// Summary is a compact view of one version, used by history listings.
type Summary struct {
	Version        int       `json:"version"`
	Status         Status    `json:"status"`
	CompletedSteps []string  `json:"completed_steps"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summarize returns the summary of s.
func (s WorkflowState) Summarize() Summary {
	return Summary{Version: s.version, Status: s.status, CompletedSteps: s.CompletedSteps(), UpdatedAt: s.updatedAt}
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
