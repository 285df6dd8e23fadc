package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/resilience"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/state"
)

// WorkflowResult is the caller-facing summary of a workflow. A COMPLETED
// workflow with a SuccessRate below 1 is degraded but usable.
type WorkflowResult struct {
	WorkflowID string       `json:"workflow_id"`
	Status     state.Status `json:"status"`
	// Success is true when the workflow reached COMPLETED.
	Success bool `json:"success"`
	// SuccessRate is the share of requested steps that settled without a
	// failure: COMPLETED, or SKIPPED because a dependency did not run.
	SuccessRate    float64  `json:"success_rate"`
	CompletedSteps []string `json:"completed_steps"`
	// FailedSteps holds every step that recorded a failure, including ones
	// skipped by their error strategy.
	FailedSteps map[string]failure.Record `json:"failed_steps"`
	// SkippedSteps maps each SKIPPED step to its reason.
	SkippedSteps  map[string]string              `json:"skipped_steps"`
	StepResults   map[string]state.StepResult    `json:"step_results"`
	Compensation  *resilience.CompensationReport `json:"compensation,omitempty"`
	ExecutionTime time.Duration                  `json:"execution_time"`
	Version       int                            `json:"version"`
}

func buildResult(st state.WorkflowState, steps []catalog.StepContext, elapsed time.Duration) WorkflowResult {
	res := WorkflowResult{
		WorkflowID:     st.ID(),
		Status:         st.Status(),
		Success:        st.Status() == state.StatusCompleted,
		CompletedSteps: st.CompletedSteps(),
		FailedSteps:    make(map[string]failure.Record),
		SkippedSteps:   make(map[string]string),
		StepResults:    st.StepResults(),
		ExecutionTime:  elapsed,
		Version:        st.Version(),
	}

	clean := 0
	for _, sc := range steps {
		r, ok := st.StepResult(sc.StepID)
		if !ok {
			continue
		}
		switch r.Status {
		case state.StepCompleted:
			clean++
		case state.StepSkipped:
			res.SkippedSteps[sc.StepID] = r.Reason
			if r.Error != nil {
				res.FailedSteps[sc.StepID] = *r.Error
			} else {
				clean++
			}
		case state.StepFailed:
			rec := failure.Record{Kind: failure.KindTechnical, Message: "step failed"}
			if r.Error != nil {
				rec = *r.Error
			}
			res.FailedSteps[sc.StepID] = rec
		}
	}
	if len(steps) > 0 {
		res.SuccessRate = float64(clean) / float64(len(steps))
	}

	if raw, ok := st.MetadataValue(MetaCompensation); ok {
		var report resilience.CompensationReport
		if json.Unmarshal([]byte(raw), &report) == nil {
			res.Compensation = &report
		}
	}
	return res
}

// settled reports whether a step result is final for this run.
func settled(s state.StepStatus) bool {
	return s == state.StepCompleted || s == state.StepFailed || s == state.StepSkipped
}

func settledSteps(st state.WorkflowState, steps []catalog.StepContext) []string {
	var ids []string
	for _, sc := range steps {
		if r, ok := st.StepResult(sc.StepID); ok && settled(r.Status) {
			ids = append(ids, sc.StepID)
		}
	}
	return ids
}
