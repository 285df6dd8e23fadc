// Package choreo hands whole sub-graphs of steps to an independent executor
// over an event bus and correlates the single outcome event back to the
// waiting workflow.
package choreo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a bridge event.
type EventType string

const (
	TypeInitiated EventType = "SubProcessInitiated"
	TypeCompleted EventType = "SubProcessCompleted"
	TypeFailed    EventType = "SubProcessFailed"
)

// CodeTimeout is the error code of a failure synthesised when no outcome
// arrives in time.
const CodeTimeout = "TIMEOUT"

// Correlation identifies one delegation. It is carried unchanged from the
// trigger to the outcome.
type Correlation struct {
	CorrelationID string   `json:"correlation_id"`
	WorkflowID    string   `json:"workflow_id"`
	StepIDs       []string `json:"step_ids"`
	Dimension     string   `json:"dimension,omitempty"`
	Partition     string   `json:"partition,omitempty"`
}

// Initiated triggers a sub-process.
type Initiated struct {
	Correlation Correlation `json:"correlation"`
	// Group names the delegate group the steps belong to.
	Group     string                     `json:"group"`
	InputData map[string]json.RawMessage `json:"input_data,omitempty"`
	Timeout   time.Duration              `json:"timeout,omitempty"`
}

// Completed reports a finished sub-process. StepsFailed lists steps whose
// failure the executor tolerated.
type Completed struct {
	Correlation     Correlation                `json:"correlation"`
	OutputData      map[string]json.RawMessage `json:"output_data"`
	StepsSuccessful []string                   `json:"steps_successful"`
	StepsFailed     []string                   `json:"steps_failed,omitempty"`
}

// Failed reports a sub-process that could not finish. PartialResult holds
// the outputs of steps that completed before the failure.
type Failed struct {
	Correlation   Correlation                `json:"correlation"`
	ErrorCode     string                     `json:"error_code"`
	ErrorMessage  string                     `json:"error_message"`
	FailedStep    string                     `json:"failed_step,omitempty"`
	PartialResult map[string]json.RawMessage `json:"partial_result,omitempty"`
}

// Envelope is the wire form of every event.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NewEnvelope wraps payload as an event of type t.
func NewEnvelope(t EventType, correlationID string, payload any, now time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{
		ID:            uuid.NewString(),
		Type:          t,
		CorrelationID: correlationID,
		Payload:       data,
		OccurredAt:    now.UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
