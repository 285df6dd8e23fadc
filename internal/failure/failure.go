// Package failure defines Corvid's error taxonomy.
//
// Every error that crosses a component boundary carries exactly one Kind.
// Components wrap causes with New or Wrap and callers branch on the kind with
// errors.Is against the sentinel values or with KindOf:
//
//	if errors.Is(err, failure.ErrVersionConflict) {
//	    // re-read and retry
//	}
//
// Only VersionConflict is recovered silently (by the state store's caller);
// every other kind is recorded on the failing step and surfaces in the final
// workflow result.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure. String values are used (not iota) so kinds
// round-trip cleanly through persisted step results and event payloads.
type Kind string

const (
	// KindVersionConflict is an optimistic-concurrency collision in the state
	// store. Always retryable by re-reading.
	KindVersionConflict Kind = "version_conflict"

	// KindValidation means a step's output violated its validation rules.
	// Never blind-retried with the same inputs.
	KindValidation Kind = "validation"

	// KindTechnical is a transient fault (I/O, timeout, dropped connection)
	// that is eligible for retry with backoff.
	KindTechnical Kind = "technical"

	// KindBusiness means a declared precondition is genuinely unmet. The step
	// is skipped or the workflow fails fast; it is never retried.
	KindBusiness Kind = "business"

	// KindResource means a circuit is open or a quota is exhausted. Recovery
	// is an immediate fallback or fail-fast, never a retry storm.
	KindResource Kind = "resource"

	// KindTimeout means a delegated sub-process exceeded its deadline. It is
	// treated as technical by the resilience manager.
	KindTimeout Kind = "timeout"

	// KindComponentNotAvailable is a step registry lookup failure. It is fatal
	// for the affected step only.
	KindComponentNotAvailable Kind = "component_not_available"
)

// Sentinel errors, one per kind. A *Error matches the sentinel of its kind
// under errors.Is.
var (
	ErrVersionConflict       = errors.New("version conflict")
	ErrValidation            = errors.New("validation failure")
	ErrTechnical             = errors.New("technical failure")
	ErrBusiness              = errors.New("business failure")
	ErrResource              = errors.New("resource failure")
	ErrTimeout               = errors.New("timeout")
	ErrComponentNotAvailable = errors.New("component not available")
)

var sentinels = map[Kind]error{
	KindVersionConflict:       ErrVersionConflict,
	KindValidation:            ErrValidation,
	KindTechnical:             ErrTechnical,
	KindBusiness:              ErrBusiness,
	KindResource:              ErrResource,
	KindTimeout:               ErrTimeout,
	KindComponentNotAvailable: ErrComponentNotAvailable,
}

// Error is a classified failure. Code is a short machine-readable reason
// (e.g. "CIRCUIT_OPEN", "PRECONDITION_UNMET"); Step names the step that
// produced it when known.
type Error struct {
	Kind    Kind
	Code    string
	Step    string
	Message string
	Err     error
}

// New returns a classified error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. A nil cause yields nil.
func Wrap(kind Kind, code string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: cause.Error(), Err: cause}
}

// WithStep returns a copy of e attributed to step.
func (e *Error) WithStep(step string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Step = step
	return &cp
}

func (e *Error) Error() string {
	var prefix string
	if e.Step != "" {
		prefix = fmt.Sprintf("step %q: ", e.Step)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s%s [%s]: %s", prefix, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s%s: %s", prefix, e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf resolves the kind of an arbitrary error chain. Unclassified errors
// default to KindTechnical because an unknown fault is presumed transient.
// A nil error has no kind and returns "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTechnical
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Retryable reports whether a failure of kind k may be retried with the same
// inputs.
func (k Kind) Retryable() bool {
	return k == KindTechnical || k == KindTimeout || k == KindVersionConflict
}

// Record is the persisted, serialisable form of a failure. It is what
// StepResult.Error and WorkflowResult.FailedSteps carry.
type Record struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ToRecord converts any error into a Record. A nil error yields nil.
func ToRecord(err error) *Record {
	if err == nil {
		return nil
	}
	rec := &Record{Kind: KindOf(err), Code: CodeOf(err), Message: err.Error()}
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		rec.Message = fe.Message
	}
	return rec
}

// Err turns a Record back into a classified error.
func (r *Record) Err() error {
	if r == nil {
		return nil
	}
	return &Error{Kind: r.Kind, Code: r.Code, Message: r.Message}
}
