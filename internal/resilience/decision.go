package resilience

import (
	"strings"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

// Action is what happens after a failed attempt.
type Action string

const (
	// ActionNone means the operation succeeded.
	ActionNone Action = ""
	// ActionRetry re-runs the operation after a backoff delay.
	ActionRetry Action = "RETRY"
	// ActionFallback substitutes the step's registered fallback.
	ActionFallback Action = "FALLBACK"
	// ActionCompensate undoes completed steps in reverse order and fails the
	// workflow.
	ActionCompensate Action = "COMPENSATE"
	// ActionSkip records the failure and marks the step SKIPPED.
	ActionSkip Action = "SKIP"
	// ActionFail marks the step FAILED; the workflow continues best effort.
	ActionFail Action = "FAIL"
	// ActionFailFast fails the whole workflow immediately.
	ActionFailFast Action = "FAIL_FAST"
)

// Classify maps an error chain onto the four recovery classes. Timeouts and
// version conflicts are technical. Component lookup failures keep their own
// kind because they are fatal for the step only.
func Classify(err error) failure.Kind {
	switch k := failure.KindOf(err); k {
	case failure.KindTimeout, failure.KindVersionConflict:
		return failure.KindTechnical
	default:
		return k
	}
}

// ClassifyCode maps a choreographer error code onto a failure kind.
func ClassifyCode(code string) failure.Kind {
	switch strings.ToUpper(code) {
	case "TIMEOUT":
		return failure.KindTimeout
	case "VALIDATION", "VALIDATION_FAILED":
		return failure.KindValidation
	case "BUSINESS", "PRECONDITION", "PRECONDITION_UNMET":
		return failure.KindBusiness
	case "CIRCUIT_OPEN", "QUOTA", "QUOTA_EXHAUSTED", "RESOURCE":
		return failure.KindResource
	case "COMPONENT_NOT_AVAILABLE":
		return failure.KindComponentNotAvailable
	}
	return failure.KindTechnical
}

// Decide applies the recovery table to one failed attempt. attempt is
// 1-indexed and maxAttempts bounds the total number of calls.
func Decide(kind failure.Kind, strategy catalog.ErrorStrategy, attempt, maxAttempts int) Action {
	if strategy == "" {
		strategy = catalog.DefaultStrategy
	}
	switch kind {
	case failure.KindTechnical, failure.KindTimeout, failure.KindVersionConflict:
		if strategy != catalog.StrategyFailFast && attempt < maxAttempts {
			return ActionRetry
		}
		return terminal(strategy)

	case failure.KindValidation:
		if strategy == catalog.StrategyRetry {
			return ActionFail
		}
		return terminal(strategy)

	case failure.KindBusiness:
		switch strategy {
		case catalog.StrategySkip:
			return ActionSkip
		case catalog.StrategyCompensate:
			return ActionCompensate
		}
		return ActionFailFast

	case failure.KindResource:
		if strategy == catalog.StrategyFallback {
			return ActionFallback
		}
		return ActionFailFast

	case failure.KindComponentNotAvailable:
		return ActionFail
	}
	return terminal(strategy)
}

// terminal is the action a strategy takes once retrying is no longer an
// option.
func terminal(strategy catalog.ErrorStrategy) Action {
	switch strategy {
	case catalog.StrategyFallback:
		return ActionFallback
	case catalog.StrategySkip:
		return ActionSkip
	case catalog.StrategyCompensate:
		return ActionCompensate
	case catalog.StrategyFailFast:
		return ActionFailFast
	}
	return ActionFail
}
