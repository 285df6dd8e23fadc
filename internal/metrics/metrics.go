// Package metrics records Corvid's observability counters on a private
// Prometheus registry and exposes them two ways: as a queryable Snapshot for
// callers and tests, and through Registry() for HTTP exposition.
//
// All Recorder methods are safe on a nil receiver so components can accept an
// optional recorder without guarding every call site.
package metrics

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/buildinfo"
)

const namespace = "corvid"

// Metric names, without the namespace prefix.
const (
	nameWorkflowsCreated   = "workflows_created_total"
	nameWorkflowsFinished  = "workflows_finished_total"
	nameStepOutcomes       = "step_outcomes_total"
	nameRetries            = "retries_total"
	nameRetrySuccesses     = "retry_successes_total"
	nameValidationRules    = "validation_rule_checks_total"
	nameBreakerTransitions = "breaker_transitions_total"
	nameInvocations        = "invocations_total"
	nameInvocationSeconds  = "invocation_duration_seconds"
	nameCompensations      = "compensations_total"
	nameBuildInfo          = "build_info"
)

// Recorder owns the Corvid collectors.
type Recorder struct {
	registry *prometheus.Registry

	workflowsCreated   prometheus.Counter
	workflowsFinished  *prometheus.CounterVec
	stepOutcomes       *prometheus.CounterVec
	retries            *prometheus.CounterVec
	retrySuccesses     *prometheus.CounterVec
	validationRules    *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	invocations        *prometheus.CounterVec
	invocationSeconds  *prometheus.HistogramVec
	compensations      *prometheus.CounterVec
}

// New creates a Recorder with its own registry. Using a private registry
// keeps parallel tests and multiple orchestrators in one process isolated.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		workflowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameWorkflowsCreated,
			Help:      "Total number of workflows created",
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameWorkflowsFinished,
			Help:      "Total number of workflows that reached a terminal or parked status",
		}, []string{"status"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameStepOutcomes,
			Help:      "Step outcomes by step and final status",
		}, []string{"step", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameRetries,
			Help:      "Total number of retry attempts",
		}, []string{"step"}),
		retrySuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameRetrySuccesses,
			Help:      "Operations that succeeded after at least one retry",
		}, []string{"step"}),
		validationRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameValidationRules,
			Help:      "Validation rule evaluations by rule and result",
		}, []string{"rule", "result"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameBreakerTransitions,
			Help:      "Circuit breaker state transitions",
		}, []string{"component", "from", "to"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameInvocations,
			Help:      "Step registry invocations by component, method and result",
		}, []string{"component", "method", "result"}),
		invocationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      nameInvocationSeconds,
			Help:      "Step registry invocation latency in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"component", "method"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      nameCompensations,
			Help:      "Compensating actions by step and result",
		}, []string{"step", "result"}),
	}
	info := buildinfo.GetInfo()
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        nameBuildInfo,
		Help:        "Always 1, labelled with the binary's version and commit",
		ConstLabels: prometheus.Labels{"version": info.Version, "commit": info.Commit},
	})
	build.Set(1)
	r.registry.MustRegister(
		build,
		r.workflowsCreated,
		r.workflowsFinished,
		r.stepOutcomes,
		r.retries,
		r.retrySuccesses,
		r.validationRules,
		r.breakerTransitions,
		r.invocations,
		r.invocationSeconds,
		r.compensations,
	)
	return r
}

// Registry returns the underlying Prometheus registry for exposition.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WorkflowCreated counts a newly created workflow.
func (r *Recorder) WorkflowCreated() {
	if r == nil {
		return
	}
	r.workflowsCreated.Inc()
}

// WorkflowFinished counts a workflow reaching status (completed, failed,
// cancelled or paused).
func (r *Recorder) WorkflowFinished(status string) {
	if r == nil {
		return
	}
	r.workflowsFinished.WithLabelValues(status).Inc()
}

// StepOutcome counts the final status of one step execution.
func (r *Recorder) StepOutcome(step, status string) {
	if r == nil {
		return
	}
	r.stepOutcomes.WithLabelValues(step, status).Inc()
}

// Retry counts one retry attempt of step.
func (r *Recorder) Retry(step string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(step).Inc()
}

// RetrySucceeded counts an operation that succeeded after retrying.
func (r *Recorder) RetrySucceeded(step string) {
	if r == nil {
		return
	}
	r.retrySuccesses.WithLabelValues(step).Inc()
}

// ValidationRule counts one rule evaluation.
func (r *Recorder) ValidationRule(rule string, passed bool) {
	if r == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	r.validationRules.WithLabelValues(rule, result).Inc()
}

// BreakerTransition counts a circuit breaker state change.
func (r *Recorder) BreakerTransition(component, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(component, from, to).Inc()
}

// Invocation records one step registry call.
func (r *Recorder) Invocation(component, method string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	result := "error"
	if success {
		result = "ok"
	}
	r.invocations.WithLabelValues(component, method, result).Inc()
	r.invocationSeconds.WithLabelValues(component, method).Observe(d.Seconds())
}

// Compensation records one compensating action.
func (r *Recorder) Compensation(step string, ok bool) {
	if r == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	r.compensations.WithLabelValues(step, result).Inc()
}

// BreakerCount is the number of transitions observed for one component edge.
type BreakerCount struct {
	Component string  `json:"component"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Count     float64 `json:"count"`
}

// Snapshot is a point-in-time copy of every Corvid counter.
type Snapshot struct {
	WorkflowsCreated   float64                       `json:"workflows_created"`
	WorkflowsCompleted float64                       `json:"workflows_completed"`
	WorkflowsFailed    float64                       `json:"workflows_failed"`
	WorkflowsCancelled float64                       `json:"workflows_cancelled"`
	StepOutcomes       map[string]map[string]float64 `json:"step_outcomes"`
	Retries            float64                       `json:"retries"`
	RetrySuccesses     float64                       `json:"retry_successes"`
	RetrySuccessRate   float64                       `json:"retry_success_rate"`
	ValidationPassed   float64                       `json:"validation_passed"`
	ValidationFailed   float64                       `json:"validation_failed"`
	ValidationPassRate float64                       `json:"validation_pass_rate"`
	BreakerTransitions []BreakerCount                `json:"breaker_transitions"`
	Invocations        float64                       `json:"invocations"`
	Compensations      float64                       `json:"compensations"`
}

// BreakerOpened returns how many times any breaker transitioned to OPEN.
func (s Snapshot) BreakerOpened() float64 {
	var n float64
	for _, bc := range s.BreakerTransitions {
		if bc.To == "OPEN" {
			n += bc.Count
		}
	}
	return n
}

// BreakerClosed returns how many times any breaker transitioned to CLOSED.
func (s Snapshot) BreakerClosed() float64 {
	var n float64
	for _, bc := range s.BreakerTransitions {
		if bc.To == "CLOSED" {
			n += bc.Count
		}
	}
	return n
}

// Snapshot gathers the registry into a Snapshot. A nil recorder yields a
// zero snapshot.
func (r *Recorder) Snapshot() Snapshot {
	snap := Snapshot{StepOutcomes: map[string]map[string]float64{}}
	if r == nil {
		return snap
	}
	families, err := r.registry.Gather()
	if err != nil {
		return snap
	}
	for _, mf := range families {
		short := mf.GetName()[len(namespace)+1:]
		for _, m := range mf.GetMetric() {
			labels := labelMap(m)
			value := m.GetCounter().GetValue()
			switch short {
			case nameWorkflowsCreated:
				snap.WorkflowsCreated += value
			case nameWorkflowsFinished:
				switch labels["status"] {
				case "COMPLETED":
					snap.WorkflowsCompleted += value
				case "FAILED":
					snap.WorkflowsFailed += value
				case "CANCELLED":
					snap.WorkflowsCancelled += value
				}
			case nameStepOutcomes:
				step := labels["step"]
				if snap.StepOutcomes[step] == nil {
					snap.StepOutcomes[step] = map[string]float64{}
				}
				snap.StepOutcomes[step][labels["status"]] += value
			case nameRetries:
				snap.Retries += value
			case nameRetrySuccesses:
				snap.RetrySuccesses += value
			case nameValidationRules:
				if labels["result"] == "pass" {
					snap.ValidationPassed += value
				} else {
					snap.ValidationFailed += value
				}
			case nameBreakerTransitions:
				snap.BreakerTransitions = append(snap.BreakerTransitions, BreakerCount{
					Component: labels["component"],
					From:      labels["from"],
					To:        labels["to"],
					Count:     value,
				})
			case nameInvocations:
				snap.Invocations += value
			case nameCompensations:
				snap.Compensations += value
			}
		}
	}
	if snap.Retries > 0 {
		snap.RetrySuccessRate = snap.RetrySuccesses / snap.Retries
	}
	if total := snap.ValidationPassed + snap.ValidationFailed; total > 0 {
		snap.ValidationPassRate = snap.ValidationPassed / total
	}
	sort.Slice(snap.BreakerTransitions, func(i, j int) bool {
		a, b := snap.BreakerTransitions[i], snap.BreakerTransitions[j]
		if a.Component != b.Component {
			return a.Component < b.Component
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return snap
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
