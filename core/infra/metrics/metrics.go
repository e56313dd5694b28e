package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics captures workflow and step level execution metrics.
type EngineMetrics interface {
	IncWorkflowStarted(workflow string)
	IncWorkflowCompleted(workflow, status string)
	ObserveWorkflowDuration(workflow string, durationSeconds float64)
	IncStepCompleted(workflow, status string)
	IncStepRetry(workflow string)
}

// StateMetrics captures durable state layer activity.
type StateMetrics interface {
	IncCheckpointCreated(reason string)
	IncCheckpointPruned(outcome string)
	IncArtifactRegistered(artifactType, outcome string)
	IncPersistenceError(operation string)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncWorkflowStarted(string)               {}
func (Noop) IncWorkflowCompleted(string, string)     {}
func (Noop) ObserveWorkflowDuration(string, float64) {}
func (Noop) IncStepCompleted(string, string)         {}
func (Noop) IncStepRetry(string)                     {}
func (Noop) IncCheckpointCreated(string)             {}
func (Noop) IncCheckpointPruned(string)              {}
func (Noop) IncArtifactRegistered(string, string)    {}
func (Noop) IncPersistenceError(string)              {}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Engine metrics ---

type engineProm struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	steps     *prometheus.CounterVec
	retries   *prometheus.CounterVec
	once      sync.Once
}

// NewEngineProm registers workflow engine collectors under namespace.
func NewEngineProm(namespace string) EngineMetrics {
	e := &engineProm{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Workflow executions started by workflow id",
		}, []string{"workflow"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflow executions finished by workflow id and status",
		}, []string{"workflow", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration by workflow id",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_completed_total",
			Help:      "Step results by workflow id and status",
		}, []string{"workflow", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts by workflow id",
		}, []string{"workflow"}),
	}
	e.once.Do(func() {
		prometheus.MustRegister(e.started, e.completed, e.duration, e.steps, e.retries)
	})
	return e
}

func (e *engineProm) IncWorkflowStarted(workflow string) {
	e.started.WithLabelValues(workflow).Inc()
}

func (e *engineProm) IncWorkflowCompleted(workflow, status string) {
	e.completed.WithLabelValues(workflow, status).Inc()
}

func (e *engineProm) ObserveWorkflowDuration(workflow string, durationSeconds float64) {
	e.duration.WithLabelValues(workflow).Observe(durationSeconds)
}

func (e *engineProm) IncStepCompleted(workflow, status string) {
	e.steps.WithLabelValues(workflow, status).Inc()
}

func (e *engineProm) IncStepRetry(workflow string) {
	e.retries.WithLabelValues(workflow).Inc()
}

// --- State metrics ---

type stateProm struct {
	checkpoints *prometheus.CounterVec
	pruned      *prometheus.CounterVec
	artifacts   *prometheus.CounterVec
	errors      *prometheus.CounterVec
	once        sync.Once
}

// NewStateProm registers state layer collectors under namespace.
func NewStateProm(namespace string) StateMetrics {
	s := &stateProm{
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_created_total",
			Help:      "Checkpoints created by reason",
		}, []string{"reason"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_pruned_total",
			Help:      "Checkpoint prune attempts by outcome",
		}, []string{"outcome"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_registered_total",
			Help:      "Artifact registrations by type and outcome (created, versioned, unchanged)",
		}, []string{"type", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Durable store failures by operation",
		}, []string{"operation"}),
	}
	s.once.Do(func() {
		prometheus.MustRegister(s.checkpoints, s.pruned, s.artifacts, s.errors)
	})
	return s
}

func (s *stateProm) IncCheckpointCreated(reason string) {
	s.checkpoints.WithLabelValues(reason).Inc()
}

func (s *stateProm) IncCheckpointPruned(outcome string) {
	s.pruned.WithLabelValues(outcome).Inc()
}

func (s *stateProm) IncArtifactRegistered(artifactType, outcome string) {
	s.artifacts.WithLabelValues(artifactType, outcome).Inc()
}

func (s *stateProm) IncPersistenceError(operation string) {
	s.errors.WithLabelValues(operation).Inc()
}
