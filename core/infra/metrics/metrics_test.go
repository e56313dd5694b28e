package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var e EngineMetrics = Noop{}
	e.IncWorkflowStarted("wf")
	e.IncWorkflowCompleted("wf", "completed")
	e.ObserveWorkflowDuration("wf", 1)
	e.IncStepCompleted("wf", "success")
	e.IncStepRetry("wf")

	var s StateMetrics = Noop{}
	s.IncCheckpointCreated("manual")
	s.IncCheckpointPruned("deleted")
	s.IncArtifactRegistered("source-code", "created")
	s.IncPersistenceError("save_state")
}

func TestEngineMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewEngineProm("stepflow")
	m.IncWorkflowStarted("wf")
	m.IncWorkflowCompleted("wf", "completed")
	m.ObserveWorkflowDuration("wf", 0.5)
	m.IncStepCompleted("wf", "skipped")
	m.IncStepRetry("wf")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "stepflow_workflows_started_total", map[string]string{"workflow": "wf"}) {
		t.Fatalf("expected workflows_started metric")
	}
	if !hasMetric(families, "stepflow_workflows_completed_total", map[string]string{"workflow": "wf", "status": "completed"}) {
		t.Fatalf("expected workflows_completed metric")
	}
	if !hasMetric(families, "stepflow_workflow_duration_seconds", map[string]string{"workflow": "wf"}) {
		t.Fatalf("expected workflow_duration metric")
	}
	if !hasMetric(families, "stepflow_steps_completed_total", map[string]string{"workflow": "wf", "status": "skipped"}) {
		t.Fatalf("expected steps_completed metric")
	}
	if !hasMetric(families, "stepflow_step_retries_total", map[string]string{"workflow": "wf"}) {
		t.Fatalf("expected step_retries metric")
	}
}

func TestStateMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewStateProm("stepflow")
	m.IncCheckpointCreated("phase-complete")
	m.IncCheckpointPruned("deleted")
	m.IncArtifactRegistered("config", "unchanged")
	m.IncPersistenceError("save_checkpoint")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "stepflow_checkpoints_created_total", map[string]string{"reason": "phase-complete"}) {
		t.Fatalf("expected checkpoints_created metric")
	}
	if !hasMetric(families, "stepflow_checkpoints_pruned_total", map[string]string{"outcome": "deleted"}) {
		t.Fatalf("expected checkpoints_pruned metric")
	}
	if !hasMetric(families, "stepflow_artifacts_registered_total", map[string]string{"type": "config", "outcome": "unchanged"}) {
		t.Fatalf("expected artifacts_registered metric")
	}
	if !hasMetric(families, "stepflow_persistence_errors_total", map[string]string{"operation": "save_checkpoint"}) {
		t.Fatalf("expected persistence_errors metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewEngineProm("stepflow")
	m.IncWorkflowStarted("wf")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
