package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/stepflow/core/infra/secrets"
	"github.com/cordum/stepflow/core/units"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisStore(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDefinitionSaveGetList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	def := WorkflowDefinition{
		ID:      "wf-1",
		Name:    "Sample",
		Version: "v1",
		Steps:   []StepDefinition{{ID: "start", UnitID: "echo", Inputs: map[string]any{"msg": "$input.msg"}}},
	}
	if err := store.SaveDefinition(ctx, def); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetDefinition(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != def.Name || got.Steps[0].Inputs["msg"] != "$input.msg" {
		t.Fatalf("mismatch: %+v", got)
	}
	list, err := store.ListDefinitions(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "wf-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if err := store.DeleteDefinition(ctx, "wf-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetDefinition(ctx, "wf-1"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExecutionStatusIndexes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := &WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: ExecutionRunning, StartedAt: time.Now().UTC()}
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("save: %v", err)
	}
	ids, err := store.ListExecutionIDsByStatus(ctx, ExecutionRunning, 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected running index, got %v %v", ids, err)
	}

	exec.Status = ExecutionFailed
	exec.Error = "boom"
	if err := store.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ids, _ := store.ListExecutionIDsByStatus(ctx, ExecutionRunning, 10); len(ids) != 0 {
		t.Fatalf("running index should be empty, got %v", ids)
	}
	if ids, _ := store.ListExecutionIDsByStatus(ctx, ExecutionFailed, 10); len(ids) != 1 {
		t.Fatalf("expected failed index, got %v", ids)
	}
	list, err := store.ListExecutions(ctx, "wf-1", 10)
	if err != nil || len(list) != 1 || list[0].Error != "boom" {
		t.Fatalf("unexpected list: %+v %v", list, err)
	}

	if err := store.DeleteExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetExecution(ctx, "exec-1"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEngineWithRedisStoreAndTimeline(t *testing.T) {
	store := newTestStore(t)
	bus := NewEventBus()
	defer store.RecordTimeline(bus)()

	reg := units.NewRegistry()
	arithmeticUnits(t, reg)
	engine := NewEngine(reg, WithEventBus(bus), WithExecutionStore(store))
	if err := engine.RegisterWorkflow(WorkflowDefinition{
		ID:    "math",
		Steps: []StepDefinition{{ID: "double", UnitID: "double", Inputs: map[string]any{"x": 4}}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, err := engine.Execute(context.Background(), "math", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	ctx := context.Background()
	stored, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.Status != ExecutionCompleted || len(stored.Results) != 1 {
		t.Fatalf("unexpected stored execution: %+v", stored)
	}
	events, err := store.ListEvents(ctx, exec.ID, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var kinds []EventKind
	for _, ev := range events {
		if ev.Execution != nil {
			t.Fatalf("timeline should not embed execution snapshots")
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventWorkflowStart, EventStepStart, EventStepComplete, EventWorkflowComplete}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected timeline %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected timeline %v", kinds)
		}
	}
}

func TestTimelineRedactsSecrets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ev := Event{
		Kind:        EventStepComplete,
		ExecutionID: "exec-1",
		StepID:      "login",
		Output:      map[string]any{"api_token": "abc123", "ref": "secret://vault/db", "user": "ops"},
	}
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := store.ListEvents(ctx, "exec-1", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("list events: %v %v", events, err)
	}
	out, ok := events[0].Output.(map[string]any)
	if !ok {
		t.Fatalf("unexpected output %T", events[0].Output)
	}
	if out["api_token"] != secrets.Placeholder || out["ref"] != secrets.Placeholder {
		t.Fatalf("secrets not redacted: %v", out)
	}
	if out["user"] != "ops" || events[0].StepID != "login" {
		t.Fatalf("plain fields changed: %+v", events[0])
	}
	if ev.Output.(map[string]any)["api_token"] != "abc123" {
		t.Fatalf("caller payload modified")
	}
}
