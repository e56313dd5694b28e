package workflow

import (
	"errors"
	"testing"
)

func TestValidateDefinitionErrors(t *testing.T) {
	step := func(id string, deps ...string) StepDefinition {
		return StepDefinition{ID: id, UnitID: "u", DependsOn: deps}
	}
	cases := []struct {
		name string
		def  WorkflowDefinition
		want error
	}{
		{"missing id", WorkflowDefinition{Steps: []StepDefinition{step("a")}}, ErrInvalidDefinition},
		{"no steps", WorkflowDefinition{ID: "wf"}, ErrInvalidDefinition},
		{"duplicate step", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{step("a"), step("a")}}, ErrDuplicateStep},
		{"dotted step id", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{step("a.b")}}, ErrInvalidDefinition},
		{"unknown dependency", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{step("a", "ghost")}}, ErrUnknownDependency},
		{"unknown input reference", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{
			{ID: "a", UnitID: "u", Inputs: map[string]any{"nested": []any{"$steps.ghost.output"}}},
		}}, ErrUnknownStepReference},
		{"unknown output reference", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{step("a")},
			Outputs: map[string]string{"x": "$steps.ghost.output"}}, ErrUnknownStepReference},
		{"bad onError", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{{ID: "a", UnitID: "u", OnError: "ignore"}}}, ErrInvalidDefinition},
		{"negative retry", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{{ID: "a", UnitID: "u", Retry: &RetryPolicy{MaxRetries: -1}}}}, ErrInvalidDefinition},
		{"bad condition", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{{ID: "a", UnitID: "u", Condition: "== 1"}}}, ErrInvalidDefinition},
		{"self cycle", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{step("a", "a")}}, ErrCircularDependency},
		{"sibling input reference", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{
			step("a"),
			{ID: "b", UnitID: "u", Inputs: map[string]any{"x": "$steps.a.output"}},
		}}, ErrUndeclaredReference},
		{"condition on downstream step", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{
			{ID: "a", UnitID: "u", Condition: "$steps.b.status == 'success'"},
			step("b", "a"),
		}}, ErrUndeclaredReference},
		{"self reference", WorkflowDefinition{ID: "wf", Steps: []StepDefinition{
			{ID: "a", UnitID: "u", Inputs: map[string]any{"x": "$steps.a.output"}},
		}}, ErrUndeclaredReference},
	}
	for _, tc := range cases {
		if err := tc.def.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestExecutionOrderDeterministic(t *testing.T) {
	def := WorkflowDefinition{ID: "wf", Steps: []StepDefinition{
		{ID: "report", UnitID: "u", DependsOn: []string{"scan", "lint"}},
		{ID: "lint", UnitID: "u"},
		{ID: "scan", UnitID: "u"},
	}}
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	order, err := def.ExecutionOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if len(order) != 3 || order[0] != "lint" || order[1] != "scan" || order[2] != "report" {
		t.Fatalf("unexpected order %v", order)
	}
	if c := def.DetectCycle(); c != nil {
		t.Fatalf("unexpected cycle %v", c)
	}
}

func TestValidateAcceptsTransitiveReferences(t *testing.T) {
	def := WorkflowDefinition{ID: "wf", Steps: []StepDefinition{
		{ID: "fetch", UnitID: "u"},
		{ID: "parse", UnitID: "u", DependsOn: []string{"fetch"}},
		{ID: "report", UnitID: "u", DependsOn: []string{"parse"},
			Inputs:    map[string]any{"raw": "$steps.fetch.output", "rows": "$steps.parse.output.rows"},
			Condition: "$steps.fetch.status == 'success'"},
		{ID: "audit", UnitID: "u"},
	}, Outputs: map[string]string{"audit": "$steps.audit.output", "report": "$steps.report.output"}}
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
