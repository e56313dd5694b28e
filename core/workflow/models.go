package workflow

import (
	"time"
)

// ErrorPolicy controls what a step failure does to the rest of the execution.
type ErrorPolicy string

const (
	OnErrorStop     ErrorPolicy = "stop"
	OnErrorContinue ErrorPolicy = "continue"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// StepStatus is the terminal status recorded for a step.
type StepStatus string

const (
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// SkipReason explains why a step was not dispatched.
type SkipReason string

const (
	SkipCondition         SkipReason = "condition"
	SkipDependencySkipped SkipReason = "dependency-skipped"
	SkipDependencyFailed  SkipReason = "dependency-failed"
)

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// RetryPolicy configures per-step retries. MaxRetries counts retries, so a
// step runs at most MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries   int             `json:"maxRetries" yaml:"maxRetries"`
	BackoffMs    int             `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
	Strategy     BackoffStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	MaxBackoffMs int             `json:"maxBackoffMs,omitempty" yaml:"maxBackoffMs,omitempty"`
}

// StepDefinition names a unit, its inputs and its scheduling policy.
type StepDefinition struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	UnitID     string         `json:"unitId" yaml:"unitId"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Condition  string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Retry      *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	OnError    ErrorPolicy    `json:"onError,omitempty" yaml:"onError,omitempty"`
	TimeoutSec int            `json:"timeoutSec,omitempty" yaml:"timeoutSec,omitempty"`
}

// WorkflowDefinition is an ordered set of steps plus declared outputs.
type WorkflowDefinition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition  `json:"steps" yaml:"steps"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// StepResult records the outcome of one step.
type StepResult struct {
	StepID     string     `json:"stepId"`
	UnitID     string     `json:"unitId,omitempty"`
	Status     StepStatus `json:"status"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	SkipReason SkipReason `json:"skipReason,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// WorkflowExecution is the record of one run of a workflow definition.
type WorkflowExecution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Version    string          `json:"version,omitempty"`
	Status     ExecutionStatus `json:"status"`
	Input      map[string]any  `json:"input,omitempty"`
	Results    []StepResult    `json:"results"`
	Outputs    map[string]any  `json:"outputs,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
}

// Result returns the recorded result for stepID.
func (e *WorkflowExecution) Result(stepID string) (StepResult, bool) {
	for _, r := range e.Results {
		if r.StepID == stepID {
			return r, true
		}
	}
	return StepResult{}, false
}

// HasFailures reports whether any step failed, including failures tolerated
// by an onError: continue policy.
func (e *WorkflowExecution) HasFailures() bool {
	for _, r := range e.Results {
		if r.Status == StepFailed {
			return true
		}
	}
	return false
}

// Terminal reports whether the execution has left the running state.
func (e *WorkflowExecution) Terminal() bool {
	return e.Status != ExecutionRunning
}

func (e *WorkflowExecution) clone() *WorkflowExecution {
	cp := *e
	cp.Results = append([]StepResult(nil), e.Results...)
	if e.Outputs != nil {
		cp.Outputs = make(map[string]any, len(e.Outputs))
		for k, v := range e.Outputs {
			cp.Outputs[k] = v
		}
	}
	return &cp
}

func (s StepDefinition) errorPolicy() ErrorPolicy {
	if s.OnError == "" {
		return OnErrorStop
	}
	return s.OnError
}
