package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var (
	ErrWorkflowNotFound     = errors.New("workflow not found")
	ErrWorkflowExists       = errors.New("workflow version already registered")
	ErrInvalidDefinition    = errors.New("invalid workflow definition")
	ErrDuplicateStep        = errors.New("duplicate step id")
	ErrUnknownDependency    = errors.New("unknown step dependency")
	ErrUnknownStepReference = errors.New("unknown step reference")
	ErrUndeclaredReference  = errors.New("step reference without dependency")
	ErrUnknownUnit          = errors.New("unknown unit")
)

var (
	stepIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	stepRefPattern = regexp.MustCompile(`\$steps\.([A-Za-z0-9_-]+)`)
)

// Validate reports definition and graph errors. It never looks at units;
// the engine checks those at execution time. Workflow outputs may reference
// any step since they resolve after the run.
func (d WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow %s has no steps", ErrInvalidDefinition, d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step id is required", ErrInvalidDefinition)
		}
		if !stepIDPattern.MatchString(s.ID) {
			return fmt.Errorf("%w: step id %q may only contain letters, digits, '_' and '-'", ErrInvalidDefinition, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.ID)
		}
		seen[s.ID] = true
		if s.UnitID == "" {
			return fmt.Errorf("%w: step %s has no unitId", ErrInvalidDefinition, s.ID)
		}
		switch s.OnError {
		case "", OnErrorStop, OnErrorContinue:
		default:
			return fmt.Errorf("%w: step %s has unknown onError %q", ErrInvalidDefinition, s.ID, s.OnError)
		}
		if s.TimeoutSec < 0 {
			return fmt.Errorf("%w: step %s has negative timeoutSec", ErrInvalidDefinition, s.ID)
		}
		if r := s.Retry; r != nil {
			if r.MaxRetries < 0 || r.BackoffMs < 0 || r.MaxBackoffMs < 0 {
				return fmt.Errorf("%w: step %s has negative retry values", ErrInvalidDefinition, s.ID)
			}
			switch r.Strategy {
			case "", BackoffLinear, BackoffExponential:
			default:
				return fmt.Errorf("%w: step %s has unknown backoff strategy %q", ErrInvalidDefinition, s.ID, r.Strategy)
			}
		}
		if s.Condition != "" {
			if err := CheckExpression(s.Condition); err != nil {
				return fmt.Errorf("%w: step %s condition: %v", ErrInvalidDefinition, s.ID, err)
			}
		}
	}
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %s depends on %s", ErrUnknownDependency, s.ID, dep)
			}
		}
		for _, ref := range stepRefs(s.Inputs, s.Condition) {
			if !seen[ref] {
				return fmt.Errorf("%w: step %s references $steps.%s", ErrUnknownStepReference, s.ID, ref)
			}
		}
	}
	for name, expr := range d.Outputs {
		for _, ref := range stepRefs(nil, expr) {
			if !seen[ref] {
				return fmt.Errorf("%w: output %s references $steps.%s", ErrUnknownStepReference, name, ref)
			}
		}
	}
	g := d.Graph()
	if err := g.CheckAcyclic(); err != nil {
		return err
	}
	// a step may only read outputs of steps it transitively depends on
	for _, s := range d.Steps {
		refs := stepRefs(s.Inputs, s.Condition)
		if len(refs) == 0 {
			continue
		}
		upstream, err := g.DepthFirst(s.ID)
		if err != nil {
			return err
		}
		deps := make(map[string]bool, len(upstream))
		for _, id := range upstream[:len(upstream)-1] {
			deps[id] = true
		}
		for _, ref := range refs {
			if !deps[ref] {
				return fmt.Errorf("%w: step %s references $steps.%s but does not depend on it", ErrUndeclaredReference, s.ID, ref)
			}
		}
	}
	return nil
}

// stepRefs collects the step ids referenced from inputs and expressions.
func stepRefs(inputs map[string]any, exprs ...string) []string {
	var out []string
	var visit func(v any)
	visit = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range stepRefPattern.FindAllStringSubmatch(t, -1) {
				out = append(out, m[1])
			}
		case map[string]any:
			for _, item := range t {
				visit(item)
			}
		case []any:
			for _, item := range t {
				visit(item)
			}
		}
	}
	visit(inputs)
	for _, e := range exprs {
		visit(e)
	}
	sort.Strings(out)
	return out
}

// Step returns the step with the given id.
func (d WorkflowDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Clone returns a deep copy so registered definitions stay immutable.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	cp := d
	cp.Steps = make([]StepDefinition, len(d.Steps))
	for i, s := range d.Steps {
		sc := s
		sc.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Inputs != nil {
			sc.Inputs = cloneValue(s.Inputs).(map[string]any)
		}
		if s.Retry != nil {
			r := *s.Retry
			sc.Retry = &r
		}
		cp.Steps[i] = sc
	}
	if d.Outputs != nil {
		cp.Outputs = make(map[string]string, len(d.Outputs))
		for k, v := range d.Outputs {
			cp.Outputs[k] = v
		}
	}
	return cp
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
