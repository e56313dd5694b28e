package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/infra/metrics"
	"github.com/cordum/stepflow/core/units"
)

// ErrStepsSkipped marks executions that settled with condition or
// dependency skips while skips were not tolerated.
var ErrStepsSkipped = errors.New("steps skipped")

// UnitSource resolves unit ids. *units.Registry satisfies it.
type UnitSource interface {
	Get(id string) (units.Unit, bool)
}

// ExecutionStore persists execution records as they progress.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *WorkflowExecution) error
}

// ExecutionError is returned by Execute for any execution that did not
// complete. Execution holds the partial record.
type ExecutionError struct {
	Execution *WorkflowExecution
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow %s execution %s %s: %v", e.Execution.WorkflowID, e.Execution.ID, e.Execution.Status, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// StepError is the cause of an execution aborted by an onError: stop step.
type StepError struct {
	StepID   string
	UnitID   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (unit %s) failed after %d attempt(s): %v", e.StepID, e.UnitID, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus publishes lifecycle events to bus instead of a private one.
func WithEventBus(bus *EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m metrics.EngineMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithExecutionStore persists every execution snapshot to store.
func WithExecutionStore(store ExecutionStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithMaxParallel bounds how many ready steps run at once. The default of 1
// dispatches sequentially.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithTolerateSkips makes skipped steps count as a completed execution.
func WithTolerateSkips(tolerate bool) Option {
	return func(e *Engine) { e.tolerateSkips = tolerate }
}

// ExecuteOption tunes a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	tolerateSkips *bool
	executionID   string
}

// TolerateSkips overrides the engine's skip tolerance for one execution.
func TolerateSkips(tolerate bool) ExecuteOption {
	return func(o *executeOptions) { o.tolerateSkips = &tolerate }
}

// WithExecutionID assigns the execution id instead of generating one.
func WithExecutionID(id string) ExecuteOption {
	return func(o *executeOptions) { o.executionID = id }
}

// Engine runs registered workflow definitions against a set of units.
type Engine struct {
	units         UnitSource
	bus           *EventBus
	metrics       metrics.EngineMetrics
	store         ExecutionStore
	maxParallel   int
	tolerateSkips bool

	mu    sync.RWMutex
	defs  map[string]WorkflowDefinition
	execs map[string]*WorkflowExecution
}

// NewEngine creates an engine that dispatches steps to units.
func NewEngine(u UnitSource, opts ...Option) *Engine {
	e := &Engine{
		units:       u,
		bus:         NewEventBus(),
		metrics:     metrics.Noop{},
		maxParallel: 1,
		defs:        make(map[string]WorkflowDefinition),
		execs:       make(map[string]*WorkflowExecution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the bus lifecycle events are published on.
func (e *Engine) Events() *EventBus {
	return e.bus
}

// RegisterWorkflow validates def and stores a private copy. Registering an
// identical definition again is a no-op; a different definition under the
// same version fails, and a new version replaces the old one.
func (e *Engine) RegisterWorkflow(def WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	cp := def.Clone()
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.defs[def.ID]; ok && existing.Version == def.Version {
		if reflect.DeepEqual(existing, cp) {
			return nil
		}
		return fmt.Errorf("%w: %s version %q", ErrWorkflowExists, def.ID, def.Version)
	}
	e.defs[def.ID] = cp
	logging.Info("workflow-engine", "workflow registered", "workflow_id", def.ID, "version", def.Version, "steps", len(def.Steps))
	return nil
}

// Workflow returns a copy of the registered definition.
func (e *Engine) Workflow(id string) (WorkflowDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[id]
	if !ok {
		return WorkflowDefinition{}, false
	}
	return def.Clone(), true
}

// Workflows returns the registered workflow ids, sorted.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.defs))
	for id := range e.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetExecution returns a copy of an execution this engine ran or is running.
func (e *Engine) GetExecution(id string) (*WorkflowExecution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.execs[id]
	if !ok {
		return nil, false
	}
	return exec.clone(), true
}

// Execute runs workflowID to completion. Definition problems are returned
// before anything runs; every other failure returns an *ExecutionError
// carrying the partial execution, which also stays retrievable through
// GetExecution.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any, opts ...ExecuteOption) (*WorkflowExecution, error) {
	def, ok := e.Workflow(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	for _, s := range def.Steps {
		if _, ok := e.units.Get(s.UnitID); !ok {
			return nil, fmt.Errorf("%w: step %s names unit %s", ErrUnknownUnit, s.ID, s.UnitID)
		}
	}

	o := executeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	tolerate := e.tolerateSkips
	if o.tolerateSkips != nil {
		tolerate = *o.tolerateSkips
	}
	id := o.executionID
	if id == "" {
		id = uuid.NewString()
	}
	if input == nil {
		input = map[string]any{}
	}

	r := &run{
		engine:   e,
		def:      def,
		scope:    NewScope(input),
		settled:  make(map[string]StepResult, len(def.Steps)),
		tolerate: tolerate,
		exec: &WorkflowExecution{
			ID:         id,
			WorkflowID: def.ID,
			Version:    def.Version,
			Status:     ExecutionRunning,
			Input:      input,
			Results:    []StepResult{},
			StartedAt:  time.Now().UTC(),
		},
	}
	return r.execute(ctx)
}

// run is the state of one execution. settled, scope and exec are only
// written between waves, from the coordinating goroutine.
type run struct {
	engine   *Engine
	def      WorkflowDefinition
	exec     *WorkflowExecution
	scope    Scope
	settled  map[string]StepResult
	tolerate bool
}

func (r *run) execute(ctx context.Context) (*WorkflowExecution, error) {
	e := r.engine
	e.metrics.IncWorkflowStarted(r.def.ID)
	r.snapshot(ctx)
	logging.Info("workflow-engine", "execution started", "workflow_id", r.def.ID, "execution_id", r.exec.ID)
	r.publish(Event{Kind: EventWorkflowStart, Execution: r.exec.clone()})

	cause := r.schedule(ctx)
	r.exec.Outputs = r.resolveOutputs()
	ended := time.Now().UTC()
	r.exec.EndedAt = &ended

	switch {
	case cause != nil && ctx.Err() != nil && errors.Is(cause, ctx.Err()):
		r.exec.Status = ExecutionCancelled
	case cause != nil:
		r.exec.Status = ExecutionFailed
	default:
		if skipped := r.unexpectedSkips(); len(skipped) > 0 && !r.tolerate {
			cause = fmt.Errorf("%w: %s", ErrStepsSkipped, strings.Join(skipped, ", "))
			r.exec.Status = ExecutionFailed
		} else {
			r.exec.Status = ExecutionCompleted
		}
	}
	if cause != nil {
		r.exec.Error = cause.Error()
	}

	e.metrics.IncWorkflowCompleted(r.def.ID, string(r.exec.Status))
	e.metrics.ObserveWorkflowDuration(r.def.ID, ended.Sub(r.exec.StartedAt).Seconds())
	r.snapshot(ctx)
	out := r.exec.clone()

	if cause != nil {
		logging.Warn("workflow-engine", "execution did not complete", "workflow_id", r.def.ID, "execution_id", r.exec.ID, "status", r.exec.Status, "error", cause)
		r.publish(Event{Kind: EventWorkflowError, Error: cause.Error(), Execution: r.exec.clone()})
		return out, &ExecutionError{Execution: out, Err: cause}
	}
	logging.Info("workflow-engine", "execution completed", "workflow_id", r.def.ID, "execution_id", r.exec.ID, "steps", len(r.exec.Results))
	r.publish(Event{Kind: EventWorkflowComplete, Execution: r.exec.clone()})
	return out, nil
}

// schedule dispatches steps in waves. A wave is every pending step whose
// dependencies have settled, considered in declaration order.
func (r *run) schedule(ctx context.Context) error {
	pending := append([]StepDefinition(nil), r.def.Steps...)
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ready, waiting []StepDefinition
		for _, s := range pending {
			if r.depsSettled(s) {
				ready = append(ready, s)
			} else {
				waiting = append(waiting, s)
			}
		}
		if len(ready) == 0 {
			return fmt.Errorf("no runnable step among %d pending", len(pending))
		}
		pending = waiting

		results, stopErr := r.runWave(ctx, ready)
		for _, res := range results {
			if res != nil {
				r.record(*res)
			}
		}
		r.snapshot(ctx)
		if stopErr != nil {
			return stopErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runWave(ctx context.Context, ready []StepDefinition) ([]*StepResult, error) {
	waveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*StepResult, len(ready))
	var (
		stopOnce sync.Once
		stopErr  error
	)
	g := new(errgroup.Group)
	g.SetLimit(r.engine.maxParallel)
	for i, s := range ready {
		g.Go(func() error {
			if waveCtx.Err() != nil {
				return nil
			}
			res, err := r.runStep(waveCtx, s)
			results[i] = &res
			if res.Status == StepFailed && s.errorPolicy() == OnErrorStop {
				stopOnce.Do(func() {
					stopErr = &StepError{StepID: s.ID, UnitID: s.UnitID, Attempts: res.Attempts, Err: err}
					cancel()
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, stopErr
}

// runStep settles one step. The returned error is the failure cause for
// failed steps.
func (r *run) runStep(ctx context.Context, s StepDefinition) (StepResult, error) {
	res := StepResult{StepID: s.ID, UnitID: s.UnitID}
	if reason, ok := r.blocked(s); ok {
		return r.skip(res, reason), nil
	}
	if s.Condition != "" {
		ok, err := EvalCondition(s.Condition, r.scope)
		if err != nil {
			return r.fail(res, fmt.Errorf("evaluate condition: %w", err))
		}
		if !ok {
			return r.skip(res, SkipCondition), nil
		}
	}
	unit, ok := r.engine.units.Get(s.UnitID)
	if !ok {
		return r.fail(res, fmt.Errorf("%w: %s", ErrUnknownUnit, s.UnitID))
	}

	inputs := ResolveInputs(s.Inputs, r.scope)
	started := time.Now().UTC()
	res.StartedAt = &started
	r.publish(Event{Kind: EventStepStart, StepID: s.ID, UnitID: s.UnitID, Attempt: 1})

	m := newAttemptMachine(s)
	m.onRetry = func(attempt int, err error, delay time.Duration) {
		r.engine.metrics.IncStepRetry(r.def.ID)
		logging.Warn("workflow-engine", "step attempt failed, retrying", "execution_id", r.exec.ID, "step_id", s.ID, "attempt", attempt, "delay", delay, "error", err)
		r.publish(Event{Kind: EventStepRetry, StepID: s.ID, UnitID: s.UnitID, Attempt: attempt, Error: err.Error(), RetryDelay: delay})
	}
	out, err := m.run(ctx, func(ctx context.Context, _ int) (any, error) {
		return unit.Execute(ctx, cloneValue(inputs).(map[string]any))
	})
	res.Attempts = m.attempts
	res.Output = out
	res.Timestamp = time.Now().UTC()

	switch {
	case err == nil:
		res.Status = StepSuccess
		r.engine.metrics.IncStepCompleted(r.def.ID, string(res.Status))
		r.publish(Event{Kind: EventStepComplete, StepID: s.ID, UnitID: s.UnitID, Attempt: res.Attempts, Output: out})
		return res, nil
	case ctx.Err() != nil:
		res.Status = StepCancelled
		res.Error = err.Error()
		r.engine.metrics.IncStepCompleted(r.def.ID, string(res.Status))
		r.publish(Event{Kind: EventStepError, StepID: s.ID, UnitID: s.UnitID, Attempt: res.Attempts, Error: res.Error})
		return res, err
	default:
		return r.fail(res, err)
	}
}

func (r *run) fail(res StepResult, err error) (StepResult, error) {
	res.Status = StepFailed
	res.Error = err.Error()
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	r.engine.metrics.IncStepCompleted(r.def.ID, string(res.Status))
	logging.Warn("workflow-engine", "step failed", "execution_id", r.exec.ID, "step_id", res.StepID, "attempts", res.Attempts, "error", err)
	r.publish(Event{Kind: EventStepError, StepID: res.StepID, UnitID: res.UnitID, Attempt: res.Attempts, Error: res.Error})
	return res, err
}

func (r *run) skip(res StepResult, reason SkipReason) StepResult {
	res.Status = StepSkipped
	res.SkipReason = reason
	res.Timestamp = time.Now().UTC()
	r.engine.metrics.IncStepCompleted(r.def.ID, string(res.Status))
	r.publish(Event{Kind: EventStepSkipped, StepID: res.StepID, UnitID: res.UnitID, SkipReason: reason})
	return res
}

// blocked reports whether a dependency outcome prevents s from running.
// A failed dependency outranks a skipped one.
func (r *run) blocked(s StepDefinition) (SkipReason, bool) {
	var reason SkipReason
	for _, dep := range s.DependsOn {
		res := r.settled[dep]
		switch res.Status {
		case StepFailed, StepCancelled:
			return SkipDependencyFailed, true
		case StepSkipped:
			if res.SkipReason == SkipDependencyFailed {
				return SkipDependencyFailed, true
			}
			reason = SkipDependencySkipped
		}
	}
	return reason, reason != ""
}

func (r *run) depsSettled(s StepDefinition) bool {
	for _, dep := range s.DependsOn {
		if _, ok := r.settled[dep]; !ok {
			return false
		}
	}
	return true
}

func (r *run) record(res StepResult) {
	r.settled[res.StepID] = res
	r.exec.Results = append(r.exec.Results, res)
	r.scope.Steps[res.StepID] = StepOutput{Status: res.Status, Output: res.Output}
}

// unexpectedSkips lists steps skipped by a condition or a skipped
// dependency. Skips caused by tolerated failures are not counted.
func (r *run) unexpectedSkips() []string {
	var ids []string
	for _, res := range r.exec.Results {
		if res.Status == StepSkipped && res.SkipReason != SkipDependencyFailed {
			ids = append(ids, res.StepID)
		}
	}
	return ids
}

func (r *run) resolveOutputs() map[string]any {
	if len(r.def.Outputs) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.def.Outputs))
	for name, expr := range r.def.Outputs {
		if v, ok := Resolve(expr, r.scope).Get(); ok {
			out[name] = v
		}
	}
	return out
}

// snapshot publishes the current record to GetExecution and the store.
func (r *run) snapshot(ctx context.Context) {
	cp := r.exec.clone()
	r.engine.mu.Lock()
	r.engine.execs[cp.ID] = cp
	r.engine.mu.Unlock()
	if r.engine.store == nil {
		return
	}
	if err := r.engine.store.SaveExecution(context.WithoutCancel(ctx), cp); err != nil {
		logging.Error("workflow-engine", "persist execution", "execution_id", cp.ID, "error", err)
	}
}

func (r *run) publish(ev Event) {
	ev.ExecutionID = r.exec.ID
	ev.WorkflowID = r.def.ID
	r.engine.bus.Publish(ev)
}
