package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/workflow"
)

const integrationComponent = "state-integration"

// Integration mirrors workflow engine events into an ExecutionState: each
// workflow run drives one phase, step outputs land in the state data, and
// checkpoints are taken at phase boundaries.
type Integration struct {
	store       Store
	checkpoints *CheckpointManager
	artifacts   *ArtifactManager
	autoEvery   int

	mu          sync.Mutex
	executionID string
	phase       int
	completed   int
	lastErr     error
}

// IntegrationOption configures an Integration.
type IntegrationOption func(*Integration)

// WithAutoCheckpointEvery takes an automatic checkpoint after every n
// completed steps. Zero disables it.
func WithAutoCheckpointEvery(n int) IntegrationOption {
	return func(i *Integration) {
		if n >= 0 {
			i.autoEvery = n
		}
	}
}

// NewIntegration wires the state components. artifacts may be nil when step
// outputs never declare artifacts.
func NewIntegration(store Store, checkpoints *CheckpointManager, artifacts *ArtifactManager, opts ...IntegrationOption) *Integration {
	i := &Integration{store: store, checkpoints: checkpoints, artifacts: artifacts}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// StartExecution creates a new execution with the named phases and makes it
// the one driven by later events.
func (i *Integration) StartExecution(ctx context.Context, project string, phases []string) (*ExecutionState, error) {
	if len(phases) == 0 {
		return nil, fmt.Errorf("execution needs at least one phase")
	}
	now := time.Now().UTC()
	st := &ExecutionState{
		SchemaVersion: SchemaVersion,
		ID:            uuid.NewString(),
		Project:       project,
		Status:        StatusInitializing,
		CurrentPhase:  1,
		Phases:        NewPhases(phases...),
		Data:          map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := i.store.SaveState(ctx, st); err != nil {
		return nil, fmt.Errorf("save execution: %w", err)
	}
	i.mu.Lock()
	i.executionID, i.phase, i.completed = st.ID, 1, 0
	i.mu.Unlock()
	return st, nil
}

// Bind drives an existing execution, typically after a resume. The next
// workflow run drives its current phase.
func (i *Integration) Bind(ctx context.Context, executionID string) (*ExecutionState, error) {
	st, err := i.store.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	phase := st.CurrentPhase
	if p, ok := st.Phase(phase); ok && p.Status == PhaseCompleted {
		phase++
	}
	i.mu.Lock()
	i.executionID, i.phase, i.completed = st.ID, phase, 0
	i.mu.Unlock()
	return st, nil
}

// AttachPhase selects the phase the next workflow run drives.
func (i *Integration) AttachPhase(ctx context.Context, phase int) error {
	i.mu.Lock()
	id := i.executionID
	i.mu.Unlock()
	if id == "" {
		return fmt.Errorf("no execution started")
	}
	st, err := i.store.LoadState(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := st.Phase(phase); !ok {
		return fmt.Errorf("execution %s has no phase %d", id, phase)
	}
	i.mu.Lock()
	i.phase = phase
	i.mu.Unlock()
	return nil
}

// ExecutionID returns the driven execution.
func (i *Integration) ExecutionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.executionID
}

// Err returns the last persistence error raised while handling an event.
func (i *Integration) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastErr
}

// Attach subscribes to bus. The returned func detaches.
func (i *Integration) Attach(bus *workflow.EventBus) func() {
	return bus.Subscribe(i.handle,
		workflow.EventWorkflowStart,
		workflow.EventWorkflowComplete,
		workflow.EventWorkflowError,
		workflow.EventStepComplete,
		workflow.EventStepError,
	)
}

func (i *Integration) handle(ev workflow.Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.executionID == "" {
		return
	}
	ctx := context.Background()
	var err error
	switch ev.Kind {
	case workflow.EventWorkflowStart:
		err = i.onWorkflowStart(ctx, ev)
	case workflow.EventStepComplete:
		err = i.onStepComplete(ctx, ev)
	case workflow.EventStepError:
		err = i.onStepError(ctx, ev)
	case workflow.EventWorkflowComplete:
		err = i.onWorkflowComplete(ctx, ev)
	case workflow.EventWorkflowError:
		err = i.onWorkflowError(ctx, ev)
	}
	if err != nil {
		i.lastErr = err
		logging.Error(integrationComponent, "state update failed", "execution_id", i.executionID, "event", ev.Kind, "error", err)
	}
}

// update loads the driven execution and its active phase, applies fn and
// saves the result.
func (i *Integration) update(ctx context.Context, fn func(*ExecutionState, *PhaseState) error) (*ExecutionState, error) {
	st, err := i.store.LoadState(ctx, i.executionID)
	if err != nil {
		return nil, err
	}
	if st.Data == nil {
		st.Data = map[string]any{}
	}
	phase, ok := st.Phase(i.phase)
	if !ok {
		return nil, fmt.Errorf("execution %s has no phase %d", st.ID, i.phase)
	}
	if err := fn(st, phase); err != nil {
		return nil, err
	}
	st.UpdatedAt = time.Now().UTC()
	if err := i.store.SaveState(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (i *Integration) onWorkflowStart(ctx context.Context, ev workflow.Event) error {
	i.completed = 0
	_, err := i.update(ctx, func(st *ExecutionState, p *PhaseState) error {
		now := time.Now().UTC()
		p.Status = PhaseInProgress
		p.StartedAt = &now
		p.CompletedAt = nil
		p.Error = ""
		if p.UnitID == "" {
			p.UnitID = ev.WorkflowID
		}
		st.Status = StatusRunning
		st.CurrentPhase = p.Phase
		st.CompletedAt = nil
		st.Data["workflowExecutionId"] = ev.ExecutionID
		return nil
	})
	return err
}

func (i *Integration) onStepComplete(ctx context.Context, ev workflow.Event) error {
	_, err := i.update(ctx, func(st *ExecutionState, p *PhaseState) error {
		steps, _ := st.Data["steps"].(map[string]any)
		if steps == nil {
			steps = map[string]any{}
		}
		steps[ev.StepID] = ev.Output
		st.Data["steps"] = steps
		return i.registerArtifacts(ctx, p.Phase, ev)
	})
	if err != nil {
		return err
	}
	i.completed++
	if i.autoEvery > 0 && i.completed%i.autoEvery == 0 {
		_, err = i.checkpoints.CreateCheckpoint(ctx, i.executionID, ReasonAutomatic, map[string]any{"lastStep": ev.StepID})
	}
	return err
}

// registerArtifacts records the paths a step declares under its output's
// "artifacts" key, either as plain paths or as objects with path, name,
// type and content.
func (i *Integration) registerArtifacts(ctx context.Context, phase int, ev workflow.Event) error {
	out, ok := ev.Output.(map[string]any)
	if !ok || i.artifacts == nil {
		return nil
	}
	list, ok := out["artifacts"].([]any)
	if !ok {
		return nil
	}
	for _, item := range list {
		in := ArtifactInput{Phase: phase, UnitID: ev.UnitID}
		switch v := item.(type) {
		case string:
			in.Path = v
		case map[string]any:
			in.Path, _ = v["path"].(string)
			in.Name, _ = v["name"].(string)
			if t, ok := v["type"].(string); ok {
				in.Type = ArtifactType(t)
			}
			if c, ok := v["content"].(string); ok {
				in.Content = []byte(c)
			}
		default:
			continue
		}
		if in.Path == "" {
			continue
		}
		if _, err := i.artifacts.RegisterArtifact(ctx, in); err != nil {
			return fmt.Errorf("step %s artifact %s: %w", ev.StepID, in.Path, err)
		}
	}
	return nil
}

func (i *Integration) onStepError(ctx context.Context, ev workflow.Event) error {
	_, err := i.update(ctx, func(_ *ExecutionState, p *PhaseState) error {
		if ev.Attempt > 1 {
			p.RetryCount += ev.Attempt - 1
		}
		p.Error = fmt.Sprintf("step %s: %s", ev.StepID, ev.Error)
		return nil
	})
	return err
}

func (i *Integration) onWorkflowComplete(ctx context.Context, ev workflow.Event) error {
	_, err := i.update(ctx, func(_ *ExecutionState, p *PhaseState) error {
		now := time.Now().UTC()
		p.Status = PhaseCompleted
		p.CompletedAt = &now
		p.Error = ""
		if ev.Execution != nil {
			p.Output = ev.Execution.Outputs
		}
		return nil
	})
	if err != nil {
		return err
	}
	// a lost checkpoint must not keep the execution from advancing
	_, cpErr := i.checkpoints.CreateCheckpoint(ctx, i.executionID, ReasonPhaseComplete, nil)
	st, err := i.update(ctx, func(st *ExecutionState, p *PhaseState) error {
		if _, ok := st.Phase(p.Phase + 1); ok {
			st.CurrentPhase = p.Phase + 1
			return nil
		}
		now := time.Now().UTC()
		st.Status = StatusCompleted
		st.CompletedAt = &now
		return nil
	})
	if err != nil {
		return errors.Join(cpErr, err)
	}
	if st.Status != StatusCompleted {
		i.phase = st.CurrentPhase
	}
	return cpErr
}

func (i *Integration) onWorkflowError(ctx context.Context, ev workflow.Event) error {
	_, err := i.update(ctx, func(st *ExecutionState, p *PhaseState) error {
		p.Status = PhaseFailed
		p.Error = ev.Error
		st.Status = StatusFailed
		if ev.Execution != nil && ev.Execution.Status == workflow.ExecutionCancelled {
			st.Status = StatusCancelled
		}
		now := time.Now().UTC()
		st.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	_, err = i.checkpoints.CreateCheckpoint(ctx, i.executionID, ReasonError, map[string]any{"error": ev.Error})
	return err
}
