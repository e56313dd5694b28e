// Package state is the resumable execution layer: durable execution state,
// checkpoints, versioned artifacts, decisions and project configuration,
// plus the integration that mirrors workflow engine events into them.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is embedded in every record this package writes.
const SchemaVersion = 1

var (
	ErrNotFound      = errors.New("record not found")
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// checkSchema rejects records written by a newer layout. Records without a
// version predate versioning and are read as version 1.
func checkSchema(kind string, v int) error {
	if v > SchemaVersion {
		return fmt.Errorf("%w: %s has version %d, this build reads up to %d", ErrSchemaVersion, kind, v, SchemaVersion)
	}
	return nil
}

// ExecutionStatus is the lifecycle status of a top-level execution.
type ExecutionStatus string

const (
	StatusInitializing ExecutionStatus = "initializing"
	StatusRunning      ExecutionStatus = "running"
	StatusPaused       ExecutionStatus = "paused"
	StatusCompleted    ExecutionStatus = "completed"
	StatusFailed       ExecutionStatus = "failed"
	StatusCancelled    ExecutionStatus = "cancelled"
)

// Terminal reports whether s ends the execution.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PhaseStatus is the status of one phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in-progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// PhaseState tracks one stage of the pipeline.
type PhaseState struct {
	Phase       int         `json:"phase"`
	Name        string      `json:"name"`
	Status      PhaseStatus `json:"status"`
	UnitID      string      `json:"unitId,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Output      any         `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	RetryCount  int         `json:"retryCount"`
}

// reset returns the phase to pending and clears its run data.
func (p *PhaseState) reset() {
	p.Status = PhasePending
	p.StartedAt = nil
	p.CompletedAt = nil
	p.Output = nil
	p.Error = ""
}

// ExecutionState is the durable record of one top-level run.
type ExecutionState struct {
	SchemaVersion      int             `json:"schemaVersion"`
	ID                 string          `json:"id"`
	Project            string          `json:"project"`
	Status             ExecutionStatus `json:"status"`
	CurrentPhase       int             `json:"currentPhase"`
	Phases             []PhaseState    `json:"phases"`
	LatestCheckpointID string          `json:"latestCheckpointId,omitempty"`
	Data               map[string]any  `json:"data"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

// Phase returns the phase numbered n.
func (s *ExecutionState) Phase(n int) (*PhaseState, bool) {
	for i := range s.Phases {
		if s.Phases[i].Phase == n {
			return &s.Phases[i], true
		}
	}
	return nil, false
}

// LastCompletedPhase returns the highest phase number marked completed, or 0.
func (s *ExecutionState) LastCompletedPhase() int {
	last := 0
	for _, p := range s.Phases {
		if p.Status == PhaseCompleted && p.Phase > last {
			last = p.Phase
		}
	}
	return last
}

// Clone deep-copies the state through its JSON form. Values that cannot be
// encoded are shared with the original.
func (s *ExecutionState) Clone() *ExecutionState {
	var out ExecutionState
	if err := roundTrip(s, &out); err != nil {
		out = *s
		out.Phases = append([]PhaseState(nil), s.Phases...)
		out.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// NewPhases numbers names from 1 as pending phases.
func NewPhases(names ...string) []PhaseState {
	phases := make([]PhaseState, len(names))
	for i, name := range names {
		phases[i] = PhaseState{Phase: i + 1, Name: name, Status: PhasePending}
	}
	return phases
}

// CheckpointReason records why a checkpoint was taken.
type CheckpointReason string

const (
	ReasonAutomatic     CheckpointReason = "automatic"
	ReasonManual        CheckpointReason = "manual"
	ReasonPhaseComplete CheckpointReason = "phase-complete"
	ReasonError         CheckpointReason = "error"
)

// Checkpoint is an immutable snapshot sufficient to resume an execution.
type Checkpoint struct {
	SchemaVersion   int              `json:"schemaVersion"`
	ID              string           `json:"id"`
	ExecutionID     string           `json:"executionId"`
	Phase           int              `json:"phase"`
	Reason          CheckpointReason `json:"reason"`
	CreatedAt       time.Time        `json:"createdAt"`
	State           map[string]any   `json:"state"`
	Phases          []PhaseState     `json:"phases,omitempty"`
	PendingMessages []map[string]any `json:"pendingMessages,omitempty"`
}

// ArtifactType classifies generated outputs.
type ArtifactType string

const (
	ArtifactSourceCode     ArtifactType = "source-code"
	ArtifactConfig         ArtifactType = "config"
	ArtifactDocumentation  ArtifactType = "documentation"
	ArtifactInfrastructure ArtifactType = "infrastructure"
	ArtifactTest           ArtifactType = "test"
	ArtifactAsset          ArtifactType = "asset"
	ArtifactOther          ArtifactType = "other"
)

// ArtifactMetadata is one version of a generated output.
type ArtifactMetadata struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Type              ArtifactType `json:"type"`
	Path              string       `json:"path"`
	Version           int          `json:"version"`
	Hash              string       `json:"hash"`
	Size              int64        `json:"size"`
	Phase             int          `json:"phase"`
	UnitID            string       `json:"unitId,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	PreviousVersionID string       `json:"previousVersionId,omitempty"`
}

// ArtifactRegistry is the single record holding every artifact version.
type ArtifactRegistry struct {
	SchemaVersion int                         `json:"schemaVersion"`
	Artifacts     map[string]ArtifactMetadata `json:"artifacts"`
	Counts        map[ArtifactType]int        `json:"counts"`
	UpdatedAt     time.Time                   `json:"updatedAt"`
}

// NewArtifactRegistry returns an empty registry.
func NewArtifactRegistry() *ArtifactRegistry {
	return &ArtifactRegistry{
		SchemaVersion: SchemaVersion,
		Artifacts:     make(map[string]ArtifactMetadata),
		Counts:        make(map[ArtifactType]int),
	}
}

// Severity grades a decision.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ApprovalStatus is the review state of a decision.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalAutoApproved ApprovalStatus = "auto-approved"
)

// DecisionRecord is one entry of an execution's append-only decision log.
type DecisionRecord struct {
	SchemaVersion int            `json:"schemaVersion"`
	ID            string         `json:"id"`
	ExecutionID   string         `json:"executionId"`
	Phase         int            `json:"phase"`
	UnitID        string         `json:"unitId,omitempty"`
	Category      string         `json:"category"`
	Description   string         `json:"description"`
	Severity      Severity       `json:"severity"`
	Options       []string       `json:"options,omitempty"`
	Selected      string         `json:"selected,omitempty"`
	Approval      ApprovalStatus `json:"approval"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ProjectConfig is the static configuration of a project.
type ProjectConfig struct {
	SchemaVersion int            `json:"schemaVersion"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Units         []string       `json:"units,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
