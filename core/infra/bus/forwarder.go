package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/infra/secrets"
	"github.com/cordum/stepflow/core/workflow"
)

// Publisher is the slice of NatsBus the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte, msgID string) error
}

// EventMessage is the JSON body of a forwarded event. The execution
// snapshot is reduced to its status and secrets in Output are redacted.
type EventMessage struct {
	Kind        workflow.EventKind       `json:"kind"`
	ExecutionID string                   `json:"executionId"`
	WorkflowID  string                   `json:"workflowId"`
	StepID      string                   `json:"stepId,omitempty"`
	UnitID      string                   `json:"unitId,omitempty"`
	Attempt     int                      `json:"attempt,omitempty"`
	Status      workflow.ExecutionStatus `json:"status,omitempty"`
	Output      any                      `json:"output,omitempty"`
	Error       string                   `json:"error,omitempty"`
	SkipReason  workflow.SkipReason      `json:"skipReason,omitempty"`
	RetryDelay  time.Duration            `json:"retryDelayNs,omitempty"`
	Time        time.Time                `json:"time"`
}

// EventForwarder publishes every engine event to <root>.<kind>.
type EventForwarder struct {
	pub  Publisher
	root string
	// OnError receives publish and encode failures. Defaults to a warning log.
	OnError func(workflow.Event, error)
}

func NewEventForwarder(pub Publisher, root string) *EventForwarder {
	root = strings.TrimSuffix(strings.TrimSpace(root), ".")
	if root == "" {
		root = "stepflow.events"
	}
	return &EventForwarder{pub: pub, root: root, OnError: logPublishError}
}

// Subject returns the subject an event kind is published on.
func (f *EventForwarder) Subject(kind workflow.EventKind) string {
	return f.root + "." + string(kind)
}

// Attach subscribes to every event on eb. The returned func detaches.
func (f *EventForwarder) Attach(eb *workflow.EventBus) func() {
	return eb.Subscribe(f.Forward)
}

// Forward publishes one event.
func (f *EventForwarder) Forward(ev workflow.Event) {
	msg := EventMessage{
		Kind:        ev.Kind,
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		StepID:      ev.StepID,
		UnitID:      ev.UnitID,
		Attempt:     ev.Attempt,
		Output:      ev.Output,
		Error:       ev.Error,
		SkipReason:  ev.SkipReason,
		RetryDelay:  ev.RetryDelay,
		Time:        ev.Time,
	}
	if ev.Execution != nil {
		msg.Status = ev.Execution.Status
	}
	msg.Output, _ = secrets.Redact(ev.Output)
	data, err := json.Marshal(msg)
	if err != nil {
		f.fail(ev, fmt.Errorf("encode event: %w", err))
		return
	}
	if err := f.pub.Publish(f.Subject(ev.Kind), data, messageID(ev)); err != nil {
		f.fail(ev, err)
	}
}

func (f *EventForwarder) fail(ev workflow.Event, err error) {
	if f.OnError != nil {
		f.OnError(ev, err)
	}
}

func logPublishError(ev workflow.Event, err error) {
	logging.Warn(component, "event publish failed", "kind", ev.Kind, "execution_id", ev.ExecutionID, "step_id", ev.StepID, "error", err)
}

// messageID identifies an event for JetStream deduplication.
func messageID(ev workflow.Event) string {
	if ev.ExecutionID == "" {
		return ""
	}
	parts := []string{ev.ExecutionID, string(ev.Kind)}
	if ev.StepID != "" {
		parts = append(parts, ev.StepID, fmt.Sprint(ev.Attempt))
	}
	return strings.Join(parts, ":")
}
