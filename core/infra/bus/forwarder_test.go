package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cordum/stepflow/core/units"
	"github.com/cordum/stepflow/core/workflow"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

type stubPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *stubPublisher) Publish(subject string, data []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data, msgID: msgID})
	return nil
}

func TestForwarderPublishesEngineEvents(t *testing.T) {
	reg := units.NewRegistry()
	reg.MustRegister(units.Func("echo", func(_ context.Context, in map[string]any) (any, error) {
		return in["v"], nil
	}))
	eventBus := workflow.NewEventBus()
	engine := workflow.NewEngine(reg, workflow.WithEventBus(eventBus))
	require.NoError(t, engine.RegisterWorkflow(workflow.WorkflowDefinition{
		ID:    "hello",
		Steps: []workflow.StepDefinition{{ID: "say", UnitID: "echo", Inputs: map[string]any{"v": "hi"}}},
	}))

	pub := &stubPublisher{}
	fwd := NewEventForwarder(pub, "acme.events.")
	detach := fwd.Attach(eventBus)
	defer detach()

	exec, err := engine.Execute(context.Background(), "hello", nil)
	require.NoError(t, err)

	var subjects []string
	for _, m := range pub.msgs {
		subjects = append(subjects, m.subject)
	}
	require.Equal(t, []string{
		"acme.events.workflow-start",
		"acme.events.step-start",
		"acme.events.step-complete",
		"acme.events.workflow-complete",
	}, subjects)

	var done EventMessage
	require.NoError(t, json.Unmarshal(pub.msgs[3].data, &done))
	require.Equal(t, workflow.EventWorkflowComplete, done.Kind)
	require.Equal(t, exec.ID, done.ExecutionID)
	require.Equal(t, workflow.ExecutionCompleted, done.Status)

	var step EventMessage
	require.NoError(t, json.Unmarshal(pub.msgs[2].data, &step))
	require.Equal(t, "say", step.StepID)
	require.Equal(t, "hi", step.Output)
	require.Equal(t, exec.ID+":step-complete:say:1", pub.msgs[2].msgID)
}

func TestForwarderReportsPublishErrors(t *testing.T) {
	pub := &stubPublisher{err: errors.New("nats down")}
	fwd := NewEventForwarder(pub, "")
	require.Equal(t, "stepflow.events.step-error", fwd.Subject(workflow.EventStepError))

	var got error
	fwd.OnError = func(_ workflow.Event, err error) { got = err }
	fwd.Forward(workflow.Event{Kind: workflow.EventStepError, ExecutionID: "e1", StepID: "s"})
	require.EqualError(t, got, "nats down")
}

func TestMessageID(t *testing.T) {
	require.Empty(t, messageID(workflow.Event{Kind: workflow.EventWorkflowStart}))
	require.Equal(t, "e1:workflow-start", messageID(workflow.Event{Kind: workflow.EventWorkflowStart, ExecutionID: "e1"}))
	require.Equal(t, "e1:step-retry:s:2", messageID(workflow.Event{Kind: workflow.EventStepRetry, ExecutionID: "e1", StepID: "s", Attempt: 2}))
}

func TestForwarderRedactsSecrets(t *testing.T) {
	pub := &stubPublisher{}
	fwd := NewEventForwarder(pub, "acme")
	fwd.Forward(workflow.Event{
		Kind:        workflow.EventStepComplete,
		ExecutionID: "e1",
		StepID:      "login",
		Attempt:     1,
		Output:      map[string]any{"user": "ada", "token": "abc", "ref": "secret://vault/db"},
	})
	require.Len(t, pub.msgs, 1)
	var msg EventMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &msg))
	require.Equal(t, map[string]any{"user": "ada", "token": "<redacted>", "ref": "<redacted>"}, msg.Output)
}
