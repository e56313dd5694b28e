package workflow

import (
	"sync"
	"time"

	"github.com/cordum/stepflow/core/infra/logging"
)

// EventKind is one of the closed set of lifecycle events the engine emits.
type EventKind string

const (
	EventWorkflowStart    EventKind = "workflow-start"
	EventWorkflowComplete EventKind = "workflow-complete"
	EventWorkflowError    EventKind = "workflow-error"
	EventStepStart        EventKind = "step-start"
	EventStepComplete     EventKind = "step-complete"
	EventStepError        EventKind = "step-error"
	EventStepSkipped      EventKind = "step-skipped"
	EventStepRetry        EventKind = "step-retry"
)

// EventKinds lists every kind in emission order of a typical run.
var EventKinds = []EventKind{
	EventWorkflowStart, EventStepStart, EventStepRetry, EventStepComplete,
	EventStepError, EventStepSkipped, EventWorkflowComplete, EventWorkflowError,
}

// Event is a lifecycle notification. Step fields are empty on workflow
// events; Execution is set on workflow events only and is a snapshot.
type Event struct {
	Kind        EventKind          `json:"kind"`
	ExecutionID string             `json:"executionId"`
	WorkflowID  string             `json:"workflowId"`
	StepID      string             `json:"stepId,omitempty"`
	UnitID      string             `json:"unitId,omitempty"`
	Attempt     int                `json:"attempt,omitempty"`
	Output      any                `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`
	SkipReason  SkipReason         `json:"skipReason,omitempty"`
	RetryDelay  time.Duration      `json:"retryDelay,omitempty"`
	Execution   *WorkflowExecution `json:"execution,omitempty"`
	Time        time.Time          `json:"time"`
}

// Handler receives events. Handlers run on the publishing goroutine and
// must not publish to the same bus.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
	kinds   map[EventKind]bool
}

// EventBus fans events out to subscribers synchronously, in subscription
// order. Publishes are serialized so every subscriber sees the same order.
type EventBus struct {
	mu        sync.RWMutex
	publishMu sync.Mutex
	subs      []*subscription
	nextID    uint64
}

// NewEventBus returns a bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers h for the given kinds, or every kind when none are
// given. The returned func removes the subscription.
func (b *EventBus) Subscribe(h Handler, kinds ...EventKind) func() {
	sub := &subscription{handler: h}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == sub.id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		deliver(s.handler, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("workflow-events", "subscriber panic", "kind", ev.Kind, "execution_id", ev.ExecutionID, "panic", r)
		}
	}()
	h(ev)
}
