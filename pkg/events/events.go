// Package events defines the structured events emitted while tasks move through the
// engine and the sinks that receive them.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

// Retry manager and circuit breaker events.
const (
	FailureClassified   Type = "FAILURE_CLASSIFIED"
	RetryDecision       Type = "RETRY_DECISION"
	BackoffCalculated   Type = "BACKOFF_CALCULATED"
	CircuitStateChanged Type = "CIRCUIT_STATE_CHANGED"
)

// Orchestrator events.
const (
	OrchestrationStarted   Type = "ORCHESTRATION_STARTED"
	PlanningCompleted      Type = "PLANNING_COMPLETED"
	ModelSelected          Type = "MODEL_SELECTED"
	ModelEscalated         Type = "MODEL_ESCALATED"
	ModelUsage             Type = "MODEL_USAGE"
	CostWarning            Type = "COST_WARNING"
	SubtaskStarted         Type = "SUBTASK_STARTED"
	SubtaskCompleted       Type = "SUBTASK_COMPLETED"
	SubtaskFailed          Type = "SUBTASK_FAILED"
	RetryScheduled         Type = "RETRY_SCHEDULED"
	ClarificationResolved  Type = "CLARIFICATION_RESOLVED"
	ClarificationEscalated Type = "CLARIFICATION_ESCALATED"
	OrchestrationCompleted Type = "ORCHESTRATION_COMPLETED"
)

// Dispatcher and plan events.
const (
	TasksRecovered   Type = "TASKS_RECOVERED"
	TaskClaimed      Type = "TASK_CLAIMED"
	TaskFinished     Type = "TASK_FINISHED"
	TaskSuspended    Type = "TASK_SUSPENDED"
	TaskCancelled    Type = "TASK_CANCELLED"
	StoreUnavailable Type = "STORE_UNAVAILABLE"
	PlanTaskEnqueued Type = "PLAN_TASK_ENQUEUED"
	PlanStatusChange Type = "PLAN_STATUS_CHANGED"
)

// Event is one structured record. Data values must be JSON-encodable.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(typ Type, taskID string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ToJSON serializes the event as a single JSON object.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event written by ToJSON.
func FromJSON(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Sink receives events. Emit must not block on slow consumers for long and never
// fails the caller; sinks log their own delivery errors.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// WithNamespace stamps events that do not carry a namespace yet.
func WithNamespace(s Sink, namespace string) Sink {
	return SinkFunc(func(e Event) {
		if e.Namespace == "" {
			e.Namespace = namespace
		}
		s.Emit(e)
	})
}

// Recorder keeps every event in memory. Used by tests and the CLI's verbose output.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of typ, in order.
func (r *Recorder) OfType(typ Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Types lists recorded event types in order.
func (r *Recorder) Types() []Type {
	events := r.Events()
	out := make([]Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
