// Package queue defines the task record, its status state machine, and the Store contract
// shared by the in-memory, SQLite and Redis backends.
package queue

import (
	"time"

	"github.com/google/uuid"

	"taskorch/pkg/settings"
)

// TaskType selects how executor outcomes are interpreted.
type TaskType string

const (
	TypeReadInfo       TaskType = "READ_INFO"
	TypeReport         TaskType = "REPORT"
	TypeImplementation TaskType = "IMPLEMENTATION"
)

// AllTaskTypes lists every task type.
var AllTaskTypes = []TaskType{TypeReadInfo, TypeReport, TypeImplementation}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TypeReadInfo, TypeReport, TypeImplementation:
		return true
	}
	return false
}

// Status is the durable lifecycle state of a task.
type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingResponse Status = "AWAITING_RESPONSE"
	StatusComplete         Status = "COMPLETE"
	StatusError            Status = "ERROR"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Error codes recorded on terminal tasks.
const (
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeNotRetryable      = "NOT_RETRYABLE"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
	CodeCostLimitExceeded = "COST_LIMIT_EXCEEDED"
	CodeIncomplete        = "INCOMPLETE"
	CodeSubtaskFailed     = "SUBTASK_FAILED"
	CodeInternal          = "INTERNAL"
)

// Clarification is the question that suspended a task, and later its answer.
type Clarification struct {
	Question      string     `json:"question"`
	Reason        string     `json:"reason,omitempty"`
	Type          string     `json:"type,omitempty"`
	Options       []string   `json:"options,omitempty"`
	PartialOutput string     `json:"partial_output,omitempty"`
	Answer        string     `json:"answer,omitempty"`
	AskedAt       time.Time  `json:"asked_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
}

// Answered reports whether a response has been recorded.
func (c *Clarification) Answered() bool {
	return c != nil && c.AnsweredAt != nil
}

// Task is one unit of queued work. The Store owns it; callers get copies.
type Task struct {
	ID            string            `json:"id"`
	Namespace     string            `json:"namespace"`
	GroupID       string            `json:"group_id,omitempty"`
	Type          TaskType          `json:"type"`
	Prompt        string            `json:"prompt"`
	Status        Status            `json:"status"`
	Output        string            `json:"output,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorCode     string            `json:"error_code,omitempty"`
	Clarification *Clarification    `json:"clarification,omitempty"`
	Settings      settings.Snapshot `json:"settings_snapshot"`
	ResumePending bool              `json:"resume_pending,omitempty"`
	Attempts      int               `json:"attempts"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Clarification != nil {
		cl := *t.Clarification
		cl.Options = append([]string(nil), t.Clarification.Options...)
		if t.Clarification.AnsweredAt != nil {
			at := *t.Clarification.AnsweredAt
			cl.AnsweredAt = &at
		}
		c.Clarification = &cl
	}
	return &c
}

// EnqueueRequest carries everything needed to create a task.
type EnqueueRequest struct {
	Namespace string
	GroupID   string
	Prompt    string
	Type      TaskType
	Settings  settings.Snapshot
}

// NewTask builds a QUEUED task from req.
func NewTask(req EnqueueRequest, now time.Time) (*Task, error) {
	if req.Namespace == "" {
		return nil, errorf(ErrInvalidRequest, "namespace is required")
	}
	if req.Prompt == "" {
		return nil, errorf(ErrInvalidRequest, "prompt is required")
	}
	if !req.Type.Valid() {
		return nil, errorf(ErrInvalidRequest, "unknown task type %q", req.Type)
	}
	now = now.UTC()
	return &Task{
		ID:        uuid.NewString(),
		Namespace: req.Namespace,
		GroupID:   req.GroupID,
		Type:      req.Type,
		Prompt:    req.Prompt,
		Status:    StatusQueued,
		Settings:  req.Settings,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Fields are optional values written together with a status change.
// Empty strings leave the stored value untouched.
type Fields struct {
	Output       string
	ErrorMessage string
	ErrorCode    string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Namespace string
	GroupID   string
	Status    Status
}

// Match reports whether t passes the filter.
func (f Filter) Match(t *Task) bool {
	if f.Namespace != "" && t.Namespace != f.Namespace {
		return false
	}
	if f.GroupID != "" && t.GroupID != f.GroupID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}
