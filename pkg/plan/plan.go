// Package plan models a Plan: a task decomposed into dependency-linked PlanTasks,
// each dispatched as its own queued run, plus the gate check that verifies the result.
package plan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"taskorch/pkg/depgraph"
	"taskorch/pkg/queue"
)

type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusDispatching Status = "DISPATCHING"
	StatusRunning     Status = "RUNNING"
	StatusVerifying   Status = "VERIFYING"
	StatusVerified    Status = "VERIFIED"
	StatusFailed      Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusDraft:       {StatusDispatching, StatusFailed},
	StatusDispatching: {StatusRunning, StatusFailed},
	StatusRunning:     {StatusVerifying, StatusFailed},
	StatusVerifying:   {StatusVerified, StatusFailed},
	StatusVerified:    {},
	StatusFailed:      {},
}

// TaskStatus mirrors the linked run's queue status, plus PENDING before dispatch
// and SKIPPED when a dependency failed.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskSkipped TaskStatus = "SKIPPED"
)

// FromQueue converts a run status into a plan task status.
func FromQueue(s queue.Status) TaskStatus {
	return TaskStatus(s)
}

// Terminal reports whether the plan task can no longer change.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSkipped, TaskStatus(queue.StatusComplete), TaskStatus(queue.StatusError), TaskStatus(queue.StatusCancelled):
		return true
	}
	return false
}

var (
	ErrNotFound     = errors.New("plan not found")
	ErrInvalidState = errors.New("invalid plan state")
	ErrConflict     = errors.New("plan modified concurrently")
)

// Task is one dispatched unit of a plan.
type Task struct {
	ID           string         `json:"id" yaml:"id"`
	Description  string         `json:"description" yaml:"description"`
	Priority     int            `json:"priority" yaml:"priority"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Type         queue.TaskType `json:"type,omitempty" yaml:"type,omitempty"`
	Status       TaskStatus     `json:"status" yaml:"-"`
	RunID        string         `json:"run_id,omitempty" yaml:"-"`
}

// GateCheck is one named verification step.
type GateCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// GateResult is the outcome of Verify.
type GateResult struct {
	Passed    bool        `json:"passed"`
	Checks    []GateCheck `json:"checks,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Plan is the join record a caller polls for fan-out progress.
type Plan struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	Namespace  string      `json:"namespace"`
	Status     Status      `json:"status"`
	Tasks      []Task      `json:"tasks"`
	GateResult *GateResult `json:"gate_result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Version    int64       `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// New validates tasks and returns a DRAFT plan. Task ids default to task-N and
// priorities to declaration order.
func New(projectID, namespace string, tasks []Task, now time.Time) (*Plan, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidState)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: plan has no tasks", ErrInvalidState)
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		if t.Priority == 0 {
			t.Priority = i + 1
		}
		if t.Type == "" {
			t.Type = queue.TypeImplementation
		}
		t.Status = TaskPending
		t.RunID = ""
		out[i] = t
	}
	p := &Plan{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Namespace: namespace,
		Status:    StatusDraft,
		Tasks:     out,
		Version:   1,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if _, err := p.Graph(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return p, nil
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		t.Dependencies = append([]string(nil), t.Dependencies...)
		c.Tasks[i] = t
	}
	if p.GateResult != nil {
		g := *p.GateResult
		g.Checks = append([]GateCheck(nil), p.GateResult.Checks...)
		c.GateResult = &g
	}
	return &c
}

// Graph builds the dependency graph of the plan's tasks in priority order.
func (p *Plan) Graph() (*depgraph.Graph, error) {
	ordered := slices.Clone(p.Tasks)
	slices.SortStableFunc(ordered, func(a, b Task) int { return a.Priority - b.Priority })
	nodes := make([]depgraph.Node, len(ordered))
	for i, t := range ordered {
		nodes[i] = depgraph.Node{ID: t.ID, DependsOn: t.Dependencies}
	}
	return depgraph.New(nodes)
}

// Task returns a pointer to the plan task with id.
func (p *Plan) Task(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// TaskByRun returns the plan task linked to runID.
func (p *Plan) TaskByRun(runID string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].RunID == runID {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Transition moves the plan to status.
func (p *Plan) Transition(to Status, now time.Time) error {
	if !slices.Contains(transitions[p.Status], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = now.UTC()
	return nil
}

// AllComplete reports whether every task completed successfully.
func (p *Plan) AllComplete() bool {
	for _, t := range p.Tasks {
		if t.Status != TaskStatus(queue.StatusComplete) {
			return false
		}
	}
	return true
}

// Progress counts tasks by status.
func (p *Plan) Progress() map[TaskStatus]int {
	out := make(map[TaskStatus]int)
	for _, t := range p.Tasks {
		out[t.Status]++
	}
	return out
}

// Store persists plans. Update fails with ErrConflict when p.Version is stale.
type Store interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	Update(ctx context.Context, p *Plan) error
	List(ctx context.Context, projectID string) ([]*Plan, error)
}
