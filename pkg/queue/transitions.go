package queue

import (
	"slices"
	"strings"
	"time"
)

// TransitionTable maps a status to the statuses reachable from it.
type TransitionTable map[Status][]Status

// Lifecycle is the task status DAG. RUNNING->QUEUED is deliberately absent: only
// crash recovery performs it, never a caller.
var Lifecycle = TransitionTable{
	StatusQueued:           {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusComplete, StatusError, StatusCancelled, StatusAwaitingResponse},
	StatusAwaitingResponse: {StatusRunning, StatusCancelled},
	StatusComplete:         {},
	StatusError:            {},
	StatusCancelled:        {},
}

// CanTransition reports whether from->to is an edge of the lifecycle DAG.
func CanTransition(from, to Status) bool {
	return slices.Contains(Lifecycle[from], to)
}

// ApplyStatus validates and applies a plain status change to t.
// AWAITING_RESPONSE and resume-to-RUNNING need their own operations and are rejected here.
func ApplyStatus(t *Task, to Status, fields Fields, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return errorf(ErrInvalidTransition, "%s -> %s (task %s)", t.Status, to, t.ID)
	}
	switch {
	case to == StatusAwaitingResponse:
		return errorf(ErrInvalidTransition, "use SetAwaitingResponse to suspend task %s", t.ID)
	case t.Status == StatusAwaitingResponse && to == StatusRunning:
		return errorf(ErrInvalidTransition, "use Respond to resume task %s", t.ID)
	}

	t.Status = to
	if fields.Output != "" {
		t.Output = fields.Output
	}
	if fields.ErrorMessage != "" {
		t.ErrorMessage = fields.ErrorMessage
	}
	if fields.ErrorCode != "" {
		t.ErrorCode = fields.ErrorCode
	}
	if to == StatusRunning {
		t.Attempts++
	}
	if to.Terminal() {
		t.ResumePending = false
	}
	touch(t, now)
	return nil
}

// ApplyAwaitingResponse suspends a RUNNING task, preserving any partial output.
func ApplyAwaitingResponse(t *Task, c Clarification, output string, now time.Time) error {
	if t.Status != StatusRunning {
		return errorf(ErrInvalidTransition, "%s -> %s (task %s)", t.Status, StatusAwaitingResponse, t.ID)
	}
	if strings.TrimSpace(c.Question) == "" {
		return errorf(ErrInvalidRequest, "clarification question is required")
	}
	if c.AskedAt.IsZero() {
		c.AskedAt = now.UTC()
	}
	c.Answer = ""
	c.AnsweredAt = nil
	if output != "" {
		c.PartialOutput = output
		t.Output = output
	}
	t.Clarification = &c
	t.Status = StatusAwaitingResponse
	t.ResumePending = false
	touch(t, now)
	return nil
}

// ApplyRespond records answer and resumes a suspended task.
func ApplyRespond(t *Task, answer string, now time.Time) error {
	if t.Status != StatusAwaitingResponse {
		return errorf(ErrNotAwaitingResponse, "task %s is %s", t.ID, t.Status)
	}
	if strings.TrimSpace(answer) == "" {
		return errorf(ErrInvalidRequest, "answer is required")
	}
	at := now.UTC()
	if t.Clarification == nil {
		t.Clarification = &Clarification{}
	}
	t.Clarification.Answer = answer
	t.Clarification.AnsweredAt = &at
	t.Status = StatusRunning
	t.ResumePending = true
	touch(t, now)
	return nil
}

// ApplyClaim moves a QUEUED task to RUNNING, or picks up a resumed RUNNING task.
func ApplyClaim(t *Task, now time.Time) error {
	switch {
	case t.Status == StatusQueued:
		return ApplyStatus(t, StatusRunning, Fields{}, now)
	case t.Status == StatusRunning && t.ResumePending:
		t.ResumePending = false
		t.Attempts++
		touch(t, now)
		return nil
	default:
		return errorf(ErrInvalidTransition, "task %s is not claimable in %s", t.ID, t.Status)
	}
}

// ApplyRecover resets an in-flight task for crash recovery. Answered clarifications
// are kept so the rerun sees them.
func ApplyRecover(t *Task, now time.Time) bool {
	if t.Status != StatusRunning {
		return false
	}
	t.Status = StatusQueued
	t.ResumePending = false
	touch(t, now)
	return true
}

func touch(t *Task, now time.Time) {
	t.UpdatedAt = now.UTC()
	t.Version++
}
