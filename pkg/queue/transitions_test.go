package queue

import (
	"errors"
	"testing"
	"time"
)

func TestLifecycleCoversEveryStatus(t *testing.T) {
	for _, s := range []Status{
		StatusQueued, StatusRunning, StatusAwaitingResponse,
		StatusComplete, StatusError, StatusCancelled,
	} {
		if _, ok := Lifecycle[s]; !ok {
			t.Errorf("Lifecycle has no entry for %s", s)
		}
		if s.Terminal() && len(Lifecycle[s]) != 0 {
			t.Errorf("terminal status %s has outgoing edges %v", s, Lifecycle[s])
		}
	}
}

func TestNoBackwardEdges(t *testing.T) {
	if CanTransition(StatusRunning, StatusQueued) {
		t.Error("RUNNING -> QUEUED must not be a caller-visible transition")
	}
	if CanTransition(StatusAwaitingResponse, StatusQueued) {
		t.Error("AWAITING_RESPONSE -> QUEUED must not be allowed")
	}
}

func TestApplyRecoverKeepsAnswer(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task, err := NewTask(EnqueueRequest{Namespace: "ns", Prompt: "p", Type: TypeReport}, now)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	if err := ApplyClaim(task, now); err != nil {
		t.Fatalf("ApplyClaim() error = %v", err)
	}
	if err := ApplyAwaitingResponse(task, Clarification{Question: "Which?"}, "", now); err != nil {
		t.Fatalf("ApplyAwaitingResponse() error = %v", err)
	}
	if err := ApplyRespond(task, "that one", now); err != nil {
		t.Fatalf("ApplyRespond() error = %v", err)
	}

	if !ApplyRecover(task, now) {
		t.Fatal("ApplyRecover() = false for a RUNNING task")
	}
	if task.Status != StatusQueued || task.ResumePending {
		t.Errorf("after recover: status=%s resume=%v", task.Status, task.ResumePending)
	}
	if task.Clarification.Answer != "that one" {
		t.Errorf("answer lost on recover: %q", task.Clarification.Answer)
	}
}

func TestApplyAwaitingRequiresQuestion(t *testing.T) {
	now := time.Now()
	task, _ := NewTask(EnqueueRequest{Namespace: "ns", Prompt: "p", Type: TypeReport}, now)
	_ = ApplyClaim(task, now)
	err := ApplyAwaitingResponse(task, Clarification{Question: "  "}, "out", now)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("ApplyAwaitingResponse() error = %v, want ErrInvalidRequest", err)
	}
	if task.Status != StatusRunning {
		t.Errorf("status changed on failed apply: %s", task.Status)
	}
}

func TestVersionIncrements(t *testing.T) {
	now := time.Now()
	task, _ := NewTask(EnqueueRequest{Namespace: "ns", Prompt: "p", Type: TypeReport}, now)
	v := task.Version
	_ = ApplyClaim(task, now)
	if task.Version != v+1 {
		t.Errorf("Version = %d, want %d", task.Version, v+1)
	}
}
