package queue

import (
	"context"
	"time"
)

// Store is the durable record of tasks. Every backend must guarantee that a task is
// returned by Claim to at most one caller, even across processes.
type Store interface {
	// Enqueue creates a QUEUED task.
	Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error)

	// Get returns a copy of the task.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching f, oldest first.
	List(ctx context.Context, f Filter) ([]*Task, error)

	// Claim atomically takes the next runnable task in namespace: a resumed task
	// first, otherwise the oldest QUEUED one. It returns nil, nil when there is none.
	Claim(ctx context.Context, namespace string) (*Task, error)

	// UpdateStatus applies a lifecycle transition.
	UpdateStatus(ctx context.Context, id string, status Status, fields Fields) (*Task, error)

	// SetAwaitingResponse suspends a RUNNING task on a clarification.
	SetAwaitingResponse(ctx context.Context, id string, c Clarification, output string) (*Task, error)

	// Respond answers a suspended task and marks it for resumption.
	Respond(ctx context.Context, id, answer string) (*Task, error)

	// RecoverOnStartup resets every RUNNING task in namespace to QUEUED and
	// returns how many were reset.
	RecoverOnStartup(ctx context.Context, namespace string) (int, error)

	Close() error
}

// Clock returns the current time. Stores take one so tests can pin timestamps.
type Clock func() time.Time
