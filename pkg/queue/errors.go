package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no task has the requested id.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned for any status change outside the lifecycle DAG.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotAwaitingResponse is returned by Respond when the task is not suspended.
	// It also matches ErrInvalidTransition.
	ErrNotAwaitingResponse = fmt.Errorf("%w: task is not awaiting a response", ErrInvalidTransition)

	// ErrStoreUnavailable wraps backend failures. Stores surface it and never retry internally.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrInvalidRequest is returned for malformed enqueue requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConflict is returned when an optimistic write keeps losing to concurrent writers.
	ErrConflict = errors.New("concurrent modification")
)

func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// Unavailable wraps a backend error as ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// NotFound returns ErrNotFound annotated with id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
