package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. A single mutex makes every operation atomic,
// which satisfies the at-most-once claim contract within one process.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string // insertion order, used for FIFO claims
	now   Clock
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty store using now for timestamps.
func NewMemoryStoreWithClock(now Clock) *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: now}
}

func (s *MemoryStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := NewTask(req, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return t.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, NotFound(id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, id := range s.order {
		if t := s.tasks[id]; f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Claim(ctx context.Context, namespace string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued *Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Namespace != namespace {
			continue
		}
		if t.Status == StatusRunning && t.ResumePending {
			if err := ApplyClaim(t, s.now()); err != nil {
				return nil, err
			}
			return t.Clone(), nil
		}
		if queued == nil && t.Status == StatusQueued {
			queued = t
		}
	}
	if queued == nil {
		return nil, nil
	}
	if err := ApplyClaim(queued, s.now()); err != nil {
		return nil, err
	}
	return queued.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, fields Fields) (*Task, error) {
	return s.mutate(ctx, id, func(t *Task) error {
		return ApplyStatus(t, status, fields, s.now())
	})
}

func (s *MemoryStore) SetAwaitingResponse(ctx context.Context, id string, c Clarification, output string) (*Task, error) {
	return s.mutate(ctx, id, func(t *Task) error {
		return ApplyAwaitingResponse(t, c, output, s.now())
	})
}

func (s *MemoryStore) Respond(ctx context.Context, id, answer string) (*Task, error) {
	return s.mutate(ctx, id, func(t *Task) error {
		return ApplyRespond(t, answer, s.now())
	})
}

func (s *MemoryStore) RecoverOnStartup(ctx context.Context, namespace string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Namespace == namespace && ApplyRecover(t, s.now()) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

// mutate applies fn to a scratch copy and commits it only on success.
func (s *MemoryStore) mutate(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, NotFound(id)
	}
	next := t.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return next.Clone(), nil
}
