// Package queuetest is a conformance suite every queue.Store backend runs in its tests.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/queue"
	"taskorch/pkg/settings"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) queue.Store

// Run exercises the full Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnqueueAndGet", func(t *testing.T) { testEnqueueAndGet(t, newStore) })
	t.Run("EnqueueRejectsInvalid", func(t *testing.T) { testEnqueueRejectsInvalid(t, newStore) })
	t.Run("ClaimFIFO", func(t *testing.T) { testClaimFIFO(t, newStore) })
	t.Run("ClaimNamespaceIsolation", func(t *testing.T) { testClaimNamespaceIsolation(t, newStore) })
	t.Run("ConcurrentClaimAtMostOnce", func(t *testing.T) { testConcurrentClaim(t, newStore) })
	t.Run("TransitionDAG", func(t *testing.T) { testTransitionDAG(t, newStore) })
	t.Run("AwaitingResponseAndRespond", func(t *testing.T) { testAwaitingAndRespond(t, newStore) })
	t.Run("RespondRequiresAwaiting", func(t *testing.T) { testRespondRequiresAwaiting(t, newStore) })
	t.Run("RecoverOnStartup", func(t *testing.T) { testRecoverOnStartup(t, newStore) })
	t.Run("CancelQueued", func(t *testing.T) { testCancelQueued(t, newStore) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore) })
	t.Run("List", func(t *testing.T) { testList(t, newStore) })
}

func open(t *testing.T, newStore Factory) queue.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueue(t *testing.T, s queue.Store, ns, prompt string) *queue.Task {
	t.Helper()
	task, err := s.Enqueue(context.Background(), queue.EnqueueRequest{
		Namespace: ns,
		GroupID:   "group-1",
		Prompt:    prompt,
		Type:      queue.TypeReadInfo,
		Settings:  settings.Snapshot{Provider: "anthropic", Model: "claude-sonnet-4-5", MaxTokens: 1024, Temperature: 0.1},
	})
	require.NoError(t, err)
	return task
}

func testEnqueueAndGet(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	task := enqueue(t, s, "ns", "audit configs")
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, queue.StatusQueued, task.Status)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "ns", got.Namespace)
	assert.Equal(t, "group-1", got.GroupID)
	assert.Equal(t, queue.TypeReadInfo, got.Type)
	assert.Equal(t, "audit configs", got.Prompt)
	assert.Equal(t, "claude-sonnet-4-5", got.Settings.Model)
	assert.Equal(t, 1024, got.Settings.MaxTokens)
	assert.False(t, got.CreatedAt.IsZero())
}

func testEnqueueRejectsInvalid(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	cases := []queue.EnqueueRequest{
		{Prompt: "p", Type: queue.TypeReport},
		{Namespace: "ns", Type: queue.TypeReport},
		{Namespace: "ns", Prompt: "p", Type: "SOMETHING"},
	}
	for i, req := range cases {
		_, err := s.Enqueue(ctx, req)
		assert.ErrorIs(t, err, queue.ErrInvalidRequest, "case %d", i)
	}
}

func testClaimFIFO(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	first := enqueue(t, s, "ns", "first")
	second := enqueue(t, s, "ns", "second")

	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, queue.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	claimed, err = s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)

	claimed, err = s.Claim(ctx, "ns")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func testClaimNamespaceIsolation(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	enqueue(t, s, "a", "only in a")

	claimed, err := s.Claim(context.Background(), "b")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func testConcurrentClaim(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	const tasks = 25
	const workers = 8
	for i := 0; i < tasks; i++ {
		enqueue(t, s, "ns", fmt.Sprintf("task %d", i))
	}

	var (
		mu      sync.Mutex
		seen    = make(map[string]int)
		wg      sync.WaitGroup
		errOnce error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.Claim(ctx, "ns")
				if err != nil {
					mu.Lock()
					errOnce = err
					mu.Unlock()
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.NoError(t, errOnce)
	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

// reach drives a fresh task in its own namespace into status.
func reach(t *testing.T, s queue.Store, status queue.Status, ns string) *queue.Task {
	t.Helper()
	ctx := context.Background()
	task := enqueue(t, s, ns, "prompt for "+string(status))
	if status == queue.StatusQueued {
		return task
	}
	if status == queue.StatusCancelled {
		out, err := s.UpdateStatus(ctx, task.ID, queue.StatusCancelled, queue.Fields{})
		require.NoError(t, err)
		return out
	}

	claimed, err := s.Claim(ctx, ns)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)

	switch status {
	case queue.StatusRunning:
		return claimed
	case queue.StatusAwaitingResponse:
		out, err := s.SetAwaitingResponse(ctx, task.ID, queue.Clarification{Question: "Which format?"}, "partial")
		require.NoError(t, err)
		return out
	default:
		out, err := s.UpdateStatus(ctx, task.ID, status, queue.Fields{ErrorMessage: "x"})
		require.NoError(t, err)
		return out
	}
}

func testTransitionDAG(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()
	all := []queue.Status{
		queue.StatusQueued, queue.StatusRunning, queue.StatusAwaitingResponse,
		queue.StatusComplete, queue.StatusError, queue.StatusCancelled,
	}

	n := 0
	for _, from := range all {
		for _, to := range all {
			n++
			ns := fmt.Sprintf("dag-%d", n)
			task := reach(t, s, from, ns)

			_, err := s.UpdateStatus(ctx, task.ID, to, queue.Fields{})
			special := to == queue.StatusAwaitingResponse ||
				(from == queue.StatusAwaitingResponse && to == queue.StatusRunning)
			if queue.CanTransition(from, to) && !special {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, queue.ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func testAwaitingAndRespond(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	task := reach(t, s, queue.StatusAwaitingResponse, "ns")
	assert.Equal(t, queue.StatusAwaitingResponse, task.Status)
	require.NotNil(t, task.Clarification)
	assert.Equal(t, "Which format?", task.Clarification.Question)
	assert.Equal(t, "partial", task.Clarification.PartialOutput)
	assert.Equal(t, "partial", task.Output)

	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	assert.Nil(t, claimed, "suspended tasks are not claimable")

	resumed, err := s.Respond(ctx, task.ID, "YAML")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, resumed.Status)
	assert.True(t, resumed.ResumePending)
	assert.Equal(t, "YAML", resumed.Clarification.Answer)
	assert.True(t, resumed.Clarification.Answered())

	other := enqueue(t, s, "ns", "queued behind the resumed task")

	claimed, err = s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID, "resumed task is claimed before queued work")
	assert.False(t, claimed.ResumePending)
	assert.Equal(t, queue.StatusRunning, claimed.Status)

	claimed, err = s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, other.ID, claimed.ID)

	done, err := s.UpdateStatus(ctx, task.ID, queue.StatusComplete, queue.Fields{Output: "final"})
	require.NoError(t, err)
	assert.Equal(t, "final", done.Output)
	assert.Equal(t, "YAML", done.Clarification.Answer)
}

func testRespondRequiresAwaiting(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	for i, status := range []queue.Status{queue.StatusQueued, queue.StatusRunning, queue.StatusComplete} {
		task := reach(t, s, status, fmt.Sprintf("resp-%d", i))
		_, err := s.Respond(ctx, task.ID, "yes")
		assert.ErrorIs(t, err, queue.ErrNotAwaitingResponse, "from %s", status)
		assert.True(t, errors.Is(err, queue.ErrInvalidTransition), "NotAwaitingResponse is an InvalidTransition")
	}

	_, err := s.Respond(ctx, "missing", "yes")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func testRecoverOnStartup(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	running := reach(t, s, queue.StatusRunning, "ns")
	waiting := reach(t, s, queue.StatusAwaitingResponse, "ns")
	other := reach(t, s, queue.StatusRunning, "other")

	n, err := s.RecoverOnStartup(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)

	got, err = s.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusAwaitingResponse, got.Status, "suspended tasks survive recovery")

	got, err = s.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, got.Status, "other namespaces are untouched")

	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, running.ID, claimed.ID)
	assert.Equal(t, 2, claimed.Attempts)
}

func testCancelQueued(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	task := enqueue(t, s, "ns", "cancel me")
	_, err := s.UpdateStatus(ctx, task.ID, queue.StatusCancelled, queue.Fields{})
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func testNotFound(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = s.UpdateStatus(ctx, "nope", queue.StatusComplete, queue.Fields{})
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = s.SetAwaitingResponse(ctx, "nope", queue.Clarification{Question: "q"}, "")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func testList(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	a := enqueue(t, s, "ns", "a")
	b := enqueue(t, s, "ns", "b")
	enqueue(t, s, "elsewhere", "c")
	_, err := s.UpdateStatus(ctx, b.ID, queue.StatusCancelled, queue.Fields{})
	require.NoError(t, err)

	all, err := s.List(ctx, queue.Filter{Namespace: "ns"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.Equal(t, b.ID, all[1].ID)

	cancelled, err := s.List(ctx, queue.Filter{Namespace: "ns", Status: queue.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, b.ID, cancelled[0].ID)

	grouped, err := s.List(ctx, queue.Filter{GroupID: "group-1"})
	require.NoError(t, err)
	assert.Len(t, grouped, 3)
}
