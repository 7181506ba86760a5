package redisstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/queue"
	"taskorch/pkg/queue/queuetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test", nil), mr
}

func TestRedisStoreConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestClaimSkipsCancelledMember(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	first, err := s.Enqueue(ctx, queue.EnqueueRequest{Namespace: "ns", Prompt: "a", Type: queue.TypeReport})
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, queue.EnqueueRequest{Namespace: "ns", Prompt: "b", Type: queue.TypeReport})
	require.NoError(t, err)

	// Simulate a stale index entry: the document says CANCELLED but the id is still queued.
	_, err = s.UpdateStatus(ctx, first.ID, queue.StatusCancelled, queue.Fields{})
	require.NoError(t, err)
	require.NoError(t, s.client.ZAdd(ctx, s.queuedKey("ns"), redis.Z{Score: 0, Member: first.ID}).Err())

	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
}

// failingGets fails the next n GET commands with a timeout.
type failingGets struct {
	remaining atomic.Int32
}

func (h *failingGets) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingGets) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "get" && h.remaining.Add(-1) >= 0 {
			err := errors.New("i/o timeout")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *failingGets) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestFailedClaimKeepsTaskClaimable(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	task, err := s.Enqueue(ctx, queue.EnqueueRequest{Namespace: "ns", Prompt: "a", Type: queue.TypeReport})
	require.NoError(t, err)

	hook := &failingGets{}
	hook.remaining.Store(1)
	s.client.AddHook(hook)

	_, err = s.Claim(ctx, "ns")
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)

	stored, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, stored.Status)

	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, queue.StatusRunning, claimed.Status)

	again, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestRecoverReindexesDroppedClaim(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	task, err := s.Enqueue(ctx, queue.EnqueueRequest{Namespace: "ns", Prompt: "a", Type: queue.TypeReport})
	require.NoError(t, err)

	// An index entry lost outside the store leaves the task QUEUED but unindexed.
	require.NoError(t, s.client.ZRem(ctx, s.queuedKey("ns"), task.ID).Err())
	claimed, err := s.Claim(ctx, "ns")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	n, err := s.RecoverOnStartup(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	claimed, err = s.Claim(ctx, "ns")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	defer s.Close()
	mr.Close()

	_, err := s.Claim(context.Background(), "ns")
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
	_, err = s.Enqueue(context.Background(), queue.EnqueueRequest{Namespace: "ns", Prompt: "a", Type: queue.TypeReport})
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
}
