// Package redisstore implements queue.Store on Redis.
//
// Layout under the configured prefix:
//
//	{p}:seq                 INCR counter giving every task a FIFO position
//	{p}:task:{id}           task JSON
//	{p}:all                 ZSET of every task id by seq
//	{p}:ns:{ns}:all         ZSET of the namespace's task ids by seq
//	{p}:ns:{ns}:queued      ZSET of QUEUED ids by seq
//	{p}:ns:{ns}:resume      ZSET of resumed RUNNING ids by seq
//
// A claim reads the head of the resume or queued set, rewrites the task document and
// removes the id from the set in one WATCH transaction, so only one client can take a
// given id and a claim that fails midway leaves the id indexed.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskorch/pkg/queue"
)

const maxTxAttempts = 8

type Store struct {
	client *redis.Client
	prefix string
	now    queue.Clock
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, now queue.Clock) *Store {
	if prefix == "" {
		prefix = "taskorch"
	}
	if now == nil {
		now = time.Now
	}
	return &Store{client: client, prefix: prefix, now: now}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, queue.Unavailable("connect redis", err)
	}
	return New(client, prefix, nil), nil
}

func (s *Store) taskKey(id string) string { return s.prefix + ":task:" + id }
func (s *Store) allKey() string { return s.prefix + ":all" }
func (s *Store) seqKey() string { return s.prefix + ":seq" }
func (s *Store) nsAllKey(ns string) string { return s.prefix + ":ns:" + ns + ":all" }
func (s *Store) queuedKey(ns string) string { return s.prefix + ":ns:" + ns + ":queued" }
func (s *Store) resumeKey(ns string) string { return s.prefix + ":ns:" + ns + ":resume" }

func (s *Store) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Task, error) {
	t, err := queue.NewTask(req, s.now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, queue.Unavailable("allocate seq", err)
	}
	score := float64(seq)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.taskKey(t.ID), data, 0)
		pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: t.ID})
		pipe.ZAdd(ctx, s.nsAllKey(t.Namespace), redis.Z{Score: score, Member: t.ID})
		pipe.ZAdd(ctx, s.queuedKey(t.Namespace), redis.Z{Score: score, Member: t.ID})
		return nil
	})
	if err != nil {
		return nil, queue.Unavailable("enqueue", err)
	}
	return t, nil
}

func (s *Store) load(ctx context.Context, getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}, id string) (*queue.Task, error) {
	data, err := getter.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, queue.NotFound(id)
	}
	if err != nil {
		return nil, queue.Unavailable("get task", err)
	}
	var t queue.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("task %s: corrupt document: %w", id, err)
	}
	return &t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Task, error) {
	return s.load(ctx, s.client, id)
}

func (s *Store) List(ctx context.Context, f queue.Filter) ([]*queue.Task, error) {
	key := s.allKey()
	if f.Namespace != "" {
		key = s.nsAllKey(f.Namespace)
	}
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, queue.Unavailable("list tasks", err)
	}
	var out []*queue.Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// mutate runs fn against the current document under WATCH and writes the result,
// keeping the queued/resume indexes consistent in the same transaction.
func (s *Store) mutate(ctx context.Context, id string, fn func(*queue.Task) error) (*queue.Task, error) {
	var result *queue.Task
	txf := func(tx *redis.Tx) error {
		t, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task: %w", err)
		}
		score, err := tx.ZScore(ctx, s.nsAllKey(t.Namespace), id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return queue.Unavailable("read seq", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.taskKey(id), data, 0)
			s.syncIndexes(ctx, pipe, t, score)
			return nil
		})
		if err != nil {
			return err
		}
		result = t
		return nil
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, s.taskKey(id))
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if isDomainError(err) {
			return nil, err
		}
		return nil, queue.Unavailable("update task", err)
	}
	return nil, fmt.Errorf("%w: task %s", queue.ErrConflict, id)
}

func (s *Store) syncIndexes(ctx context.Context, pipe redis.Pipeliner, t *queue.Task, score float64) {
	member := redis.Z{Score: score, Member: t.ID}
	if t.Status == queue.StatusQueued {
		pipe.ZAdd(ctx, s.queuedKey(t.Namespace), member)
	} else {
		pipe.ZRem(ctx, s.queuedKey(t.Namespace), t.ID)
	}
	if t.Status == queue.StatusRunning && t.ResumePending {
		pipe.ZAdd(ctx, s.resumeKey(t.Namespace), member)
	} else {
		pipe.ZRem(ctx, s.resumeKey(t.Namespace), t.ID)
	}
}

func isDomainError(err error) bool {
	return errors.Is(err, queue.ErrNotFound) ||
		errors.Is(err, queue.ErrInvalidTransition) ||
		errors.Is(err, queue.ErrInvalidRequest) ||
		errors.Is(err, queue.ErrStoreUnavailable)
}

// Claim takes resumed ids before queued ones. An id whose document no longer allows a
// claim (for example it was cancelled after being queued) is dropped from its set and
// the next one tried.
func (s *Store) Claim(ctx context.Context, namespace string) (*queue.Task, error) {
	for _, key := range []string{s.resumeKey(namespace), s.queuedKey(namespace)} {
		t, err := s.claimFrom(ctx, key)
		if err != nil || t != nil {
			return t, err
		}
	}
	return nil, nil
}

// claimFrom claims the lowest-scored claimable id in key, or returns nil, nil when
// the set holds nothing claimable. A lost WATCH race means another writer made
// progress, so it is retried until ctx ends.
func (s *Store) claimFrom(ctx context.Context, key string) (*queue.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var claimed *queue.Task
		stale := false
		txf := func(tx *redis.Tx) error {
			head, err := tx.ZRangeWithScores(ctx, key, 0, 0).Result()
			if err != nil {
				return queue.Unavailable("read claimable", err)
			}
			if len(head) == 0 {
				return nil
			}
			id, _ := head[0].Member.(string)
			if err := tx.Watch(ctx, s.taskKey(id)).Err(); err != nil {
				return queue.Unavailable("watch task", err)
			}

			var data []byte
			t, err := s.load(ctx, tx, id)
			switch {
			case errors.Is(err, queue.ErrNotFound):
				stale = true
			case err != nil:
				return err
			default:
				if err := queue.ApplyClaim(t, s.now()); err != nil {
					if !errors.Is(err, queue.ErrInvalidTransition) {
						return err
					}
					stale = true
				} else if data, err = json.Marshal(t); err != nil {
					return fmt.Errorf("failed to encode task: %w", err)
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if stale {
					pipe.ZRem(ctx, key, id)
					return nil
				}
				pipe.Set(ctx, s.taskKey(id), data, 0)
				s.syncIndexes(ctx, pipe, t, head[0].Score)
				return nil
			})
			if err != nil {
				return err
			}
			if !stale {
				claimed = t
			}
			return nil
		}

		err := s.client.Watch(ctx, txf, key)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err != nil && isDomainError(err):
			return nil, err
		case err != nil:
			return nil, queue.Unavailable("claim", err)
		case stale:
			continue
		}
		return claimed, nil
	}
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status queue.Status, fields queue.Fields) (*queue.Task, error) {
	return s.mutate(ctx, id, func(t *queue.Task) error {
		return queue.ApplyStatus(t, status, fields, s.now())
	})
}

func (s *Store) SetAwaitingResponse(ctx context.Context, id string, c queue.Clarification, output string) (*queue.Task, error) {
	return s.mutate(ctx, id, func(t *queue.Task) error {
		return queue.ApplyAwaitingResponse(t, c, output, s.now())
	})
}

func (s *Store) Respond(ctx context.Context, id, answer string) (*queue.Task, error) {
	return s.mutate(ctx, id, func(t *queue.Task) error {
		return queue.ApplyRespond(t, answer, s.now())
	})
}

// RecoverOnStartup requeues RUNNING tasks and re-indexes QUEUED tasks missing from the
// queued set.
func (s *Store) RecoverOnStartup(ctx context.Context, namespace string) (int, error) {
	ids, err := s.client.ZRange(ctx, s.nsAllKey(namespace), 0, -1).Result()
	if err != nil {
		return 0, queue.Unavailable("list namespace", err)
	}
	recovered := 0
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		switch t.Status {
		case queue.StatusRunning:
			_, err := s.mutate(ctx, id, func(t *queue.Task) error {
				if !queue.ApplyRecover(t, s.now()) {
					return fmt.Errorf("%w: task %s left RUNNING during recovery", queue.ErrInvalidTransition, t.ID)
				}
				return nil
			})
			if errors.Is(err, queue.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return recovered, err
			}
			recovered++
		case queue.StatusQueued:
			score, err := s.client.ZScore(ctx, s.nsAllKey(namespace), id).Result()
			if err != nil {
				return recovered, queue.Unavailable("read seq", err)
			}
			if err := s.client.ZAddNX(ctx, s.queuedKey(namespace), redis.Z{Score: score, Member: id}).Err(); err != nil {
				return recovered, queue.Unavailable("reindex queued", err)
			}
		}
	}
	return recovered, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
