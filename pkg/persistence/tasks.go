package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskorch/pkg/queue"
)

const taskColumns = `id, namespace, group_id, type, prompt, status, output, error_message, error_code,
	clarification, settings, resume_pending, attempts, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*queue.Task, error) {
	var (
		t                    queue.Task
		clarification        sql.NullString
		settingsJSON         string
		resume               int
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.Namespace, &t.GroupID, &t.Type, &t.Prompt, &t.Status, &t.Output,
		&t.ErrorMessage, &t.ErrorCode, &clarification, &settingsJSON, &resume, &t.Attempts,
		&t.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.ResumePending = resume != 0
	if clarification.Valid && clarification.String != "" {
		t.Clarification = &queue.Clarification{}
		if err := json.Unmarshal([]byte(clarification.String), t.Clarification); err != nil {
			return nil, fmt.Errorf("task %s: invalid clarification: %w", t.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(settingsJSON), &t.Settings); err != nil {
		return nil, fmt.Errorf("task %s: invalid settings: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeClarification(c *queue.Clarification) (any, error) {
	if c == nil {
		return nil, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode clarification: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Enqueue inserts a QUEUED task.
func (d *DB) Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Task, error) {
	t, err := queue.NewTask(req, d.now())
	if err != nil {
		return nil, err
	}
	settingsJSON, err := json.Marshal(t.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO tasks (id, seq, namespace, group_id, type, prompt, status, settings, version, created_at, updated_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks), ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Namespace, t.GroupID, string(t.Type), t.Prompt, string(t.Status), string(settingsJSON),
		t.Version, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return nil, queue.Unavailable("enqueue", err)
	}
	return t, nil
}

// Get returns the task with id.
func (d *DB) Get(ctx context.Context, id string) (*queue.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.NotFound(id)
	}
	if err != nil {
		return nil, queue.Unavailable("get task", err)
	}
	return t, nil
}

// List returns tasks matching f, oldest first.
func (d *DB) List(ctx context.Context, f queue.Filter) ([]*queue.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, f.Namespace)
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queue.Unavailable("list tasks", err)
	}
	defer rows.Close()

	var out []*queue.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, queue.Unavailable("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.Unavailable("list tasks", err)
	}
	return out, nil
}

// Claim selects the next runnable task and takes it with a version-checked update,
// so at most one caller wins even across processes sharing the file.
func (d *DB) Claim(ctx context.Context, namespace string) (*queue.Task, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		candidate, err := d.nextClaimable(ctx, namespace)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}
		prev := candidate.Version
		if err := queue.ApplyClaim(candidate, d.now()); err != nil {
			return nil, err
		}
		ok, err := d.write(ctx, candidate, prev)
		if err != nil {
			return nil, err
		}
		if ok {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("%w: claim in namespace %s", queue.ErrConflict, namespace)
}

func (d *DB) nextClaimable(ctx context.Context, namespace string) (*queue.Task, error) {
	queries := []string{
		`SELECT ` + taskColumns + ` FROM tasks WHERE namespace = ? AND status = 'RUNNING' AND resume_pending = 1 ORDER BY seq LIMIT 1`,
		`SELECT ` + taskColumns + ` FROM tasks WHERE namespace = ? AND status = 'QUEUED' ORDER BY seq LIMIT 1`,
	}
	for _, q := range queries {
		t, err := scanTask(d.db.QueryRowContext(ctx, q, namespace))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, queue.Unavailable("select claimable", err)
		}
		return t, nil
	}
	return nil, nil
}

// write persists t if the stored version still equals prev.
func (d *DB) write(ctx context.Context, t *queue.Task, prev int64) (bool, error) {
	clarification, err := encodeClarification(t.Clarification)
	if err != nil {
		return false, err
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output = ?, error_message = ?, error_code = ?, clarification = ?,
			resume_pending = ?, attempts = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(t.Status), t.Output, t.ErrorMessage, t.ErrorCode, clarification,
		boolInt(t.ResumePending), t.Attempts, t.Version, formatTime(t.UpdatedAt),
		t.ID, prev)
	if err != nil {
		return false, queue.Unavailable("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, queue.Unavailable("update task", err)
	}
	return n == 1, nil
}

// mutate re-reads and re-validates on every lost race, so a transition that became
// illegal in the meantime fails with ErrInvalidTransition instead of overwriting.
func (d *DB) mutate(ctx context.Context, id string, fn func(*queue.Task) error) (*queue.Task, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		t, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := t.Version
		if err := fn(t); err != nil {
			return nil, err
		}
		ok, err := d.write(ctx, t, prev)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: task %s", queue.ErrConflict, id)
}

func (d *DB) UpdateStatus(ctx context.Context, id string, status queue.Status, fields queue.Fields) (*queue.Task, error) {
	return d.mutate(ctx, id, func(t *queue.Task) error {
		return queue.ApplyStatus(t, status, fields, d.now())
	})
}

func (d *DB) SetAwaitingResponse(ctx context.Context, id string, c queue.Clarification, output string) (*queue.Task, error) {
	return d.mutate(ctx, id, func(t *queue.Task) error {
		return queue.ApplyAwaitingResponse(t, c, output, d.now())
	})
}

func (d *DB) Respond(ctx context.Context, id, answer string) (*queue.Task, error) {
	return d.mutate(ctx, id, func(t *queue.Task) error {
		return queue.ApplyRespond(t, answer, d.now())
	})
}

// RecoverOnStartup requeues every RUNNING task in namespace.
func (d *DB) RecoverOnStartup(ctx context.Context, namespace string) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'QUEUED', resume_pending = 0, version = version + 1, updated_at = ?
		WHERE namespace = ? AND status = 'RUNNING'`,
		formatTime(d.now()), namespace)
	if err != nil {
		return 0, queue.Unavailable("recover tasks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queue.Unavailable("recover tasks", err)
	}
	if n > 0 {
		d.logger.Warn("Recovered %d in-flight task(s) in namespace %s", n, namespace)
	}
	return int(n), nil
}
