package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/queue"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewDefaultsAndValidation(t *testing.T) {
	p, err := New("proj", "ns", []Task{
		{Description: "schema"},
		{Description: "api", Dependencies: []string{"task-1"}},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, p.Status)
	assert.Equal(t, "task-1", p.Tasks[0].ID)
	assert.Equal(t, 2, p.Tasks[1].Priority)
	assert.Equal(t, TaskPending, p.Tasks[1].Status)
	assert.Equal(t, queue.TypeImplementation, p.Tasks[0].Type)

	_, err = New("proj", "ns", []Task{{ID: "a", Dependencies: []string{"missing"}}}, now)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = New("", "ns", []Task{{ID: "a"}}, now)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTransitions(t *testing.T) {
	p, err := New("proj", "ns", []Task{{ID: "a"}}, now)
	require.NoError(t, err)

	require.NoError(t, p.Transition(StatusDispatching, now))
	require.NoError(t, p.Transition(StatusRunning, now))
	assert.ErrorIs(t, p.Transition(StatusVerified, now), ErrInvalidState)
	require.NoError(t, p.Transition(StatusVerifying, now))
	require.NoError(t, p.Transition(StatusVerified, now))
	assert.ErrorIs(t, p.Transition(StatusFailed, now), ErrInvalidState)
}

func TestMemoryStoreOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p, err := New("proj", "ns", []Task{{ID: "a"}}, now)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, p))

	first, _ := s.Get(ctx, p.ID)
	second, _ := s.Get(ctx, p.ID)

	first.Tasks[0].RunID = "run-1"
	require.NoError(t, s.Update(ctx, first))
	second.Tasks[0].RunID = "run-2"
	assert.ErrorIs(t, s.Update(ctx, second), ErrConflict)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.TaskByRun("run-1").RunID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCommandGate(t *testing.T) {
	gate := &CommandGate{
		Dir: t.TempDir(),
		Commands: []Command{
			{Name: "ok", Command: "echo fine"},
			{Name: "broken", Command: "echo bad >&2; exit 3"},
		},
		Now: func() time.Time { return now },
	}

	res, err := gate.Check(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Checks, 2)
	assert.True(t, res.Checks[0].Passed)
	assert.Equal(t, "fine", res.Checks[0].Detail)
	assert.False(t, res.Checks[1].Passed)
	assert.Contains(t, res.Checks[1].Detail, "bad")
	assert.Equal(t, now, res.CheckedAt)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	doc := `project_id: billing
tasks:
  - id: schema
    description: Add invoice tables
  - id: api
    description: Expose invoice endpoints
    dependencies: [schema]
    type: REPORT
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "billing", f.ProjectID)
	require.Len(t, f.Tasks, 2)
	assert.Equal(t, []string{"schema"}, f.Tasks[1].Dependencies)
	assert.Equal(t, queue.TypeReport, f.Tasks[1].Type)

	p, err := New(f.ProjectID, "ns", f.Tasks, now)
	require.NoError(t, err)
	g, err := p.Graph()
	require.NoError(t, err)
	assert.Equal(t, []string{"schema"}, g.Ready())
}
