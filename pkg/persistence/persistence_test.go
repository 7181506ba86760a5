package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/logx"
	"taskorch/pkg/plan"
	"taskorch/pkg/queue"
	"taskorch/pkg/queue/queuetest"
)

// createTestDB opens a fresh database in a temp dir.
func createTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, WithLogger(logx.Discard()))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	return db
}

func TestSQLiteStoreConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Store {
		return createTestDB(t)
	})
}

func TestSchemaVersion(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()

	version, err := GetSchemaVersion(db.db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() error = %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, CurrentSchemaVersion)
	}
}

func TestMigrateFromVersion1(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "v1.db")
	raw, err := sql.Open("sqlite", "file:"+dbPath)
	require.NoError(t, err)
	_, err = raw.Exec(createTasksTable)
	require.NoError(t, err)
	_, err = GetSchemaVersion(raw)
	require.NoError(t, err)
	require.NoError(t, setSchemaVersion(raw, 1))
	require.NoError(t, raw.Close())

	db, err := Open(dbPath, WithLogger(logx.Discard()))
	require.NoError(t, err)
	defer db.Close()

	version, err := GetSchemaVersion(db.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	p, err := plan.New("proj", "ns", []plan.Task{{ID: "a"}}, time.Now())
	require.NoError(t, err)
	require.NoError(t, db.Plans().Create(context.Background(), p), "plans table exists after migration")
}

func TestDataSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "durable.db")
	ctx := context.Background()

	db, err := Open(dbPath, WithLogger(logx.Discard()))
	require.NoError(t, err)
	task, err := db.Enqueue(ctx, queue.EnqueueRequest{Namespace: "ns", Prompt: "p", Type: queue.TypeReport})
	require.NoError(t, err)
	_, err = db.Claim(ctx, "ns")
	require.NoError(t, err)
	_, err = db.SetAwaitingResponse(ctx, task.ID, queue.Clarification{Question: "Which format?", Options: []string{"JSON", "YAML"}}, "draft")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dbPath, WithLogger(logx.Discard()))
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusAwaitingResponse, got.Status)
	require.NotNil(t, got.Clarification)
	assert.Equal(t, []string{"JSON", "YAML"}, got.Clarification.Options)
	assert.Equal(t, "draft", got.Output)
}

func TestTwoHandlesClaimAtMostOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	a, err := Open(dbPath, WithLogger(logx.Discard()))
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(dbPath, WithLogger(logx.Discard()))
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 10; i++ {
		_, err := a.Enqueue(ctx, queue.EnqueueRequest{Namespace: "ns", Prompt: "p", Type: queue.TypeReport})
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for {
		progressed := false
		for _, s := range []*DB{a, b} {
			task, err := s.Claim(ctx, "ns")
			require.NoError(t, err)
			if task == nil {
				continue
			}
			progressed = true
			assert.False(t, seen[task.ID], "task %s claimed twice", task.ID)
			seen[task.ID] = true
		}
		if !progressed {
			break
		}
	}
	assert.Len(t, seen, 10)
}

func TestPlanStore(t *testing.T) {
	db := createTestDB(t)
	defer db.Close()
	ctx := context.Background()
	store := db.Plans()

	p, err := plan.New("proj", "ns", []plan.Task{
		{ID: "schema", Description: "tables"},
		{ID: "api", Description: "endpoints", Dependencies: []string{"schema"}},
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, p))

	loaded, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusDraft, loaded.Status)
	assert.Equal(t, []string{"schema"}, loaded.Tasks[1].Dependencies)

	stale := loaded.Clone()
	require.NoError(t, loaded.Transition(plan.StatusDispatching, time.Now()))
	loaded.Tasks[0].RunID = "run-1"
	loaded.GateResult = &plan.GateResult{Passed: true, Checks: []plan.GateCheck{{Name: "lint", Passed: true}}}
	require.NoError(t, store.Update(ctx, loaded))
	assert.ErrorIs(t, store.Update(ctx, stale), plan.ErrConflict)

	again, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusDispatching, again.Status)
	assert.Equal(t, "run-1", again.Tasks[0].RunID)
	require.NotNil(t, again.GateResult)
	assert.True(t, again.GateResult.Passed)

	list, err := store.List(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, plan.ErrNotFound)
}
