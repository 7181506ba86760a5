package kernel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/config"
	"taskorch/pkg/eventlog"
	"taskorch/pkg/events"
	"taskorch/pkg/executor"
	"taskorch/pkg/executor/executortest"
	"taskorch/pkg/logx"
	"taskorch/pkg/plan"
	"taskorch/pkg/planner"
	"taskorch/pkg/queue"
	"taskorch/pkg/settings"
)

// createTestConfig returns a memory-backed config with fast dispatcher timings.
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Queue.Backend = config.BackendMemory
	cfg.ProjectRoot = t.TempDir()
	cfg.Events.LogDir = filepath.Join(t.TempDir(), "events")
	cfg.Dispatcher.PollInterval = 5 * time.Millisecond
	cfg.Dispatcher.HeartbeatInterval = 5 * time.Millisecond
	cfg.Dispatcher.ClaimsPerSecond = 0
	cfg.Settings.MaxTokens = 4096
	return &cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, exec executor.Executor, opts ...Option) (*Engine, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	opts = append([]Option{
		WithExecutor(exec),
		WithSink(rec),
		WithLogOptions(logx.NewOptions(&bytes.Buffer{}, false, "")),
	}, opts...)
	e, err := NewEngine(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e, rec
}

func alwaysComplete() executor.Func {
	return func(_ context.Context, prompt string, _ settings.Snapshot) (*executor.Result, error) {
		return &executor.Result{Status: executor.StatusComplete, Output: "done: " + prompt}, nil
	}
}

func TestNewEngine(t *testing.T) {
	e, _ := newTestEngine(t, createTestConfig(t), alwaysComplete())

	assert.NotNil(t, e.Tasks)
	assert.NotNil(t, e.Plans)
	assert.NotNil(t, e.Orchestrator)
	assert.NotNil(t, e.Retry)
	assert.Nil(t, e.Metrics, "metrics recorder is only built when enabled")
	assert.Same(t, e.Dispatcher("default"), e.Dispatcher("default"))
	assert.NotSame(t, e.Dispatcher("default"), e.Dispatcher("team-b"))
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Namespace = ""
	_, err := NewEngine(context.Background(), cfg, WithExecutor(alwaysComplete()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace is required")
}

func TestStartStop(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	e, _ := newTestEngine(t, cfg, alwaysComplete())

	require.NoError(t, e.Start())
	assert.Error(t, e.Start(), "second start must fail")
	require.NotNil(t, e.Metrics)

	task, err := e.Submit(context.Background(), SubmitRequest{Prompt: "What is the retry limit?"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := e.Get(context.Background(), task.ID)
		return err == nil && got.Status == queue.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name     string
		req      SubmitRequest
		wantNS   string
		wantType queue.TaskType
	}{
		{
			name:     "defaults namespace and infers type",
			req:      SubmitRequest{Prompt: "Implement the export command"},
			wantNS:   "default",
			wantType: planner.InferType("Implement the export command"),
		},
		{
			name:     "explicit namespace and type",
			req:      SubmitRequest{Namespace: "team-b", Prompt: "Summarize the logs", Type: queue.TypeReport},
			wantNS:   "team-b",
			wantType: queue.TypeReport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, createTestConfig(t), alwaysComplete())
			task, err := e.Submit(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, queue.StatusQueued, task.Status)
			assert.Equal(t, tt.wantNS, task.Namespace)
			assert.Equal(t, tt.wantType, task.Type)
			assert.Equal(t, 4096, task.Settings.MaxTokens)
		})
	}
}

func TestSubmitReadsSettingsFile(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Settings.File = filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, settings.Save(cfg.Settings.File, settings.Snapshot{Model: "claude-haiku-4-5", MaxTokens: 1024}))
	e, _ := newTestEngine(t, cfg, alwaysComplete())

	task, err := e.Submit(context.Background(), SubmitRequest{Prompt: "What is configured?"})
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", task.Settings.Model)
	assert.Equal(t, 1024, task.Settings.MaxTokens)
}

func TestClarificationRoundTrip(t *testing.T) {
	const question = "Should the output be JSON or YAML?"
	exec := executortest.New(
		executortest.Ask(question, "JSON", "YAML"),
		executortest.Complete("settings.yaml written"),
	)
	e, rec := newTestEngine(t, createTestConfig(t), exec)
	ctx := context.Background()
	disp := e.Dispatcher("default")

	task, err := e.Submit(ctx, SubmitRequest{Prompt: "Export the current settings", Type: queue.TypeReport})
	require.NoError(t, err)

	_, err = disp.RunOnce(ctx)
	require.NoError(t, err)
	got, err := e.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusAwaitingResponse, got.Status)
	require.NotNil(t, got.Clarification)
	assert.Equal(t, question, got.Clarification.Question)

	got, err = e.Respond(ctx, task.ID, "yaml")
	require.NoError(t, err)
	assert.Equal(t, "YAML", got.Clarification.Answer, "answer is matched to the offered option")
	assert.True(t, got.ResumePending)

	_, err = disp.RunOnce(ctx)
	require.NoError(t, err)
	got, err = e.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusComplete, got.Status)
	assert.Contains(t, exec.Calls()[1].Prompt, "Answer: YAML")

	answer, ok := disp.Session().Clarify.History.Lookup(question)
	require.True(t, ok)
	assert.Equal(t, "YAML", answer)
	assert.NotEmpty(t, rec.OfType(events.TaskSuspended))

	files, err := eventlog.ListLogFiles(e.Config.Events.LogDir)
	require.NoError(t, err)
	assert.NotEmpty(t, files, "events are written to the JSONL log")
}

func TestRespondRequiresSuspendedTask(t *testing.T) {
	e, _ := newTestEngine(t, createTestConfig(t), alwaysComplete())
	task, err := e.Submit(context.Background(), SubmitRequest{Prompt: "What is configured?"})
	require.NoError(t, err)

	_, err = e.Respond(context.Background(), task.ID, "yes")
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, err = e.Respond(context.Background(), "missing", "yes")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCancel(t *testing.T) {
	e, _ := newTestEngine(t, createTestConfig(t), alwaysComplete())
	ctx := context.Background()
	task, err := e.Submit(ctx, SubmitRequest{Prompt: "What is configured?"})
	require.NoError(t, err)

	got, err := e.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, got.Status)

	_, err = e.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, queue.ErrInvalidTransition, "terminal tasks cannot be cancelled again")

	processed, err := e.Dispatcher("default").RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "cancelled tasks are never claimed")
}

func TestList(t *testing.T) {
	e, _ := newTestEngine(t, createTestConfig(t), alwaysComplete())
	ctx := context.Background()
	for _, ns := range []string{"default", "team-b", "default"} {
		_, err := e.Submit(ctx, SubmitRequest{Namespace: ns, Prompt: "What is configured?"})
		require.NoError(t, err)
	}

	all, err := e.List(ctx, queue.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	teamB, err := e.List(ctx, queue.Filter{Namespace: "team-b"})
	require.NoError(t, err)
	assert.Len(t, teamB, 1)
}

const planYAML = `project_id: billing
tasks:
  - id: schema
    description: Add invoice tables
  - id: api
    description: Expose invoice endpoints
    dependencies: [schema]
  - id: docs
    description: Document the invoice API
    dependencies: [api]
    type: REPORT
`

func TestPlanLifecycle(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Gate.Commands = []config.GateCommand{{Name: "build", Command: "true", Timeout: 5 * time.Second}}
	e, rec := newTestEngine(t, cfg, alwaysComplete())
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planYAML), 0o600))

	p, err := e.ImportPlan(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusDraft, p.Status)
	assert.Equal(t, "billing", p.ProjectID)
	assert.Equal(t, "default", p.Namespace)

	p, err = e.DispatchPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRunning, p.Status)
	assert.True(t, p.AllComplete())
	assert.Len(t, rec.OfType(events.PlanTaskEnqueued), 3)

	runs, err := e.List(ctx, queue.Filter{GroupID: p.ID})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, queue.TypeReport, runs[2].Type)

	p, err = e.VerifyPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusVerified, p.Status)
	require.NotNil(t, p.GateResult)
	assert.True(t, p.GateResult.Passed)

	plans, err := e.ListPlans(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, plan.StatusVerified, plans[0].Status)
}

func TestVerifyPlanFailingGate(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Gate.Commands = []config.GateCommand{{Name: "lint", Command: "exit 3", Timeout: 5 * time.Second}}
	e, _ := newTestEngine(t, cfg, alwaysComplete())
	ctx := context.Background()

	p, err := e.CreatePlan(ctx, "billing", "", []plan.Task{{Description: "Add invoice tables"}})
	require.NoError(t, err)
	_, err = e.DispatchPlan(ctx, p.ID)
	require.NoError(t, err)

	p, err = e.VerifyPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.False(t, p.GateResult.Passed)
}

func TestUsageRequiresPrometheus(t *testing.T) {
	e, _ := newTestEngine(t, createTestConfig(t), alwaysComplete())
	_, _, err := e.Usage(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoUsageSource)
}

func TestSQLiteBackendSurvivesRestart(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Queue.Backend = config.BackendSQLite
	cfg.Queue.SQLitePath = filepath.Join(t.TempDir(), "db", "taskorch.db")
	ctx := context.Background()

	first, err := NewEngine(ctx, cfg, WithExecutor(alwaysComplete()), WithLogOptions(logx.NewOptions(&bytes.Buffer{}, false, "")))
	require.NoError(t, err)
	task, err := first.Submit(ctx, SubmitRequest{Prompt: "What is configured?"})
	require.NoError(t, err)
	p, err := first.CreatePlan(ctx, "billing", "", []plan.Task{{Description: "Add invoice tables"}})
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second, _ := newTestEngine(t, cfg, alwaysComplete())
	got, err := second.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	gotPlan, err := second.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusDraft, gotPlan.Status)
}
