package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/internal/kernel"
	"taskorch/pkg/executor"
	"taskorch/pkg/persistence"
	"taskorch/pkg/plan"
	"taskorch/pkg/queue"
	"taskorch/pkg/settings"
)

type cliEnv struct {
	dir        string
	configPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`namespace: default
project_root: %[1]s
queue:
  backend: sqlite
  sqlite_path: %[1]s/taskorch.db
events:
  log_dir: %[1]s/events
dispatcher:
  poll_interval: 5ms
  heartbeat_interval: 5ms
  claims_per_second: 0
gate:
  commands:
    - name: build
      command: "true"
`, dir)
	path := filepath.Join(dir, "taskorch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &cliEnv{dir: dir, configPath: path}
}

func completeAll() executor.Func {
	return func(_ context.Context, prompt string, _ settings.Snapshot) (*executor.Result, error) {
		return &executor.Result{Status: executor.StatusComplete, Output: "done: " + prompt}, nil
	}
}

// run executes the CLI with args and returns stdout.
func (env *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	a := &app{engineOpts: []kernel.Option{kernel.WithExecutor(completeAll())}}
	cmd := newRootCmd(a)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (env *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := env.run(t, "", args...)
	require.NoError(t, err, out)
	return out
}

func (env *cliEnv) task(t *testing.T, id string) *queue.Task {
	t.Helper()
	var task queue.Task
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "status", id, "--json")), &task))
	return &task
}

func TestVersion(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "--version")
	assert.True(t, strings.HasPrefix(out, "taskorch dev"), out)
}

func TestSubmitAndStatus(t *testing.T) {
	env := newCLIEnv(t)
	id := strings.TrimSpace(env.mustRun(t, "submit", "What is the retry limit?"))
	require.NotEmpty(t, id)

	task := env.task(t, id)
	assert.Equal(t, queue.StatusQueued, task.Status)
	assert.Equal(t, "default", task.Namespace)
	assert.Equal(t, "What is the retry limit?", task.Prompt)

	text := env.mustRun(t, "status", id)
	assert.Contains(t, text, "Status:    QUEUED")
}

func TestSubmitReadsPromptFromStdin(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "Summarize the error logs\n", "submit", "--type", "report")
	require.NoError(t, err)

	task := env.task(t, strings.TrimSpace(out))
	assert.Equal(t, queue.TypeReport, task.Type)
	assert.Equal(t, "Summarize the error logs", task.Prompt)
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "", "submit", "--type", "poem", "Write a poem")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task type")
}

func TestCancelAndList(t *testing.T) {
	env := newCLIEnv(t)
	keep := strings.TrimSpace(env.mustRun(t, "submit", "What is configured?"))
	drop := strings.TrimSpace(env.mustRun(t, "submit", "What is deployed?"))
	other := strings.TrimSpace(env.mustRun(t, "--namespace", "team-b", "submit", "What is pending?"))

	assert.Contains(t, env.mustRun(t, "cancel", drop), "Cancelled task "+drop)

	out := env.mustRun(t, "list", "--status", "cancelled")
	assert.Contains(t, out, drop)
	assert.NotContains(t, out, keep)

	out = env.mustRun(t, "list")
	assert.Contains(t, out, keep)
	assert.NotContains(t, out, other, "list is scoped to the namespace")

	out = env.mustRun(t, "list", "--all-namespaces")
	assert.Contains(t, out, other)
}

// suspend moves a queued task to AWAITING_RESPONSE directly in the database.
func (env *cliEnv) suspend(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(filepath.Join(env.dir, "taskorch.db"))
	require.NoError(t, err)
	defer db.Close()
	claimed, err := db.Claim(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	_, err = db.SetAwaitingResponse(ctx, id, queue.Clarification{
		Question: "Should the output be JSON or YAML?",
		Options:  []string{"JSON", "YAML"},
	}, "partial")
	require.NoError(t, err)
}

func TestRespond(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{name: "answer argument", args: []string{"yaml"}},
		{name: "answer from stdin", stdin: "yaml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv(t)
			id := strings.TrimSpace(env.mustRun(t, "submit", "Export the current settings"))
			env.suspend(t, id)

			out, err := env.run(t, tt.stdin, append([]string{"respond", id}, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "Answered task "+id+": YAML")

			task := env.task(t, id)
			assert.Equal(t, queue.StatusAwaitingResponse, task.Status)
			assert.True(t, task.ResumePending)
			assert.Equal(t, "YAML", task.Clarification.Answer)
		})
	}
}

func TestRespondRejectsQueuedTask(t *testing.T) {
	env := newCLIEnv(t)
	id := strings.TrimSpace(env.mustRun(t, "submit", "What is configured?"))

	_, err := env.run(t, "", "respond", id, "yes")
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, err = env.run(t, "yes\n", "respond", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not waiting for an answer")
}

const planYAML = `project_id: billing
tasks:
  - id: schema
    description: Add invoice tables
  - id: api
    description: Expose invoice endpoints
    dependencies: [schema]
`

func TestPlanWorkflow(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(env.dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planYAML), 0o600))

	var p plan.Plan
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "plan", "import", path, "--json")), &p))
	assert.Equal(t, plan.StatusDraft, p.Status)
	assert.Len(t, p.Tasks, 2)

	out := env.mustRun(t, "plan", "dispatch", p.ID)
	assert.Contains(t, out, string(plan.StatusRunning))

	out = env.mustRun(t, "plan", "verify", p.ID)
	assert.Contains(t, out, string(plan.StatusVerified))
	assert.Contains(t, out, "gate build: PASS")

	out = env.mustRun(t, "plan", "list", "--project", "billing")
	assert.Contains(t, out, p.ID)

	out = env.mustRun(t, "list", "--group", p.ID)
	assert.Equal(t, 2, strings.Count(out, string(queue.StatusComplete)))

	out = env.mustRun(t, "events", "--type", "plan_task_enqueued")
	assert.Equal(t, 2, strings.Count(out, "PLAN_TASK_ENQUEUED"))
}

func TestPlanCreateSequential(t *testing.T) {
	env := newCLIEnv(t)
	var p plan.Plan
	out := env.mustRun(t, "plan", "create", "docs", "Outline the guide", "Write the guide", "--sequential", "--json")
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	require.Len(t, p.Tasks, 2)
	assert.Empty(t, p.Tasks[0].Dependencies)
	assert.Equal(t, []string{"task-1"}, p.Tasks[1].Dependencies)
	assert.Equal(t, queue.TypeImplementation, p.Tasks[1].Type)
}

func TestVerifyIncompletePlanFails(t *testing.T) {
	env := newCLIEnv(t)
	var p plan.Plan
	require.NoError(t, json.Unmarshal([]byte(env.mustRun(t, "plan", "create", "docs", "Write the guide", "--json")), &p))

	_, err := env.run(t, "", "plan", "verify", p.ID)
	assert.ErrorIs(t, err, plan.ErrInvalidState)
}

func TestConfig(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "config")
	assert.Contains(t, out, "backend: sqlite")
	assert.Contains(t, out, "poll_interval: 5ms")

	out = env.mustRun(t, "config", "--defaults")
	assert.Contains(t, out, "namespace: default")
	assert.Contains(t, out, "max_retries: 3")
}

func TestUsageRequiresPrometheus(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "", "usage")
	assert.ErrorIs(t, err, kernel.ErrNoUsageSource)
}
