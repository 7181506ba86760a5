package planner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/config"
	"taskorch/pkg/logx"
	"taskorch/pkg/queue"
	"taskorch/pkg/tokens"
)

func newTestPlanner(cfg config.PlannerConfig) *Planner {
	return New(cfg, tokens.Approximate(), logx.Discard())
}

func TestEstimateSizeBuckets(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())

	tests := []struct {
		name      string
		prompt    string
		wantScore int
		wantCat   Category
	}{
		{"trivial", "Fix a typo in the README", 1, SizeXS},
		{"single indicator", "Add a REST endpoint that returns the version", 3, SizeS},
		{"several indicators", "Add JWT authentication to the API with tests", 6, SizeM},
		{"large", "Add JWT authentication to the REST API endpoints with a database migration and tests", 8, SizeL},
		{"clamped", "Build a complete application from scratch: auth, database schema, API endpoints, integrate payments, refactor and secure everything across multiple files with tests", 10, SizeXL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := p.EstimateSize(tt.prompt)
			assert.Equal(t, tt.wantScore, est.Score, "reasons: %v", est.Reasons)
			assert.Equal(t, tt.wantCat, est.Category)
			_, bucketTokens := bucket(est.Score)
			assert.Equal(t, bucketTokens+est.PromptTokens, est.TokenEstimate)
		})
	}
}

func TestEstimateSizeDeterministic(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	prompt := "Refactor the authentication module and add integration tests"
	first := p.EstimateSize(prompt)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, p.EstimateSize(prompt))
	}
}

func TestEstimateSizeMonotonic(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	pieces := []string{
		"Update the handler.",
		"Store results in the database.",
		"Expose them through an API endpoint.",
		"Require login.",
		"Integrate with the billing service.",
		"Add tests.",
		strings.Repeat("More detail here. ", 60),
		strings.Repeat("Even more detail. ", 100),
	}
	prompt := ""
	prev := 0
	for _, piece := range pieces {
		prompt += " " + piece
		s := p.EstimateSize(prompt).Score
		assert.GreaterOrEqual(t, s, prev, "score dropped after adding %q", piece)
		prev = s
	}
	assert.Equal(t, maxScore, prev)
}

func TestLongPromptAddsPoints(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	assert.Equal(t, 1, p.EstimateSize(strings.Repeat("word ", 150)).Score)
	assert.Equal(t, 2, p.EstimateSize(strings.Repeat("word ", 151)).Score)
	assert.Equal(t, 3, p.EstimateSize(strings.Repeat("word ", 401)).Score)
}

func TestQuickSizeCheckMatchesScore(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	prompt := "Add JWT authentication to the API with tests"
	quick := p.QuickSizeCheck(prompt)
	full := p.EstimateSize(prompt)
	assert.Equal(t, full.Score, quick.Score)
	assert.Equal(t, full.Category, quick.Category)
	assert.Empty(t, quick.Reasons)
}

func TestShouldChunk(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	assert.False(t, p.ShouldChunk(SizeEstimate{Score: 3, TokenEstimate: 4100}))
	assert.True(t, p.ShouldChunk(SizeEstimate{Score: 6, TokenEstimate: 100}))
	assert.True(t, p.ShouldChunk(SizeEstimate{Score: 2, TokenEstimate: 8000}))

	cfg := config.DefaultPlanner()
	cfg.AutoChunk = false
	off := newTestPlanner(cfg)
	assert.False(t, off.ShouldChunk(SizeEstimate{Score: 10, TokenEstimate: 40000}))
}

func TestInvalidConfigFallsBackToDefaults(t *testing.T) {
	bad := []config.PlannerConfig{
		{},
		{AutoChunk: true, ChunkComplexityThreshold: 11, ChunkTokenThreshold: 8000, MinSubtasks: 2, MaxSubtasks: 10},
		{AutoChunk: true, ChunkComplexityThreshold: 6, ChunkTokenThreshold: 8000, MinSubtasks: 5, MaxSubtasks: 2},
	}
	for _, cfg := range bad {
		assert.Equal(t, config.DefaultPlanner(), newTestPlanner(cfg).Config())
	}
}

func TestPlanSmallPromptIsNotChunked(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	ep, err := p.Plan("What does the config loader do?")
	require.NoError(t, err)
	assert.False(t, ep.Chunked)
	assert.Empty(t, ep.Subtasks)
	assert.Nil(t, ep.Graph)

	_, err = p.Plan("   ")
	assert.Error(t, err)
}

func TestPlanFromListItemsWithDependencies(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	prompt := strings.Join([]string{
		"Build a complete application:",
		"- Design the database schema",
		"- Implement the REST API endpoints",
		"- Then add authentication",
		"- Write tests for all endpoints",
		"- Optionally add a dark mode toggle",
	}, "\n")

	ep, err := p.Plan(prompt)
	require.NoError(t, err)
	require.True(t, ep.Chunked)
	require.Len(t, ep.Subtasks, 5)

	assert.Equal(t, "Design the database schema", ep.Subtasks[0].Title)
	assert.Empty(t, ep.Subtasks[0].Dependencies)
	assert.Equal(t, []string{"subtask-1"}, ep.Subtasks[1].Dependencies, "follows a design step")
	assert.Equal(t, []string{"subtask-2"}, ep.Subtasks[2].Dependencies, "sequencing word")
	assert.Equal(t, []string{"subtask-1", "subtask-2", "subtask-3"}, ep.Subtasks[3].Dependencies, "verification waits for prior work")
	assert.Empty(t, ep.Subtasks[4].Dependencies)
	assert.True(t, ep.Subtasks[4].NonBlocking)
	assert.Equal(t, KindAnalysis, ep.Subtasks[0].Kind)
	assert.Equal(t, KindImplementation, ep.Subtasks[1].Kind)
	assert.Equal(t, KindVerification, ep.Subtasks[3].Kind)
	assert.Contains(t, ep.Subtasks[1].Prompt, "Current step (2 of 5)")

	require.NotNil(t, ep.Graph)
	assert.ElementsMatch(t, []string{"subtask-1", "subtask-5"}, ep.Graph.Ready())
}

func TestPlanUsesTemplateWhenPromptHasNoSteps(t *testing.T) {
	p := newTestPlanner(config.DefaultPlanner())
	ep, err := p.Plan("Refactor authentication database API integration security")
	require.NoError(t, err)
	require.True(t, ep.Chunked)
	require.Len(t, ep.Subtasks, 3)
	assert.True(t, strings.HasPrefix(ep.Subtasks[0].Title, "Analyze"))
	assert.Equal(t, []string{"subtask-1"}, ep.Subtasks[1].Dependencies)
	assert.Equal(t, []string{"subtask-1", "subtask-2"}, ep.Subtasks[2].Dependencies)
}

func TestPlanMergesDownToMaxSubtasks(t *testing.T) {
	cfg := config.DefaultPlanner()
	cfg.MaxSubtasks = 3
	cfg.EnableDependencyAnalysis = false
	p := newTestPlanner(cfg)

	var lines []string
	lines = append(lines, "Implement the full system with auth, database and API:")
	for i := 1; i <= 7; i++ {
		lines = append(lines, "- step "+string(rune('a'+i-1)))
	}
	ep, err := p.Plan(strings.Join(lines, "\n"))
	require.NoError(t, err)
	require.Len(t, ep.Subtasks, 3)
	assert.Equal(t, "step a; step b", ep.Subtasks[0].Title)
	assert.Equal(t, "step e; step f; step g", ep.Subtasks[2].Title)
	assert.Equal(t, []string{"subtask-2"}, ep.Subtasks[2].Dependencies, "sequential without analysis")
}

func TestInferType(t *testing.T) {
	tests := []struct {
		prompt string
		want   queue.TaskType
	}{
		{"Where is the retry policy configured?", queue.TypeReadInfo},
		{"Summarize the open incidents in a report", queue.TypeReport},
		{"Write a report on test coverage", queue.TypeReport},
		{"Add a health endpoint and fix the failing build", queue.TypeImplementation},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferType(tt.prompt), tt.prompt)
	}
}
