package planner

import (
	"fmt"
	"regexp"
	"strings"

	"taskorch/pkg/config"
	"taskorch/pkg/depgraph"
	"taskorch/pkg/logx"
	"taskorch/pkg/queue"
	"taskorch/pkg/tokens"
)

// Kind is the nature of a subtask's work.
type Kind string

const (
	KindAnalysis       Kind = "analysis"
	KindImplementation Kind = "implementation"
	KindVerification   Kind = "verification"
)

// Subtask is one step of a chunked plan.
type Subtask struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Prompt       string   `json:"prompt"`
	Kind         Kind     `json:"kind"`
	Dependencies []string `json:"dependencies,omitempty"`
	NonBlocking  bool     `json:"non_blocking,omitempty"`
}

// ExecutionPlan is what the orchestrator runs. An unchunked plan has no subtasks and
// runs the original prompt directly.
type ExecutionPlan struct {
	Graph    *depgraph.Graph `json:"-"`
	Reason   string          `json:"reason"`
	Subtasks []Subtask       `json:"subtasks,omitempty"`
	Size     SizeEstimate    `json:"size"`
	Chunked  bool            `json:"chunked"`
}

// Subtask returns the subtask with id.
func (ep *ExecutionPlan) Subtask(id string) (Subtask, bool) {
	for _, st := range ep.Subtasks {
		if st.ID == id {
			return st, true
		}
	}
	return Subtask{}, false
}

// Planner sizes and splits prompts.
type Planner struct {
	cfg        config.PlannerConfig
	counter    *tokens.Counter
	indicators []indicator
	logger     *logx.Logger
}

// New creates a planner. An invalid cfg is replaced by the defaults as a whole. A nil
// counter uses the character approximation.
func New(cfg config.PlannerConfig, counter *tokens.Counter, logger *logx.Logger) *Planner {
	if logger == nil {
		logger = logx.NewLogger("planner")
	}
	if err := validate(cfg); err != nil {
		logger.Warn("Invalid planner config, using defaults: %v", err)
		cfg = config.DefaultPlanner()
	}
	if counter == nil {
		counter = tokens.Approximate()
	}
	return &Planner{cfg: cfg, counter: counter, indicators: defaultIndicators(), logger: logger}
}

func validate(cfg config.PlannerConfig) error {
	switch {
	case cfg.ChunkComplexityThreshold < minScore || cfg.ChunkComplexityThreshold > maxScore:
		return fmt.Errorf("chunk_complexity_threshold %d outside [%d, %d]", cfg.ChunkComplexityThreshold, minScore, maxScore)
	case cfg.ChunkTokenThreshold <= 0:
		return fmt.Errorf("chunk_token_threshold must be positive")
	case cfg.MinSubtasks < 1:
		return fmt.Errorf("min_subtasks must be at least 1")
	case cfg.MaxSubtasks < cfg.MinSubtasks:
		return fmt.Errorf("max_subtasks %d below min_subtasks %d", cfg.MaxSubtasks, cfg.MinSubtasks)
	}
	return nil
}

// Config returns the effective configuration.
func (p *Planner) Config() config.PlannerConfig { return p.cfg }

//nolint:gochecknoglobals // compiled once, read-only
var (
	listItemRe     = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
	sentenceEndRe  = regexp.MustCompile(`[.!?;]\s+`)
	verificationRe = regexp.MustCompile(`(?i)\b(tests?|testing|verify|validate|review|document(ation)?)\b`)
	sequentialRe   = regexp.MustCompile(`(?i)\b(then|after(wards)?|once|using|based on|finally|next)\b`)
	preparatoryRe  = regexp.MustCompile(`(?i)\b(analy[sz]e|investigate|design|plan|research|explore)\b`)
	optionalRe     = regexp.MustCompile(`(?i)\b(optional(ly)?|nice to have|if time permits)\b`)
)

// Plan sizes prompt and, when it crosses a threshold, splits it into subtasks.
func (p *Planner) Plan(prompt string) (*ExecutionPlan, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("cannot plan an empty prompt")
	}

	est := p.EstimateSize(prompt)
	if !p.ShouldChunk(est) {
		return &ExecutionPlan{
			Size:   est,
			Reason: fmt.Sprintf("score %d and %d tokens below chunking thresholds", est.Score, est.TokenEstimate),
		}, nil
	}

	steps := p.split(prompt)
	subtasks := make([]Subtask, len(steps))
	for i, step := range steps {
		subtasks[i] = Subtask{
			ID:          fmt.Sprintf("subtask-%d", i+1),
			Title:       step,
			Prompt:      subtaskPrompt(prompt, step, i+1, len(steps)),
			Kind:        kindOf(step),
			NonBlocking: optionalRe.MatchString(step),
		}
	}
	if p.cfg.EnableDependencyAnalysis {
		analyzeDependencies(subtasks)
	} else {
		for i := 1; i < len(subtasks); i++ {
			subtasks[i].Dependencies = []string{subtasks[i-1].ID}
		}
	}

	nodes := make([]depgraph.Node, len(subtasks))
	for i, st := range subtasks {
		nodes[i] = depgraph.Node{ID: st.ID, DependsOn: st.Dependencies}
	}
	graph, err := depgraph.New(nodes)
	if err != nil {
		return nil, fmt.Errorf("invalid subtask graph: %w", err)
	}

	p.logger.Debug("Chunked prompt (score %d, %d tokens) into %d subtasks", est.Score, est.TokenEstimate, len(subtasks))
	return &ExecutionPlan{
		Size:     est,
		Chunked:  true,
		Reason:   fmt.Sprintf("score %d or %d tokens reached chunking thresholds", est.Score, est.TokenEstimate),
		Subtasks: subtasks,
		Graph:    graph,
	}, nil
}

// split turns the prompt into between MinSubtasks and MaxSubtasks step descriptions:
// explicit list items first, then sentences, then a phase template.
func (p *Planner) split(prompt string) []string {
	steps := listItems(prompt)
	if len(steps) < p.cfg.MinSubtasks {
		steps = sentences(prompt)
	}
	if len(steps) < p.cfg.MinSubtasks {
		steps = templatePhases(prompt, p.cfg.MinSubtasks)
	}
	if len(steps) > p.cfg.MaxSubtasks {
		steps = merge(steps, p.cfg.MaxSubtasks)
	}
	return steps
}

func kindOf(step string) Kind {
	switch {
	case verificationRe.MatchString(step):
		return KindVerification
	case preparatoryRe.MatchString(step):
		return KindAnalysis
	default:
		return KindImplementation
	}
}

func listItems(prompt string) []string {
	var out []string
	for _, line := range strings.Split(prompt, "\n") {
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			out = append(out, strings.TrimSpace(m[1]))
		}
	}
	return out
}

func sentences(prompt string) []string {
	var out []string
	for _, line := range strings.Split(prompt, "\n") {
		for _, s := range sentenceEndRe.Split(line, -1) {
			s = strings.TrimRight(strings.TrimSpace(s), ".!?;")
			if len(strings.Fields(s)) >= 3 {
				out = append(out, s)
			}
		}
	}
	return out
}

func templatePhases(prompt string, minimum int) []string {
	summary := summarize(prompt, 12)
	phases := []string{
		"Analyze the requirements and existing code for: " + summary,
		"Implement the changes for: " + summary,
		"Add tests and verify: " + summary,
	}
	for i := len(phases); i < minimum; i++ {
		phases = append(phases, fmt.Sprintf("Complete remaining work (part %d) for: %s", i-1, summary))
	}
	return phases
}

// merge packs steps into exactly limit groups of adjacent steps.
func merge(steps []string, limit int) []string {
	out := make([]string, 0, limit)
	for g := 0; g < limit; g++ {
		start := g * len(steps) / limit
		end := (g + 1) * len(steps) / limit
		out = append(out, strings.Join(steps[start:end], "; "))
	}
	return out
}

func summarize(prompt string, words int) string {
	fields := strings.Fields(prompt)
	if len(fields) <= words {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:words], " ") + "..."
}

func subtaskPrompt(overall, step string, n, total int) string {
	return fmt.Sprintf("Overall task:\n%s\n\nCurrent step (%d of %d):\n%s", overall, n, total, step)
}

// analyzeDependencies derives edges from wording. Verification steps wait for all
// earlier work, sequencing words wait for the previous step, and any step following a
// preparatory one waits for it. Edges only point backwards, so the result is acyclic.
func analyzeDependencies(subtasks []Subtask) {
	for i := 1; i < len(subtasks); i++ {
		title := subtasks[i].Title
		prev := subtasks[i-1]
		var deps []string
		switch {
		case verificationRe.MatchString(title):
			for j := 0; j < i; j++ {
				if !verificationRe.MatchString(subtasks[j].Title) {
					deps = append(deps, subtasks[j].ID)
				}
			}
			if len(deps) == 0 {
				deps = []string{prev.ID}
			}
		case sequentialRe.MatchString(title), preparatoryRe.MatchString(prev.Title):
			deps = []string{prev.ID}
		}
		subtasks[i].Dependencies = deps
	}
}

//nolint:gochecknoglobals // compiled once, read-only
var (
	implementationRe = regexp.MustCompile(`(?i)\b(implement|build|create|add|fix|write|refactor|migrate|update|change|modify|delete|remove|rename)\b`)
	reportRe         = regexp.MustCompile(`(?i)\b(report|summari[sz]e|summary|analy[sz]e|analysis|review|audit|compare|assess)\b`)
)

// InferType guesses a task type for submissions that omit one.
func InferType(prompt string) queue.TaskType {
	impl := len(implementationRe.FindAllString(prompt, -1))
	report := len(reportRe.FindAllString(prompt, -1))
	switch {
	case impl > report:
		return queue.TypeImplementation
	case report > 0:
		return queue.TypeReport
	default:
		return queue.TypeReadInfo
	}
}
