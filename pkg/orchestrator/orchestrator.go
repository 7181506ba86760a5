// Package orchestrator drives one claimed task through planning, model selection,
// execution, clarification and retries until it reaches a definite outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskorch/pkg/clarify"
	"taskorch/pkg/config"
	"taskorch/pkg/depgraph"
	"taskorch/pkg/events"
	"taskorch/pkg/executor"
	"taskorch/pkg/logx"
	"taskorch/pkg/metrics"
	"taskorch/pkg/modelpolicy"
	"taskorch/pkg/planner"
	"taskorch/pkg/queue"
	"taskorch/pkg/retry"
	"taskorch/pkg/retry/circuit"
)

// Result is the outcome of one orchestration. Status is COMPLETE, ERROR or
// AWAITING_RESPONSE.
type Result struct {
	Status         queue.Status             `json:"status"`
	Output         string                   `json:"output,omitempty"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	ErrorCode      string                   `json:"error_code,omitempty"`
	Clarification  *queue.Clarification     `json:"clarification,omitempty"`
	Plan           *planner.ExecutionPlan   `json:"plan,omitempty"`
	Phases         []Phase                  `json:"phases,omitempty"`
	SubtaskResults []SubtaskResult          `json:"subtask_results,omitempty"`
	UsageSummary   modelpolicy.UsageSummary `json:"usage_summary"`
	RetryDecisions []retry.Decision         `json:"retry_decisions,omitempty"`
}

// SubtaskResult is the outcome of one subtask of a chunked plan.
type SubtaskResult struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Status       queue.Status `json:"status"`
	Model        string       `json:"model,omitempty"`
	Output       string       `json:"output,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	ErrorCode    string       `json:"error_code,omitempty"`
	Phases       []Phase      `json:"phases,omitempty"`
	NonBlocking  bool         `json:"non_blocking,omitempty"`
	Skipped      bool         `json:"skipped,omitempty"`
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Orchestrator runs tasks. It holds no per-task state; per-session state lives in a
// Session and per-lineage retry state in the retry manager.
type Orchestrator struct {
	cfg         config.OrchestratorConfig
	planner     *planner.Planner
	retry       *retry.Manager
	exec        executor.Executor
	sink        events.Sink
	logger      *logx.Logger
	projectRoot string
	sleep       SleepFunc
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the backoff wait.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces time.Now for clarification timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithProjectRoot sets the answer to project-root questions.
func WithProjectRoot(root string) Option {
	return func(o *Orchestrator) { o.projectRoot = root }
}

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(cfg config.OrchestratorConfig, p *planner.Planner, rm *retry.Manager, exec executor.Executor, sink events.Sink, opts ...Option) *Orchestrator {
	if sink == nil {
		sink = events.Discard
	}
	if cfg.MaxParallelSubtasks < 1 {
		cfg.MaxParallelSubtasks = 1
	}
	o := &Orchestrator{
		cfg:     cfg,
		planner: p,
		retry:   rm,
		exec:    exec,
		sink:    sink,
		logger:  logx.NewLogger("orchestrator"),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Orchestrate runs task to a definite outcome. An error is returned only when the
// run could not reach one: the context was cancelled, or planning or model selection
// failed.
func (o *Orchestrator) Orchestrate(ctx context.Context, task *queue.Task, session *Session) (*Result, error) {
	r := &run{o: o, task: task, session: session, logger: o.logger.With("orchestrator/" + shortID(task.ID))}
	r.emit(events.OrchestrationStarted, map[string]any{"type": string(task.Type), "resumed": task.Clarification.Answered()})

	res, err := r.execute(ctx)
	if err != nil {
		r.logger.Warn("Orchestration stopped: %v", err)
		return nil, err
	}

	res.UsageSummary = modelpolicy.Summarize(r.usage())
	res.RetryDecisions = r.retryDecisions()
	r.emit(events.OrchestrationCompleted, map[string]any{
		metrics.KeyStatus:    string(res.Status),
		metrics.KeyErrorCode: res.ErrorCode,
		metrics.KeyCost:      res.UsageSummary.Total.Cost,
	})
	return res, nil
}

// run is the state of one Orchestrate call.
type run struct {
	o       *Orchestrator
	task    *queue.Task
	session *Session
	logger  *logx.Logger

	mu        sync.Mutex
	records   []modelpolicy.UsageRecord
	decisions []retry.Decision
	warned    bool
}

func (r *run) emit(typ events.Type, data map[string]any) {
	e := events.New(typ, r.task.ID, data)
	e.Namespace = r.task.Namespace
	r.o.sink.Emit(e)
}

func (r *run) usage() []modelpolicy.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]modelpolicy.UsageRecord(nil), r.records...)
}

func (r *run) retryDecisions() []retry.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]retry.Decision(nil), r.decisions...)
}

func (r *run) addDecision(d retry.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	prompt := r.task.Prompt
	resumed := r.task.Clarification.Answered()
	if resumed {
		cl := r.task.Clarification
		prompt = continuationPrompt(r.task.Prompt, cl.PartialOutput, cl.Question, cl.Answer)
	}

	ep, err := r.o.planner.Plan(prompt)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	// A resumed task continues from its partial output as a single lineage.
	if resumed && ep.Chunked {
		ep = &planner.ExecutionPlan{Size: ep.Size, Reason: "resumed after clarification"}
	}
	r.emit(events.PlanningCompleted, map[string]any{
		"chunked":   ep.Chunked,
		"subtasks":  len(ep.Subtasks),
		"score":     ep.Size.Score,
		"category":  string(ep.Size.Category),
		"tokens":    ep.Size.TokenEstimate,
	})

	if !ep.Chunked {
		u := unit{
			key:       r.task.ID,
			prompt:    prompt,
			phase:     modelpolicy.PhaseImplementation,
			estTokens: ep.Size.TokenEstimate,
		}
		ur, err := r.runUnit(ctx, u)
		if err != nil {
			return nil, err
		}
		return &Result{
			Status:        ur.status,
			Output:        ur.output,
			ErrorMessage:  ur.errMsg,
			ErrorCode:     ur.errCode,
			Clarification: ur.clarification,
			Plan:          ep,
			Phases:        ur.phases,
		}, nil
	}

	res, err := r.runSubtasks(ctx, ep)
	if err != nil {
		return nil, err
	}
	res.Plan = ep
	return res, nil
}

// unit is one execution lineage: the whole task, or one subtask.
type unit struct {
	key       string
	subtaskID string
	prompt    string
	phase     modelpolicy.Phase
	estTokens int
}

type unitResult struct {
	status        queue.Status
	model         string
	output        string
	errMsg        string
	errCode       string
	clarification *queue.Clarification
	phases        []Phase
}

// runUnit executes one lineage until it completes, suspends on a question, or fails
// for good. The error return is reserved for cancellation and model policy failures.
func (r *run) runUnit(ctx context.Context, u unit) (unitResult, error) {
	o := r.o
	m := newMachine()
	rc := o.retry.Context(u.key)
	defer o.retry.Forget(u.key)

	finish := func(ur unitResult) (unitResult, error) {
		ur.phases = m.Trace()
		return ur, nil
	}

	m.to(PhaseModelSelection)
	sel, err := r.session.Models.Select(u.phase, modelpolicy.SelectionContext{
		PinnedModel:     r.task.Settings.Model,
		PinnedProvider:  r.task.Settings.Provider,
		EstimatedTokens: u.estTokens,
	})
	if err != nil {
		return unitResult{}, fmt.Errorf("model selection failed: %w", err)
	}
	r.emit(events.ModelSelected, map[string]any{
		"subtask":               u.subtaskID,
		metrics.KeyModel:        sel.Model,
		"provider":              sel.Provider,
		"category":              sel.Category,
		metrics.KeyPhase:        string(u.phase),
		"reason":                sel.Reason,
		"pinned":                sel.Pinned,
		"estimated_token_usage": u.estTokens,
	})

	prompt := u.prompt
	output := ""
	rounds := 0

	// probe is the scope admitted by Allow whose outcome is not recorded yet.
	var probe string
	defer func() {
		if probe != "" {
			o.retry.Release(probe)
		}
	}()

	for {
		m.to(PhaseExecuting)
		snap := r.task.Settings
		snap.Provider, snap.Model = sel.Provider, sel.Model
		scope := circuit.ScopeKey(sel.Provider, sel.Model)

		var res *executor.Result
		var execErr error
		called := o.retry.Allow(scope)
		if called {
			probe = scope
			res, execErr = o.exec.Execute(ctx, prompt, snap)
		} else {
			execErr = retry.NewError(retry.ModelUnavailable, "circuit open for "+scope, nil)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return unitResult{}, ctxErr
		}

		if execErr == nil && res == nil {
			execErr = retry.NewError(retry.TransientError, "executor returned no result", nil)
		}
		if execErr == nil {
			action := OutcomeFor(res.Status, r.task.Type)
			if called && action != ActionRetry {
				o.retry.RecordSuccess(scope)
				probe = ""
			}
			if res.Output != "" {
				output = res.Output
			}
			if exceeded := r.recordUsage(u, sel, res); exceeded {
				m.to(PhaseTerminal)
				return finish(unitResult{
					status:  queue.StatusError,
					model:   sel.Model,
					output:  output,
					errMsg:  "session cost limit exceeded",
					errCode: queue.CodeCostLimitExceeded,
				})
			}

			switch action {
			case ActionComplete:
				m.to(PhaseComplete)
				return finish(unitResult{status: queue.StatusComplete, model: sel.Model, output: res.Output})
			case ActionCompleteOrClarify:
				if strings.TrimSpace(res.Output) != "" {
					m.to(PhaseComplete)
					return finish(unitResult{status: queue.StatusComplete, model: sel.Model, output: res.Output})
				}
				if !r.clarify(m, u, res, output, &rounds, &prompt) {
					return finish(r.escalated(u, sel, res, output))
				}
				continue
			case ActionFailIncomplete:
				m.to(PhaseTerminal)
				return finish(unitResult{
					status:  queue.StatusError,
					model:   sel.Model,
					output:  res.Output,
					errMsg:  fmt.Sprintf("executor reported %s for an implementation task", res.Status),
					errCode: queue.CodeIncomplete,
				})
			case ActionClarify:
				if !r.clarify(m, u, res, output, &rounds, &prompt) {
					return finish(r.escalated(u, sel, res, output))
				}
				continue
			case ActionRetry:
				msg := res.ErrorMessage
				if msg == "" {
					msg = "executor reported an error"
				}
				execErr = errors.New(msg)
			}
		}

		// Failure path.
		ft := o.retry.Classify(r.task.ID, execErr)
		if called {
			o.retry.RecordFailure(scope, ft)
			probe = ""
		}
		m.to(PhaseFailed)
		m.to(PhaseRetryDecision)

		d := o.retry.ShouldRetry(rc, ft, scope)
		r.addDecision(d)
		cause := d.Cause

		if d.Escalate {
			next, _ := r.session.Models.EscalateModel(sel.Model)
			ed := o.retry.ApproveEscalation(rc, ft, sel.Model, next)
			r.addDecision(ed)
			if ed.Retry {
				info, _ := r.session.Models.Registry().Lookup(next)
				r.emit(events.ModelEscalated, map[string]any{
					"subtask":      u.subtaskID,
					"from":         sel.Model,
					"to":           next,
					"failure_type": string(ft),
				})
				sel = modelpolicy.Selection{
					Model:    next,
					Provider: r.session.Models.ProviderForModel(next),
					Category: info.Category,
					Info:     info,
					Reason:   "escalated after " + string(ft),
				}
				m.to(PhaseModelSelection)
				continue
			}
			if !d.Retry {
				cause = ed.Cause
			}
		}

		if d.Retry {
			backoff := o.retry.ScheduleRetry(rc, ft)
			r.emit(events.RetryScheduled, map[string]any{
				"subtask":      u.subtaskID,
				"attempt":      rc.AttemptCount,
				"backoff_ms":   backoff.Milliseconds(),
				"failure_type": string(ft),
			})
			m.to(PhaseBackoff)
			if err := o.sleep(ctx, backoff); err != nil {
				return unitResult{}, err
			}
			continue
		}

		m.to(PhaseTerminal)
		return finish(unitResult{
			status:  queue.StatusError,
			model:   sel.Model,
			output:  output,
			errMsg:  execErr.Error(),
			errCode: codeFor(cause),
		})
	}
}

// recordUsage books the call against the session and reports whether the session
// cost limit is now exceeded.
func (r *run) recordUsage(u unit, sel modelpolicy.Selection, res *executor.Result) bool {
	models := r.session.Models
	model := res.Usage.Model
	if model == "" {
		model = sel.Model
	}
	rec := models.RecordUsage(u.phase, model, res.Usage.TokensIn, res.Usage.TokensOut)
	r.emit(events.ModelUsage, map[string]any{
		"subtask":            u.subtaskID,
		metrics.KeyModel:     rec.Model,
		metrics.KeyPhase:     string(rec.Phase),
		metrics.KeyTokensIn:  rec.TokensIn,
		metrics.KeyTokensOut: rec.TokensOut,
		metrics.KeyCost:      rec.Cost,
	})

	status := models.CheckCostLimit()
	r.mu.Lock()
	r.records = append(r.records, rec)
	warn := status.Warn && !r.warned
	if warn {
		r.warned = true
	}
	r.mu.Unlock()

	if warn {
		r.emit(events.CostWarning, map[string]any{
			"total":     status.Total,
			"threshold": status.WarningThreshold,
			"limit":     status.Limit,
		})
	}
	return status.Exceeded
}

// clarify routes a question through the session's clarification engine. It returns
// true and rewrites prompt when the question was answered without a human.
func (r *run) clarify(m *machine, u unit, res *executor.Result, output string, rounds *int, prompt *string) bool {
	m.to(PhaseClarifying)
	question := questionFor(res)

	if *rounds >= r.o.cfg.MaxClarificationRounds {
		m.to(PhaseEscalated)
		return false
	}

	resolution := r.session.Clarify.Resolve(clarify.Request{
		Question:    question,
		Type:        res.QuestionType,
		Options:     res.Options,
		Context:     output + "\n" + r.task.Prompt,
		ProjectRoot: r.o.projectRoot,
	})
	if !resolution.Resolved {
		m.to(PhaseEscalated)
		return false
	}

	*rounds++
	m.to(PhaseResolved)
	r.emit(events.ClarificationResolved, map[string]any{
		"subtask":  u.subtaskID,
		"question": question,
		"answer":   resolution.Answer,
		"rule":     resolution.Rule,
	})
	*prompt = continuationPrompt(u.prompt, output, question, resolution.Answer)
	return true
}

func (r *run) escalated(u unit, sel modelpolicy.Selection, res *executor.Result, output string) unitResult {
	question := questionFor(res)
	reason := "no rule or earlier answer applies"
	if res.Status != executor.StatusBlocked {
		reason = fmt.Sprintf("executor reported %s without output", res.Status)
	}
	r.emit(events.ClarificationEscalated, map[string]any{
		"subtask":  u.subtaskID,
		"question": question,
		"reason":   reason,
	})
	return unitResult{
		status: queue.StatusAwaitingResponse,
		model:  sel.Model,
		output: output,
		clarification: &queue.Clarification{
			Question:      question,
			Reason:        reason,
			Type:          res.QuestionType,
			Options:       res.Options,
			PartialOutput: output,
			AskedAt:       r.o.now().UTC(),
		},
	}
}

// runSubtasks runs a chunked plan with at most MaxParallelSubtasks lineages in flight.
func (r *run) runSubtasks(ctx context.Context, ep *planner.ExecutionPlan) (*Result, error) {
	o := r.o
	graph := ep.Graph
	limit := o.cfg.MaxParallelSubtasks

	results := make(map[string]unitResult, len(ep.Subtasks))
	var resultsMu sync.Mutex
	done := make(chan string, len(ep.Subtasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var (
		inflight  int
		stopping  bool
		failed    *SubtaskResult
		suspended *unitResult
		costStop  bool
	)
	for {
		if !stopping {
			for _, id := range graph.Reserve(limit - inflight) {
				st, _ := ep.Subtask(id)
				inflight++
				r.emit(events.SubtaskStarted, map[string]any{"subtask": st.ID, "title": st.Title})
				g.Go(func() error {
					ur, err := r.runUnit(gctx, unit{
						key:       r.task.ID + "/" + st.ID,
						subtaskID: st.ID,
						prompt:    st.Prompt,
						phase:     phaseForKind(st.Kind),
						estTokens: o.planner.QuickSizeCheck(st.Prompt).TokenEstimate,
					})
					resultsMu.Lock()
					results[st.ID] = ur
					resultsMu.Unlock()
					done <- st.ID
					return err
				})
			}
		}
		if inflight == 0 {
			break
		}

		id := <-done
		inflight--
		st, _ := ep.Subtask(id)
		resultsMu.Lock()
		ur := results[id]
		resultsMu.Unlock()

		switch ur.status {
		case queue.StatusComplete:
			_ = graph.SetState(id, depgraph.StateSucceeded)
			r.emit(events.SubtaskCompleted, map[string]any{"subtask": id, metrics.KeyModel: ur.model})
		case queue.StatusAwaitingResponse:
			_ = graph.SetState(id, depgraph.StateFailed)
			if suspended == nil {
				suspended = &ur
			}
			stopping = true
		case "":
			// cancelled or model policy failure; g.Wait reports it
			_ = graph.SetState(id, depgraph.StateFailed)
			stopping = true
		default:
			_ = graph.SetState(id, depgraph.StateFailed)
			skipped := graph.SkipDependents(id)
			r.emit(events.SubtaskFailed, map[string]any{
				"subtask":            id,
				metrics.KeyErrorCode: ur.errCode,
				"error":              ur.errMsg,
				"non_blocking":       st.NonBlocking,
				"skipped":            skipped,
			})
			if ur.errCode == queue.CodeCostLimitExceeded {
				costStop = true
			}
			if (!st.NonBlocking || costStop) && failed == nil {
				failed = &SubtaskResult{ID: id, Title: st.Title, ErrorMessage: ur.errMsg, ErrorCode: ur.errCode}
				stopping = true
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	var outputs []string
	for _, st := range ep.Subtasks {
		ur, ran := results[st.ID]
		sr := SubtaskResult{
			ID:           st.ID,
			Title:        st.Title,
			Status:       ur.status,
			Model:        ur.model,
			Output:       ur.output,
			ErrorMessage: ur.errMsg,
			ErrorCode:    ur.errCode,
			Phases:       ur.phases,
			NonBlocking:  st.NonBlocking,
			Skipped:      !ran,
		}
		res.SubtaskResults = append(res.SubtaskResults, sr)
		if ur.status == queue.StatusComplete && ur.output != "" {
			outputs = append(outputs, fmt.Sprintf("## %s\n%s", st.Title, ur.output))
		}
	}
	res.Output = strings.Join(outputs, "\n\n")

	switch {
	case failed != nil:
		res.Status = queue.StatusError
		res.ErrorCode = queue.CodeSubtaskFailed
		if failed.ErrorCode == queue.CodeCostLimitExceeded {
			res.ErrorCode = queue.CodeCostLimitExceeded
		}
		res.ErrorMessage = fmt.Sprintf("subtask %s (%s) failed: %s", failed.ID, failed.Title, failed.ErrorMessage)
	case suspended != nil:
		res.Status = queue.StatusAwaitingResponse
		cl := *suspended.clarification
		if res.Output != "" && suspended.output != res.Output {
			cl.PartialOutput = strings.TrimSpace(res.Output + "\n\n" + suspended.output)
		}
		res.Clarification = &cl
	default:
		res.Status = queue.StatusComplete
	}
	return res, nil
}

func phaseForKind(k planner.Kind) modelpolicy.Phase {
	switch k {
	case planner.KindAnalysis:
		return modelpolicy.PhasePlanning
	case planner.KindVerification:
		return modelpolicy.PhaseQualityCheck
	default:
		return modelpolicy.PhaseImplementation
	}
}

func codeFor(cause string) string {
	switch cause {
	case retry.CauseExhausted:
		return queue.CodeRetriesExhausted
	case retry.CauseCircuitOpen:
		return queue.CodeCircuitOpen
	default:
		return queue.CodeNotRetryable
	}
}

func questionFor(res *executor.Result) string {
	if q := strings.TrimSpace(res.Question); q != "" {
		return q
	}
	switch res.Status {
	case executor.StatusNoEvidence:
		return "No supporting information was found. Where should I look, or can you narrow the question?"
	case executor.StatusIncomplete:
		return "The task stopped before finishing. What should be done next?"
	default:
		return "The task is blocked. How should it proceed?"
	}
}

func continuationPrompt(base, partial, question, answer string) string {
	var b strings.Builder
	b.WriteString(base)
	if strings.TrimSpace(partial) != "" {
		b.WriteString("\n\nWork so far:\n")
		b.WriteString(partial)
	}
	fmt.Fprintf(&b, "\n\nQuestion: %s\nAnswer: %s\n\nContinue the task using this answer.", question, answer)
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
