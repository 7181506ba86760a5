// Package executortest provides a scripted executor for tests.
package executortest

import (
	"context"
	"errors"
	"sync"

	"taskorch/pkg/executor"
	"taskorch/pkg/settings"
)

// ErrScriptExhausted is returned when more calls arrive than steps were scripted.
var ErrScriptExhausted = errors.New("executor script exhausted")

// Step is one scripted reply.
type Step struct {
	Result *executor.Result
	Err    error
}

// Reply returns a step producing r.
func Reply(r executor.Result) Step { return Step{Result: &r} }

// Fail returns a step producing err.
func Fail(err error) Step { return Step{Err: err} }

// Complete is shorthand for a COMPLETE reply with output.
func Complete(output string) Step {
	return Reply(executor.Result{Status: executor.StatusComplete, Output: output})
}

// Ask is shorthand for a BLOCKED reply carrying a question.
func Ask(question string, options ...string) Step {
	return Reply(executor.Result{Status: executor.StatusBlocked, Question: question, Options: options})
}

// Call records one Execute invocation.
type Call struct {
	Prompt   string
	Settings settings.Snapshot
}

// Scripted replays steps in order and records every call.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

// New creates a scripted executor.
func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Push appends more steps.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Scripted) Execute(ctx context.Context, prompt string, snap settings.Snapshot) (*executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Prompt: prompt, Settings: snap})
	if len(s.steps) == 0 {
		return nil, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.Err != nil {
		return nil, step.Err
	}
	r := *step.Result
	if r.Usage.Model == "" {
		r.Usage.Model = snap.Model
	}
	return &r, nil
}

// Calls returns a copy of the recorded calls.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Remaining returns how many steps have not been consumed.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
