// Package executor defines the contract between the orchestrator and whatever runs a
// prompt: an LLM provider, a coding agent, or a scripted fake in tests.
package executor

import (
	"context"
	"fmt"
	"sort"

	"taskorch/pkg/settings"
)

// Status is the executor's own verdict on a run.
type Status string

const (
	StatusComplete   Status = "COMPLETE"
	StatusIncomplete Status = "INCOMPLETE"
	StatusError      Status = "ERROR"
	StatusNoEvidence Status = "NO_EVIDENCE"
	StatusBlocked    Status = "BLOCKED"
)

// AllStatuses lists every executor status.
var AllStatuses = []Status{StatusComplete, StatusIncomplete, StatusError, StatusNoEvidence, StatusBlocked}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusComplete, StatusIncomplete, StatusError, StatusNoEvidence, StatusBlocked:
		return true
	}
	return false
}

// Usage is the token accounting for one call.
type Usage struct {
	Model     string `json:"model"`
	Provider  string `json:"provider"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

// Result is what one Execute call produced. Question and Options are set when the
// executor needs an answer before it can go on.
type Result struct {
	Status       Status   `json:"status"`
	Output       string   `json:"output,omitempty"`
	Question     string   `json:"question,omitempty"`
	QuestionType string   `json:"question_type,omitempty"`
	Options      []string `json:"options,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Usage        Usage    `json:"usage"`
}

// NeedsAnswer reports whether the result carries a clarification question.
func (r *Result) NeedsAnswer() bool {
	return r != nil && r.Question != ""
}

// Executor runs a prompt with the given settings. Transport and provider failures are
// returned as errors; a run that finished but went wrong is a Result with StatusError.
type Executor interface {
	Execute(ctx context.Context, prompt string, s settings.Snapshot) (*Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, prompt string, s settings.Snapshot) (*Result, error)

func (f Func) Execute(ctx context.Context, prompt string, s settings.Snapshot) (*Result, error) {
	return f(ctx, prompt, s)
}

// Router sends each call to the executor registered for the snapshot's provider.
type Router struct {
	executors map[string]Executor
	fallback  string
}

// NewRouter creates a router. fallback names the provider used when a snapshot has none.
func NewRouter(fallback string) *Router {
	return &Router{executors: make(map[string]Executor), fallback: fallback}
}

// Register adds or replaces the executor for provider.
func (r *Router) Register(provider string, e Executor) {
	r.executors[provider] = e
}

// Providers lists registered provider names.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.executors))
	for p := range r.executors {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Execute(ctx context.Context, prompt string, s settings.Snapshot) (*Result, error) {
	provider := s.Provider
	if provider == "" {
		provider = r.fallback
	}
	e, ok := r.executors[provider]
	if !ok {
		return nil, fmt.Errorf("no executor registered for provider %q", provider)
	}
	return e.Execute(ctx, prompt, s)
}
