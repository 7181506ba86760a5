// Package llm adapts LLM provider SDKs to executor.Executor.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"taskorch/pkg/config"
	"taskorch/pkg/executor"
	"taskorch/pkg/logx"
	"taskorch/pkg/retry"
	"taskorch/pkg/settings"
	"taskorch/pkg/tokens"
)

// Request is one provider call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is a provider's raw reply.
type Response struct {
	Text       string
	StopReason string
	TokensIn   int
	TokensOut  int
}

// Completer is the provider-specific part of an executor. Errors should be
// *retry.Error so the retry manager can classify them without guessing.
type Completer interface {
	Provider() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Executor runs prompts through a Completer and decodes the result envelope.
type Executor struct {
	completer Completer
	registry  *config.Registry
	counter   *tokens.Counter
	schema    *jsonschema.Schema
	logger    *logx.Logger
}

// New wraps completer. The registry supplies context windows and output limits.
func New(completer Completer, registry *config.Registry, counter *tokens.Counter, logger *logx.Logger) (*Executor, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = config.NewRegistry(nil)
	}
	if counter == nil {
		counter = tokens.Approximate()
	}
	if logger == nil {
		logger = logx.NewLogger("executor")
	}
	return &Executor{
		completer: completer,
		registry:  registry,
		counter:   counter,
		schema:    schema,
		logger:    logger.With("executor/" + completer.Provider()),
	}, nil
}

// Execute implements executor.Executor.
func (e *Executor) Execute(ctx context.Context, prompt string, s settings.Snapshot) (*executor.Result, error) {
	if s.Model == "" {
		return nil, retry.NewError(retry.ModelUnavailable, "no model in settings", nil)
	}

	maxTokens := s.MaxTokens
	info, known := e.registry.Lookup(s.Model)
	if known && info.MaxOutputTokens > 0 && (maxTokens <= 0 || maxTokens > info.MaxOutputTokens) {
		maxTokens = info.MaxOutputTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	if known && info.MaxContextTokens > 0 {
		need := e.counter.Count(envelopeInstructions) + e.counter.Count(prompt)
		if need+maxTokens > info.MaxContextTokens {
			return nil, retry.NewError(retry.ContextLengthExceeded,
				fmt.Sprintf("prompt needs %d tokens plus %d for output, %s holds %d", need, maxTokens, s.Model, info.MaxContextTokens), nil)
		}
	}

	resp, err := e.completer.Complete(ctx, Request{
		Model:       s.Model,
		System:      envelopeInstructions,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: s.Temperature,
	})
	if err != nil {
		return nil, err
	}
	if truncated(resp.StopReason) {
		return nil, retry.NewError(retry.ModelLimit,
			fmt.Sprintf("%s reply cut off at the %d token output limit (%s)", s.Model, maxTokens, resp.StopReason), nil)
	}

	usage := executor.Usage{
		Model:     s.Model,
		Provider:  e.completer.Provider(),
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	}
	result, ok := parseEnvelope(e.schema, resp.Text)
	if !ok {
		e.logger.Debug("Reply from %s had no valid envelope, treating as complete", s.Model)
		result = &executor.Result{Status: executor.StatusComplete, Output: resp.Text}
	}
	result.Usage = usage
	return result, nil
}

// truncated reports stop reasons meaning the reply hit the output limit: Anthropic
// max_tokens, OpenAI incomplete, Ollama length, Gemini MAX_TOKENS.
func truncated(stopReason string) bool {
	switch strings.ToLower(stopReason) {
	case "max_tokens", "max_output_tokens", "incomplete", "length":
		return true
	default:
		return false
	}
}

// classify turns a provider error into a *retry.Error. status is 0 when the SDK
// exposed none. Context cancellation passes through untouched.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := fmt.Sprintf("%s request failed: %v", provider, err)
	if status != 0 {
		return retry.FromStatus(status, msg, err)
	}
	return retry.NewError(retry.ClassifyFailure(err), msg, err)
}
