package llm

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"taskorch/pkg/config"
	"taskorch/pkg/retry"
)

// OpenAICompleter calls the OpenAI Responses API.
type OpenAICompleter struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI completer. Extra options are passed to the SDK client.
func NewOpenAI(apiKey string, opts ...option.RequestOption) *OpenAICompleter {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAICompleter{client: openai.NewClient(opts...)}
}

func (c *OpenAICompleter) Provider() string { return config.ProviderOpenAI }

func (c *OpenAICompleter) Complete(ctx context.Context, req Request) (Response, error) {
	params := responses.ResponseNewParams{
		Model:           req.Model,
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(req.Prompt)},
		MaxOutputTokens: openai.Int(int64(req.MaxTokens)),
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	// Reasoning models reject temperature.
	if !isReasoningModel(req.Model) {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Response{}, classify(c.Provider(), apiErr.StatusCode, err)
		}
		return Response{}, classify(c.Provider(), 0, err)
	}
	if resp == nil {
		return Response{}, retry.NewError(retry.TransientError, "empty response from OpenAI", nil)
	}

	return Response{
		Text:       resp.OutputText(),
		StopReason: string(resp.Status),
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
	}, nil
}

func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if len(model) >= len(p) && model[:len(p)] == p {
			return true
		}
	}
	return false
}
