package llm

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/genai"

	"taskorch/pkg/config"
	"taskorch/pkg/retry"
)

// GeminiCompleter calls the Gemini API. The SDK client needs a context to build, so
// it is created on first use.
type GeminiCompleter struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

// NewGemini creates a Gemini completer.
func NewGemini(apiKey string) *GeminiCompleter {
	return &GeminiCompleter{apiKey: apiKey}
}

func (c *GeminiCompleter) Provider() string { return config.ProviderGoogle }

func (c *GeminiCompleter) getClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, retry.NewError(retry.AuthError, "failed to create Gemini client", err)
	}
	c.client = client
	return client, nil
}

func (c *GeminiCompleter) Complete(ctx context.Context, req Request) (Response, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return Response{}, err
	}

	temperature := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		MaxOutputTokens:  int32(req.MaxTokens), //nolint:gosec // bounded by the registry's output limit
		ResponseMIMEType: "application/json",
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	result, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Response{}, classify(c.Provider(), apiErr.Code, err)
		}
		return Response{}, classify(c.Provider(), 0, err)
	}
	if result == nil {
		return Response{}, retry.NewError(retry.TransientError, "empty response from Gemini", nil)
	}

	resp := Response{Text: result.Text()}
	if len(result.Candidates) > 0 {
		resp.StopReason = string(result.Candidates[0].FinishReason)
	}
	if result.UsageMetadata != nil {
		resp.TokensIn = int(result.UsageMetadata.PromptTokenCount)
		resp.TokensOut = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}
