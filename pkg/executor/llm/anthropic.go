package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"taskorch/pkg/config"
	"taskorch/pkg/retry"
)

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic completer. Extra options are passed to the SDK client.
func NewAnthropic(apiKey string, opts ...option.RequestOption) *AnthropicCompleter {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicCompleter{client: anthropic.NewClient(opts...)}
}

func (c *AnthropicCompleter) Provider() string { return config.ProviderAnthropic }

func (c *AnthropicCompleter) Complete(ctx context.Context, req Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Response{}, classify(c.Provider(), apiErr.StatusCode, err)
		}
		return Response{}, classify(c.Provider(), 0, err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, retry.NewError(retry.TransientError, "empty response from Anthropic", nil)
	}

	var text strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text.WriteString(resp.Content[i].Text)
		}
	}
	return Response{
		Text:       text.String(),
		StopReason: string(resp.StopReason),
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
	}, nil
}
