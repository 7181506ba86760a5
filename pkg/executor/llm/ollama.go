package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"taskorch/pkg/config"
)

// OllamaCompleter calls a local Ollama server's chat endpoint.
type OllamaCompleter struct {
	client *api.Client
}

// NewOllama creates an Ollama completer for hostURL (e.g. "http://localhost:11434").
func NewOllama(hostURL string, httpClient *http.Client) (*OllamaCompleter, error) {
	base, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", hostURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaCompleter{client: api.NewClient(base, httpClient)}, nil
}

func (c *OllamaCompleter) Provider() string { return config.ProviderOllama }

func (c *OllamaCompleter) Complete(ctx context.Context, req Request) (Response, error) {
	stream := false
	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	chat := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Format:   []byte(`"json"`),
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	var final api.ChatResponse
	err := c.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return Response{}, classify(c.Provider(), statusErr.StatusCode, err)
		}
		return Response{}, classify(c.Provider(), 0, err)
	}

	return Response{
		Text:       final.Message.Content,
		StopReason: final.DoneReason,
		TokensIn:   final.PromptEvalCount,
		TokensOut:  final.EvalCount,
	}, nil
}
