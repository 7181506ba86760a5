package llm

import (
	"os"

	"taskorch/pkg/config"
	"taskorch/pkg/executor"
	"taskorch/pkg/logx"
	"taskorch/pkg/tokens"
)

// NewRouter builds an executor for every enabled provider that has credentials.
// Providers without an API key in the environment are skipped with a warning.
func NewRouter(cfg config.Config, registry *config.Registry, counter *tokens.Counter, logger *logx.Logger) (*executor.Router, error) {
	router := executor.NewRouter(cfg.Models.FallbackProvider)
	keys := map[string]string{
		config.ProviderAnthropic: cfg.Providers.AnthropicKeyEnv,
		config.ProviderOpenAI:    cfg.Providers.OpenAIKeyEnv,
		config.ProviderGoogle:    cfg.Providers.GoogleKeyEnv,
	}

	for _, provider := range cfg.Models.Providers {
		var completer Completer
		switch provider {
		case config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGoogle:
			key := os.Getenv(keys[provider])
			if key == "" {
				logger.Warn("Skipping provider %s: %s is not set", provider, keys[provider])
				continue
			}
			switch provider {
			case config.ProviderAnthropic:
				completer = NewAnthropic(key)
			case config.ProviderOpenAI:
				completer = NewOpenAI(key)
			default:
				completer = NewGemini(key)
			}
		case config.ProviderOllama:
			oc, err := NewOllama(cfg.Providers.OllamaHost, nil)
			if err != nil {
				return nil, err
			}
			completer = oc
		default:
			logger.Warn("Unknown provider %q in models.providers", provider)
			continue
		}

		exec, err := New(completer, registry, counter, logger)
		if err != nil {
			return nil, err
		}
		router.Register(provider, exec)
	}
	return router, nil
}
