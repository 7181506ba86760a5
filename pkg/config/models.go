package config

import (
	"sort"
	"strings"
)

// Providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Model categories (tiers). Escalation only moves within a tier.
const (
	CategoryLight    = "LIGHT"
	CategoryStandard = "STANDARD"
	CategoryAdvanced = "ADVANCED"
)

// ValidCategory reports whether c names a known tier.
func ValidCategory(c string) bool {
	switch c {
	case CategoryLight, CategoryStandard, CategoryAdvanced:
		return true
	}
	return false
}

// ModelInfo contains static information about a known LLM model.
type ModelInfo struct {
	Provider         string  `koanf:"provider" yaml:"provider"`
	Category         string  `koanf:"category" yaml:"category"`
	InputCPM         float64 `koanf:"input_cpm" yaml:"input_cpm"`   // USD per million input tokens
	OutputCPM        float64 `koanf:"output_cpm" yaml:"output_cpm"` // USD per million output tokens
	MaxContextTokens int     `koanf:"max_context_tokens" yaml:"max_context_tokens"`
	MaxOutputTokens  int     `koanf:"max_output_tokens" yaml:"max_output_tokens"`
	LatencyRank      int     `koanf:"latency_rank" yaml:"latency_rank"` // lower is faster
}

// DefaultModels returns the built-in model registry. Each call returns a fresh map.
func DefaultModels() map[string]ModelInfo {
	return map[string]ModelInfo{
		// Light tier
		"claude-haiku-4-5": {
			Provider: ProviderAnthropic, Category: CategoryLight,
			InputCPM: 1.0, OutputCPM: 5.0, MaxContextTokens: 200000, MaxOutputTokens: 8192, LatencyRank: 1,
		},
		"gpt-4o-mini": {
			Provider: ProviderOpenAI, Category: CategoryLight,
			InputCPM: 0.15, OutputCPM: 0.6, MaxContextTokens: 128000, MaxOutputTokens: 16384, LatencyRank: 1,
		},
		"gemini-2.0-flash": {
			Provider: ProviderGoogle, Category: CategoryLight,
			InputCPM: 0.10, OutputCPM: 0.40, MaxContextTokens: 1048576, MaxOutputTokens: 8192, LatencyRank: 1,
		},
		"llama3.1": {
			Provider: ProviderOllama, Category: CategoryLight,
			InputCPM: 0, OutputCPM: 0, MaxContextTokens: 32000, MaxOutputTokens: 4096, LatencyRank: 3,
		},

		// Standard tier
		"gpt-4o": {
			Provider: ProviderOpenAI, Category: CategoryStandard,
			InputCPM: 2.5, OutputCPM: 10.0, MaxContextTokens: 128000, MaxOutputTokens: 4096, LatencyRank: 2,
		},
		"claude-sonnet-4-5": {
			Provider: ProviderAnthropic, Category: CategoryStandard,
			InputCPM: 3.0, OutputCPM: 15.0, MaxContextTokens: 200000, MaxOutputTokens: 8192, LatencyRank: 2,
		},
		"gemini-2.5-flash": {
			Provider: ProviderGoogle, Category: CategoryStandard,
			InputCPM: 0.30, OutputCPM: 2.50, MaxContextTokens: 1048576, MaxOutputTokens: 65536, LatencyRank: 1,
		},

		// Advanced tier
		"o3": {
			Provider: ProviderOpenAI, Category: CategoryAdvanced,
			InputCPM: 2.0, OutputCPM: 8.0, MaxContextTokens: 128000, MaxOutputTokens: 16384, LatencyRank: 3,
		},
		"claude-opus-4-5": {
			Provider: ProviderAnthropic, Category: CategoryAdvanced,
			InputCPM: 15.0, OutputCPM: 75.0, MaxContextTokens: 200000, MaxOutputTokens: 16384, LatencyRank: 3,
		},
		"gemini-3-pro-preview": {
			Provider: ProviderGoogle, Category: CategoryAdvanced,
			InputCPM: 2.0, OutputCPM: 12.0, MaxContextTokens: 1048576, MaxOutputTokens: 65536, LatencyRank: 2,
		},
	}
}

// ProviderPattern infers a provider from a model name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// DefaultProviderPatterns returns the prefix rules used for models missing from the registry.
func DefaultProviderPatterns() []ProviderPattern {
	return []ProviderPattern{
		{"claude", ProviderAnthropic},
		{"gpt", ProviderOpenAI},
		{"o1", ProviderOpenAI},
		{"o3", ProviderOpenAI},
		{"o4", ProviderOpenAI},
		{"gemini", ProviderGoogle},
		{"phi", ProviderOllama},
		{"llama", ProviderOllama},
		{"qwen", ProviderOllama},
		{"mistral", ProviderOllama},
		{"codellama", ProviderOllama},
		{"deepseek", ProviderOllama},
		{"ollama:", ProviderOllama},
	}
}

// Registry is an immutable view over model metadata.
type Registry struct {
	models   map[string]ModelInfo
	patterns []ProviderPattern
}

// NewRegistry merges overrides on top of the built-in models.
func NewRegistry(overrides map[string]ModelInfo) *Registry {
	models := DefaultModels()
	for name, info := range overrides {
		models[name] = info
	}
	return &Registry{models: models, patterns: DefaultProviderPatterns()}
}

// Lookup returns the registry entry for model.
func (r *Registry) Lookup(model string) (ModelInfo, bool) {
	info, ok := r.models[model]
	return info, ok
}

// InferProvider returns the provider for model by registry entry or name prefix, or "".
func (r *Registry) InferProvider(model string) string {
	if info, ok := r.models[model]; ok {
		return info.Provider
	}
	for _, p := range r.patterns {
		if strings.HasPrefix(model, p.Prefix) {
			return p.Provider
		}
	}
	return ""
}

// Names returns all model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CalculateCost returns the USD cost for the given token usage.
// Unknown models cost 0 so new models can be used without pricing data.
func (r *Registry) CalculateCost(model string, promptTokens, completionTokens int) float64 {
	info, ok := r.models[model]
	if !ok {
		return 0
	}
	inputCost := (float64(promptTokens) / 1_000_000.0) * info.InputCPM
	outputCost := (float64(completionTokens) / 1_000_000.0) * info.OutputCPM
	return inputCost + outputCost
}
