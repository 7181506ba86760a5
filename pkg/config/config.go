// Package config defines taskorch configuration, its defaults, and the built-in model registry.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Queue backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Model policy profiles.
const (
	ProfileStable = "stable"
	ProfileCheap  = "cheap"
	ProfileFast   = "fast"
)

// Config is the root configuration object. It is built once by Load and passed
// explicitly to every component constructor.
type Config struct {
	Namespace    string             `koanf:"namespace" yaml:"namespace"`
	ProjectRoot  string             `koanf:"project_root" yaml:"project_root"`
	Log          LogConfig          `koanf:"log" yaml:"log"`
	Queue        QueueConfig        `koanf:"queue" yaml:"queue"`
	Retry        RetryConfig        `koanf:"retry" yaml:"retry"`
	Circuit      CircuitConfig      `koanf:"circuit" yaml:"circuit"`
	Planner      PlannerConfig      `koanf:"planner" yaml:"planner"`
	Models       ModelsConfig       `koanf:"models" yaml:"models"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator" yaml:"orchestrator"`
	Dispatcher   DispatcherConfig   `koanf:"dispatcher" yaml:"dispatcher"`
	Events       EventsConfig       `koanf:"events" yaml:"events"`
	Metrics      MetricsConfig      `koanf:"metrics" yaml:"metrics"`
	Gate         GateConfig         `koanf:"gate" yaml:"gate"`
	Settings     SettingsConfig     `koanf:"settings" yaml:"settings"`
	Providers    ProvidersConfig    `koanf:"providers" yaml:"providers"`
}

type LogConfig struct {
	Debug   bool   `koanf:"debug" yaml:"debug"`
	Domains string `koanf:"domains" yaml:"domains"`
}

type QueueConfig struct {
	Backend     string `koanf:"backend" yaml:"backend"`
	SQLitePath  string `koanf:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr   string `koanf:"redis_addr" yaml:"redis_addr"`
	RedisDB     int    `koanf:"redis_db" yaml:"redis_db"`
	RedisPrefix string `koanf:"redis_prefix" yaml:"redis_prefix"`
}

type RetryConfig struct {
	MaxRetries        int           `koanf:"max_retries" yaml:"max_retries"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" yaml:"initial_backoff"`
	Multiplier        float64       `koanf:"multiplier" yaml:"multiplier"`
	MaxBackoff        time.Duration `koanf:"max_backoff" yaml:"max_backoff"`
	Jitter            bool          `koanf:"jitter" yaml:"jitter"`
	RetryableFailures []string      `koanf:"retryable_failures" yaml:"retryable_failures"`
}

type CircuitConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown" yaml:"cooldown"`
}

type PlannerConfig struct {
	AutoChunk                bool `koanf:"auto_chunk" yaml:"auto_chunk"`
	ChunkComplexityThreshold int  `koanf:"chunk_complexity_threshold" yaml:"chunk_complexity_threshold"`
	ChunkTokenThreshold      int  `koanf:"chunk_token_threshold" yaml:"chunk_token_threshold"`
	MinSubtasks              int  `koanf:"min_subtasks" yaml:"min_subtasks"`
	MaxSubtasks              int  `koanf:"max_subtasks" yaml:"max_subtasks"`
	EnableDependencyAnalysis bool `koanf:"enable_dependency_analysis" yaml:"enable_dependency_analysis"`
}

type ModelsConfig struct {
	Profile              string               `koanf:"profile" yaml:"profile"`
	FallbackProvider     string               `koanf:"fallback_provider" yaml:"fallback_provider"`
	CostLimit            float64              `koanf:"cost_limit" yaml:"cost_limit"`
	CostWarningThreshold float64              `koanf:"cost_warning_threshold" yaml:"cost_warning_threshold"`
	Providers            []string             `koanf:"providers" yaml:"providers"`
	TierDefaults         map[string]string    `koanf:"tier_defaults" yaml:"tier_defaults"`
	Registry             map[string]ModelInfo `koanf:"registry" yaml:"registry"`
}

type OrchestratorConfig struct {
	MaxParallelSubtasks    int `koanf:"max_parallel_subtasks" yaml:"max_parallel_subtasks"`
	MaxClarificationRounds int `koanf:"max_clarification_rounds" yaml:"max_clarification_rounds"`
}

type DispatcherConfig struct {
	PollInterval        time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
	StoreBackoffInitial time.Duration `koanf:"store_backoff_initial" yaml:"store_backoff_initial"`
	StoreBackoffMax     time.Duration `koanf:"store_backoff_max" yaml:"store_backoff_max"`
	ClaimsPerSecond     float64       `koanf:"claims_per_second" yaml:"claims_per_second"`
}

type EventsConfig struct {
	LogDir        string `koanf:"log_dir" yaml:"log_dir"`
	RotationHours int    `koanf:"rotation_hours" yaml:"rotation_hours"`
	NATSURL       string `koanf:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
}

type MetricsConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	ListenAddr    string `koanf:"listen_addr" yaml:"listen_addr"`
	PrometheusURL string `koanf:"prometheus_url" yaml:"prometheus_url"`
}

type GateCommand struct {
	Name    string        `koanf:"name" yaml:"name"`
	Command string        `koanf:"command" yaml:"command"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

type GateConfig struct {
	Commands []GateCommand `koanf:"commands" yaml:"commands"`
}

// SettingsConfig describes where per-task executor settings are read from.
// When File is set it takes precedence over the inline defaults. A non-empty Model pins
// every task to that model; empty leaves the choice to the model profile.
type SettingsConfig struct {
	File        string  `koanf:"file" yaml:"file"`
	Provider    string  `koanf:"provider" yaml:"provider"`
	Model       string  `koanf:"model" yaml:"model"`
	MaxTokens   int     `koanf:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `koanf:"temperature" yaml:"temperature"`
}

type ProvidersConfig struct {
	AnthropicKeyEnv string `koanf:"anthropic_key_env" yaml:"anthropic_key_env"`
	OpenAIKeyEnv    string `koanf:"openai_key_env" yaml:"openai_key_env"`
	GoogleKeyEnv    string `koanf:"google_key_env" yaml:"google_key_env"`
	OllamaHost      string `koanf:"ollama_host" yaml:"ollama_host"`
}

// Default returns a fully populated configuration.
func Default() Config {
	return Config{
		Namespace:   "default",
		ProjectRoot: ".",
		Queue: QueueConfig{
			Backend:     BackendSQLite,
			SQLitePath:  ".taskorch/taskorch.db",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "taskorch",
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: time.Second,
			Multiplier:     2,
			MaxBackoff:     30 * time.Second,
			Jitter:         true,
			RetryableFailures: []string{
				"TRANSIENT_ERROR", "RATE_LIMIT", "TIMEOUT", "MODEL_LIMIT", "MODEL_UNAVAILABLE", "NETWORK_ERROR",
			},
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Planner: DefaultPlanner(),
		Models: ModelsConfig{
			Profile:          ProfileStable,
			FallbackProvider: ProviderAnthropic,
			Providers:        []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama},
			TierDefaults: map[string]string{
				CategoryLight:    "claude-haiku-4-5",
				CategoryStandard: "claude-sonnet-4-5",
				CategoryAdvanced: "claude-opus-4-5",
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxParallelSubtasks:    3,
			MaxClarificationRounds: 3,
		},
		Dispatcher: DispatcherConfig{
			PollInterval:        time.Second,
			HeartbeatInterval:   2 * time.Second,
			StoreBackoffInitial: 500 * time.Millisecond,
			StoreBackoffMax:     30 * time.Second,
			ClaimsPerSecond:     10,
		},
		Events: EventsConfig{
			LogDir:        ".taskorch/events",
			RotationHours: 24,
			SubjectPrefix: "taskorch",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9464",
		},
		Settings: SettingsConfig{
			MaxTokens:   8192,
			Temperature: 0.2,
		},
		Providers: ProvidersConfig{
			AnthropicKeyEnv: "ANTHROPIC_API_KEY",
			OpenAIKeyEnv:    "OPENAI_API_KEY",
			GoogleKeyEnv:    "GOOGLE_GENAI_API_KEY",
			OllamaHost:      "http://localhost:11434",
		},
	}
}

// DefaultPlanner returns the planner defaults. Invalid planner settings fall back to these.
func DefaultPlanner() PlannerConfig {
	return PlannerConfig{
		AutoChunk:                true,
		ChunkComplexityThreshold: 6,
		ChunkTokenThreshold:      8000,
		MinSubtasks:              2,
		MaxSubtasks:              10,
		EnableDependencyAnalysis: true,
	}
}

// Validate checks the configuration for values no component can run with.
// Planner settings are not checked here; the planner falls back to defaults itself.
func (c *Config) Validate() error {
	var errs []error

	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Queue.SQLitePath == "" {
			errs = append(errs, errors.New("queue.sqlite_path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("queue.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of memory, sqlite, redis", c.Queue.Backend))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, fmt.Errorf("retry backoff range invalid: initial=%s max=%s", c.Retry.InitialBackoff, c.Retry.MaxBackoff))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier))
	}
	if c.Circuit.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("circuit.failure_threshold must be >= 1, got %d", c.Circuit.FailureThreshold))
	}
	if c.Circuit.Cooldown <= 0 {
		errs = append(errs, errors.New("circuit.cooldown must be positive"))
	}

	switch c.Models.Profile {
	case ProfileStable, ProfileCheap, ProfileFast:
	default:
		errs = append(errs, fmt.Errorf("models.profile %q is not one of stable, cheap, fast", c.Models.Profile))
	}
	if c.Models.CostLimit < 0 || c.Models.CostWarningThreshold < 0 {
		errs = append(errs, errors.New("models cost limits must not be negative"))
	}
	for name, info := range c.Models.Registry {
		if !ValidCategory(info.Category) {
			errs = append(errs, fmt.Errorf("models.registry.%s: category %q is not one of LIGHT, STANDARD, ADVANCED", name, info.Category))
		}
	}

	if c.Orchestrator.MaxParallelSubtasks < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_parallel_subtasks must be >= 1, got %d", c.Orchestrator.MaxParallelSubtasks))
	}
	if c.Dispatcher.PollInterval <= 0 || c.Dispatcher.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("dispatcher intervals must be positive"))
	}
	for i, cmd := range c.Gate.Commands {
		if cmd.Command == "" {
			errs = append(errs, fmt.Errorf("gate.commands[%d] has no command", i))
		}
	}

	return errors.Join(errs...)
}
