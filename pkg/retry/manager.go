package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"taskorch/pkg/config"
	"taskorch/pkg/events"
	"taskorch/pkg/logx"
	"taskorch/pkg/retry/circuit"
)

// Config defines retry behavior.
type Config struct {
	Retryable      map[FailureType]bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxRetries     int
	Jitter         bool
}

// DefaultConfig returns the retry defaults: 3 retries, 1s doubling to at most 30s.
func DefaultConfig() Config {
	cfg, _ := FromConfig(config.Default().Retry)
	return cfg
}

// FromConfig converts the loaded configuration. Unknown failure names are an error;
// never-retryable types are dropped from the retryable set.
func FromConfig(c config.RetryConfig) (Config, error) {
	cfg := Config{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		Multiplier:     c.Multiplier,
		MaxBackoff:     c.MaxBackoff,
		Jitter:         c.Jitter,
		Retryable:      make(map[FailureType]bool),
	}
	for _, name := range c.RetryableFailures {
		ft, ok := ParseFailureType(name)
		if !ok {
			return cfg, fmt.Errorf("unknown failure type %q", name)
		}
		if !ft.NeverRetryable() {
			cfg.Retryable[ft] = true
		}
	}
	return cfg, nil
}

// Attempt records one failed attempt and what was decided about it.
type Attempt struct {
	Attempt     int         `json:"attempt"`
	FailureType FailureType `json:"failure_type"`
	BackoffMs   int64       `json:"backoff_ms"`
	Decision    string      `json:"decision"`
	Reason      string      `json:"reason,omitempty"`
}

// Context is the retry lineage of one task or subtask. It is process-local.
type Context struct {
	Key          string    `json:"key"`
	AttemptCount int       `json:"attempt_count"`
	History      []Attempt `json:"history"`
}

// Decision is the outcome of ShouldRetry.
type Decision struct {
	Retry       bool        `json:"retry"`
	Escalate    bool        `json:"escalate"`
	Reason      string      `json:"reason"`
	Cause       string      `json:"cause,omitempty"` // why a retry was refused
	FailureType FailureType `json:"failure_type"`
	Attempt     int         `json:"attempt"`
}

// Refusal causes.
const (
	CauseExhausted     = "exhausted"
	CauseNotRetryable  = "not_retryable"
	CauseCircuitOpen   = "circuit_open"
	CauseNoLargerModel = "no_larger_model"
)

// Decision labels recorded in history.
const (
	DecisionRetry    = "retry"
	DecisionEscalate = "escalate"
	DecisionGiveUp   = "give_up"
)

// Manager owns retry lineages and the circuit breakers of one engine instance.
type Manager struct {
	config   Config
	breakers *circuit.Registry
	sink     events.Sink
	logger   *logx.Logger
	random   func() float64

	mu       sync.Mutex
	contexts map[string]*Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(m *Manager) { m.random = fn }
}

// WithLogger sets the manager's logger.
func WithLogger(l *logx.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager. breakers may be nil for a private registry with
// default settings; sink may be nil.
func NewManager(cfg Config, breakers *circuit.Registry, sink events.Sink, opts ...Option) *Manager {
	if breakers == nil {
		breakers = circuit.NewRegistry(circuit.DefaultConfig())
	}
	if sink == nil {
		sink = events.Discard
	}
	m := &Manager{
		config:   cfg,
		breakers: breakers,
		sink:     sink,
		logger:   logx.NewLogger("retry"),
		random:   rand.Float64,
		contexts: make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewBreakerRegistry builds a registry that reports state changes to sink.
func NewBreakerRegistry(c config.CircuitConfig, sink events.Sink, opts ...circuit.Option) *circuit.Registry {
	if sink == nil {
		sink = events.Discard
	}
	opts = append(opts, circuit.WithStateChange(func(scope string, from, to circuit.State) {
		sink.Emit(events.New(events.CircuitStateChanged, "", map[string]any{
			"scope": scope,
			"from":  string(from),
			"to":    string(to),
		}))
	}))
	return circuit.NewRegistry(circuit.Config{FailureThreshold: c.FailureThreshold, Cooldown: c.Cooldown}, opts...)
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.config }

// Breakers exposes the circuit breaker registry.
func (m *Manager) Breakers() *circuit.Registry { return m.breakers }

// Context returns the lineage for key, creating it on first use.
func (m *Manager) Context(key string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.contexts[key]
	if !ok {
		rc = &Context{Key: key}
		m.contexts[key] = rc
	}
	return rc
}

// Forget drops the lineage for key once the task reached a terminal status.
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, key)
}

// Classify classifies err and emits FAILURE_CLASSIFIED.
func (m *Manager) Classify(taskID string, err error) FailureType {
	ft := ClassifyFailure(err)
	m.sink.Emit(events.New(events.FailureClassified, taskID, map[string]any{
		"failure_type": string(ft),
		"error":        errString(err),
	}))
	return ft
}

// Allow reports whether the breaker for scope admits a call.
func (m *Manager) Allow(scope string) bool {
	return m.breakers.Get(scope).Allow()
}

// RecordSuccess feeds a successful call into the scope's breaker.
func (m *Manager) RecordSuccess(scope string) {
	m.breakers.Get(scope).RecordSuccess()
}

// RecordFailure feeds a failed call into the scope's breaker. Failures that do not
// reflect provider health are not counted, but a HALF_OPEN probe that fails with one
// still reopens the breaker.
func (m *Manager) RecordFailure(scope string, ft FailureType) {
	b := m.breakers.Get(scope)
	if ft.CountsTowardCircuit() {
		b.RecordFailure()
		return
	}
	b.FailProbe()
}

// Release gives back a call admitted by Allow whose outcome will not be recorded.
func (m *Manager) Release(scope string) {
	m.breakers.Get(scope).Release()
}

// ShouldRetry decides whether the lineage may run again after a failure of type ft
// against scope. It does not consume an attempt; ScheduleRetry does.
func (m *Manager) ShouldRetry(rc *Context, ft FailureType, scope string) Decision {
	d := Decision{FailureType: ft, Attempt: rc.AttemptCount, Escalate: ft.Escalatable()}

	switch {
	case rc.AttemptCount >= m.config.MaxRetries:
		d.Reason = fmt.Sprintf("retries exhausted (%d/%d)", rc.AttemptCount, m.config.MaxRetries)
		d.Cause = CauseExhausted
	case ft.NeverRetryable() || !m.config.Retryable[ft]:
		d.Reason = fmt.Sprintf("%s is not retryable", ft)
		d.Cause = CauseNotRetryable
	case m.breakers.Get(scope).State() == circuit.Open:
		d.Reason = fmt.Sprintf("circuit open for %s", scope)
		d.Cause = CauseCircuitOpen
	default:
		d.Retry = true
		d.Reason = fmt.Sprintf("%s is retryable (attempt %d of %d)", ft, rc.AttemptCount+1, m.config.MaxRetries)
	}

	if !d.Retry && !d.Escalate {
		m.record(rc, Attempt{Attempt: rc.AttemptCount, FailureType: ft, Decision: DecisionGiveUp, Reason: d.Reason})
	}
	m.emitDecision(rc, d)
	return d
}

// ScheduleRetry consumes one attempt and returns the backoff to wait before it.
func (m *Manager) ScheduleRetry(rc *Context, ft FailureType) time.Duration {
	backoff := m.CalculateBackoff(rc.AttemptCount)
	m.record(rc, Attempt{
		Attempt:     rc.AttemptCount,
		FailureType: ft,
		BackoffMs:   backoff.Milliseconds(),
		Decision:    DecisionRetry,
	})
	m.mu.Lock()
	rc.AttemptCount++
	m.mu.Unlock()

	m.sink.Emit(events.New(events.BackoffCalculated, rc.Key, map[string]any{
		"attempt":    rc.AttemptCount,
		"backoff_ms": backoff.Milliseconds(),
	}))
	return backoff
}

// ApproveEscalation decides whether an escalatable failure may retry immediately on a
// larger model. An approved escalation consumes an attempt with no backoff.
func (m *Manager) ApproveEscalation(rc *Context, ft FailureType, from, to string) Decision {
	d := Decision{FailureType: ft, Attempt: rc.AttemptCount, Escalate: true}
	switch {
	case !ft.Escalatable():
		d.Escalate = false
		d.Reason = fmt.Sprintf("%s cannot be fixed by a larger model", ft)
		d.Cause = CauseNotRetryable
	case to == "" || to == from:
		d.Reason = "no larger model available"
		d.Cause = CauseNoLargerModel
	case rc.AttemptCount >= m.config.MaxRetries:
		d.Reason = fmt.Sprintf("retries exhausted (%d/%d)", rc.AttemptCount, m.config.MaxRetries)
		d.Cause = CauseExhausted
	default:
		d.Retry = true
		d.Reason = fmt.Sprintf("escalating %s -> %s", from, to)
	}

	decision := DecisionGiveUp
	if d.Retry {
		decision = DecisionEscalate
	}
	m.record(rc, Attempt{Attempt: rc.AttemptCount, FailureType: ft, Decision: decision, Reason: d.Reason})
	if d.Retry {
		m.mu.Lock()
		rc.AttemptCount++
		m.mu.Unlock()
	}
	m.emitDecision(rc, d)
	return d
}

// CalculateBackoff returns min(initial * multiplier^attempt, max), optionally scaled by
// a jitter factor in [0.5, 1.5] and capped at max again.
func (m *Manager) CalculateBackoff(attempt int) time.Duration {
	return calculateBackoff(m.config, attempt, m.random)
}

func calculateBackoff(cfg Config, attempt int, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxBackoff > 0 && delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter && random != nil {
		delay *= 0.5 + random()
		if cfg.MaxBackoff > 0 && delay > float64(cfg.MaxBackoff) {
			delay = float64(cfg.MaxBackoff)
		}
	}
	return time.Duration(delay)
}

func (m *Manager) record(rc *Context, a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc.History = append(rc.History, a)
}

func (m *Manager) emitDecision(rc *Context, d Decision) {
	m.logger.Debug("Retry decision for %s: retry=%t escalate=%t (%s)", rc.Key, d.Retry, d.Escalate, d.Reason)
	m.sink.Emit(events.New(events.RetryDecision, rc.Key, map[string]any{
		"failure_type": string(d.FailureType),
		"retry":        d.Retry,
		"escalate":     d.Escalate,
		"reason":       d.Reason,
		"attempt":      d.Attempt,
	}))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
