package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/pkg/config"
	"taskorch/pkg/events"
	"taskorch/pkg/logx"
	"taskorch/pkg/retry/circuit"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = false
	return cfg
}

func newTestManager(cfg Config, rec *events.Recorder) *Manager {
	breakers := NewBreakerRegistry(config.CircuitConfig{FailureThreshold: 2, Cooldown: time.Minute}, rec)
	return NewManager(cfg, breakers, rec, WithLogger(logx.Discard()))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureType
	}{
		{"nil", nil, Unknown},
		{"typed", NewError(ModelUnavailable, "gone", nil), ModelUnavailable},
		{"wrapped typed", fmt.Errorf("execute: %w", NewError(RateLimit, "slow down", nil)), RateLimit},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Timeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, Timeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.com"}, NetworkError},
		{"context length", errors.New("This model's maximum context length is 128000 tokens"), ContextLengthExceeded},
		{"auth", errors.New("401 Unauthorized: invalid api key"), AuthError},
		{"rate limit", errors.New("429 Too Many Requests"), RateLimit},
		{"max tokens", errors.New("response truncated: max_tokens reached"), ModelLimit},
		{"timeout text", errors.New("request timed out"), Timeout},
		{"overloaded", errors.New("model is overloaded"), ModelUnavailable},
		{"connection", errors.New("dial tcp: connection refused"), NetworkError},
		{"server", errors.New("502 bad gateway"), TransientError},
		{"other", errors.New("something odd"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFailure(tt.err))
		})
	}
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, AuthError, FromStatus(403, "", nil).Type)
	assert.Equal(t, RateLimit, FromStatus(429, "", nil).Type)
	assert.Equal(t, ModelUnavailable, FromStatus(529, "overloaded", nil).Type)
	assert.Equal(t, TransientError, FromStatus(500, "", nil).Type)
	assert.Equal(t, ContextLengthExceeded, FromStatus(400, "prompt is too long", nil).Type)
	assert.Equal(t, Unknown, FromStatus(400, "bad field", nil).Type)

	e := FromStatus(429, "quota", errors.New("raw"))
	assert.True(t, e.IsRetryable())
	assert.Contains(t, e.Error(), "status 429")
	assert.EqualError(t, errors.Unwrap(e), "raw")
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.RetryConfig{
		MaxRetries:        2,
		RetryableFailures: []string{"rate_limit", "AUTH_ERROR", "TIMEOUT"},
	})
	require.NoError(t, err)
	assert.True(t, cfg.Retryable[RateLimit])
	assert.True(t, cfg.Retryable[Timeout])
	assert.False(t, cfg.Retryable[AuthError], "auth errors are never retryable")

	_, err = FromConfig(config.RetryConfig{RetryableFailures: []string{"SOMETIMES"}})
	assert.Error(t, err)
}

func TestCalculateBackoffExact(t *testing.T) {
	m := newTestManager(testConfig(), &events.Recorder{})

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, m.CalculateBackoff(attempt), "attempt %d", attempt)
	}
}

func TestCalculateBackoffMonotonic(t *testing.T) {
	m := newTestManager(testConfig(), &events.Recorder{})
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := m.CalculateBackoff(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
}

func TestCalculateBackoffJitterBounds(t *testing.T) {
	cfg := testConfig()
	cfg.Jitter = true

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		m := NewManager(cfg, nil, nil, WithRandom(func() float64 { return r }), WithLogger(logx.Discard()))
		d := m.CalculateBackoff(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)

		capped := m.CalculateBackoff(10)
		assert.LessOrEqual(t, capped, 30*time.Second)
		assert.GreaterOrEqual(t, capped, 15*time.Second)
	}
}

// Four rate limits with max_retries=3 give three strictly increasing backoffs and then
// a refusal.
func TestRateLimitSequence(t *testing.T) {
	rec := &events.Recorder{}
	m := newTestManager(testConfig(), rec)
	rc := m.Context("task-1")
	scope := circuit.ScopeKey("anthropic", "claude-sonnet-4-5")

	var backoffs []time.Duration
	for i := 0; i < 4; i++ {
		d := m.ShouldRetry(rc, RateLimit, scope)
		if !d.Retry {
			assert.Equal(t, 3, i, "refused on failure %d", i+1)
			assert.Contains(t, d.Reason, "exhausted")
			assert.Equal(t, CauseExhausted, d.Cause)
			break
		}
		backoffs = append(backoffs, m.ScheduleRetry(rc, RateLimit))
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, backoffs)
	assert.Equal(t, 3, rc.AttemptCount)
	require.Len(t, rc.History, 4)
	assert.Equal(t, DecisionGiveUp, rc.History[3].Decision)
	assert.Equal(t, int64(4000), rc.History[2].BackoffMs)
	assert.Len(t, rec.OfType(events.RetryDecision), 4)
	assert.Len(t, rec.OfType(events.BackoffCalculated), 3)
}

func TestNeverRetryableTypes(t *testing.T) {
	m := newTestManager(testConfig(), &events.Recorder{})

	d := m.ShouldRetry(m.Context("a"), AuthError, "p/m")
	assert.False(t, d.Retry)
	assert.False(t, d.Escalate)

	d = m.ShouldRetry(m.Context("b"), ContextLengthExceeded, "p/m")
	assert.False(t, d.Retry)
	assert.True(t, d.Escalate)
}

func TestApproveEscalation(t *testing.T) {
	m := newTestManager(testConfig(), &events.Recorder{})
	rc := m.Context("task")

	d := m.ApproveEscalation(rc, ContextLengthExceeded, "gpt-4o-mini", "")
	assert.False(t, d.Retry)

	d = m.ApproveEscalation(rc, ContextLengthExceeded, "gpt-4o-mini", "gpt-4o")
	assert.True(t, d.Retry)
	assert.Equal(t, 1, rc.AttemptCount)

	d = m.ApproveEscalation(rc, RateLimit, "gpt-4o", "o3")
	assert.False(t, d.Retry)
	assert.False(t, d.Escalate)

	rc.AttemptCount = 3
	d = m.ApproveEscalation(rc, ModelLimit, "gpt-4o", "o3")
	assert.False(t, d.Retry)
}

func TestOpenCircuitBlocksRetry(t *testing.T) {
	rec := &events.Recorder{}
	m := newTestManager(testConfig(), rec)
	scope := "openai/gpt-4o"

	m.RecordFailure(scope, ContextLengthExceeded)
	m.RecordFailure(scope, AuthError)
	assert.True(t, m.Allow(scope), "caller-side failures do not trip the breaker")

	m.RecordFailure(scope, TransientError)
	m.RecordFailure(scope, TransientError)
	assert.False(t, m.Allow(scope))

	d := m.ShouldRetry(m.Context("t"), TransientError, scope)
	assert.False(t, d.Retry)
	assert.Contains(t, d.Reason, "circuit open")
	assert.Equal(t, CauseCircuitOpen, d.Cause)

	changes := rec.OfType(events.CircuitStateChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "OPEN", changes[0].Data["to"])
}

func TestFailedProbeAlwaysReopens(t *testing.T) {
	for _, ft := range []FailureType{RateLimit, AuthError, ContextLengthExceeded, ModelLimit} {
		t.Run(string(ft), func(t *testing.T) {
			now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }
			breakers := NewBreakerRegistry(config.CircuitConfig{FailureThreshold: 2, Cooldown: time.Minute}, nil, circuit.WithClock(clock))
			m := NewManager(testConfig(), breakers, &events.Recorder{}, WithLogger(logx.Discard()))
			scope := "anthropic/claude-sonnet-4-5"

			m.RecordFailure(scope, RateLimit)
			m.RecordFailure(scope, RateLimit)
			now = now.Add(time.Minute)
			require.True(t, m.Allow(scope))

			m.RecordFailure(scope, ft)
			assert.Equal(t, circuit.Open, breakers.Get(scope).State())

			now = now.Add(time.Hour)
			assert.True(t, m.Allow(scope))
			assert.False(t, m.Allow(scope))
		})
	}
}

func TestForget(t *testing.T) {
	m := newTestManager(testConfig(), &events.Recorder{})
	rc := m.Context("t")
	m.ScheduleRetry(rc, Timeout)
	m.Forget("t")
	assert.Equal(t, 0, m.Context("t").AttemptCount)
}
