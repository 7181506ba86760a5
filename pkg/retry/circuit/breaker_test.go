package circuit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *manualClock, *[]string) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	b := New("anthropic/claude-sonnet-4-5", Config{FailureThreshold: threshold, Cooldown: cooldown},
		WithClock(clock.Now),
		WithStateChange(func(_ string, from, to State) {
			transitions = append(transitions, string(from)+"->"+string(to))
		}))
	return b, clock, &transitions
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, Closed, b.State(), "after %d failures", i+1)
	}
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, 3, b.Snapshot().ConsecutiveFailures)
}

func TestSuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, Closed, b.State())
}

func TestCooldownAdmitsSingleProbe(t *testing.T) {
	b, clock, transitions := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	require.Equal(t, Open, b.State())

	clock.Advance(29 * time.Second)
	assert.False(t, b.Allow(), "still cooling down")

	clock.Advance(time.Second)
	assert.True(t, b.Allow(), "first probe admitted")
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.Allow(), "second concurrent probe rejected")

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, *transitions)
}

func TestFailedProbeReopensWithFreshCooldown(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 10*time.Second)

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, Open, b.State())
	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())
	clock.Advance(time.Second)
	assert.True(t, b.Allow())
}

func TestFailProbe(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 10*time.Second)

	b.FailProbe()
	assert.Equal(t, Closed, b.State(), "no effect while closed")

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	b.FailProbe()

	assert.Equal(t, Open, b.State())
	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())
	clock.Advance(time.Second)
	assert.True(t, b.Allow())
}

func TestReleaseFreesProbeSlot(t *testing.T) {
	b, clock, _ := newTestBreaker(1, 10*time.Second)

	b.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, b.Allow())
	require.False(t, b.Allow())

	b.Release()
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
}

func TestLateSuccessLeavesOpen(t *testing.T) {
	b, _, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
}

func TestInvalidConfigUsesDefaults(t *testing.T) {
	b := New("x/y", Config{})
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestRegistryScopesAreIndependent(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})

	a := r.Get(ScopeKey("openai", "gpt-4o"))
	a.RecordFailure()
	assert.Same(t, a, r.Get("openai/gpt-4o"))
	assert.Equal(t, Closed, r.Get(ScopeKey("openai", "gpt-4o-mini")).State())

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "openai/gpt-4o", snaps[0].Scope)
	assert.Equal(t, Open, snaps[0].State)
}
