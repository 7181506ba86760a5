// Package circuit provides per-scope circuit breakers for executor calls.
//
// Breaker state is process-local and is rebuilt from CLOSED on restart.
package circuit

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State string

// Circuit breaker states.
const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	Cooldown         time.Duration `json:"cooldown"`          // Time OPEN before a probe is admitted
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Error is returned when a call is rejected by an open breaker.
type Error struct {
	Scope string
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Scope, e.State)
}

// Snapshot is a point-in-time copy of a breaker.
type Snapshot struct {
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Scope               string    `json:"scope"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// StateChangeFunc observes transitions. It is called without the breaker lock held.
type StateChangeFunc func(scope string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one scope.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	config   Config
	scope    string
	now      func() time.Time
	onChange StateChangeFunc

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a CLOSED breaker. Non-positive config values fall back to defaults.
func New(scope string, config Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	b := &Breaker{
		config: config,
		scope:  scope,
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scope returns the breaker's scope key.
func (b *Breaker) Scope() string { return b.scope }

// Allow reports whether a call may proceed. In HALF_OPEN exactly one probe is admitted
// until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.advance() {
	case Closed:
		allowed = true
	case HalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess clears the failure count and closes a HALF_OPEN breaker. A late
// success from a call admitted before the breaker opened leaves it OPEN.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	if b.advance() != Open {
		b.close()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure counts a failure. A failed HALF_OPEN probe reopens with a fresh cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	switch b.advance() {
	case Closed:
		if b.failures >= b.config.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// FailProbe reopens a HALF_OPEN breaker whose admitted probe failed for a reason that
// does not count toward the threshold. In any other state it does nothing.
func (b *Breaker) FailProbe() {
	b.mu.Lock()
	from := b.state
	if b.advance() == HalfOpen && b.probing {
		b.trip()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Release frees an admitted HALF_OPEN probe that produced no outcome, such as a
// cancelled call. The next Allow admits a new probe.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probing = false
	}
}

// State returns the current state, moving OPEN to HALF_OPEN once the cooldown elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	to := b.advance()
	b.mu.Unlock()

	b.notify(from, to)
	return to
}

// Snapshot returns a copy of the breaker's state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Scope:               b.scope,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// Reset forces the breaker CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.close()
	b.mu.Unlock()

	b.notify(from, Closed)
}

// advance must be called with mu held.
func (b *Breaker) advance() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = HalfOpen
		b.probing = false
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.probing = false
}

func (b *Breaker) close() {
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.openedAt = time.Time{}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.scope, from, to)
	}
}

// ScopeKey builds the breaker scope for a provider and model.
func ScopeKey(provider, model string) string {
	return provider + "/" + model
}

// Registry lazily creates one breaker per scope.
type Registry struct {
	config   Config
	opts     []Option
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry; opts apply to every breaker it creates.
func NewRegistry(config Config, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for scope, creating it CLOSED on first use.
func (r *Registry) Get(scope string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[scope]
	if !ok {
		b = New(scope, r.config, r.opts...)
		r.breakers[scope] = b
	}
	return b
}

// Snapshots returns every known breaker ordered by scope.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
