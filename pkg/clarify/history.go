package clarify

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Entry is the latest human answer to a normalized question.
type Entry struct {
	RecordedAt time.Time `json:"recorded_at"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
}

// History maps normalized questions to their last answer for one session. It is not
// persisted.
type History struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{entries: make(map[string]Entry), now: time.Now}
}

// NormalizeQuestion lower-cases q, collapses whitespace and strips trailing punctuation
// (ASCII and full-width).
func NormalizeQuestion(q string) string {
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))
	return strings.TrimRight(q, "?!.。？！、, ")
}

// Key is the blake2b-256 hex digest of the normalized question.
func Key(q string) string {
	sum := blake2b.Sum256([]byte(NormalizeQuestion(q)))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the last answer recorded for q.
func (h *History) Lookup(q string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[Key(q)]
	return e.Answer, ok
}

// Record stores answer for q, replacing any earlier answer.
func (h *History) Record(q, answer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[Key(q)] = Entry{Question: q, Answer: answer, RecordedAt: h.now()}
}

// Len returns the number of distinct questions answered.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Entries returns a copy of every entry.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Entry, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e)
	}
	return out
}

// Engine applies the resolver rules first and falls back to the session history. A
// rule never overrides a different answer a human already gave to the same question.
type Engine struct {
	Resolver *Resolver
	History  *History
}

// NewEngine pairs a resolver with a history. A nil history starts an empty one.
func NewEngine(history *History) *Engine {
	if history == nil {
		history = NewHistory()
	}
	return &Engine{Resolver: NewResolver(), History: history}
}

// Resolve answers req by rule, then from history.
func (e *Engine) Resolve(req Request) Resolution {
	res := e.Resolver.Resolve(req)
	answer, ok := e.History.Lookup(req.Question)
	if !ok {
		return res
	}
	if len(req.Options) > 0 {
		if opt, matched := e.Resolver.MatchOption(answer, req.Options); matched {
			answer = opt
		}
	}
	if res.Resolved && strings.EqualFold(strings.TrimSpace(res.Answer), strings.TrimSpace(answer)) {
		return res
	}
	return Resolution{Resolved: true, Answer: answer, Rule: RuleHistory, Reason: "answered earlier in this session"}
}
