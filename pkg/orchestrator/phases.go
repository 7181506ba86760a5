package orchestrator

import (
	"fmt"
)

// Phase is a step of one execution lineage.
type Phase string

const (
	PhasePlanning       Phase = "PLANNING"
	PhaseModelSelection Phase = "MODEL_SELECTION"
	PhaseExecuting      Phase = "EXECUTING"
	PhaseComplete       Phase = "COMPLETE"
	PhaseClarifying     Phase = "CLARIFYING"
	PhaseResolved       Phase = "RESOLVED"
	PhaseEscalated      Phase = "ESCALATED"
	PhaseFailed         Phase = "FAILED"
	PhaseRetryDecision  Phase = "RETRY_DECISION"
	PhaseBackoff        Phase = "BACKOFF"
	PhaseTerminal       Phase = "TERMINAL"
)

// phaseTransitions lists the legal successors of each phase. COMPLETE, ESCALATED and
// TERMINAL end a lineage.
//
//nolint:gochecknoglobals // read-only lookup table
var phaseTransitions = map[Phase][]Phase{
	PhasePlanning:       {PhaseModelSelection},
	PhaseModelSelection: {PhaseExecuting, PhaseTerminal},
	PhaseExecuting:      {PhaseComplete, PhaseClarifying, PhaseFailed, PhaseTerminal},
	PhaseClarifying:     {PhaseResolved, PhaseEscalated},
	PhaseResolved:       {PhaseExecuting},
	PhaseFailed:         {PhaseRetryDecision},
	PhaseRetryDecision:  {PhaseBackoff, PhaseModelSelection, PhaseTerminal},
	PhaseBackoff:        {PhaseExecuting},
	PhaseComplete:       nil,
	PhaseEscalated:      nil,
	PhaseTerminal:       nil,
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Phase) bool {
	for _, p := range phaseTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// machine tracks the phase of one lineage. An illegal transition is a bug in the
// orchestrator, so it panics.
type machine struct {
	phase Phase
	trace []Phase
}

func newMachine() *machine {
	return &machine{phase: PhasePlanning, trace: []Phase{PhasePlanning}}
}

func (m *machine) to(next Phase) {
	if !CanTransition(m.phase, next) {
		panic(fmt.Sprintf("orchestrator: illegal phase transition %s -> %s", m.phase, next))
	}
	m.phase = next
	m.trace = append(m.trace, next)
}

func (m *machine) Trace() []Phase {
	return append([]Phase(nil), m.trace...)
}
