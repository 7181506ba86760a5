package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"taskorch/pkg/executor"
	"taskorch/pkg/queue"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePlanning, PhaseModelSelection, true},
		{PhasePlanning, PhaseExecuting, false},
		{PhaseModelSelection, PhaseExecuting, true},
		{PhaseExecuting, PhaseComplete, true},
		{PhaseExecuting, PhaseClarifying, true},
		{PhaseExecuting, PhaseFailed, true},
		{PhaseExecuting, PhaseRetryDecision, false},
		{PhaseClarifying, PhaseResolved, true},
		{PhaseClarifying, PhaseEscalated, true},
		{PhaseResolved, PhaseExecuting, true},
		{PhaseFailed, PhaseRetryDecision, true},
		{PhaseRetryDecision, PhaseBackoff, true},
		{PhaseRetryDecision, PhaseModelSelection, true},
		{PhaseRetryDecision, PhaseTerminal, true},
		{PhaseBackoff, PhaseExecuting, true},
		{PhaseBackoff, PhaseModelSelection, false},
		{PhaseComplete, PhaseExecuting, false},
		{PhaseEscalated, PhaseExecuting, false},
		{PhaseTerminal, PhaseModelSelection, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMachineTrace(t *testing.T) {
	m := newMachine()
	m.to(PhaseModelSelection)
	m.to(PhaseExecuting)
	m.to(PhaseFailed)
	m.to(PhaseRetryDecision)
	m.to(PhaseBackoff)
	m.to(PhaseExecuting)
	m.to(PhaseComplete)

	assert.Equal(t, []Phase{
		PhasePlanning, PhaseModelSelection, PhaseExecuting, PhaseFailed,
		PhaseRetryDecision, PhaseBackoff, PhaseExecuting, PhaseComplete,
	}, m.Trace())
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	m := newMachine()
	assert.Panics(t, func() { m.to(PhaseComplete) })
}

func TestOutcomeTableIsExhaustive(t *testing.T) {
	for _, status := range executor.AllStatuses {
		for _, typ := range queue.AllTaskTypes {
			_, ok := outcomes[status][typ]
			assert.True(t, ok, "no outcome for %s/%s", status, typ)
		}
	}
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		status executor.Status
		typ    queue.TaskType
		want   Action
	}{
		{executor.StatusComplete, queue.TypeImplementation, ActionComplete},
		{executor.StatusIncomplete, queue.TypeReadInfo, ActionCompleteOrClarify},
		{executor.StatusNoEvidence, queue.TypeReport, ActionCompleteOrClarify},
		{executor.StatusIncomplete, queue.TypeImplementation, ActionFailIncomplete},
		{executor.StatusNoEvidence, queue.TypeImplementation, ActionFailIncomplete},
		{executor.StatusBlocked, queue.TypeReadInfo, ActionClarify},
		{executor.StatusError, queue.TypeReport, ActionRetry},
		{executor.Status("GARBLED"), queue.TypeReport, ActionRetry},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeFor(tt.status, tt.typ), "%s/%s", tt.status, tt.typ)
	}
}
