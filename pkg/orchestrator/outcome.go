package orchestrator

import (
	"taskorch/pkg/executor"
	"taskorch/pkg/queue"
)

// Action is what the orchestrator does with an executor result.
type Action string

const (
	// ActionComplete finishes the lineage with the output.
	ActionComplete Action = "complete"
	// ActionCompleteOrClarify completes when there is output, otherwise asks.
	ActionCompleteOrClarify Action = "complete_or_clarify"
	// ActionFailIncomplete ends in ERROR, keeping the output.
	ActionFailIncomplete Action = "fail_incomplete"
	// ActionClarify routes the question through the clarification engine.
	ActionClarify Action = "clarify"
	// ActionRetry treats the result as a failure for the retry manager.
	ActionRetry Action = "retry"
)

// outcomes is the executor status x task type policy.
//
//nolint:gochecknoglobals // read-only lookup table
var outcomes = map[executor.Status]map[queue.TaskType]Action{
	executor.StatusComplete: {
		queue.TypeReadInfo:       ActionComplete,
		queue.TypeReport:         ActionComplete,
		queue.TypeImplementation: ActionComplete,
	},
	executor.StatusIncomplete: {
		queue.TypeReadInfo:       ActionCompleteOrClarify,
		queue.TypeReport:         ActionCompleteOrClarify,
		queue.TypeImplementation: ActionFailIncomplete,
	},
	executor.StatusNoEvidence: {
		queue.TypeReadInfo:       ActionCompleteOrClarify,
		queue.TypeReport:         ActionCompleteOrClarify,
		queue.TypeImplementation: ActionFailIncomplete,
	},
	executor.StatusBlocked: {
		queue.TypeReadInfo:       ActionClarify,
		queue.TypeReport:         ActionClarify,
		queue.TypeImplementation: ActionClarify,
	},
	executor.StatusError: {
		queue.TypeReadInfo:       ActionRetry,
		queue.TypeReport:         ActionRetry,
		queue.TypeImplementation: ActionRetry,
	},
}

// OutcomeFor looks up the action for an executor status and task type. Unknown
// combinations are treated as failures.
func OutcomeFor(status executor.Status, typ queue.TaskType) Action {
	if byType, ok := outcomes[status]; ok {
		if action, ok := byType[typ]; ok {
			return action
		}
	}
	return ActionRetry
}
