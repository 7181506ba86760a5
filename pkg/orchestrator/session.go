package orchestrator

import (
	"taskorch/pkg/clarify"
	"taskorch/pkg/config"
	"taskorch/pkg/modelpolicy"
)

// Session is the state shared by every task one dispatcher loop runs: the model
// policy with its running cost, and the clarification history.
type Session struct {
	Models  *modelpolicy.Manager
	Clarify *clarify.Engine
}

// NewSession starts an empty session.
func NewSession(models config.ModelsConfig, opts ...modelpolicy.Option) *Session {
	return &Session{
		Models:  modelpolicy.New(models, opts...),
		Clarify: clarify.NewEngine(nil),
	}
}
