package orchestrator

import (
	"context"

	"github.com/effective-security/mcporch/pkg/llms"
)

// State of the loop
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingModel State = "awaiting_model"
	StateResponding    State = "responding"
	StateDispatching   State = "dispatching"
	StateDone          State = "done"
	StateAborted       State = "aborted"
)

// Callback receives the events of the loop.
type Callback interface {
	OnQueryStart(ctx context.Context, query string, mode Mode)
	OnQueryEnd(ctx context.Context, query string, result *Result)
	OnStateChange(ctx context.Context, from, to State)
	OnModelCallStart(ctx context.Context, llm llms.Model, messages []llms.Message)
	OnModelCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse)
	OnModelCallError(ctx context.Context, llm llms.Model, err error)
	OnToolStart(ctx context.Context, provider, tool string, args string)
	OnToolEnd(ctx context.Context, provider, tool string, args string, output string)
	OnToolError(ctx context.Context, provider, tool string, args string, err error)
	OnToolNotFound(ctx context.Context, tool string)
	OnOwnershipConflict(ctx context.Context, tool string, err error)
}
