package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/reasoning"
)

// Mode selects the depth of the loop for a query.
type Mode string

const (
	// ModeFlat dispatches one round of tool calls and issues one follow-up call
	ModeFlat Mode = "flat"
	// ModeMultiStep runs up to MaxSteps rounds of tool calls
	ModeMultiStep Mode = "multi-step"
)

// ParseMode returns the mode by name, flat is the default.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeMultiStep, "multistep", "multi_step":
		return ModeMultiStep
	}
	return ModeFlat
}

// Status of the query
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusBudgetExceeded Status = "budget_exceeded"
)

const (
	// NoToolsMessage is returned when no provider is connected
	NoToolsMessage = "No tools are available. Please check server connections."
	// SummaryPrompt asks the model to summarize a multi-step analysis
	SummaryPrompt = "Please summarize your findings and insights from the analysis above."
)

var (
	// ErrNoTools is returned when no tools are available
	ErrNoTools = errors.New("no tools available")
	// ErrModelCall is returned when the model call fails
	ErrModelCall = errors.New("model call failed")
)

// ModelCallError describes a failed model call.
type ModelCallError struct {
	Model string
	Err   error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model %q: %v", e.Model, e.Err)
}

// Unwrap returns the cause
func (e *ModelCallError) Unwrap() error { return e.Err }

// Is reports ErrModelCall
func (e *ModelCallError) Is(target error) bool { return target == ErrModelCall }

// BudgetNotice returns the notice appended when the step limit is reached.
func BudgetNotice(steps int) string {
	return fmt.Sprintf("[Stopped after %d tool steps: step limit reached]", steps)
}

// ToolCallRecord describes one attempted tool call.
type ToolCallRecord struct {
	ID        string              `json:"id" yaml:"id"`
	Provider  string              `json:"provider,omitempty" yaml:"provider,omitempty"`
	Name      string              `json:"name" yaml:"name"`
	Arguments json.RawMessage     `json:"arguments,omitempty" yaml:"-"`
	Result    string              `json:"result,omitempty" yaml:"result,omitempty"`
	Error     string              `json:"error,omitempty" yaml:"error,omitempty"`
	Status    Status              `json:"status" yaml:"status"`
	Step      int                 `json:"step,omitempty" yaml:"step,omitempty"`
	Metadata  *reasoning.Metadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Result of a query.
type Result struct {
	ResponseText  string           `json:"response" yaml:"response"`
	ToolCalls     []ToolCallRecord `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Status        Status           `json:"status" yaml:"status"`
	StepsExecuted int              `json:"steps_executed" yaml:"steps_executed"`
	Mode          Mode             `json:"mode" yaml:"mode"`
	// Unsupported lists the segment types that were not handled
	Unsupported []string `json:"unsupported,omitempty" yaml:"unsupported,omitempty"`
	Err         error    `json:"-" yaml:"-"`
}

// ErrorText returns the error message, or empty string.
func (r *Result) ErrorText() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
