package provider

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/mcp"
)

var (
	// ErrProviderConnection is returned when a provider can not be launched or initialized
	ErrProviderConnection = errors.New("provider connection failed")
	// ErrToolExecution is returned when a tool call fails or the provider flags the result as error
	ErrToolExecution = errors.New("tool execution failed")
	// ErrNotConnected is returned for calls on a handle that is not connected
	ErrNotConnected = errors.New("provider is not connected")
)

// ConnectionError describes a failed provider initialization.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("provider %q: %v", e.Provider, e.Err)
}

// Unwrap returns the cause
func (e *ConnectionError) Unwrap() error { return e.Err }

// Is reports ErrProviderConnection
func (e *ConnectionError) Is(target error) bool { return target == ErrProviderConnection }

// ToolError describes a failed tool call.
type ToolError struct {
	Provider string
	Tool     string
	// Result is set when the provider returned a result flagged as error
	Result *mcp.ToolResult
	Err    error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if txt := e.Result.Text(); txt != "" {
		return txt
	}
	return fmt.Sprintf("tool %q returned an error", e.Tool)
}

// Unwrap returns the cause
func (e *ToolError) Unwrap() error { return e.Err }

// Is reports ErrToolExecution
func (e *ToolError) Is(target error) bool { return target == ErrToolExecution }
