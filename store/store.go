// Package store persists the transcript of the processed queries per session.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/sessionctx"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "store")

// DefaultMaxEntries is the number of entries kept per session
const DefaultMaxEntries = 50

// ErrInvalidSessionContext is returned when the context has no session
var ErrInvalidSessionContext = errors.New("invalid session context")

// Entry is one processed query.
type Entry struct {
	RunID         string                        `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Query         string                        `json:"query" yaml:"query"`
	Response      string                        `json:"response" yaml:"response"`
	Mode          orchestrator.Mode             `json:"mode" yaml:"mode"`
	Status        orchestrator.Status           `json:"status" yaml:"status"`
	StepsExecuted int                           `json:"steps_executed" yaml:"steps_executed"`
	ToolCalls     []orchestrator.ToolCallRecord `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Error         string                        `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt     time.Time                     `json:"created_at" yaml:"created_at"`
}

// NewEntry returns the entry for the query result.
func NewEntry(ctx context.Context, query string, res *orchestrator.Result) *Entry {
	e := &Entry{
		Query:         query,
		Response:      res.ResponseText,
		Mode:          res.Mode,
		Status:        res.Status,
		StepsExecuted: res.StepsExecuted,
		ToolCalls:     res.ToolCalls,
		Error:         res.ErrorText(),
		CreatedAt:     time.Now().UTC(),
	}
	if sctx := sessionctx.FromContext(ctx); sctx != nil {
		e.RunID = sctx.RunID()
	}
	return e
}

// SessionInfo describes a stored session.
type SessionInfo struct {
	SessionID string         `json:"session_id" yaml:"session_id"`
	Title     string         `json:"title" yaml:"title"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Entries   []Entry        `json:"entries,omitempty" yaml:"entries,omitempty"`
}

// TranscriptStore keeps the entries of the session from the context,
// see sessionctx.WithContext.
type TranscriptStore interface {
	// Entries returns the entries of the session
	Entries(ctx context.Context) []Entry
	// Add appends the entry to the session transcript
	Add(ctx context.Context, e *Entry) error
	// Reset removes the session transcript
	Reset(ctx context.Context) error
	// UpdateSession sets the title and merges the metadata
	UpdateSession(ctx context.Context, title string, metadata map[string]any) error
	// GetSessionInfo returns the session by ID, empty ID for the session from the context
	GetSessionInfo(ctx context.Context, id string) (*SessionInfo, error)
	// ListSessions returns the stored session IDs
	ListSessions(ctx context.Context) ([]string, error)
	// Cleanup removes the sessions not updated for the duration
	Cleanup(ctx context.Context, olderThan time.Duration) (uint32, error)
}

func sessionID(ctx context.Context) (string, error) {
	id := sessionctx.SessionID(ctx)
	if id == "" {
		return "", ErrInvalidSessionContext
	}
	return id, nil
}
