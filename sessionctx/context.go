// Package sessionctx carries the session and query identity in a context.
package sessionctx

import (
	"context"
	"strconv"
	"sync"

	"github.com/effective-security/x/values"
	"github.com/effective-security/xdb/pkg/flake"
)

// Context identifies the session and the query being processed.
type Context interface {
	// SessionID returns the ID of the session
	SessionID() string
	// RunID returns the ID of the query run
	RunID() string
	// GetMetadata retrieves metadata by key
	GetMetadata(key string) (value any, ok bool)
	// SetMetadata sets metadata by key
	SetMetadata(key string, value any)
}

type sessionContext struct {
	sessionID string
	runID     string
	metadata  sync.Map
}

func (c *sessionContext) SessionID() string {
	return c.sessionID
}

func (c *sessionContext) RunID() string {
	return c.runID
}

func (c *sessionContext) GetMetadata(key string) (value any, ok bool) {
	return c.metadata.Load(key)
}

func (c *sessionContext) SetMetadata(key string, value any) {
	c.metadata.Store(key, value)
}

// New returns a context for the session, empty IDs are generated.
func New(sessionID, runID string) Context {
	return &sessionContext{
		sessionID: values.StringsCoalesce(sessionID, NewID()),
		runID:     values.StringsCoalesce(runID, NewID()),
	}
}

type contextKey int

const (
	keyContext contextKey = iota
)

// WithContext returns a new context with the session Context value
func WithContext(ctx context.Context, sctx Context) context.Context {
	return context.WithValue(ctx, keyContext, sctx)
}

// FromContext retrieves the session Context, or nil
func FromContext(ctx context.Context) Context {
	if v, ok := ctx.Value(keyContext).(Context); ok {
		return v
	}
	return nil
}

// SessionID retrieves the session ID from the provided context.
// If the context does not contain a session Context, it returns an empty string.
func SessionID(ctx context.Context) string {
	if v := FromContext(ctx); v != nil {
		return v.SessionID()
	}
	return ""
}

// NewID generates a new ID using the flake ID generator.
func NewID() string {
	return strconv.FormatUint(flake.DefaultIDGenerator.NextID(), 10)
}
