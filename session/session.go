package session

import (
	"context"
	"sync"
	"time"

	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/registry"
)

// Session is one orchestration session.
type Session struct {
	id       string
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	created  time.Time

	// lock serializes the queries
	lock sync.Mutex
	last *orchestrator.Result

	// cancelLock guards the state of the query in flight
	cancelLock sync.Mutex
	cancel     context.CancelFunc
	closed     bool
}

// start registers the cancel func of the query, false if the session is closed
func (s *Session) start(cancel context.CancelFunc) bool {
	s.cancelLock.Lock()
	defer s.cancelLock.Unlock()
	if s.closed {
		return false
	}
	s.cancel = cancel
	return true
}

func (s *Session) finish() {
	s.cancelLock.Lock()
	defer s.cancelLock.Unlock()
	s.cancel = nil
}

// close marks the session closed and cancels the query in flight
func (s *Session) close() {
	s.cancelLock.Lock()
	defer s.cancelLock.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}
