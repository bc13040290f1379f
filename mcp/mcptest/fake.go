// Package mcptest provides in-memory tool provider sessions for tests.
package mcptest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/mcp"
)

// Handler serves a tool call.
type Handler func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error)

// Session is an in-memory mcp.Session.
type Session struct {
	// PageSize splits the tool listing into pages, zero for a single page
	PageSize int
	// ListErr is returned by ListTools
	ListErr error
	// CloseErr is returned by Close
	CloseErr error

	lock      sync.Mutex
	tools     []mcp.Tool
	handlers  map[string]Handler
	resources map[string]mcp.ResourceContent
	order     []mcp.Resource
	calls     []Call
	closed    int
}

// Call is a recorded tool call.
type Call struct {
	Name string
	Args json.RawMessage
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{
		handlers:  map[string]Handler{},
		resources: map[string]mcp.ResourceContent{},
	}
}

// AddTool registers a tool.
func (s *Session) AddTool(tool mcp.Tool, h Handler) *Session {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = h
	return s
}

// AddTextTool registers a tool that returns a fixed text.
func (s *Session) AddTextTool(name, description, text string) *Session {
	return s.AddTool(mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(context.Context, json.RawMessage) (*mcp.ToolResult, error) {
		return mcp.NewTextResult(text), nil
	})
}

// AddResource registers a text resource.
func (s *Session) AddResource(res mcp.Resource, text string) *Session {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.order = append(s.order, res)
	s.resources[res.URI] = mcp.ResourceContent{URI: res.URI, MIMEType: res.MIMEType, Text: text}
	return s
}

// Calls returns the recorded tool calls.
func (s *Session) Calls() []Call {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]Call(nil), s.calls...)
}

// Closed returns the number of Close calls.
func (s *Session) Closed() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// ListTools implements mcp.Session
func (s *Session) ListTools(_ context.Context, cursor string) (*mcp.ToolsPage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}

	start := 0
	if cursor != "" {
		if err := json.Unmarshal([]byte(cursor), &start); err != nil {
			return nil, errors.Errorf("invalid cursor: %s", cursor)
		}
	}
	end := len(s.tools)
	if s.PageSize > 0 && start+s.PageSize < end {
		end = start + s.PageSize
	}
	page := &mcp.ToolsPage{
		Tools: append([]mcp.Tool(nil), s.tools[start:end]...),
	}
	if end < len(s.tools) {
		js, _ := json.Marshal(end)
		page.NextCursor = string(js)
	}
	return page, nil
}

// CallTool implements mcp.Session
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	s.lock.Lock()
	s.calls = append(s.calls, Call{Name: name, Args: args})
	h := s.handlers[name]
	s.lock.Unlock()

	if h == nil {
		return nil, errors.Errorf("tool not found: %s", name)
	}
	return h(ctx, args)
}

// ListResources implements mcp.Session
func (s *Session) ListResources(context.Context, string) (*mcp.ResourcesPage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return &mcp.ResourcesPage{Resources: append([]mcp.Resource(nil), s.order...)}, nil
}

// ReadResource implements mcp.Session
func (s *Session) ReadResource(_ context.Context, uri string) ([]mcp.ResourceContent, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.resources[uri]
	if !ok {
		return nil, errors.Errorf("resource not found: %s", uri)
	}
	return []mcp.ResourceContent{c}, nil
}

// Close implements mcp.Session
func (s *Session) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed++
	return s.CloseErr
}

// Connector serves pre-built sessions by provider name.
type Connector struct {
	lock     sync.Mutex
	sessions map[string]*Session
	errs     map[string]error
	// Connected lists the names in the order of successful connects
	Connected []string
}

// NewConnector returns an empty connector.
func NewConnector() *Connector {
	return &Connector{
		sessions: map[string]*Session{},
		errs:     map[string]error{},
	}
}

// With registers a session for the provider name.
func (c *Connector) With(name string, s *Session) *Connector {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sessions[name] = s
	return c
}

// WithError makes Connect fail for the provider name.
func (c *Connector) WithError(name string, err error) *Connector {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.errs[name] = err
	return c
}

// Connect implements mcp.Connector
func (c *Connector) Connect(ctx context.Context, name string, _ *mcp.ServerConfig) (mcp.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.errs[name]; err != nil {
		return nil, err
	}
	s := c.sessions[name]
	if s == nil {
		return nil, errors.Errorf("unknown server: %s", name)
	}
	c.Connected = append(c.Connected, name)
	return s, nil
}
