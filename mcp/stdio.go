package mcp

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/mcp/stdiotransport"
	"github.com/effective-security/xlog"
	mcpgolang "github.com/metoro-io/mcp-golang"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "mcp")

// DefaultConnectTimeout bounds the protocol handshake.
const DefaultConnectTimeout = 30 * time.Second

// StdioConnector launches providers as child processes.
type StdioConnector struct {
	// ConnectTimeout bounds the handshake, DefaultConnectTimeout if zero
	ConnectTimeout time.Duration
	// GracePeriod is the time given to a process to exit on Close
	GracePeriod time.Duration
}

// NewStdioConnector returns a connector with default settings.
func NewStdioConnector() *StdioConnector {
	return &StdioConnector{
		ConnectTimeout: DefaultConnectTimeout,
		GracePeriod:    stdiotransport.DefaultGracePeriod,
	}
}

// Connect implements Connector
func (c *StdioConnector) Connect(ctx context.Context, name string, cfg *ServerConfig) (Session, error) {
	if cfg == nil || cfg.Command == "" {
		return nil, errors.Errorf("mcp: command is required for server %q", name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
	}

	tr, err := stdiotransport.New(name, cmd)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to launch server %q", name)
	}
	if c.GracePeriod > 0 {
		tr.GracePeriod = c.GracePeriod
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := mcpgolang.NewClient(tr)
	_, err = client.Initialize(ictx)
	if err != nil {
		_ = tr.Close()
		return nil, errors.Wrapf(err, "failed to initialize server %q", name)
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "initialized",
		"server", name,
		"pid", cmd.Process.Pid,
	)

	return &stdioSession{
		name:      name,
		client:    client,
		transport: tr,
	}, nil
}

// stdioSession serializes calls so the tool error flag reported by the
// transport belongs to the current call.
type stdioSession struct {
	name      string
	client    *mcpgolang.Client
	transport *stdiotransport.Transport
	lock      sync.Mutex
}

func cursorPtr(cursor string) *string {
	if cursor == "" {
		return nil
	}
	return &cursor
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *stdioSession) ListTools(ctx context.Context, cursor string) (*ToolsPage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	res, err := s.client.ListTools(ctx, cursorPtr(cursor))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tools of %q", s.name)
	}

	page := &ToolsPage{
		NextCursor: deref(res.NextCursor),
		Tools:      make([]Tool, 0, len(res.Tools)),
	}
	for _, t := range res.Tools {
		tool := Tool{
			Name:        t.Name,
			Description: deref(t.Description),
		}
		if t.InputSchema != nil {
			js, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid input schema for tool %q", t.Name)
			}
			tool.InputSchema = js
		}
		page.Tools = append(page.Tools, tool)
	}
	return page, nil
}

func (s *stdioSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var arguments any = map[string]any{}
	if len(args) > 0 {
		arguments = args
	}

	s.transport.ResetToolError()
	res, err := s.client.CallTool(ctx, name, arguments)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call tool %q", name)
	}

	result := &ToolResult{
		IsError: s.transport.ToolError(),
	}
	for _, c := range res.Content {
		if c == nil {
			continue
		}
		item := ContentItem{Type: string(c.Type)}
		switch {
		case c.TextContent != nil:
			item.Text = c.TextContent.Text
		case c.EmbeddedResource != nil && c.EmbeddedResource.TextResourceContents != nil:
			item.Text = c.EmbeddedResource.TextResourceContents.Text
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (s *stdioSession) ListResources(ctx context.Context, cursor string) (*ResourcesPage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	res, err := s.client.ListResources(ctx, cursorPtr(cursor))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list resources of %q", s.name)
	}
	page := &ResourcesPage{
		NextCursor: deref(res.NextCursor),
		Resources:  make([]Resource, 0, len(res.Resources)),
	}
	for _, r := range res.Resources {
		if r == nil {
			continue
		}
		page.Resources = append(page.Resources, Resource{
			URI:         r.Uri,
			Name:        r.Name,
			Description: deref(r.Description),
			MIMEType:    deref(r.MimeType),
		})
	}
	return page, nil
}

func (s *stdioSession) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	res, err := s.client.ReadResource(ctx, uri)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read resource %q", uri)
	}
	var list []ResourceContent
	for _, c := range res.Contents {
		if c == nil || c.TextResourceContents == nil {
			continue
		}
		list = append(list, ResourceContent{
			URI:      c.TextResourceContents.Uri,
			MIMEType: deref(c.TextResourceContents.MimeType),
			Text:     c.TextResourceContents.Text,
		})
	}
	return list, nil
}

func (s *stdioSession) Close() error {
	return s.transport.Close()
}
