// Package provider manages the connection to a single tool provider and
// exposes its tools under namespaced names.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/mcp"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/mcporch/pkg/metricskey"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "provider")

// maxPages bounds the tool listing when a provider keeps returning cursors
const maxPages = 100

// Status of the handle
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

// ToolName returns the namespaced name of the native tool.
// Dots are not accepted by model vendors and replaced with underscore.
func ToolName(providerName, native string) string {
	return strings.ReplaceAll(providerName+"_"+native, ".", "_")
}

// Handle is a connection to one tool provider.
//
// The status moves from initializing to either connected or failed,
// and never back. Calls to the provider are serialized.
type Handle struct {
	name      string
	cfg       *mcp.ServerConfig
	connector mcp.Connector

	// call serializes the access to the session
	call sync.Mutex

	lock    sync.RWMutex
	status  Status
	err     error
	started bool
	closed  bool
	session mcp.Session
	tools   []llms.Tool
	// nameMap maps namespaced names to native names
	nameMap map[string]string
}

// New returns a handle for the provider.
func New(name string, cfg *mcp.ServerConfig, connector mcp.Connector) *Handle {
	return &Handle{
		name:      name,
		cfg:       cfg,
		connector: connector,
		status:    StatusInitializing,
		nameMap:   map[string]string{},
	}
}

// Name returns the provider name.
func (h *Handle) Name() string {
	return h.name
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.status
}

// Err returns the initialization error, if any.
func (h *Handle) Err() error {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.err
}

// Tools returns the namespaced tool definitions.
func (h *Handle) Tools() []llms.Tool {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if h.status != StatusConnected {
		return nil
	}
	return append([]llms.Tool(nil), h.tools...)
}

// NativeName returns the native name for the namespaced tool.
func (h *Handle) NativeName(namespaced string) (string, bool) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	native, ok := h.nameMap[namespaced]
	return native, ok
}

// Initialize connects to the provider and loads its tools.
// On failure the handle moves to failed status and the returned error
// is a *ConnectionError.
func (h *Handle) Initialize(ctx context.Context) ([]llms.Tool, error) {
	h.lock.Lock()
	if h.started {
		h.lock.Unlock()
		return nil, errors.Errorf("provider %q is already initialized", h.name)
	}
	h.started = true
	h.lock.Unlock()

	started := time.Now()
	defer metricskey.PerfProviderInit.MeasureSince(started, h.name)

	tools, nameMap, session, err := h.connect(ctx)

	h.lock.Lock()
	defer h.lock.Unlock()

	if err == nil && h.closed {
		err = errors.New("closed during initialization")
	}
	if err != nil {
		if session != nil {
			_ = session.Close()
		}
		h.status = StatusFailed
		h.err = &ConnectionError{Provider: h.name, Err: err}
		metricskey.StatsProviderConnectionsFailed.IncrCounter(1, h.name)
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "provider_failed",
			"provider", h.name,
			"err", err.Error(),
		)
		return nil, h.err
	}

	h.session = session
	h.tools = tools
	h.nameMap = nameMap
	h.status = StatusConnected
	metricskey.StatsProviderConnectionsSucceeded.IncrCounter(1, h.name)

	logger.ContextKV(ctx, xlog.INFO,
		"status", "provider_connected",
		"provider", h.name,
		"tools", len(tools),
		"elapsed", time.Since(started).String(),
	)
	return append([]llms.Tool(nil), tools...), nil
}

func (h *Handle) connect(ctx context.Context) ([]llms.Tool, map[string]string, mcp.Session, error) {
	if h.connector == nil {
		return nil, nil, nil, errors.New("connector is not configured")
	}
	session, err := h.connector.Connect(ctx, h.name, h.cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var native []mcp.Tool
	cursor := ""
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, nil, session, errors.Errorf("too many tool pages")
		}
		res, err := session.ListTools(ctx, cursor)
		if err != nil {
			return nil, nil, session, errors.WithMessage(err, "failed to list tools")
		}
		native = append(native, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}

	tools := make([]llms.Tool, 0, len(native))
	nameMap := make(map[string]string, len(native))
	for _, t := range native {
		name := ToolName(h.name, t.Name)
		if prev, ok := nameMap[name]; ok {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "duplicate_tool_skipped",
				"provider", h.name,
				"tool", t.Name,
				"registered", prev,
			)
			continue
		}
		params, err := ToSchema(t.InputSchema)
		if err != nil {
			return nil, nil, session, errors.WithMessagef(err, "tool %q", t.Name)
		}
		nameMap[name] = t.Name
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        name,
				Description: "[" + h.name + "] " + t.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nameMap, session, nil
}

// ToSchema converts the native input schema to the parameters schema,
// only properties and required are kept.
func ToSchema(native json.RawMessage) (*jsonschema.Schema, error) {
	s := &jsonschema.Schema{}
	if len(native) > 0 && string(native) != "null" {
		if err := json.Unmarshal(native, s); err != nil {
			return nil, errors.Wrap(err, "invalid input schema")
		}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: s.Properties,
		Required:   s.Required,
	}, nil
}

// Execute calls the native tool with JSON encoded arguments.
func (h *Handle) Execute(ctx context.Context, native string, args json.RawMessage) (*mcp.ToolResult, error) {
	h.lock.RLock()
	session, status := h.session, h.status
	h.lock.RUnlock()

	if status != StatusConnected || session == nil {
		return nil, errors.WithMessagef(ErrNotConnected, "provider %q", h.name)
	}

	h.call.Lock()
	defer h.call.Unlock()

	started := time.Now()
	defer metricskey.PerfToolCall.MeasureSince(started, h.name, native)

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "calling_tool",
		"provider", h.name,
		"tool", native,
		"args", slices.StringUpto(string(args), 256),
	)

	res, err := session.CallTool(ctx, native, args)
	if err == nil && res != nil && res.IsError {
		err = &ToolError{Provider: h.name, Tool: native, Result: res}
	} else if err != nil {
		err = &ToolError{Provider: h.name, Tool: native, Err: err}
	} else if res == nil {
		res = &mcp.ToolResult{}
	}
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, h.name, native)
		logger.ContextKV(ctx, xlog.DEBUG,
			"status", "tool_failed",
			"provider", h.name,
			"tool", native,
			"err", err.Error(),
		)
		return nil, err
	}

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, h.name, native)
	return res, nil
}

// ListResources returns all resources of the provider.
func (h *Handle) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	h.lock.RLock()
	session, status := h.session, h.status
	h.lock.RUnlock()
	if status != StatusConnected || session == nil {
		return nil, errors.WithMessagef(ErrNotConnected, "provider %q", h.name)
	}

	h.call.Lock()
	defer h.call.Unlock()

	var list []mcp.Resource
	cursor := ""
	for page := 0; page < maxPages; page++ {
		res, err := session.ListResources(ctx, cursor)
		if err != nil {
			return nil, errors.WithMessagef(err, "provider %q", h.name)
		}
		list = append(list, res.Resources...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			break
		}
		cursor = res.NextCursor
	}
	return list, nil
}

// ReadResource returns the content of the resource.
func (h *Handle) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContent, error) {
	h.lock.RLock()
	session, status := h.session, h.status
	h.lock.RUnlock()
	if status != StatusConnected || session == nil {
		return nil, errors.WithMessagef(ErrNotConnected, "provider %q", h.name)
	}

	h.call.Lock()
	defer h.call.Unlock()
	return session.ReadResource(ctx, uri)
}

// Close releases the session. It is safe to call Close multiple times,
// and before Initialize.
func (h *Handle) Close() error {
	h.lock.Lock()
	session := h.session
	h.session = nil
	h.closed = true
	h.tools = nil
	h.nameMap = map[string]string{}
	h.lock.Unlock()

	if session == nil {
		return nil
	}

	// wait for an in-flight call
	h.call.Lock()
	defer h.call.Unlock()

	if err := session.Close(); err != nil {
		return errors.Wrapf(err, "failed to close provider %q", h.name)
	}
	logger.KV(xlog.DEBUG, "status", "provider_closed", "provider", h.name)
	return nil
}
