// Package mcp defines the client side view of a tool provider session
// and the connector that establishes it.
package mcp

import (
	"context"
	"encoding/json"
	"strings"
)

// ServerConfig describes how to launch a tool provider process.
type ServerConfig struct {
	Command string            `json:"command" yaml:"command" validate:"required"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Dir is the working directory of the process
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Disabled servers are not started
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Tool is a tool advertised by a provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsPage is one page of the tool listing.
type ToolsPage struct {
	Tools      []Tool
	NextCursor string
}

// Resource is a resource advertised by a provider.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourcesPage is one page of the resource listing.
type ResourcesPage struct {
	Resources  []Resource
	NextCursor string
}

// ResourceContent is the text content of a resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ContentItem is one item of a tool result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result of a tool call.
type ToolResult struct {
	Items   []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Text returns the text items joined by new line.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		if it.Text != "" {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// NewTextResult returns a result with a single text item.
func NewTextResult(text string) *ToolResult {
	return &ToolResult{Items: []ContentItem{{Type: "text", Text: text}}}
}

// Session is an initialized session with a tool provider.
// Implementations are not required to support concurrent calls.
type Session interface {
	// ListTools returns a page of tools, cursor is empty for the first page
	ListTools(ctx context.Context, cursor string) (*ToolsPage, error)
	// CallTool invokes the tool with JSON encoded arguments
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
	// ListResources returns a page of resources
	ListResources(ctx context.Context, cursor string) (*ResourcesPage, error)
	// ReadResource returns the content of a resource
	ReadResource(ctx context.Context, uri string) ([]ResourceContent, error)
	// Close releases the session and its transport
	Close() error
}

// Connector establishes sessions with tool providers.
type Connector interface {
	// Connect launches the provider, performs the protocol handshake,
	// and returns the session. On failure all acquired resources are released.
	Connect(ctx context.Context, name string, cfg *ServerConfig) (Session, error)
}

// ConnectorFunc is an adapter to use a function as Connector.
type ConnectorFunc func(ctx context.Context, name string, cfg *ServerConfig) (Session, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, name string, cfg *ServerConfig) (Session, error) {
	return f(ctx, name, cfg)
}
