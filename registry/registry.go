// Package registry aggregates the tools of all connected providers under
// a single namespace.
package registry

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/mcp"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/mcporch/provider"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "registry")

// ErrToolNotFound is returned when a namespaced name does not resolve
var ErrToolNotFound = errors.New("tool not found")

// DefaultConcurrency is the number of providers initialized at once
const DefaultConcurrency = 4

// StatusConnected is reported for providers that initialized successfully
const StatusConnected = "connected"

type entry struct {
	handle *provider.Handle
	native string
}

// Registry owns the provider handles of a session.
type Registry struct {
	connector   mcp.Connector
	concurrency int

	lock    sync.RWMutex
	handles []*provider.Handle
	index   map[string]entry
}

// Option configures the Registry
type Option func(*Registry)

// WithConcurrency limits the number of concurrent provider initializations.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		r.concurrency = n
	}
}

// New returns an empty registry.
func New(connector mcp.Connector, opts ...Option) *Registry {
	r := &Registry{
		connector: connector,
		index:     map[string]entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.concurrency = values.NumbersCoalesce(r.concurrency, DefaultConcurrency)
	return r
}

// Initialize creates a handle per provider and connects them concurrently.
// Failures are isolated, the returned map has a status for each provider:
// "connected" or "failed: <reason>".
func (r *Registry) Initialize(ctx context.Context, configs map[string]*mcp.ServerConfig) map[string]string {
	names := slices.Sorted(maps.Keys(configs))
	handles := make([]*provider.Handle, len(names))
	for i, name := range names {
		handles[i] = provider.New(name, configs[name], r.connector)
	}

	r.lock.Lock()
	r.handles = append(r.handles, handles...)
	r.lock.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, h := range handles {
		g.Go(func() error {
			// errors are recorded on the handle
			_, _ = h.Initialize(gctx)
			return nil
		})
	}
	_ = g.Wait()

	r.rebuild(ctx)

	statuses := make(map[string]string, len(handles))
	for _, h := range handles {
		statuses[h.Name()] = statusOf(h)
	}
	return statuses
}

func statusOf(h *provider.Handle) string {
	switch h.Status() {
	case provider.StatusConnected:
		return StatusConnected
	case provider.StatusFailed:
		reason := "unknown error"
		var cerr *provider.ConnectionError
		if errors.As(h.Err(), &cerr) && cerr.Err != nil {
			reason = cerr.Err.Error()
		} else if err := h.Err(); err != nil {
			reason = err.Error()
		}
		return "failed: " + reason
	default:
		return string(h.Status())
	}
}

// rebuild recomputes the name index from connected handles,
// the first registration of a name wins.
func (r *Registry) rebuild(ctx context.Context) {
	r.lock.Lock()
	defer r.lock.Unlock()

	index := map[string]entry{}
	for _, h := range r.handles {
		if h.Status() != provider.StatusConnected {
			continue
		}
		for _, t := range h.Tools() {
			name := t.Name()
			native, ok := h.NativeName(name)
			if !ok {
				continue
			}
			if prev, exists := index[name]; exists {
				logger.ContextKV(ctx, xlog.WARNING,
					"status", "duplicate_tool_skipped",
					"tool", name,
					"provider", h.Name(),
					"registered_by", prev.handle.Name(),
				)
				continue
			}
			index[name] = entry{handle: h, native: native}
		}
	}
	r.index = index
}

// AvailableTools returns the tools of the connected providers,
// in provider order.
func (r *Registry) AvailableTools() []llms.Tool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var tools []llms.Tool
	for _, h := range r.handles {
		for _, t := range h.Tools() {
			if e, ok := r.index[t.Name()]; ok && e.handle == h {
				tools = append(tools, t)
			}
		}
	}
	return tools
}

// Resolve returns the handle and the native name of the namespaced tool.
func (r *Registry) Resolve(name string) (*provider.Handle, string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	e, ok := r.index[name]
	if !ok {
		return nil, "", errors.WithMessagef(ErrToolNotFound, "%q", name)
	}
	return e.handle, e.native, nil
}

// Handles returns all handles, including failed.
func (r *Registry) Handles() []*provider.Handle {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]*provider.Handle(nil), r.handles...)
}

// Handle returns the handle by provider name.
func (r *Registry) Handle(name string) *provider.Handle {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, h := range r.handles {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

// Statuses returns the status of each provider.
func (r *Registry) Statuses() map[string]string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	statuses := make(map[string]string, len(r.handles))
	for _, h := range r.handles {
		statuses[h.Name()] = statusOf(h)
	}
	return statuses
}

// ProviderResources are the resources of one provider.
type ProviderResources struct {
	Provider  string         `json:"provider" yaml:"provider"`
	Resources []mcp.Resource `json:"resources,omitempty" yaml:"resources,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// ListResources returns the resources of every connected provider,
// a failure for one provider is reported in its entry.
func (r *Registry) ListResources(ctx context.Context) []ProviderResources {
	var list []ProviderResources
	for _, h := range r.Handles() {
		if h.Status() != provider.StatusConnected {
			continue
		}
		pr := ProviderResources{Provider: h.Name()}
		res, err := h.ListResources(ctx)
		if err != nil {
			pr.Error = err.Error()
		}
		pr.Resources = res
		list = append(list, pr)
	}
	return list
}

// ReadResource reads the resource from the provider.
func (r *Registry) ReadResource(ctx context.Context, providerName, uri string) ([]mcp.ResourceContent, error) {
	h := r.Handle(providerName)
	if h == nil {
		return nil, errors.Errorf("provider not found: %s", providerName)
	}
	return h.ReadResource(ctx, uri)
}

// Close closes all handles and returns the combined error.
func (r *Registry) Close() error {
	var err error
	for _, h := range r.Handles() {
		err = multierr.Append(err, h.Close())
	}
	r.rebuild(context.Background())
	return err
}
