// Package session manages the orchestration sessions: each session owns
// its providers, conversation state and reasoning tracker.
package session

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/config"
	"github.com/effective-security/mcporch/conversation"
	"github.com/effective-security/mcporch/mcp"
	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/pkg/llmfactory"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/mcporch/pkg/prompts"
	"github.com/effective-security/mcporch/registry"
	"github.com/effective-security/mcporch/sessionctx"
	"github.com/effective-security/mcporch/store"
	xslices "github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
	"go.uber.org/multierr"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "session")

// SummaryUnavailable is returned by GenerateSummary when the summary fails
const SummaryUnavailable = "Summary is not available."

var (
	// ErrSessionNotFound is returned for an unknown session ID
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when the session is being cleaned up
	ErrSessionClosed = errors.New("session is closed")
)

// Manager holds the sessions.
type Manager struct {
	cfg       *config.Config
	connector mcp.Connector
	factory   llmfactory.Factory
	llm       llms.Model
	summary   llms.Model
	store     store.TranscriptStore
	callback  orchestrator.Callback
	retention time.Duration

	lock     sync.RWMutex
	sessions map[string]*Session
}

// Option configures the Manager
type Option func(*Manager)

// WithConnector sets the provider connector, the stdio connector by default.
func WithConnector(c mcp.Connector) Option {
	return func(m *Manager) {
		m.connector = c
	}
}

// WithFactory sets the model factory, by default created from the LLM config.
func WithFactory(f llmfactory.Factory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

// WithModel sets the model of the sessions.
func WithModel(llm llms.Model) Option {
	return func(m *Manager) {
		m.llm = llm
	}
}

// WithSummaryModel sets the model of GenerateSummary.
func WithSummaryModel(llm llms.Model) Option {
	return func(m *Manager) {
		m.summary = llm
	}
}

// WithStore sets the transcript store, in memory by default.
func WithStore(s store.TranscriptStore) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithCallback sets the callback of the sessions.
func WithCallback(cb orchestrator.Callback) Option {
	return func(m *Manager) {
		m.callback = cb
	}
}

// NewManager returns the session manager.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.SetDefaults()

	m := &Manager{
		cfg:      cfg,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		opt(m)
	}

	retention, err := cfg.Store.RetentionPeriod()
	if err != nil {
		return nil, err
	}
	m.retention = retention

	if m.connector == nil {
		timeout, err := cfg.Session.Timeout()
		if err != nil {
			return nil, err
		}
		c := mcp.NewStdioConnector()
		c.ConnectTimeout = timeout
		m.connector = c
	}
	if m.factory == nil && m.llm == nil {
		m.factory = llmfactory.New(&cfg.LLM)
	}
	if m.store == nil {
		m.store = store.NewMemoryStore(cfg.Store.MaxEntries)
	}
	return m, nil
}

// Store returns the transcript store.
func (m *Manager) Store() store.TranscriptStore {
	return m.store
}

func (m *Manager) model() (llms.Model, error) {
	if m.llm != nil {
		return m.llm, nil
	}
	llm, err := m.factory.PurposeModel(llmfactory.PurposeOrchestrator)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create model")
	}
	return llm, nil
}

func (m *Manager) summaryModel(s *Session) llms.Model {
	if m.summary != nil {
		return m.summary
	}
	if m.factory != nil {
		llm, err := m.factory.PurposeModel(llmfactory.PurposeSummary)
		if err == nil {
			return llm
		}
		logger.KV(xlog.DEBUG, "status", "summary_model_fallback", "err", err.Error())
	}
	return s.orch.Model()
}

// InitializeSession connects the providers and returns the session ID and
// the status of each provider: "connected" or "failed: <reason>".
// The servers from the config are used when servers is nil.
// A provider failure does not fail the session.
func (m *Manager) InitializeSession(ctx context.Context, servers map[string]*mcp.ServerConfig) (string, map[string]string, error) {
	if servers == nil {
		servers = m.cfg.EnabledServers()
	}

	llm, err := m.model()
	if err != nil {
		return "", nil, err
	}

	id := sessionctx.NewID()
	sctx := sessionctx.New(id, "")
	ctx = sessionctx.WithContext(ctx, sctx)

	reg := registry.New(m.connector, registry.WithConcurrency(m.cfg.Session.InitConcurrency))
	statuses := reg.Initialize(ctx, servers)

	prompt, err := prompts.SystemPrompt(reg.AvailableTools(), &m.cfg.Session.SystemPrompt)
	if err != nil {
		_ = reg.Close()
		return "", nil, errors.WithMessage(err, "failed to generate system prompt")
	}

	state := conversation.New(m.cfg.Session.MaxHistory)
	state.SetSystemMessage(prompt)

	var opts []orchestrator.Option
	if m.callback != nil {
		opts = append(opts, orchestrator.WithCallback(m.callback))
	}

	s := &Session{
		id:       id,
		registry: reg,
		orch:     orchestrator.New(llm, reg, state, m.cfg.Orchestrator, opts...),
		created:  time.Now(),
	}

	m.lock.Lock()
	m.sessions[id] = s
	m.lock.Unlock()

	logger.ContextKV(ctx, xlog.INFO,
		"status", "session_initialized",
		"session", id,
		"model", llm.GetName(),
		"providers", len(statuses),
		"tools", len(reg.AvailableTools()),
	)
	return id, statuses, nil
}

func (m *Manager) get(id string) (*Session, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s := m.sessions[id]
	if s == nil {
		return nil, errors.WithMessagef(ErrSessionNotFound, "%q", id)
	}
	return s, nil
}

// ProcessQuery runs the query in the session. The queries of one session
// are serialized. The error is returned for an unknown or closed session
// and for a cancelled query, other failures are reported in the result.
func (m *Manager) ProcessQuery(ctx context.Context, id, text string, mode orchestrator.Mode) (*orchestrator.Result, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.start(cancel) {
		return nil, errors.WithMessagef(ErrSessionClosed, "%q", id)
	}
	defer s.finish()

	qctx = sessionctx.WithContext(qctx, sessionctx.New(id, ""))
	res := s.orch.ProcessQuery(qctx, text, mode)
	s.last = res

	m.record(qctx, text, res)

	if err := qctx.Err(); err != nil {
		return res, errors.WithMessage(err, "query cancelled")
	}
	return res, nil
}

// record appends the query to the transcript, failures are logged
func (m *Manager) record(ctx context.Context, text string, res *orchestrator.Result) {
	// the transcript is written after a cancelled query as well
	ctx = context.WithoutCancel(ctx)

	if err := m.store.Add(ctx, store.NewEntry(ctx, text, res)); err != nil {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "transcript_failed",
			"err", err.Error(),
		)
		return
	}
	if len(m.store.Entries(ctx)) == 1 {
		err := m.store.UpdateSession(ctx, xslices.StringUpto(text, 64), map[string]any{
			"mode": string(res.Mode),
		})
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "transcript_update_failed",
				"err", err.Error(),
			)
		}
	}
}

// GenerateSummary returns a summary of the result, or of the last result
// of the session when result is nil. SummaryUnavailable is returned on
// failure.
func (m *Manager) GenerateSummary(ctx context.Context, id string, result *orchestrator.Result) string {
	s, err := m.get(id)
	if err != nil {
		return SummaryUnavailable
	}
	if result == nil {
		s.lock.Lock()
		result = s.last
		s.lock.Unlock()
	}
	if result == nil {
		return SummaryUnavailable
	}

	ctx = sessionctx.WithContext(ctx, sessionctx.New(id, ""))
	summary, err := orchestrator.Summarize(ctx, m.summaryModel(s), result, m.cfg.Orchestrator.MaxTokens)
	if err != nil {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "summary_failed",
			"session", id,
			"err", err.Error(),
		)
		return SummaryUnavailable
	}
	return summary
}

// CleanupSession cancels the query in flight, closes the providers and
// removes the session. The close failures are combined in the returned error.
func (m *Manager) CleanupSession(ctx context.Context, id string) error {
	m.lock.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.lock.Unlock()

	if s == nil {
		return errors.WithMessagef(ErrSessionNotFound, "%q", id)
	}

	s.close()

	// wait for the query in flight
	s.lock.Lock()
	defer s.lock.Unlock()

	err := s.registry.Close()
	s.orch.Tracker().Reset()
	s.orch.State().Clear(false)

	logger.ContextKV(ctx, xlog.INFO,
		"status", "session_cleaned_up",
		"session", id,
		"age", time.Since(s.created).String(),
		"failed", err != nil,
	)
	if err != nil {
		return errors.WithMessagef(err, "session %q", id)
	}
	return nil
}

// Shutdown cleans up all sessions and removes the transcripts older
// than the configured retention.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	for _, id := range m.Sessions() {
		if cerr := m.CleanupSession(ctx, id); cerr != nil && !errors.Is(cerr, ErrSessionNotFound) {
			err = multierr.Append(err, cerr)
		}
	}

	if m.retention > 0 {
		deleted, cerr := m.store.Cleanup(ctx, m.retention)
		if cerr != nil {
			err = multierr.Append(err, errors.WithMessage(cerr, "failed to clean up transcripts"))
		} else if deleted > 0 {
			logger.ContextKV(ctx, xlog.INFO,
				"status", "transcripts_removed",
				"count", deleted,
				"retention", m.retention.String(),
			)
		}
	}
	return err
}

// Sessions returns the IDs of the active sessions.
func (m *Manager) Sessions() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return slices.Sorted(maps.Keys(m.sessions))
}

// Tools returns the tools available in the session.
func (m *Manager) Tools(id string) ([]llms.Tool, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.registry.AvailableTools(), nil
}

// Statuses returns the status of each provider of the session.
func (m *Manager) Statuses(id string) (map[string]string, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.registry.Statuses(), nil
}

// Resources returns the resources of the session providers.
func (m *Manager) Resources(ctx context.Context, id string) ([]registry.ProviderResources, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.registry.ListResources(ctx), nil
}

// ReadResource reads the resource from the session provider.
func (m *Manager) ReadResource(ctx context.Context, id, providerName, uri string) ([]mcp.ResourceContent, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.registry.ReadResource(ctx, providerName, uri)
}

// Messages returns the conversation log of the session.
func (m *Manager) Messages(id string) ([]conversation.Message, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.orch.State().Messages(), nil
}

// Transcript returns the stored entries of the session.
func (m *Manager) Transcript(ctx context.Context, id string) []store.Entry {
	return m.store.Entries(sessionctx.WithContext(ctx, sessionctx.New(id, "")))
}
