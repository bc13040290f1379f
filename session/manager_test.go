package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/config"
	"github.com/effective-security/mcporch/mcp"
	"github.com/effective-security/mcporch/mcp/mcptest"
	"github.com/effective-security/mcporch/mocks/mockllms"
	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/mcporch/session"
	"github.com/effective-security/mcporch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func weatherSession() *mcptest.Session {
	return mcptest.NewSession().AddTool(mcp.Tool{
		Name:        "get_forecast",
		Description: "Get the forecast for a city",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}, func(context.Context, json.RawMessage) (*mcp.ToolResult, error) {
		return mcp.NewTextResult("18°C, clear"), nil
	}).AddResource(mcp.Resource{URI: "weather://cities", Name: "cities"}, "Paris\nRome")
}

// scripted returns the responses in order, the last one is repeated
func scripted(m *mockllms.MockModel, responses ...*llms.ContentResponse) {
	var lock sync.Mutex
	calls := 0
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, []llms.Message, ...llms.CallOption) (*llms.ContentResponse, error) {
			lock.Lock()
			defer lock.Unlock()
			idx := min(calls, len(responses)-1)
			calls++
			return responses[idx], nil
		}).AnyTimes()
}

func response(choices ...*llms.ContentChoice) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: choices}
}

func newModel(ctrl *gomock.Controller) *mockllms.MockModel {
	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetName().Return("test-model").AnyTimes()
	m.EXPECT().GetProviderType().Return(llms.ProviderAnthropic).AnyTimes()
	return m
}

func servers(names ...string) map[string]*mcp.ServerConfig {
	res := map[string]*mcp.ServerConfig{}
	for _, n := range names {
		res[n] = &mcp.ServerConfig{Command: n}
	}
	return res
}

func TestManager_ParisWeather(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	weather := weatherSession()
	connector := mcptest.NewConnector().
		With("weather", weather).
		WithError("broken", errors.New("exec: not found"))

	m := newModel(ctrl)
	scripted(m,
		response(llms.ToolUseChoice("call_1", "weather_get_forecast", `{"city":"Paris"}`)),
		response(llms.TextChoice("It's 18°C and clear in Paris.")),
	)

	mgr, err := session.NewManager(nil, session.WithConnector(connector), session.WithModel(m))
	require.NoError(t, err)

	id, statuses, err := mgr.InitializeSession(ctx, servers("weather", "broken"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, map[string]string{
		"weather": "connected",
		"broken":  "failed: exec: not found",
	}, statuses)
	assert.Equal(t, []string{id}, mgr.Sessions())

	tools, err := mgr.Tools(id)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "weather_get_forecast", tools[0].Name())

	res, err := mgr.ProcessQuery(ctx, id, "What's the weather in Paris?", orchestrator.ModeFlat)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, "It's 18°C and clear in Paris.", res.ResponseText)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "weather", res.ToolCalls[0].Provider)
	assert.Equal(t, "weather_get_forecast", res.ToolCalls[0].Name)
	assert.Equal(t, orchestrator.StatusSuccess, res.ToolCalls[0].Status)

	// user, tool use, tool result and the answer
	msgs, err := mgr.Messages(id)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)

	entries := mgr.Transcript(ctx, id)
	require.Len(t, entries, 1)
	assert.Equal(t, "What's the weather in Paris?", entries[0].Query)
	assert.Equal(t, res.ResponseText, entries[0].Response)

	res2, err := mgr.Resources(ctx, id)
	require.NoError(t, err)
	require.Len(t, res2, 1)
	assert.Equal(t, "weather", res2[0].Provider)

	content, err := mgr.ReadResource(ctx, id, "weather", "weather://cities")
	require.NoError(t, err)
	require.Len(t, content, 1)
	assert.Equal(t, "Paris\nRome", content[0].Text)

	require.NoError(t, mgr.CleanupSession(ctx, id))
	assert.Equal(t, 1, weather.Closed())
	assert.Empty(t, mgr.Sessions())

	_, err = mgr.ProcessQuery(ctx, id, "again", orchestrator.ModeFlat)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.ErrorIs(t, mgr.CleanupSession(ctx, id), session.ErrSessionNotFound)
}

func TestManager_SystemPrompt(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newModel(ctrl)

	var system string
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs []llms.Message, _ ...llms.CallOption) (*llms.ContentResponse, error) {
			system = msgs[0].GetContent()
			return response(llms.TextChoice("ok")), nil
		})

	cfg := &config.Config{}
	cfg.Session.SystemPrompt.UserPrompt = "You are a weather bot."
	mgr, err := session.NewManager(cfg,
		session.WithConnector(mcptest.NewConnector().With("weather", weatherSession())),
		session.WithModel(m))
	require.NoError(t, err)

	ctx := context.Background()
	id, _, err := mgr.InitializeSession(ctx, servers("weather"))
	require.NoError(t, err)
	_, err = mgr.ProcessQuery(ctx, id, "hi", orchestrator.ModeFlat)
	require.NoError(t, err)

	assert.Contains(t, system, "You are a weather bot.")
	assert.Contains(t, system, "weather_get_forecast")
}

func TestManager_UsesConfigServers(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mcptest.NewConnector().With("weather", weatherSession()).With("legacy", weatherSession())

	cfg := &config.Config{MCPServers: servers("weather", "legacy")}
	cfg.MCPServers["legacy"].Disabled = true

	mgr, err := session.NewManager(cfg, session.WithConnector(connector), session.WithModel(newModel(ctrl)))
	require.NoError(t, err)

	id, statuses, err := mgr.InitializeSession(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"weather": "connected"}, statuses)

	st, err := mgr.Statuses(id)
	require.NoError(t, err)
	assert.Equal(t, statuses, st)
	assert.Equal(t, []string{"weather"}, connector.Connected)
	require.NoError(t, mgr.Shutdown(context.Background()))
}

func TestManager_CleanupErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	a := weatherSession()
	a.CloseErr = errors.New("broken pipe")
	b := weatherSession()
	b.CloseErr = errors.New("already exited")

	mgr, err := session.NewManager(nil,
		session.WithConnector(mcptest.NewConnector().With("a", a).With("b", b)),
		session.WithModel(newModel(ctrl)))
	require.NoError(t, err)

	ctx := context.Background()
	id, _, err := mgr.InitializeSession(ctx, servers("a", "b"))
	require.NoError(t, err)

	err = mgr.CleanupSession(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Contains(t, err.Error(), "already exited")
	assert.Equal(t, 1, a.Closed())
	assert.Equal(t, 1, b.Closed())
	assert.Empty(t, mgr.Sessions())
}

func TestManager_CleanupCancelsQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newModel(ctrl)

	started := make(chan struct{})
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ []llms.Message, _ ...llms.CallOption) (*llms.ContentResponse, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	mgr, err := session.NewManager(nil,
		session.WithConnector(mcptest.NewConnector().With("weather", weatherSession())),
		session.WithModel(m))
	require.NoError(t, err)

	ctx := context.Background()
	id, _, err := mgr.InitializeSession(ctx, servers("weather"))
	require.NoError(t, err)
	other, _, err := mgr.InitializeSession(ctx, servers("weather"))
	require.NoError(t, err)

	type outcome struct {
		res *orchestrator.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := mgr.ProcessQuery(ctx, id, "slow", orchestrator.ModeMultiStep)
		done <- outcome{res, err}
	}()

	<-started
	require.NoError(t, mgr.CleanupSession(ctx, id))

	select {
	case o := <-done:
		require.Error(t, o.err)
		assert.True(t, errors.Is(o.err, context.Canceled))
		require.NotNil(t, o.res)
		assert.Equal(t, orchestrator.StatusError, o.res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("query was not cancelled")
	}

	// other sessions are not affected
	assert.Equal(t, []string{other}, mgr.Sessions())
}

func TestManager_GenerateSummary(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newModel(ctrl)
	scripted(m, response(llms.TextChoice("Sunny.")))

	summary := newModel(ctrl)
	summary.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(response(llms.TextChoice("The user asked about the weather.")), nil)
	summary.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("overloaded"))

	mgr, err := session.NewManager(nil,
		session.WithConnector(mcptest.NewConnector().With("weather", weatherSession())),
		session.WithModel(m),
		session.WithSummaryModel(summary),
		session.WithStore(store.NewMemoryStore(0)))
	require.NoError(t, err)

	ctx := context.Background()
	id, _, err := mgr.InitializeSession(ctx, servers("weather"))
	require.NoError(t, err)

	// nothing to summarize yet
	assert.Equal(t, session.SummaryUnavailable, mgr.GenerateSummary(ctx, id, nil))

	res, err := mgr.ProcessQuery(ctx, id, "weather?", orchestrator.ModeFlat)
	require.NoError(t, err)

	assert.Equal(t, "The user asked about the weather.", mgr.GenerateSummary(ctx, id, res))
	assert.Equal(t, session.SummaryUnavailable, mgr.GenerateSummary(ctx, id, nil))
	assert.Equal(t, session.SummaryUnavailable, mgr.GenerateSummary(ctx, "unknown", res))
}

func TestManager_NoTools(t *testing.T) {
	ctrl := gomock.NewController(t)
	mgr, err := session.NewManager(nil,
		session.WithConnector(mcptest.NewConnector().WithError("weather", errors.New("spawn failed"))),
		session.WithModel(newModel(ctrl)))
	require.NoError(t, err)

	ctx := context.Background()
	id, statuses, err := mgr.InitializeSession(ctx, servers("weather"))
	require.NoError(t, err)
	assert.Equal(t, "failed: spawn failed", statuses["weather"])

	res, err := mgr.ProcessQuery(ctx, id, "hi", orchestrator.ModeFlat)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusError, res.Status)
	assert.Equal(t, orchestrator.NoToolsMessage, res.ResponseText)
}

func TestNewManager_InvalidTimeout(t *testing.T) {
	cfg := &config.Config{}
	cfg.Session.ConnectTimeout = "soon"
	_, err := session.NewManager(cfg)
	require.Error(t, err)
}

func TestManager_ShutdownRetention(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := newModel(ctrl)
	scripted(m, response(llms.TextChoice("Sunny.")))

	cfg := &config.Config{}
	cfg.Store.Retention = "1ms"
	st := store.NewMemoryStore(0)
	mgr, err := session.NewManager(cfg,
		session.WithConnector(mcptest.NewConnector().With("weather", weatherSession())),
		session.WithModel(m),
		session.WithStore(st))
	require.NoError(t, err)

	ctx := context.Background()
	id, _, err := mgr.InitializeSession(ctx, servers("weather"))
	require.NoError(t, err)
	_, err = mgr.ProcessQuery(ctx, id, "weather?", orchestrator.ModeFlat)
	require.NoError(t, err)

	// the transcript outlives the session until the retention passes
	require.NoError(t, mgr.CleanupSession(ctx, id))
	ids, err := st.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mgr.Shutdown(ctx))
	ids, err = st.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestNewManager_InvalidRetention(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Retention = "-1h"
	_, err := session.NewManager(cfg, session.WithConnector(mcptest.NewConnector()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid retention "-1h"`)
}
