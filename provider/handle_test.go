package provider_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/mcp"
	"github.com/effective-security/mcporch/mcp/mcptest"
	"github.com/effective-security/mcporch/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherSession() *mcptest.Session {
	return mcptest.NewSession().
		AddTool(mcp.Tool{
			Name:        "get_forecast",
			Description: "Get forecast",
			InputSchema: json.RawMessage(`{"type":"object","$schema":"x","properties":{"city":{"type":"string"},"days":{"type":"integer"}},"required":["city"],"additionalProperties":false}`),
		}, func(_ context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
			return mcp.NewTextResult("sunny " + string(args)), nil
		}).
		AddTool(mcp.Tool{Name: "alerts.list", Description: "List alerts"}, func(context.Context, json.RawMessage) (*mcp.ToolResult, error) {
			return &mcp.ToolResult{IsError: true, Items: []mcp.ContentItem{{Type: "text", Text: "no region"}}}, nil
		}).
		AddTool(mcp.Tool{Name: "alerts_list", Description: "dup"}, nil)
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "weather_get_forecast", provider.ToolName("weather", "get_forecast"))
	assert.Equal(t, "fs_read_file", provider.ToolName("fs", "read.file"))
	assert.Equal(t, "sequential-thinking_sequentialthinking", provider.ToolName("sequential-thinking", "sequentialthinking"))
}

func TestToSchema(t *testing.T) {
	s, err := provider.ToSchema(json.RawMessage(`{"type":"object","properties":{"b":{"type":"string"},"a":{"type":"number"}},"required":["b"],"title":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "object", s.Type)
	assert.Equal(t, []string{"b"}, s.Required)
	assert.Empty(t, s.Title)

	js, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `{"properties":{"b":{"type":"string"},"a":{"type":"number"}},"type":"object","required":["b"]}`, string(js))

	s, err = provider.ToSchema(nil)
	require.NoError(t, err)
	assert.Equal(t, "object", s.Type)

	_, err = provider.ToSchema(json.RawMessage(`{"properties":`))
	require.Error(t, err)
}

func TestHandle_Initialize(t *testing.T) {
	ctx := context.Background()
	s := weatherSession()
	s.PageSize = 1
	h := provider.New("weather", &mcp.ServerConfig{Command: "weather"}, mcptest.NewConnector().With("weather", s))

	assert.Equal(t, provider.StatusInitializing, h.Status())
	assert.Empty(t, h.Tools())

	tools, err := h.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusConnected, h.Status())
	assert.NoError(t, h.Err())

	// the third tool collides with the second after namespacing
	require.Len(t, tools, 2)
	assert.Equal(t, "weather_get_forecast", tools[0].Name())
	assert.Equal(t, "[weather] Get forecast", tools[0].Function.Description)
	assert.Equal(t, []string{"city"}, tools[0].Function.Parameters.Required)
	assert.Equal(t, "weather_alerts_list", tools[1].Name())

	native, ok := h.NativeName("weather_alerts_list")
	require.True(t, ok)
	assert.Equal(t, "alerts.list", native)
	native, ok = h.NativeName("weather_get_forecast")
	require.True(t, ok)
	assert.Equal(t, "get_forecast", native)

	_, err = h.Initialize(ctx)
	assert.EqualError(t, err, `provider "weather" is already initialized`)
}

func TestHandle_InitializeFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("connect", func(t *testing.T) {
		h := provider.New("bad", nil, mcptest.NewConnector().WithError("bad", errors.New("exec: not found")))
		_, err := h.Initialize(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, provider.ErrProviderConnection))
		assert.EqualError(t, err, `provider "bad": exec: not found`)
		assert.Equal(t, provider.StatusFailed, h.Status())
		assert.Equal(t, err, h.Err())
		assert.Empty(t, h.Tools())
	})

	t.Run("list", func(t *testing.T) {
		s := weatherSession()
		s.ListErr = errors.New("broken pipe")
		h := provider.New("w", nil, mcptest.NewConnector().With("w", s))
		_, err := h.Initialize(ctx)
		require.Error(t, err)
		var cerr *provider.ConnectionError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "w", cerr.Provider)
		assert.Contains(t, err.Error(), "failed to list tools: broken pipe")
		// partially acquired session is released
		assert.Equal(t, 1, s.Closed())
	})

	t.Run("no connector", func(t *testing.T) {
		h := provider.New("x", nil, nil)
		_, err := h.Initialize(ctx)
		require.Error(t, err)
		assert.Equal(t, provider.StatusFailed, h.Status())
	})
}

func TestHandle_Execute(t *testing.T) {
	ctx := context.Background()
	s := weatherSession()
	h := provider.New("weather", nil, mcptest.NewConnector().With("weather", s))

	_, err := h.Execute(ctx, "get_forecast", nil)
	assert.True(t, errors.Is(err, provider.ErrNotConnected))

	_, err = h.Initialize(ctx)
	require.NoError(t, err)

	res, err := h.Execute(ctx, "get_forecast", json.RawMessage(`{"city":"Paris"}`))
	require.NoError(t, err)
	assert.Equal(t, `sunny {"city":"Paris"}`, res.Text())

	_, err = h.Execute(ctx, "alerts.list", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrToolExecution))
	assert.EqualError(t, err, "no region")
	var terr *provider.ToolError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Result.IsError)

	_, err = h.Execute(ctx, "unknown", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrToolExecution))
	assert.EqualError(t, err, "tool not found: unknown")

	// calls are serialized
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Execute(ctx, "get_forecast", json.RawMessage(`{}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, s.Calls(), 13)
}

func TestHandle_Resources(t *testing.T) {
	ctx := context.Background()
	s := mcptest.NewSession().AddResource(mcp.Resource{URI: "file:///a", Name: "a"}, "A")
	h := provider.New("fs", nil, mcptest.NewConnector().With("fs", s))

	_, err := h.ListResources(ctx)
	assert.True(t, errors.Is(err, provider.ErrNotConnected))

	_, err = h.Initialize(ctx)
	require.NoError(t, err)

	list, err := h.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "file:///a", list[0].URI)

	content, err := h.ReadResource(ctx, "file:///a")
	require.NoError(t, err)
	assert.Equal(t, "A", content[0].Text)
}

func TestHandle_Close(t *testing.T) {
	ctx := context.Background()

	// before initialize
	h := provider.New("x", nil, nil)
	assert.NoError(t, h.Close())
	assert.NoError(t, h.Close())

	s := weatherSession()
	h = provider.New("weather", nil, mcptest.NewConnector().With("weather", s))
	_, err := h.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, 1, s.Closed())
	assert.Empty(t, h.Tools())
	_, ok := h.NativeName("weather_get_forecast")
	assert.False(t, ok)

	_, err = h.Execute(ctx, "get_forecast", nil)
	assert.True(t, errors.Is(err, provider.ErrNotConnected))

	s2 := weatherSession()
	s2.CloseErr = errors.New("already exited")
	h = provider.New("w2", nil, mcptest.NewConnector().With("w2", s2))
	_, err = h.Initialize(ctx)
	require.NoError(t, err)
	assert.EqualError(t, h.Close(), `failed to close provider "w2": already exited`)
}
