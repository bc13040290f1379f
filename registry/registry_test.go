package registry_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/mcp"
	"github.com/effective-security/mcporch/mcp/mcptest"
	"github.com/effective-security/mcporch/registry"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolNames(r *registry.Registry) []string {
	var names []string
	for _, t := range r.AvailableTools() {
		names = append(names, t.Name())
	}
	return names
}

func newConnector() (*mcptest.Connector, map[string]*mcptest.Session) {
	sessions := map[string]*mcptest.Session{
		"weather": mcptest.NewSession().
			AddTextTool("get_forecast", "Forecast", "sunny").
			AddTextTool("get_alerts", "Alerts", "none"),
		"fs": mcptest.NewSession().
			AddTextTool("read_file", "Read", "content").
			AddResource(mcp.Resource{URI: "file:///etc/hosts", Name: "hosts"}, "127.0.0.1 localhost"),
		// collides with fs_read_file
		"fs_read": mcptest.NewSession().
			AddTextTool("file", "Other", "other"),
	}
	c := mcptest.NewConnector().WithError("broken", errors.New("spawn failed"))
	for name, s := range sessions {
		c.With(name, s)
	}
	return c, sessions
}

func configs(names ...string) map[string]*mcp.ServerConfig {
	m := map[string]*mcp.ServerConfig{}
	for _, n := range names {
		m[n] = &mcp.ServerConfig{Command: n}
	}
	return m
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	c, _ := newConnector()
	r := registry.New(c, registry.WithConcurrency(2))

	statuses := r.Initialize(ctx, configs("weather", "broken", "fs"))
	assert.Equal(t, map[string]string{
		"weather": "connected",
		"fs":      "connected",
		"broken":  "failed: spawn failed",
	}, statuses)
	assert.Equal(t, statuses, r.Statuses())

	// connected only, in sorted provider order
	want := []string{"fs_read_file", "weather_get_forecast", "weather_get_alerts"}
	if diff := cmp.Diff(want, toolNames(r)); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, r.Handles(), 3)
	assert.NotNil(t, r.Handle("broken"))
	assert.Nil(t, r.Handle("none"))
}

func TestInitialize_AllFailed(t *testing.T) {
	c := mcptest.NewConnector().WithError("a", errors.New("x")).WithError("b", errors.New("y"))
	r := registry.New(c)
	statuses := r.Initialize(context.Background(), configs("a", "b"))
	assert.Equal(t, "failed: x", statuses["a"])
	assert.Equal(t, "failed: y", statuses["b"])
	assert.Empty(t, r.AvailableTools())
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	c, sessions := newConnector()
	r := registry.New(c)
	r.Initialize(ctx, configs("weather", "fs", "fs_read"))

	// underscores in provider and native names round trip
	for _, name := range toolNames(r) {
		h, native, err := r.Resolve(name)
		require.NoError(t, err)
		assert.Equal(t, name, h.Name()+"_"+native)
	}

	h, native, err := r.Resolve("weather_get_alerts")
	require.NoError(t, err)
	assert.Equal(t, "weather", h.Name())
	assert.Equal(t, "get_alerts", native)

	res, err := h.Execute(ctx, native, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "none", res.Text())
	assert.Len(t, sessions["weather"].Calls(), 1)

	// first registration wins
	h, native, err = r.Resolve("fs_read_file")
	require.NoError(t, err)
	assert.Equal(t, "fs", h.Name())
	assert.Equal(t, "read_file", native)
	assert.NotContains(t, toolNames(r)[1:], "fs_read_file")

	_, _, err = r.Resolve("weather_unknown")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrToolNotFound))
	assert.Equal(t, `"weather_unknown": tool not found`, err.Error())
}

func TestResources(t *testing.T) {
	ctx := context.Background()
	c, _ := newConnector()
	r := registry.New(c)
	r.Initialize(ctx, configs("fs", "broken"))

	list := r.ListResources(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "fs", list[0].Provider)
	require.Len(t, list[0].Resources, 1)

	content, err := r.ReadResource(ctx, "fs", "file:///etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1 localhost", content[0].Text)

	_, err = r.ReadResource(ctx, "none", "x")
	assert.EqualError(t, err, "provider not found: none")
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	c, sessions := newConnector()
	sessions["weather"].CloseErr = errors.New("weather stuck")
	sessions["fs"].CloseErr = errors.New("fs stuck")

	r := registry.New(c)
	r.Initialize(ctx, configs("weather", "fs", "broken"))

	err := r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weather stuck")
	assert.Contains(t, err.Error(), "fs stuck")
	assert.Empty(t, r.AvailableTools())

	_, _, err = r.Resolve("weather_get_forecast")
	assert.True(t, errors.Is(err, registry.ErrToolNotFound))

	// second close is a no-op
	assert.NoError(t, r.Close())
	assert.Equal(t, 1, sessions["weather"].Closed())
}
