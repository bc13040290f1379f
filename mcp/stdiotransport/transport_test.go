package stdiotransport_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/effective-security/mcporch/mcp/stdiotransport"
	"github.com/metoro-io/mcp-golang/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookPath(t *testing.T, name string) string {
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s is not available", name)
	}
	return p
}

func TestNew_StartFailure(t *testing.T) {
	_, err := stdiotransport.New("missing", exec.Command("/nonexistent/mcp-server"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestTransport_Close(t *testing.T) {
	tr, err := stdiotransport.New("cat", exec.Command(lookPath(t, "cat")))
	require.NoError(t, err)

	require.NoError(t, tr.Start(context.Background()))
	tr.SetMessageHandler(nil)
	tr.SetErrorHandler(func(error) {})

	assert.False(t, tr.ToolError())
	tr.ResetToolError()
	assert.False(t, tr.ToolError())

	assert.NoError(t, tr.Close())
	// second close is a no-op
	assert.NoError(t, tr.Close())

	err = tr.Send(context.Background(), &transport.BaseJsonRpcMessage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is closed")
}

func TestTransport_KillAfterGrace(t *testing.T) {
	// sleep ignores closed stdin
	tr, err := stdiotransport.New("sleep", exec.Command(lookPath(t, "sleep"), "30"))
	require.NoError(t, err)
	tr.GracePeriod = 50 * time.Millisecond

	started := time.Now()
	assert.NoError(t, tr.Close())
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestTransport_CloseWithStderrHeldOpen(t *testing.T) {
	// the background sleep keeps stderr open after sh exits
	cmd := exec.Command(lookPath(t, "sh"), "-c", "sleep 5 & exit 0")
	cmd.WaitDelay = 100 * time.Millisecond
	tr, err := stdiotransport.New("sh", cmd)
	require.NoError(t, err)
	tr.GracePeriod = time.Second

	started := time.Now()
	assert.NoError(t, tr.Close())
	assert.Less(t, time.Since(started), 4*time.Second)
}

func TestNew_DefaultWaitDelay(t *testing.T) {
	cmd := exec.Command(lookPath(t, "cat"))
	tr, err := stdiotransport.New("cat", cmd)
	require.NoError(t, err)
	assert.Equal(t, stdiotransport.DefaultWaitDelay, cmd.WaitDelay)
	assert.NoError(t, tr.Close())
}
