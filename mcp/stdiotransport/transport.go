// Package stdiotransport runs a tool provider as a child process and
// exchanges protocol messages over its standard input and output.
package stdiotransport

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/metoro-io/mcp-golang/transport"
	"github.com/metoro-io/mcp-golang/transport/stdio"
	"github.com/tidwall/gjson"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch/mcp", "stdiotransport")

// DefaultGracePeriod is the time given to a process to exit after its
// input is closed, before it is killed.
const DefaultGracePeriod = 2 * time.Second

// DefaultWaitDelay bounds the wait for the stderr stream after the process
// exits, a descendant process may keep it open.
const DefaultWaitDelay = time.Second

// Transport is a client transport bound to a child process.
type Transport struct {
	name  string
	inner *stdio.StdioServerTransport
	cmd   *exec.Cmd
	stdin io.WriteCloser
	// stderr receives the process diagnostics
	stderr *io.PipeWriter

	GracePeriod time.Duration

	lock      sync.Mutex
	closed    bool
	toolError bool
}

// New starts the command and returns a transport connected to its
// standard streams. The command must not be started.
// cmd.WaitDelay defaults to DefaultWaitDelay.
func New(name string, cmd *exec.Cmd) (*Transport, error) {
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}

	pr, pw := io.Pipe()
	cmd.Stderr = pw

	if err = cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		return nil, errors.Wrapf(err, "failed to start %q", cmd.Path)
	}

	go logStderr(name, pr)

	logger.KV(xlog.DEBUG,
		"status", "process_started",
		"provider", name,
		"command", cmd.Path,
		"pid", cmd.Process.Pid,
	)

	return &Transport{
		name:        name,
		inner:       stdio.NewStdioServerTransportWithIO(stdout, stdin),
		cmd:         cmd,
		stdin:       stdin,
		stderr:      pw,
		GracePeriod: DefaultGracePeriod,
	}, nil
}

func logStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.KV(xlog.DEBUG, "provider", name, "stderr", scanner.Text())
	}
}

// Start implements Transport.Start
func (t *Transport) Start(ctx context.Context) error {
	return t.inner.Start(ctx)
}

// Send implements Transport.Send
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.lock.Lock()
	closed := t.closed
	t.lock.Unlock()
	if closed {
		return errors.Errorf("transport %q is closed", t.name)
	}
	return t.inner.Send(ctx, message)
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.inner.SetCloseHandler(handler)
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.inner.SetErrorHandler(handler)
}

// SetMessageHandler implements Transport.SetMessageHandler.
// Responses that carry the tool error flag are recorded, see ToolError.
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.inner.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		if message != nil &&
			message.Type == transport.BaseMessageTypeJSONRPCResponseType &&
			message.JsonRpcResponse != nil &&
			gjson.GetBytes(message.JsonRpcResponse.Result, "isError").Bool() {
			t.lock.Lock()
			t.toolError = true
			t.lock.Unlock()
		}
		if handler != nil {
			handler(ctx, message)
		}
	})
}

// ResetToolError clears the tool error flag.
// Callers must serialize tool calls to correlate the flag with a call.
func (t *Transport) ResetToolError() {
	t.lock.Lock()
	t.toolError = false
	t.lock.Unlock()
}

// ToolError returns true if a response since the last reset
// reported a tool error.
func (t *Transport) ToolError() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.toolError
}

// Close closes the streams and terminates the process.
// It is safe to call Close multiple times.
func (t *Transport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	t.lock.Unlock()

	err := t.inner.Close()
	_ = t.stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- t.cmd.Wait()
	}()

	var werr error
	select {
	case werr = <-done:
	case <-time.After(t.GracePeriod):
		logger.KV(xlog.DEBUG, "status", "process_killed", "provider", t.name)
		_ = t.cmd.Process.Kill()
		werr = <-done
	}
	_ = t.stderr.Close()

	if errors.Is(werr, exec.ErrWaitDelay) {
		logger.KV(xlog.DEBUG, "status", "stderr_abandoned", "provider", t.name)
		werr = nil
	}

	var exitErr *exec.ExitError
	if werr != nil && !errors.As(werr, &exitErr) {
		err = errors.CombineErrors(err, errors.Wrapf(werr, "failed to wait %q", t.name))
	}

	logger.KV(xlog.DEBUG, "status", "process_stopped", "provider", t.name)
	return err
}
