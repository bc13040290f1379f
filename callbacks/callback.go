package callbacks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

// ensure that the callbacks implement the correct interfaces
var (
	_ orchestrator.Callback = (*Noop)(nil)
	_ orchestrator.Callback = (*Printer)(nil)
	_ orchestrator.Callback = (*PackageLogger)(nil)
	_ orchestrator.Callback = (*Fanout)(nil)
	_ orchestrator.Callback = (*Scratchpad)(nil)
)

// Mode defines the mode for callback printing
type Mode int

const (
	// ModeDefault is the default mode for callback printing
	ModeDefault Mode = iota
	// ModeVerbose is the verbose mode for callback printing
	ModeVerbose
)

// Fanout is a callback handler that forwards the events to multiple callbacks.
type Fanout struct {
	callbacks []orchestrator.Callback
}

func NewFanout(callbacks ...orchestrator.Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback orchestrator.Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnQueryStart(ctx context.Context, query string, mode orchestrator.Mode) {
	for _, callback := range l.callbacks {
		callback.OnQueryStart(ctx, query, mode)
	}
}

func (l *Fanout) OnQueryEnd(ctx context.Context, query string, result *orchestrator.Result) {
	for _, callback := range l.callbacks {
		callback.OnQueryEnd(ctx, query, result)
	}
}

func (l *Fanout) OnStateChange(ctx context.Context, from, to orchestrator.State) {
	for _, callback := range l.callbacks {
		callback.OnStateChange(ctx, from, to)
	}
}

func (l *Fanout) OnModelCallStart(ctx context.Context, llm llms.Model, messages []llms.Message) {
	for _, callback := range l.callbacks {
		callback.OnModelCallStart(ctx, llm, messages)
	}
}

func (l *Fanout) OnModelCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	for _, callback := range l.callbacks {
		callback.OnModelCallEnd(ctx, llm, resp)
	}
}

func (l *Fanout) OnModelCallError(ctx context.Context, llm llms.Model, err error) {
	for _, callback := range l.callbacks {
		callback.OnModelCallError(ctx, llm, err)
	}
}

func (l *Fanout) OnToolStart(ctx context.Context, provider, tool string, args string) {
	for _, callback := range l.callbacks {
		callback.OnToolStart(ctx, provider, tool, args)
	}
}

func (l *Fanout) OnToolEnd(ctx context.Context, provider, tool string, args string, output string) {
	for _, callback := range l.callbacks {
		callback.OnToolEnd(ctx, provider, tool, args, output)
	}
}

func (l *Fanout) OnToolError(ctx context.Context, provider, tool string, args string, err error) {
	for _, callback := range l.callbacks {
		callback.OnToolError(ctx, provider, tool, args, err)
	}
}

func (l *Fanout) OnToolNotFound(ctx context.Context, tool string) {
	for _, callback := range l.callbacks {
		callback.OnToolNotFound(ctx, tool)
	}
}

func (l *Fanout) OnOwnershipConflict(ctx context.Context, tool string, err error) {
	for _, callback := range l.callbacks {
		callback.OnOwnershipConflict(ctx, tool, err)
	}
}

// Noop does nothing.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnQueryStart(ctx context.Context, query string, mode orchestrator.Mode) {}
func (l *Noop) OnQueryEnd(ctx context.Context, query string, result *orchestrator.Result) {
}
func (l *Noop) OnStateChange(ctx context.Context, from, to orchestrator.State) {}
func (l *Noop) OnModelCallStart(ctx context.Context, llm llms.Model, messages []llms.Message) {
}
func (l *Noop) OnModelCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
}
func (l *Noop) OnModelCallError(ctx context.Context, llm llms.Model, err error) {}
func (l *Noop) OnToolStart(ctx context.Context, provider, tool string, args string) {}
func (l *Noop) OnToolEnd(ctx context.Context, provider, tool string, args string, output string) {
}
func (l *Noop) OnToolError(ctx context.Context, provider, tool string, args string, err error) {
}
func (l *Noop) OnToolNotFound(ctx context.Context, tool string)                 {}
func (l *Noop) OnOwnershipConflict(ctx context.Context, tool string, err error) {}

// Printer is a callback handler that prints to the Writer.
type Printer struct {
	Out  io.Writer
	Mode Mode

	lock sync.Mutex
}

func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{Out: out, Mode: mode}
}

func (l *Printer) OnQueryStart(ctx context.Context, query string, mode orchestrator.Mode) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Query Start: %s\n", mode)
	fmt.Fprintf(l.Out, "Input: %s\n", query)
}

func (l *Printer) OnQueryEnd(ctx context.Context, query string, result *orchestrator.Result) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Query End: %s, %d steps, %d tool calls\n", result.Status, result.StepsExecuted, len(result.ToolCalls))
	if l.Mode == ModeVerbose && result.ResponseText != "" {
		fmt.Fprintln(l.Out, result.ResponseText)
	}
}

func (l *Printer) OnStateChange(ctx context.Context, from, to orchestrator.State) {
	if l.Mode != ModeVerbose {
		return
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "State: %s -> %s\n", from, to)
}

func (l *Printer) OnModelCallStart(ctx context.Context, llm llms.Model, messages []llms.Message) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "LLM Call: %s model, %d messages\n", llm.GetName(), len(messages))
}

func (l *Printer) OnModelCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "LLM Call End: %s model, %d choices\n", llm.GetName(), len(resp.Choices))
	if l.Mode == ModeVerbose {
		for _, choice := range resp.Choices {
			if choice.Content != "" {
				fmt.Fprintln(l.Out, choice.Content)
			}
		}
	}
}

func (l *Printer) OnModelCallError(ctx context.Context, llm llms.Model, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "LLM Call Error: %s model: %s\n", llm.GetName(), err.Error())
}

func (l *Printer) OnToolStart(ctx context.Context, provider, tool string, args string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Start: %s (%s)\n", tool, provider)
	fmt.Fprintf(l.Out, "Input: %s\n", args)
}

func (l *Printer) OnToolEnd(ctx context.Context, provider, tool string, args string, output string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool End: %s (%s)\n", tool, provider)
	if l.Mode == ModeVerbose {
		fmt.Fprintf(l.Out, "Output: %s\n", output)
	}
}

func (l *Printer) OnToolError(ctx context.Context, provider, tool string, args string, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Error: %s (%s): %s\n", tool, provider, err.Error())
}

func (l *Printer) OnToolNotFound(ctx context.Context, tool string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Not Found: %s\n", tool)
}

func (l *Printer) OnOwnershipConflict(ctx context.Context, tool string, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Reasoning Conflict: %s: %s\n", tool, err.Error())
}

// PackageLogger is a callback handler that prints to the logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnQueryStart(ctx context.Context, query string, mode orchestrator.Mode) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "query_start",
		"mode", mode,
		"input", slices.StringUpto(query, 256),
	)
}

func (l *PackageLogger) OnQueryEnd(ctx context.Context, query string, result *orchestrator.Result) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "query_end",
		"result", result.Status,
		"steps", result.StepsExecuted,
		"tool_calls", len(result.ToolCalls),
	)
}

func (l *PackageLogger) OnStateChange(ctx context.Context, from, to orchestrator.State) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "state_change",
		"from", from,
		"to", to,
	)
}

func (l *PackageLogger) OnModelCallStart(ctx context.Context, llm llms.Model, messages []llms.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_start",
		"model", llm.GetName(),
		"messages", len(messages),
	)
}

func (l *PackageLogger) OnModelCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "llm_call_end",
		"model", llm.GetName(),
		"choices", len(resp.Choices),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
}

func (l *PackageLogger) OnModelCallError(ctx context.Context, llm llms.Model, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "llm_call_error",
		"model", llm.GetName(),
		"err", err.Error(),
	)
}

func (l *PackageLogger) OnToolStart(ctx context.Context, provider, tool string, args string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_start",
		"provider", provider,
		"tool", tool,
		"input", args,
	)
}

func (l *PackageLogger) OnToolEnd(ctx context.Context, provider, tool string, args string, output string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_end",
		"provider", provider,
		"tool", tool,
		"output", slices.StringUpto(output, 256),
	)
}

func (l *PackageLogger) OnToolError(ctx context.Context, provider, tool string, args string, err error) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "tool_error",
		"provider", provider,
		"tool", tool,
		"err", err.Error(),
	)
}

func (l *PackageLogger) OnToolNotFound(ctx context.Context, tool string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_not_found",
		"tool", tool,
	)
}

func (l *PackageLogger) OnOwnershipConflict(ctx context.Context, tool string, err error) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "ownership_conflict",
		"tool", tool,
		"err", err.Error(),
	)
}
