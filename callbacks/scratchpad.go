package callbacks

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/mcporch/pkg/llmutils"
	"github.com/effective-security/mcporch/sessionctx"
)

var TimeNowFn = time.Now

type RunStats struct {
	SessionID string
	RunID     string
	Mode      orchestrator.Mode
	Status    orchestrator.Status

	Duration            time.Duration
	Steps               uint32
	TotalMessages       uint32
	LLMBytesOut         uint64
	LLMBytesIn          uint64
	LLMInputTokens      uint64
	LLMOutputTokens     uint64
	LLMCalls            uint32
	LLMCallsFailed      uint32
	ToolsCalls          uint32
	ToolsCallsSucceeded uint32
	ToolsCallsFailed    uint32
	ToolNotFound        uint32
	ReasoningConflicts  uint32
}

// Scratchpad collects the stats and a trace of each query run,
// runs are keyed by the session ID of the context.
type Scratchpad struct {
	runs     map[string]*run
	finished map[string]*run
	mode     Mode
	lock     sync.Mutex
}

func NewScratchpad(mode Mode) *Scratchpad {
	return &Scratchpad{
		runs:     make(map[string]*run),
		finished: make(map[string]*run),
		mode:     mode,
	}
}

// Take returns and removes the stats and the trace of the last finished
// run of the session.
func (l *Scratchpad) Take(sessionID string) (*RunStats, []byte) {
	l.lock.Lock()
	defer l.lock.Unlock()

	r := l.finished[sessionID]
	if r == nil {
		return nil, nil
	}
	delete(l.finished, sessionID)
	stats := r.stats
	return &stats, r.w.Bytes()
}

func (l *Scratchpad) getRun(ctx context.Context) *run {
	sctx := sessionctx.FromContext(ctx)
	if sctx == nil {
		return nil
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.runs[sctx.SessionID()]
}

func (l *Scratchpad) OnQueryStart(ctx context.Context, query string, mode orchestrator.Mode) {
	sctx := sessionctx.FromContext(ctx)
	if sctx == nil {
		return
	}

	r := &run{
		sctx: sctx,
		stats: RunStats{
			SessionID: sctx.SessionID(),
			RunID:     sctx.RunID(),
			Mode:      mode,
		},
		started: time.Now(),
	}

	l.lock.Lock()
	l.runs[sctx.SessionID()] = r
	l.lock.Unlock()

	r.print("*** Run Started ***", string(mode))
	r.print("Input:", query)
}

func (l *Scratchpad) OnQueryEnd(ctx context.Context, query string, result *orchestrator.Result) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}

	r.stats.Duration = time.Since(r.started)
	r.stats.Status = result.Status
	r.stats.Steps = uint32(result.StepsExecuted)

	if l.mode == ModeVerbose {
		r.print("Output:", result.ResponseText)
	}
	r.print(fmt.Sprintf("Tool calls: %d, Failed: %d, Not Found: %d",
		r.stats.ToolsCalls,
		r.stats.ToolsCallsFailed,
		r.stats.ToolNotFound,
	))
	r.print(fmt.Sprintf("LLM calls: %d, Messages: %d, Bytes Out: %d, Bytes In: %d, Input Tokens: %d, Output Tokens: %d",
		r.stats.LLMCalls,
		r.stats.TotalMessages,
		r.stats.LLMBytesOut,
		r.stats.LLMBytesIn,
		r.stats.LLMInputTokens,
		r.stats.LLMOutputTokens,
	))
	r.print(fmt.Sprintf("*** Run Ended: %s. Duration: %s ***", result.Status, r.stats.Duration))

	id := r.sctx.SessionID()
	l.lock.Lock()
	delete(l.runs, id)
	l.finished[id] = r
	l.lock.Unlock()
}

func (l *Scratchpad) OnStateChange(ctx context.Context, from, to orchestrator.State) {
	if l.mode != ModeVerbose {
		return
	}
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	r.print("State:", string(from), "->", string(to))
}

func (l *Scratchpad) OnModelCallStart(ctx context.Context, llm llms.Model, messages []llms.Message) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}

	atomic.AddUint64(&r.stats.LLMBytesOut, llmutils.CountMessagesContentSize(messages))
	atomic.AddUint32(&r.stats.LLMCalls, 1)
	count := uint32(len(messages))
	atomic.AddUint32(&r.stats.TotalMessages, count)

	r.print("*** LLM Call ***", fmt.Sprintf("%s model, %d messages", llm.GetName(), count))
}

func (l *Scratchpad) OnModelCallEnd(ctx context.Context, llm llms.Model, resp *llms.ContentResponse) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}

	atomic.AddUint64(&r.stats.LLMBytesIn, llmutils.CountResponseContentSize(resp))
	atomic.AddUint64(&r.stats.LLMInputTokens, uint64(max(resp.InputTokens, 0)))
	atomic.AddUint64(&r.stats.LLMOutputTokens, uint64(max(resp.OutputTokens, 0)))

	r.print("*** LLM Call End ***", fmt.Sprintf("%s model, %d input tokens, %d output tokens",
		llm.GetName(), resp.InputTokens, resp.OutputTokens))
}

func (l *Scratchpad) OnModelCallError(ctx context.Context, llm llms.Model, err error) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.LLMCallsFailed, 1)
	r.print("*** LLM Error ***", err.Error())
}

func (l *Scratchpad) OnToolStart(ctx context.Context, provider, tool string, args string) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolsCalls, 1)
	r.print(provider, tool, "*** Tool Start ***")
	r.print(provider, tool, "Input:", args)
}

func (l *Scratchpad) OnToolEnd(ctx context.Context, provider, tool string, args string, output string) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolsCallsSucceeded, 1)
	if l.mode == ModeVerbose {
		r.print(provider, tool, "Output:", output)
	}
	r.print(provider, tool, "*** Tool End ***")
}

func (l *Scratchpad) OnToolError(ctx context.Context, provider, tool string, args string, err error) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolsCallsFailed, 1)
	r.print(provider, tool, "*** Tool Error ***", err.Error())
}

func (l *Scratchpad) OnToolNotFound(ctx context.Context, tool string) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolNotFound, 1)
	r.print("*** Tool Not Found ***", tool)
}

func (l *Scratchpad) OnOwnershipConflict(ctx context.Context, tool string, err error) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ReasoningConflicts, 1)
	r.print("*** Reasoning Conflict ***", tool, err.Error())
}

type run struct {
	sctx    sessionctx.Context
	w       bytes.Buffer
	started time.Time
	lock    sync.Mutex
	stats   RunStats
}

// print writes the entries to the run's output.
// The entries are written in the following format:
// [timestamp sessionID.runID] entry entry\n
func (r *run) print(entries ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := TimeNowFn()
	ts := now.Format("2006-01-02 15:04:05")

	_, _ = r.w.WriteString(ts)
	_, _ = r.w.WriteString(" ")
	_, _ = r.w.WriteString(r.sctx.SessionID())
	_, _ = r.w.WriteString(".")
	_, _ = r.w.WriteString(r.sctx.RunID())
	_, _ = r.w.WriteString(" ")

	for i, entry := range entries {
		if i > 0 {
			_, _ = r.w.WriteString(" ")
		}
		_, _ = r.w.WriteString(entry)
	}
	_, _ = r.w.WriteString("\n")
}
