// Package orchestrator drives the model and tool call loop of a session.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/conversation"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/mcporch/pkg/metricskey"
	"github.com/effective-security/mcporch/provider"
	"github.com/effective-security/mcporch/reasoning"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "orchestrator")

const (
	// DefaultMaxSteps is the number of tool rounds in multi-step mode
	DefaultMaxSteps = 5
	// DefaultMaxTokens is the completion limit of a model call
	DefaultMaxTokens = 1000
)

// Tools provides the tool definitions and resolves namespaced names.
type Tools interface {
	AvailableTools() []llms.Tool
	Resolve(name string) (*provider.Handle, string, error)
}

// Config of the loop.
type Config struct {
	// MaxSteps is the number of tool rounds in multi-step mode
	MaxSteps int `json:"max_steps,omitempty" yaml:"max_steps,omitempty" validate:"omitempty,min=1"`
	// MaxTokens is the completion limit of a model call
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"omitempty,min=1"`
	// Temperature of the model, zero for the provider default
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	// SummarizeSteps requests a summary after a multi-step query that used tools
	SummarizeSteps bool `json:"summarize_steps,omitempty" yaml:"summarize_steps,omitempty"`
	// HistoryTokenBudget is the token budget of the history before a query
	HistoryTokenBudget int `json:"history_token_budget,omitempty" yaml:"history_token_budget,omitempty"`
}

// Orchestrator runs queries of one session. It is not safe for
// concurrent queries.
type Orchestrator struct {
	llm      llms.Model
	tools    Tools
	state    *conversation.State
	tracker  *reasoning.Tracker
	trimmer  *conversation.TokenTrimmer
	callback Callback
	cfg      Config
}

// Option configures the Orchestrator
type Option func(*Orchestrator)

// WithCallback sets the callback.
func WithCallback(cb Callback) Option {
	return func(o *Orchestrator) {
		o.callback = cb
	}
}

// WithTrimmer sets the history trimmer, by default a token trimmer is
// used when the model counts tokens.
func WithTrimmer(t *conversation.TokenTrimmer) Option {
	return func(o *Orchestrator) {
		o.trimmer = t
	}
}

// WithTracker sets the reasoning tracker.
func WithTracker(t *reasoning.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

// New returns the orchestrator for the session state.
func New(llm llms.Model, tools Tools, state *conversation.State, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:   llm,
		tools: tools,
		state: state,
		cfg:   cfg,
	}
	o.cfg.MaxSteps = values.NumbersCoalesce(cfg.MaxSteps, DefaultMaxSteps)
	o.cfg.MaxTokens = values.NumbersCoalesce(cfg.MaxTokens, DefaultMaxTokens)

	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = reasoning.New(nil)
	}
	if o.trimmer == nil {
		if counter, ok := llm.(llms.TokenCounter); ok {
			o.trimmer = conversation.NewTokenTrimmer(counter, cfg.HistoryTokenBudget)
		}
	}
	return o
}

// State returns the conversation state.
func (o *Orchestrator) State() *conversation.State {
	return o.state
}

// Tracker returns the reasoning tracker.
func (o *Orchestrator) Tracker() *reasoning.Tracker {
	return o.tracker
}

// Model returns the model.
func (o *Orchestrator) Model() llms.Model {
	return o.llm
}

// run is the state of one query
type run struct {
	result *Result
	texts  []string
	state  State
}

func (o *Orchestrator) setState(ctx context.Context, r *run, to State) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	if o.callback != nil {
		o.callback.OnStateChange(ctx, from, to)
	}
}

// ProcessQuery runs the loop for the query. The failures of the loop are
// reported in the result.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query string, mode Mode) *Result {
	if mode != ModeMultiStep {
		mode = ModeFlat
	}

	started := time.Now()
	defer metricskey.PerfQueryRun.MeasureSince(started, string(mode))

	r := &run{
		result: &Result{Mode: mode},
		state:  StateIdle,
	}
	if o.callback != nil {
		o.callback.OnQueryStart(ctx, query, mode)
	}

	o.trimmer.Trim(ctx, o.state)
	o.state.AppendUser(query)
	o.tracker.Reset()

	o.loop(ctx, r, mode)

	res := r.result
	res.ResponseText = strings.Join(r.texts, "\n")
	metricskey.StatsQueriesCompleted.IncrCounter(1, string(res.Status))

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "query_completed",
		"mode", mode,
		"result", res.Status,
		"steps", res.StepsExecuted,
		"tool_calls", len(res.ToolCalls),
		"query", slices.StringUpto(query, 64),
		"elapsed", time.Since(started).String(),
	)

	if o.callback != nil {
		o.callback.OnQueryEnd(ctx, query, res)
	}
	return res
}

func (o *Orchestrator) loop(ctx context.Context, r *run, mode Mode) {
	res := r.result

	tools := o.tools.AvailableTools()
	if len(tools) == 0 {
		res.Status = StatusError
		res.Err = ErrNoTools
		r.texts = append(r.texts, NoToolsMessage)
		o.setState(ctx, r, StateAborted)
		return
	}

	maxSteps := 1
	if mode == ModeMultiStep {
		maxSteps = o.cfg.MaxSteps
	}

	for {
		if err := ctx.Err(); err != nil {
			o.abort(ctx, r, errors.WithMessage(err, "query cancelled"))
			return
		}

		o.setState(ctx, r, StateAwaitingModel)
		resp, err := o.generate(ctx, tools)
		if err != nil {
			o.abort(ctx, r, err)
			return
		}

		segments := Segments(resp)
		// the step limit is checked before the round is dispatched
		budgetExceeded := HasToolUse(segments) && res.StepsExecuted >= maxSteps

		for _, seg := range segments {
			switch s := seg.(type) {
			case TextSegment:
				o.setState(ctx, r, StateResponding)
				r.texts = append(r.texts, s.Text)
				o.state.AppendAssistant(s.Text)
			case ToolUseSegment:
				if budgetExceeded {
					continue
				}
				o.setState(ctx, r, StateDispatching)
				o.dispatch(ctx, r, s)
			case UnsupportedSegment:
				note := "Received unsupported content type: " + s.Type
				res.Unsupported = append(res.Unsupported, s.Type)
				r.texts = append(r.texts, note)
				logger.ContextKV(ctx, xlog.WARNING,
					"status", "unsupported_segment",
					"type", s.Type,
				)
			}
		}

		if budgetExceeded {
			res.Status = StatusBudgetExceeded
			r.texts = append(r.texts, BudgetNotice(res.StepsExecuted))
			o.setState(ctx, r, StateAborted)
			logger.ContextKV(ctx, xlog.INFO,
				"status", "step_limit_reached",
				"steps", res.StepsExecuted,
			)
			return
		}

		if !HasToolUse(segments) {
			break
		}
		res.StepsExecuted++
	}

	res.Status = StatusSuccess
	if mode == ModeMultiStep && o.cfg.SummarizeSteps && len(res.ToolCalls) > 0 {
		o.summarize(ctx, r)
	}
	o.setState(ctx, r, StateDone)
}

func (o *Orchestrator) abort(ctx context.Context, r *run, err error) {
	r.result.Status = StatusError
	r.result.Err = err
	r.texts = append(r.texts, "Error processing query: "+err.Error())
	o.setState(ctx, r, StateAborted)
	logger.ContextKV(ctx, xlog.ERROR,
		"status", "query_aborted",
		"err", err.Error(),
	)
}

func (o *Orchestrator) callOptions(tools []llms.Tool) []llms.CallOption {
	opts := []llms.CallOption{
		llms.WithMaxTokens(o.cfg.MaxTokens),
	}
	if o.cfg.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(o.cfg.Temperature))
	}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}
	return opts
}

// generate calls the model with the system prompt and the log
func (o *Orchestrator) generate(ctx context.Context, tools []llms.Tool) (*llms.ContentResponse, error) {
	modelName := o.llm.GetName()
	messages := o.state.ToLLMMessages()

	if o.callback != nil {
		o.callback.OnModelCallStart(ctx, o.llm, messages)
	}

	started := time.Now()
	resp, err := o.llm.GenerateContent(ctx, messages, o.callOptions(tools)...)
	metricskey.PerfLLMCall.MeasureSince(started, modelName)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		metricskey.StatsLLMCallsFailed.IncrCounter(1, modelName)
		err = &ModelCallError{Model: modelName, Err: err}
		if o.callback != nil {
			o.callback.OnModelCallError(ctx, o.llm, err)
		}
		return nil, err
	}

	metricskey.StatsLLMCallsSucceeded.IncrCounter(1, modelName)
	metricskey.StatsLLMInputTokens.IncrCounter(float64(resp.InputTokens), modelName)
	metricskey.StatsLLMOutputTokens.IncrCounter(float64(resp.OutputTokens), modelName)

	if o.callback != nil {
		o.callback.OnModelCallEnd(ctx, o.llm, resp)
	}
	return resp, nil
}

// dispatch executes the tool use request and records the call
func (o *Orchestrator) dispatch(ctx context.Context, r *run, s ToolUseSegment) {
	rec := ToolCallRecord{
		ID:        values.StringsCoalesce(s.ID, uuid.NewString()),
		Name:      s.Name,
		Arguments: s.Arguments,
	}

	fail := func(err error) {
		rec.Status = StatusError
		rec.Error = err.Error()
		r.result.ToolCalls = append(r.result.ToolCalls, rec)
		o.state.AppendAssistant("Error using " + s.Name + ": " + err.Error())
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "tool_call_found",
		"tool_call_id", rec.ID,
		"tool_call_name", s.Name,
	)

	h, native, err := o.tools.Resolve(s.Name)
	if err != nil {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, s.Name)
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "tool_not_found",
			"tool_name", s.Name,
		)
		if o.callback != nil {
			o.callback.OnToolNotFound(ctx, s.Name)
		}
		fail(err)
		return
	}
	rec.Provider = h.Name()

	args := s.Arguments
	reasoningTool := o.tracker.IsReasoningTool(s.Name)
	if reasoningTool {
		var step int
		args, step, err = o.tracker.Prepare(s.Name, h.Name(), args)
		if err != nil {
			if errors.Is(err, reasoning.ErrOwnershipConflict) {
				metricskey.StatsReasoningConflicts.IncrCounter(1, h.Name(), s.Name)
				if o.callback != nil {
					o.callback.OnOwnershipConflict(ctx, s.Name, err)
				}
			}
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "reasoning_rejected",
				"tool_name", s.Name,
				"err", err.Error(),
			)
			fail(err)
			return
		}
		rec.Arguments = args
		rec.Step = step
	}

	if o.callback != nil {
		o.callback.OnToolStart(ctx, h.Name(), s.Name, string(args))
	}

	result, err := h.Execute(ctx, native, args)
	if err != nil {
		if o.callback != nil {
			o.callback.OnToolError(ctx, h.Name(), s.Name, string(args), err)
		}
		fail(err)
		return
	}

	text := result.Text()
	rec.Status = StatusSuccess
	rec.Result = text
	if reasoningTool {
		if md, ok := o.tracker.Observe(s.Name, text); ok {
			rec.Metadata = md
		}
	}
	r.result.ToolCalls = append(r.result.ToolCalls, rec)
	o.state.AppendToolResult(s.Name, text)

	if o.callback != nil {
		o.callback.OnToolEnd(ctx, h.Name(), s.Name, string(args), text)
	}
}

// summarize asks the model for a summary without tools,
// a failure is logged and ignored
func (o *Orchestrator) summarize(ctx context.Context, r *run) {
	o.state.AppendUser(SummaryPrompt)
	o.setState(ctx, r, StateAwaitingModel)

	resp, err := o.generate(ctx, nil)
	if err != nil {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "summary_failed",
			"err", err.Error(),
		)
		return
	}
	if text := resp.Text(); text != "" {
		o.setState(ctx, r, StateResponding)
		r.texts = append(r.texts, text)
		o.state.AppendAssistant(text)
	}
}

// Summarize generates a summary of the result with the given model,
// the conversation state is not changed.
func Summarize(ctx context.Context, llm llms.Model, result *Result, maxTokens int) (string, error) {
	if result == nil {
		return "", errors.New("result is required")
	}

	var sb strings.Builder
	sb.WriteString("Summarize the following assistant response and the tools used to produce it.\n\n")
	sb.WriteString("RESPONSE:\n")
	sb.WriteString(result.ResponseText)
	sb.WriteString("\n")
	if len(result.ToolCalls) > 0 {
		sb.WriteString("\nTOOL CALLS:\n")
		for _, tc := range result.ToolCalls {
			sb.WriteString("- ")
			sb.WriteString(tc.Name)
			sb.WriteString(" (")
			sb.WriteString(string(tc.Status))
			sb.WriteString("): ")
			sb.WriteString(slices.StringUpto(values.StringsCoalesce(tc.Result, tc.Error), 512))
			sb.WriteString("\n")
		}
	}

	msgs := []llms.Message{llms.MessageFromTextParts(llms.RoleHuman, sb.String())}
	resp, err := llm.GenerateContent(ctx, msgs, llms.WithMaxTokens(values.NumbersCoalesce(maxTokens, DefaultMaxTokens)))
	if err != nil {
		return "", &ModelCallError{Model: llm.GetName(), Err: err}
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("empty summary")
	}
	return text, nil
}
