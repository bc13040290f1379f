// Package cli provides the mcporch command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/callbacks"
	"github.com/effective-security/mcporch/config"
	"github.com/effective-security/mcporch/encoding"
	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/pkg/llmutils"
	"github.com/effective-security/mcporch/session"
	"github.com/effective-security/mcporch/store"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "cli")

// App holds the global flags and the dependencies of the commands.
type App struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	ConfigPath string
	Output     string
	LogLevel   string
	Verbose    bool
	Stats      bool

	// LoadConfig loads the configuration file
	LoadConfig func(path string) (*config.Config, error)
	// Options are appended to the session manager options
	Options []session.Option

	scratchpad *callbacks.Scratchpad
}

// NewApp returns the App bound to the process streams.
func NewApp() *App {
	return &App{
		In:         os.Stdin,
		Out:        os.Stdout,
		Err:        os.Stderr,
		Output:     encoding.ModeText,
		LogLevel:   "warning",
		LoadConfig: config.Load,
	}
}

func (a *App) configureLogging() error {
	xlog.SetFormatter(xlog.NewStringFormatter(a.Err))
	switch strings.ToLower(a.LogLevel) {
	case "debug":
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	case "info":
		xlog.SetGlobalLogLevel(xlog.INFO)
	case "warning", "warn", "":
		xlog.SetGlobalLogLevel(xlog.WARNING)
	case "error":
		xlog.SetGlobalLogLevel(xlog.ERROR)
	default:
		return errors.Newf("unsupported log level: %s", a.LogLevel)
	}
	return nil
}

func (a *App) validateOutput() error {
	for _, m := range encoding.Modes() {
		if a.Output == m {
			return nil
		}
	}
	return errors.Newf("unsupported output: %s, expected one of %s",
		a.Output, strings.Join(encoding.Modes(), ", "))
}

// manager loads the config and creates the session manager
func (a *App) manager() (*session.Manager, *config.Config, error) {
	path := config.Path(a.ConfigPath)
	cfg, err := a.LoadConfig(path)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to load config %q", path)
	}

	st, err := newStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	cb := callbacks.NewFanout(callbacks.NewPackageLogger(logger))
	if a.Verbose {
		cb.Add(callbacks.NewPrinter(a.Err, callbacks.ModeVerbose))
	}
	if a.Stats {
		a.scratchpad = callbacks.NewScratchpad(callbacks.ModeDefault)
		cb.Add(a.scratchpad)
	}

	opts := append([]session.Option{
		session.WithStore(st),
		session.WithCallback(cb),
	}, a.Options...)

	mgr, err := session.NewManager(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

func newStore(cfg *config.Config) (store.TranscriptStore, error) {
	if cfg.Store.Type != config.StoreRedis {
		return store.NewMemoryStore(cfg.Store.MaxEntries), nil
	}
	opts, err := redis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	return store.NewRedisStore(redis.NewClient(opts), cfg.Store.Prefix, cfg.Store.MaxEntries), nil
}

// withSession runs fn in a new session and cleans it up
func (a *App) withSession(ctx context.Context, fn func(mgr *session.Manager, id string, statuses map[string]string) error) error {
	mgr, _, err := a.manager()
	if err != nil {
		return err
	}

	id, statuses, err := mgr.InitializeSession(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mgr.Shutdown(context.WithoutCancel(ctx)); cerr != nil {
			logger.KV(xlog.WARNING, "status", "cleanup_failed", "err", cerr.Error())
		}
	}()

	return fn(mgr, id, statuses)
}

// print writes v in the structured output, or calls text in the text mode
func (a *App) print(v any, text func(w io.Writer)) error {
	if a.Output == encoding.ModeText {
		text(a.Out)
		return nil
	}
	enc, err := encoding.PredefinedEncoder(a.Output)
	if err != nil {
		return err
	}
	b, err := enc.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	_, err = a.Out.Write(b)
	return err
}

func (a *App) printStats(id string) {
	if a.scratchpad == nil {
		return
	}
	stats, trace := a.scratchpad.Take(id)
	if stats == nil {
		return
	}
	_, _ = a.Err.Write(trace)
	fmt.Fprintf(a.Err, "Stats: %s, %d steps, %d LLM calls (%d failed), %d/%d tokens, %d tools (%d failed), %s\n",
		stats.Status, stats.Steps,
		stats.LLMCalls, stats.LLMCallsFailed,
		stats.LLMInputTokens, stats.LLMOutputTokens,
		stats.ToolsCalls, stats.ToolsCallsFailed,
		stats.Duration,
	)
}

func printStatuses(w io.Writer, statuses map[string]string) {
	for _, name := range slices.Sorted(maps.Keys(statuses)) {
		fmt.Fprintf(w, "%s: %s\n", name, statuses[name])
	}
}

func printResult(w io.Writer, res *orchestrator.Result) {
	fmt.Fprint(w, llmutils.EnsureEndsWithNewline(res.ResponseText))
	if len(res.ToolCalls) > 0 {
		fmt.Fprintln(w, "\nTools used:")
		for _, tc := range res.ToolCalls {
			mark := "✓"
			if tc.Status != orchestrator.StatusSuccess {
				mark = "✗"
			}
			fmt.Fprintf(w, "%s %s (%s)\n", mark, tc.Name, values.StringsCoalesce(tc.Provider, "unknown"))
		}
	}
}
