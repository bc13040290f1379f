// Package reasoning tracks the chains of the stateful sequential thinking tool.
package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "reasoning")

const (
	// StepField is the argument with the step index
	StepField = "thoughtNumber"
	// TotalField is the argument with the total number of steps
	TotalField = "totalThoughts"
)

var (
	// ErrOwnershipConflict is returned when a new chain is started while
	// another provider owns the chain
	ErrOwnershipConflict = errors.New("reasoning chain is owned by another provider")
	// ErrInvalidArguments is returned when the arguments are not a JSON object
	ErrInvalidArguments = errors.New("invalid reasoning arguments")
)

// OwnershipConflictError describes a rejected call.
type OwnershipConflictError struct {
	Tool      string
	Owner     string
	Requester string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("reasoning chain for %q is owned by provider %q, rejected call from %q", e.Tool, e.Owner, e.Requester)
}

// Is reports ErrOwnershipConflict
func (e *OwnershipConflictError) Is(target error) bool { return target == ErrOwnershipConflict }

// State of an active chain.
type State struct {
	LastStep   int    `json:"last_step"`
	TotalSteps int    `json:"total_steps"`
	Owner      string `json:"owner"`
}

// Matcher reports whether the namespaced tool name is a reasoning tool.
type Matcher func(name string) bool

// IsSequentialThinking matches names ending with "sequentialthinking",
// ignoring case, dashes and underscores.
func IsSequentialThinking(name string) bool {
	n := strings.ToLower(name)
	n = strings.NewReplacer("-", "", "_", "").Replace(n)
	return strings.HasSuffix(n, "sequentialthinking")
}

// Tracker keeps the state of reasoning chains keyed by namespaced tool name.
// All active chains belong to one provider, the owner.
type Tracker struct {
	matcher Matcher

	lock    sync.Mutex
	entries map[string]*State
}

// New returns a tracker, the matcher defaults to IsSequentialThinking.
func New(matcher Matcher) *Tracker {
	if matcher == nil {
		matcher = IsSequentialThinking
	}
	return &Tracker{
		matcher: matcher,
		entries: map[string]*State{},
	}
}

// IsReasoningTool reports whether the tool is tracked.
func (t *Tracker) IsReasoningTool(name string) bool {
	return t.matcher(name)
}

// Get returns the state of the chain.
func (t *Tracker) Get(tool string) (State, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	e, ok := t.entries[tool]
	if !ok {
		return State{}, false
	}
	return *e, true
}

// Len returns the number of active chains.
func (t *Tracker) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.entries)
}

// Owner returns the provider of the active chains, or empty string.
func (t *Tracker) Owner() string {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.owner()
}

func (t *Tracker) owner() string {
	for _, e := range t.entries {
		return e.Owner
	}
	return ""
}

// Reset removes all chains.
func (t *Tracker) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.entries = map[string]*State{}
}

// Complete removes the chain.
func (t *Tracker) Complete(tool string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.entries, tool)
}

// Prepare applies the chain rules to the call of the tool by the owner,
// and returns the arguments to dispatch with the dispatched step.
//
// A fresh chain (step 1, or a tool without an active chain) is rejected
// when a different provider owns the active chains, including the chains
// of its own same-named tool. With an active chain a repeated or regressed step is moved to
// the step after the last one. The state is updated with the dispatched step.
func (t *Tracker) Prepare(tool, owner string, args json.RawMessage) (json.RawMessage, int, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	parsed := gjson.ParseBytes(args)
	if !gjson.ValidBytes(args) || !parsed.IsObject() {
		return nil, 0, errors.WithMessagef(ErrInvalidArguments, "%q", tool)
	}

	step := 1
	if v := parsed.Get(StepField); v.Exists() {
		step = int(v.Int())
	}
	total := int(parsed.Get(TotalField).Int())

	t.lock.Lock()
	defer t.lock.Unlock()

	e := t.entries[tool]
	if step == 1 || e == nil {
		if current := t.owner(); current != "" && current != owner {
			return nil, 0, &OwnershipConflictError{Tool: tool, Owner: current, Requester: owner}
		}
	}
	if e == nil {
		t.entries[tool] = &State{
			LastStep:   step,
			TotalSteps: max(total, step),
			Owner:      owner,
		}
		return args, step, nil
	}

	dispatched := step
	if step <= e.LastStep {
		dispatched = e.LastStep + 1
	}

	out := []byte(args)
	var err error
	if dispatched != step || !parsed.Get(StepField).Exists() {
		out, err = sjson.SetBytes(out, StepField, dispatched)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "failed to update %s", StepField)
		}
	}
	if total < dispatched {
		total = dispatched
		out, err = sjson.SetBytes(out, TotalField, total)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "failed to update %s", TotalField)
		}
	}

	if dispatched != step {
		logger.KV(xlog.DEBUG,
			"status", "step_advanced",
			"tool", tool,
			"requested", step,
			"dispatched", dispatched,
		)
	}

	e.LastStep = dispatched
	e.TotalSteps = max(e.TotalSteps, total)
	return out, dispatched, nil
}

// Metadata is the completion metadata of a reasoning result.
type Metadata struct {
	NextThoughtNeeded    bool     `json:"nextThoughtNeeded" yaml:"next_thought_needed"`
	ThoughtNumber        int      `json:"thoughtNumber,omitempty" yaml:"thought_number,omitempty"`
	TotalThoughts        int      `json:"totalThoughts,omitempty" yaml:"total_thoughts,omitempty"`
	Branches             []string `json:"branches,omitempty" yaml:"branches,omitempty"`
	ThoughtHistoryLength int      `json:"thoughtHistoryLength,omitempty" yaml:"thought_history_length,omitempty"`
}

// ParseMetadata parses the result of a reasoning call,
// false is returned when the result has no completion metadata.
func ParseMetadata(result string) (*Metadata, bool) {
	if !gjson.Valid(result) {
		return nil, false
	}
	r := gjson.Parse(result)
	next := r.Get("nextThoughtNeeded")
	if !r.IsObject() || !next.Exists() {
		return nil, false
	}
	md := &Metadata{
		NextThoughtNeeded:    next.Bool(),
		ThoughtNumber:        int(r.Get("thoughtNumber").Int()),
		TotalThoughts:        int(r.Get("totalThoughts").Int()),
		ThoughtHistoryLength: int(r.Get("thoughtHistoryLength").Int()),
	}
	for _, b := range r.Get("branches").Array() {
		md.Branches = append(md.Branches, b.String())
	}
	return md, true
}

// Observe parses the result of the call and removes the chain when
// no further thought is needed.
func (t *Tracker) Observe(tool, result string) (*Metadata, bool) {
	md, ok := ParseMetadata(result)
	if !ok {
		return nil, false
	}
	if !md.NextThoughtNeeded {
		t.Complete(tool)
		logger.KV(xlog.DEBUG, "status", "chain_completed", "tool", tool)
	}
	return md, true
}
