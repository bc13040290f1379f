package reasoning_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/reasoning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const think = "sequential-thinking_sequentialthinking"

func TestIsSequentialThinking(t *testing.T) {
	tcases := map[string]bool{
		"sequential-thinking_sequentialthinking": true,
		"reasoning_sequential_thinking":          true,
		"x_Sequential-Thinking":                  true,
		"weather_get_forecast":                   false,
		"sequentialthinking_summary":             false,
	}
	for name, exp := range tcases {
		assert.Equal(t, exp, reasoning.IsSequentialThinking(name), name)
	}

	tr := reasoning.New(func(name string) bool { return strings.HasPrefix(name, "think") })
	assert.True(t, tr.IsReasoningTool("think_step"))
	assert.False(t, tr.IsReasoningTool(think))
}

func TestPrepare_DuplicateStepAdvances(t *testing.T) {
	tr := reasoning.New(nil)

	args, step, err := tr.Prepare(think, "a", json.RawMessage(`{"thought":"x","thoughtNumber":1,"totalThoughts":3,"nextThoughtNeeded":true}`))
	require.NoError(t, err)
	assert.Equal(t, 1, step)
	assert.JSONEq(t, `{"thought":"x","thoughtNumber":1,"totalThoughts":3,"nextThoughtNeeded":true}`, string(args))

	args, step, err = tr.Prepare(think, "a", json.RawMessage(`{"thought":"y","thoughtNumber":1,"totalThoughts":3,"nextThoughtNeeded":true}`))
	require.NoError(t, err)
	assert.Equal(t, 2, step)
	assert.JSONEq(t, `{"thought":"y","thoughtNumber":2,"totalThoughts":3,"nextThoughtNeeded":true}`, string(args))

	st, ok := tr.Get(think)
	require.True(t, ok)
	assert.Equal(t, reasoning.State{LastStep: 2, TotalSteps: 3, Owner: "a"}, st)
}

func TestPrepare_Monotonic(t *testing.T) {
	tr := reasoning.New(nil)

	_, _, err := tr.Prepare(think, "a", json.RawMessage(`{"thoughtNumber":1,"totalThoughts":2}`))
	require.NoError(t, err)

	// jump ahead is dispatched as is
	_, step, err := tr.Prepare(think, "a", json.RawMessage(`{"thoughtNumber":4,"totalThoughts":2}`))
	require.NoError(t, err)
	assert.Equal(t, 4, step)

	// regression is clamped, total is raised
	args, step, err := tr.Prepare(think, "a", json.RawMessage(`{"thoughtNumber":2,"totalThoughts":2}`))
	require.NoError(t, err)
	assert.Equal(t, 5, step)
	assert.Equal(t, `{"thoughtNumber":5,"totalThoughts":5}`, string(args))

	// missing step is treated as 1
	args, step, err = tr.Prepare(think, "a", json.RawMessage(`{"thought":"z"}`))
	require.NoError(t, err)
	assert.Equal(t, 6, step)
	assert.JSONEq(t, `{"thought":"z","thoughtNumber":6,"totalThoughts":6}`, string(args))

	st, _ := tr.Get(think)
	assert.Equal(t, 6, st.LastStep)
	assert.Equal(t, 6, st.TotalSteps)
}

func TestPrepare_OwnershipConflict(t *testing.T) {
	tr := reasoning.New(nil)

	_, _, err := tr.Prepare(think, "a", json.RawMessage(`{"thoughtNumber":1,"totalThoughts":3}`))
	require.NoError(t, err)

	_, _, err = tr.Prepare(think, "b", json.RawMessage(`{"thoughtNumber":1,"totalThoughts":3}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, reasoning.ErrOwnershipConflict))
	var cerr *reasoning.OwnershipConflictError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "a", cerr.Owner)
	assert.Equal(t, "b", cerr.Requester)
	assert.Equal(t, `reasoning chain for "sequential-thinking_sequentialthinking" is owned by provider "a", rejected call from "b"`, err.Error())

	// state is not changed by the rejected call
	st, _ := tr.Get(think)
	assert.Equal(t, reasoning.State{LastStep: 1, TotalSteps: 3, Owner: "a"}, st)

	// the same-named tool of another provider is rejected as well
	_, _, err = tr.Prepare("other_sequentialthinking", "b", json.RawMessage(`{"thoughtNumber":1}`))
	require.Error(t, err)
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "other_sequentialthinking", cerr.Tool)
	assert.Equal(t, "a", cerr.Owner)
	_, _, err = tr.Prepare("other_sequentialthinking", "b", json.RawMessage(`{"thoughtNumber":4}`))
	assert.ErrorIs(t, err, reasoning.ErrOwnershipConflict)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, "a", tr.Owner())

	// the owner may run chains on several tools
	_, step, err := tr.Prepare("a2_sequentialthinking", "a", json.RawMessage(`{"thoughtNumber":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, step)
	assert.Equal(t, 2, tr.Len())

	// the slot is released when the chains complete
	tr.Complete(think)
	tr.Complete("a2_sequentialthinking")
	assert.Empty(t, tr.Owner())
	_, _, err = tr.Prepare("other_sequentialthinking", "b", json.RawMessage(`{"thoughtNumber":1}`))
	require.NoError(t, err)
	assert.Equal(t, "b", tr.Owner())

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
	_, _, err = tr.Prepare(think, "b", json.RawMessage(`{"thoughtNumber":1}`))
	require.NoError(t, err)
}

func TestPrepare_InvalidArgs(t *testing.T) {
	tr := reasoning.New(nil)
	_, _, err := tr.Prepare(think, "a", json.RawMessage(`[1,2]`))
	assert.True(t, errors.Is(err, reasoning.ErrInvalidArguments))
	_, _, err = tr.Prepare(think, "a", json.RawMessage(`{`))
	assert.True(t, errors.Is(err, reasoning.ErrInvalidArguments))

	args, step, err := tr.Prepare(think, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, step)
	assert.Equal(t, `{}`, string(args))
}

func TestParseMetadata(t *testing.T) {
	md, ok := reasoning.ParseMetadata(`{"thoughtNumber":2,"totalThoughts":5,"nextThoughtNeeded":true,"branches":["b1"],"thoughtHistoryLength":2}`)
	require.True(t, ok)
	assert.Equal(t, &reasoning.Metadata{
		NextThoughtNeeded:    true,
		ThoughtNumber:        2,
		TotalThoughts:        5,
		Branches:             []string{"b1"},
		ThoughtHistoryLength: 2,
	}, md)

	for _, res := range []string{"", "plain text", `{"thoughtNumber":1}`, `[true]`} {
		_, ok = reasoning.ParseMetadata(res)
		assert.False(t, ok, res)
	}
}

func TestObserve(t *testing.T) {
	tr := reasoning.New(nil)
	_, _, err := tr.Prepare(think, "a", json.RawMessage(`{"thoughtNumber":1,"totalThoughts":2}`))
	require.NoError(t, err)

	_, ok := tr.Observe(think, "not json")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())

	md, ok := tr.Observe(think, `{"nextThoughtNeeded":true}`)
	require.True(t, ok)
	assert.True(t, md.NextThoughtNeeded)
	assert.Equal(t, 1, tr.Len())

	_, ok = tr.Observe(think, `{"nextThoughtNeeded":false,"thoughtNumber":2}`)
	require.True(t, ok)
	assert.Equal(t, 0, tr.Len())

	// completed chain can be started by another provider
	_, _, err = tr.Prepare(think, "b", json.RawMessage(`{"thoughtNumber":1}`))
	require.NoError(t, err)
}
