package callbacks_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/effective-security/mcporch/callbacks"
	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/sessionctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScratchpad(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	callbacks.TimeNowFn = func() time.Time { return ts }
	defer func() { callbacks.TimeNowFn = time.Now }()

	sp := callbacks.NewScratchpad(callbacks.ModeVerbose)
	ctx := sessionctx.WithContext(context.Background(), sessionctx.New("s1", "r1"))
	emit(ctx, sp, newModel(t))

	stats, trace := sp.Take("s1")
	require.NotNil(t, stats)
	assert.Equal(t, "s1", stats.SessionID)
	assert.Equal(t, "r1", stats.RunID)
	assert.Equal(t, orchestrator.ModeMultiStep, stats.Mode)
	assert.Equal(t, orchestrator.StatusSuccess, stats.Status)
	assert.EqualValues(t, 1, stats.Steps)
	assert.EqualValues(t, 1, stats.LLMCalls)
	assert.EqualValues(t, 1, stats.LLMCallsFailed)
	assert.EqualValues(t, 1, stats.TotalMessages)
	assert.EqualValues(t, 7, stats.LLMInputTokens)
	assert.EqualValues(t, 3, stats.LLMOutputTokens)
	assert.EqualValues(t, len("human")+len("test input"), stats.LLMBytesOut)
	assert.EqualValues(t, len("test output"), stats.LLMBytesIn)
	assert.EqualValues(t, 1, stats.ToolsCalls)
	assert.EqualValues(t, 1, stats.ToolsCallsSucceeded)
	assert.EqualValues(t, 1, stats.ToolsCallsFailed)
	assert.EqualValues(t, 1, stats.ToolNotFound)
	assert.EqualValues(t, 1, stats.ReasoningConflicts)

	out := string(trace)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "2025-01-02 03:04:05 s1.r1 *** Run Started *** multi-step", lines[0])
	assert.Contains(t, out, "s1.r1 weather weather_get_forecast Output: sunny\n")
	assert.Contains(t, out, "s1.r1 Output: final answer\n")
	assert.Contains(t, out, "*** Run Ended: success.")

	// taken once
	stats, trace = sp.Take("s1")
	assert.Nil(t, stats)
	assert.Nil(t, trace)
}

func TestScratchpad_NoSession(t *testing.T) {
	sp := callbacks.NewScratchpad(callbacks.ModeDefault)
	emit(context.Background(), sp, newModel(t))
	stats, _ := sp.Take("")
	assert.Nil(t, stats)
}
