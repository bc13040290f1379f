package conversation_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/conversation"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type turn struct {
	Question string `fake:"{question}"`
	Answer   string `fake:"{phrase}"`
}

func TestState_Prune(t *testing.T) {
	s := conversation.New(0)
	assert.Equal(t, conversation.DefaultMaxHistory, s.MaxHistory())

	var last []string
	for i := 0; i < 25; i++ {
		var tr turn
		require.NoError(t, gofakeit.Struct(&tr))
		s.AppendUser(tr.Question)
		s.AppendAssistant(tr.Answer)
		last = append(last, tr.Question, tr.Answer)

		assert.LessOrEqual(t, s.Len(), conversation.DefaultMaxHistory)
	}

	msgs := s.Messages()
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, last[len(last)-10+i], m.Content)
	}
}

func TestState_PruneKeepsSystem(t *testing.T) {
	s := conversation.New(4)
	s.Append(conversation.Message{Role: conversation.RoleSystem, Content: "sys"})
	// a second system message is ignored
	s.Append(conversation.Message{Role: conversation.RoleSystem, Content: "sys2"})

	for i := 0; i < 7; i++ {
		s.AppendUser(fmt.Sprintf("q%d", i))
		msgs := s.Messages()
		assert.LessOrEqual(t, len(msgs), 4)
		assert.Equal(t, conversation.RoleSystem, msgs[0].Role)
		assert.Equal(t, "sys", msgs[0].Content)
	}
	assert.Equal(t, []conversation.Message{
		{Role: conversation.RoleSystem, Content: "sys"},
		{Role: conversation.RoleUser, Content: "q4"},
		{Role: conversation.RoleUser, Content: "q5"},
		{Role: conversation.RoleUser, Content: "q6"},
	}, s.Messages())

	s.Clear(true)
	assert.Equal(t, []conversation.Message{{Role: conversation.RoleSystem, Content: "sys"}}, s.Messages())
	s.Clear(false)
	assert.Empty(t, s.Messages())
}

func TestState_AppendToolResult(t *testing.T) {
	s := conversation.New(10)
	s.AppendUser("What's the weather in Paris?")
	s.AppendToolResult("weather_get_forecast", "Sunny, 22C")

	assert.Equal(t, []conversation.Message{
		{Role: conversation.RoleUser, Content: "What's the weather in Paris?"},
		{Role: conversation.RoleAssistant, Content: "Using weather_get_forecast..."},
		{Role: conversation.RoleUser, Content: "Sunny, 22C"},
	}, s.Messages())

	// copy is returned
	msgs := s.Messages()
	msgs[0].Content = "changed"
	assert.Equal(t, "What's the weather in Paris?", s.Messages()[0].Content)
}

func TestState_SystemMessage(t *testing.T) {
	s := conversation.New(10)
	assert.Empty(t, s.SystemMessage())
	s.AppendUser("hi")
	assert.Len(t, s.ToLLMMessages(), 1)

	s.SetSystemMessage("You are helpful.")
	assert.Equal(t, "You are helpful.", s.SystemMessage())
	// the system prompt is not a log entry
	assert.Equal(t, 1, s.Len())

	s.AppendAssistant("hello")
	msgs := s.ToLLMMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, llms.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You are helpful.", msgs[0].GetContent())
	assert.Equal(t, llms.RoleHuman, msgs[1].Role)
	assert.Equal(t, llms.RoleAI, msgs[2].Role)
	assert.Equal(t, "hello", msgs[2].GetContent())

	s.Clear(true)
	assert.Equal(t, "You are helpful.", s.SystemMessage())
}

func TestState_NonPositiveMaxHistory(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		s := conversation.New(n)
		assert.Equal(t, conversation.DefaultMaxHistory, s.MaxHistory())
		for i := range conversation.DefaultMaxHistory + 2 {
			s.AppendUser(fmt.Sprintf("q%d", i))
		}
		assert.Equal(t, conversation.DefaultMaxHistory, s.Len())
	}
}

// charCounter counts one token per character
type charCounter struct {
	calls int
	err   error
}

func (c *charCounter) CountTokens(_ context.Context, msgs []llms.Message, _ ...llms.CallOption) (int, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	n := 0
	for _, m := range msgs {
		n += len(m.GetContent())
	}
	return n, nil
}

func TestTokenTrimmer(t *testing.T) {
	ctx := context.Background()

	t.Run("within budget", func(t *testing.T) {
		s := conversation.New(10)
		s.AppendUser("aaaa")
		c := &charCounter{}
		conversation.NewTokenTrimmer(c, 100).Trim(ctx, s)
		assert.Equal(t, 1, s.Len())
		assert.Equal(t, 1, c.calls)
	})

	t.Run("drops oldest", func(t *testing.T) {
		s := conversation.New(10)
		s.Append(conversation.Message{Role: conversation.RoleSystem, Content: "ss"})
		for _, txt := range []string{"aaaa", "bbbb", "cccc", "dddd"} {
			s.AppendUser(txt)
		}
		conversation.NewTokenTrimmer(&charCounter{}, 10).Trim(ctx, s)
		assert.Equal(t, []conversation.Message{
			{Role: conversation.RoleSystem, Content: "ss"},
			{Role: conversation.RoleUser, Content: "cccc"},
			{Role: conversation.RoleUser, Content: "dddd"},
		}, s.Messages())
	})

	t.Run("fallback", func(t *testing.T) {
		s := conversation.New(10)
		for i := 0; i < 8; i++ {
			s.AppendUser(fmt.Sprintf("m%d", i))
		}
		conversation.NewTokenTrimmer(&charCounter{err: errors.New("rate limited")}, 10).Trim(ctx, s)
		msgs := s.Messages()
		require.Len(t, msgs, 5)
		assert.Equal(t, "m3", msgs[0].Content)
		assert.Equal(t, "m7", msgs[4].Content)
	})

	t.Run("negative limits", func(t *testing.T) {
		s := conversation.New(10)
		for i := 0; i < 8; i++ {
			s.AppendUser(fmt.Sprintf("m%d", i))
		}
		tr := conversation.NewTokenTrimmer(&charCounter{err: errors.New("rate limited")}, -1)
		tr.FallbackKeep = -1
		tr.Trim(ctx, s)
		assert.Equal(t, conversation.DefaultFallbackKeep, s.Len())
	})

	t.Run("nil counter", func(t *testing.T) {
		s := conversation.New(10)
		s.AppendUser("x")
		var tt *conversation.TokenTrimmer
		tt.Trim(ctx, s)
		conversation.NewTokenTrimmer(nil, 0).Trim(ctx, s)
		assert.Equal(t, 1, s.Len())
	})
}
