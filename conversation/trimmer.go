package conversation

import (
	"context"

	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcporch", "conversation")

const (
	// DefaultMaxTokens is the token budget of the log
	DefaultMaxTokens = 150000
	// DefaultFallbackKeep is the number of messages kept when counting fails
	DefaultFallbackKeep = 5
)

// TokenTrimmer drops the oldest messages while the log exceeds the token budget.
type TokenTrimmer struct {
	Counter      llms.TokenCounter
	MaxTokens    int
	FallbackKeep int
	Options      []llms.CallOption
}

// NewTokenTrimmer returns a trimmer with default limits.
func NewTokenTrimmer(counter llms.TokenCounter, maxTokens int, opts ...llms.CallOption) *TokenTrimmer {
	return &TokenTrimmer{
		Counter:      counter,
		MaxTokens:    values.NumbersCoalesce(maxTokens, DefaultMaxTokens),
		FallbackKeep: DefaultFallbackKeep,
		Options:      opts,
	}
}

// Trim trims the log of the state. It never reorders messages and never
// drops the leading system message. On a counting error only the last
// FallbackKeep messages are kept.
func (t *TokenTrimmer) Trim(ctx context.Context, s *State) {
	if t == nil || t.Counter == nil {
		return
	}
	budget := t.MaxTokens
	if budget <= 0 {
		budget = DefaultMaxTokens
	}
	fallback := t.FallbackKeep
	if fallback <= 0 {
		fallback = DefaultFallbackKeep
	}

	msgs := s.Messages()
	var head []Message
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		head, msgs = msgs[:1:1], msgs[1:]
	}
	if len(msgs) == 0 {
		return
	}

	dropped := 0
	for len(msgs) > 0 {
		count, err := t.Counter.CountTokens(ctx, toLLM(head, msgs), t.Options...)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "count_tokens_failed",
				"err", err.Error(),
			)
			if len(msgs) > fallback {
				dropped += len(msgs) - fallback
				msgs = msgs[len(msgs)-fallback:]
			}
			break
		}
		if count <= budget {
			break
		}
		msgs = msgs[1:]
		dropped++
		logger.ContextKV(ctx, xlog.DEBUG,
			"status", "trimmed",
			"tokens", count,
			"budget", budget,
		)
	}

	if dropped > 0 {
		s.Replace(append(head, msgs...))
		logger.ContextKV(ctx, xlog.INFO,
			"status", "history_trimmed",
			"dropped", dropped,
			"kept", len(msgs),
		)
	}
}

func toLLM(head, msgs []Message) []llms.Message {
	list := make([]llms.Message, 0, len(head)+len(msgs))
	for _, m := range head {
		list = append(list, ToLLMMessage(m))
	}
	for _, m := range msgs {
		list = append(list, ToLLMMessage(m))
	}
	return list
}
