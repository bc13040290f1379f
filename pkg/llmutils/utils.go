package llmutils

import (
	"strings"

	"github.com/effective-security/mcporch/pkg/llms"
)

// CountMessagesContentSize counts the size of the content in the messages
func CountMessagesContentSize(msgs []llms.Message) uint64 {
	var size uint64
	for _, mc := range msgs {
		size += uint64(len(mc.Role))
		for _, p := range mc.Parts {
			if pp, ok := p.(llms.TextContent); ok {
				size += uint64(len(pp.Text))
			}
		}
	}
	return size
}

// CountResponseContentSize counts the size of the content in the content response
func CountResponseContentSize(resp *llms.ContentResponse) uint64 {
	var size uint64
	for _, choice := range resp.Choices {
		size += uint64(len(choice.Content))
		if tc := choice.ToolCall; tc != nil {
			size += uint64(len(tc.ID))
			size += uint64(len(tc.Type))
			if tc.FunctionCall != nil {
				size += uint64(len(tc.FunctionCall.Name))
				size += uint64(len(tc.FunctionCall.Arguments))
			}
		}
	}
	return size
}

// EnsureEndsWithNewline ensures the message ends with a newline,
// it also removes any extra leading and trailing spaces.
func EnsureEndsWithNewline(s string) string {
	s = strings.TrimSpace(s)
	c := len(s)
	if c == 0 {
		return s
	}
	if s[c-1] != '\n' {
		return s + "\n"
	}
	return s
}
