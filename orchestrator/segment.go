package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/effective-security/mcporch/pkg/llms"
)

// Segment is one ordered part of the model output.
// The set of segments is closed: TextSegment, ToolUseSegment and UnsupportedSegment.
type Segment interface {
	segment()
}

// TextSegment is a text part.
type TextSegment struct {
	Text string
}

// ToolUseSegment is a tool use request.
type ToolUseSegment struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// UnsupportedSegment is a part of a type the loop does not handle.
type UnsupportedSegment struct {
	Type    string
	Content string
}

func (TextSegment) segment()        {}
func (ToolUseSegment) segment()     {}
func (UnsupportedSegment) segment() {}

// Segments splits the response into segments in emission order.
func Segments(resp *llms.ContentResponse) []Segment {
	if resp == nil {
		return nil
	}
	list := make([]Segment, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		if c == nil {
			continue
		}
		switch {
		case c.ToolCall != nil && c.ToolCall.FunctionCall != nil:
			args := strings.TrimSpace(c.ToolCall.FunctionCall.Arguments)
			if args == "" {
				args = "{}"
			}
			list = append(list, ToolUseSegment{
				ID:        c.ToolCall.ID,
				Name:      c.ToolCall.FunctionCall.Name,
				Arguments: json.RawMessage(args),
			})
		case c.Type == llms.ChoiceText || c.Type == "":
			if c.Content != "" {
				list = append(list, TextSegment{Text: c.Content})
			}
		default:
			list = append(list, UnsupportedSegment{Type: string(c.Type), Content: c.Content})
		}
	}
	return list
}

// HasToolUse returns true if any segment is a tool use request.
func HasToolUse(segments []Segment) bool {
	for _, s := range segments {
		if _, ok := s.(ToolUseSegment); ok {
			return true
		}
	}
	return false
}
