package llms

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrUnexpectedRole is returned when a message role is of an unexpected type.
var ErrUnexpectedRole = errors.New("unexpected role")

// Role is the type of chat message.
type Role string

const (
	// RoleAI is a message sent by an AI.
	RoleAI Role = "ai"
	// RoleHuman is a message sent by a human.
	RoleHuman Role = "human"
	// RoleSystem is a message sent by the system.
	RoleSystem Role = "system"
)

// Message is the message sent to a LLM. It has a role and a
// sequence of parts.
type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// TextPart creates TextContent from a given string.
func TextPart(s string) TextContent {
	return TextContent{Text: s}
}

// ContentPart is an interface all parts of content have to implement.
type ContentPart interface {
	isPart()
}

// TextContent is content with some text.
type TextContent struct {
	Text string `json:"text"`
}

func (tc TextContent) String() string {
	return tc.Text
}

func (TextContent) isPart() {}

// FunctionCall is the name and arguments of a function call.
type FunctionCall struct {
	// The name of the function to call.
	Name string `json:"name"`
	// The arguments to pass to the function, as a JSON string.
	Arguments string `json:"arguments"`
}

// ToolCall is a call to a tool (as requested by the model) that should be executed.
type ToolCall struct {
	// ID is the unique identifier of the tool call.
	ID string `json:"id"`
	// Type is the type of the tool call. Typically, this would be "function".
	Type string `json:"type"`
	// FunctionCall is the function call to be executed.
	FunctionCall *FunctionCall `json:"function,omitempty"`
}

func (tc ToolCall) String() string {
	return fmt.Sprintf("ToolCall: %s (%s), input: %s", tc.ID, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
}

// ChoiceType is the type of one segment of model output.
type ChoiceType string

const (
	// ChoiceText is a natural language segment.
	ChoiceText ChoiceType = "text"
	// ChoiceToolUse is a request to invoke a tool.
	ChoiceToolUse ChoiceType = "tool_use"
)

// ContentResponse is the response returned by a GenerateContent call.
// Choices are the ordered segments of the model output.
type ContentResponse struct {
	Choices []*ContentChoice

	// InputTokens and OutputTokens are the usage reported by the provider.
	InputTokens  int64
	OutputTokens int64
}

// ContentChoice is one segment of the response returned by GenerateContent
// calls.
type ContentChoice struct {
	// Type is the segment type, ChoiceText, ChoiceToolUse, or the provider
	// type name of a segment that the orchestrator does not handle.
	Type ChoiceType `json:"type"`

	// Content is the textual content of a response
	Content string `json:"content"`

	// StopReason is the reason the model stopped generating output.
	StopReason string `json:"stop_reason"`

	// GenerationInfo is arbitrary information the model adds to the response.
	GenerationInfo map[string]any `json:"generation_info"`

	// ToolCall is set when Type is ChoiceToolUse.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// TextChoice returns a text segment.
func TextChoice(text string) *ContentChoice {
	return &ContentChoice{Type: ChoiceText, Content: text}
}

// ToolUseChoice returns a tool use segment.
func ToolUseChoice(id, name, arguments string) *ContentChoice {
	return &ContentChoice{
		Type: ChoiceToolUse,
		ToolCall: &ToolCall{
			ID:   id,
			Type: "function",
			FunctionCall: &FunctionCall{
				Name:      name,
				Arguments: arguments,
			},
		},
	}
}

// HasToolUse returns true if any segment requests a tool.
func (r *ContentResponse) HasToolUse() bool {
	for _, c := range r.Choices {
		if c.Type == ChoiceToolUse {
			return true
		}
	}
	return false
}

// Text returns the text segments joined by a new line.
func (r *ContentResponse) Text() string {
	var parts []string
	for _, c := range r.Choices {
		if c.Type == ChoiceText && c.Content != "" {
			parts = append(parts, c.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// MessageFromTextParts is a helper function to create a Message with a role and a
// list of text parts.
func MessageFromTextParts(role Role, parts ...string) Message {
	result := Message{
		Role:  role,
		Parts: make([]ContentPart, 0, len(parts)),
	}
	for _, part := range parts {
		result.Parts = append(result.Parts, TextPart(part))
	}
	return result
}

// GetContent returns the text of all parts, separated by new lines.
func (m Message) GetContent() string {
	var buf strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			buf.WriteString("\n")
		}
		if typ, ok := p.(TextContent); ok {
			buf.WriteString(typ.Text)
		}
	}
	return buf.String()
}
