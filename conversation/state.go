// Package conversation keeps the bounded message log of a session.
package conversation

import (
	"sync"

	"github.com/effective-security/mcporch/pkg/llms"
)

// DefaultMaxHistory is the maximum number of messages kept in the log
const DefaultMaxHistory = 10

// Role of the message author
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the log.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// State is the conversation log of a session.
//
// The log holds at most one system message, always at index 0,
// and is pruned to MaxHistory messages after every append.
// The system prompt is kept separately, see SetSystemMessage.
type State struct {
	lock       sync.RWMutex
	maxHistory int
	messages   []Message
	system     string
}

// New returns an empty state, a non-positive maxHistory is replaced by
// DefaultMaxHistory.
func New(maxHistory int) *State {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &State{
		maxHistory: maxHistory,
	}
}

// MaxHistory returns the log bound.
func (s *State) MaxHistory() int {
	return s.maxHistory
}

// AppendUser appends a user message.
func (s *State) AppendUser(content string) {
	s.append(Message{Role: RoleUser, Content: content})
}

// AppendAssistant appends an assistant message.
func (s *State) AppendAssistant(content string) {
	s.append(Message{Role: RoleAssistant, Content: content})
}

// AppendToolResult appends the tool usage note and the tool result.
func (s *State) AppendToolResult(toolName, result string) {
	s.append(
		Message{Role: RoleAssistant, Content: "Using " + toolName + "..."},
		Message{Role: RoleUser, Content: result},
	)
}

// Append appends messages, a system message is accepted only as the
// first message of an empty log.
func (s *State) Append(msgs ...Message) {
	s.append(msgs...)
}

func (s *State) append(msgs ...Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, m := range msgs {
		if m.Role == RoleSystem && len(s.messages) > 0 {
			continue
		}
		s.messages = append(s.messages, m)
	}
	s.prune()
}

// Prune applies the log bound.
func (s *State) Prune() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.prune()
}

func (s *State) prune() {
	if len(s.messages) <= s.maxHistory {
		return
	}
	var head []Message
	if s.messages[0].Role == RoleSystem {
		head = s.messages[:1]
	}
	keep := s.maxHistory - len(head)
	recent := s.messages[len(s.messages)-keep:]

	pruned := make([]Message, 0, s.maxHistory)
	pruned = append(pruned, head...)
	pruned = append(pruned, recent...)
	s.messages = pruned
}

// Messages returns a copy of the log.
func (s *State) Messages() []Message {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]Message(nil), s.messages...)
}

// Len returns the log size.
func (s *State) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.messages)
}

// Replace replaces the log, used by trimming.
func (s *State) Replace(msgs []Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.messages = append([]Message(nil), msgs...)
	s.prune()
}

// Clear removes the messages, the leading system message is kept if requested.
func (s *State) Clear(keepSystem bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if keepSystem && len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
		s.messages = s.messages[:1:1]
		return
	}
	s.messages = nil
}

// SetSystemMessage sets the system prompt.
func (s *State) SetSystemMessage(prompt string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.system = prompt
}

// SystemMessage returns the system prompt.
func (s *State) SystemMessage() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.system
}

// ToLLMMessages renders the system prompt and the log for the model.
func (s *State) ToLLMMessages() []llms.Message {
	s.lock.RLock()
	defer s.lock.RUnlock()

	msgs := make([]llms.Message, 0, len(s.messages)+1)
	if s.system != "" {
		msgs = append(msgs, llms.MessageFromTextParts(llms.RoleSystem, s.system))
	}
	for _, m := range s.messages {
		msgs = append(msgs, ToLLMMessage(m))
	}
	return msgs
}

// ToLLMMessage converts the message.
func ToLLMMessage(m Message) llms.Message {
	role := llms.RoleHuman
	switch m.Role {
	case RoleAssistant:
		role = llms.RoleAI
	case RoleSystem:
		role = llms.RoleSystem
	}
	return llms.MessageFromTextParts(role, m.Content)
}
