// Package chat holds the conversation data model and the state machine that
// applies inbound events and visitor intents to it.
package chat

import (
	"encoding/json"
	"time"
)

// Status is the connection status of the widget.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Phase is the conversation sub-state within a connected session.
type Phase string

const (
	PhaseNone   Phase = "no-conversation"
	PhaseActive Phase = "conversation-active"
	PhaseEnded  Phase = "conversation-ended"
)

// ConnectionState describes the connection and the conversation bound to it.
// ConversationID is only set while Status is connected and the server has
// acknowledged a conversation; AgentPresent is only true while
// ConversationID is set.
type ConnectionState struct {
	Status         Status  `json:"status"`
	ConversationID *string `json:"conversationId"`
	AgentPresent   bool    `json:"agentPresent"`
	QueuePosition  *int    `json:"queuePosition"`
}

// Clone returns a copy that shares no pointers with s.
func (s ConnectionState) Clone() ConnectionState {
	out := s
	if s.ConversationID != nil {
		id := *s.ConversationID
		out.ConversationID = &id
	}
	if s.QueuePosition != nil {
		pos := *s.QueuePosition
		out.QueuePosition = &pos
	}
	return out
}

// Role is the transcript role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// ToolState is the lifecycle state of a tool invocation.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// rank orders tool states; the two output states share the terminal rank.
func (s ToolState) rank() int {
	switch s {
	case ToolInputStreaming:
		return 0
	case ToolInputAvailable:
		return 1
	case ToolOutputAvailable, ToolOutputError:
		return 2
	default:
		return -1
	}
}

// ToolInvocation is a tool call made while producing an assistant message.
type ToolInvocation struct {
	Type   string          `json:"type"`
	State  ToolState       `json:"state"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// advance merges next into t without ever moving the state backwards. Once
// terminal, an invocation keeps its outcome.
func (t ToolInvocation) advance(next ToolInvocation) ToolInvocation {
	cur, nxt := t.State.rank(), next.State.rank()
	if nxt < cur || (cur == 2 && next.State != t.State) {
		return t
	}
	out := next
	if len(out.Input) == 0 {
		out.Input = t.Input
	}
	if out.Name == "" {
		out.Name = t.Name
	}
	if out.Type == "" {
		out.Type = t.Type
	}
	return out
}

// mergeTools advances existing invocations position by position and appends
// any new ones.
func mergeTools(existing, incoming []ToolInvocation) []ToolInvocation {
	out := make([]ToolInvocation, 0, max(len(existing), len(incoming)))
	for i := 0; i < len(existing) || i < len(incoming); i++ {
		switch {
		case i >= len(incoming):
			out = append(out, existing[i])
		case i >= len(existing):
			out = append(out, incoming[i])
		default:
			out = append(out, existing[i].advance(incoming[i]))
		}
	}
	return out
}

// ChatMessage is one entry of the transcript.
type ChatMessage struct {
	ID                 string           `json:"id"`
	ClientMessageID    string           `json:"clientMessageId,omitempty"`
	Role               Role             `json:"role"`
	Content            string           `json:"content"`
	Timestamp          time.Time        `json:"timestamp"`
	Sender             Sender           `json:"sender"`
	ConversationID     string           `json:"conversationId,omitempty"`
	Reasoning          string           `json:"reasoning,omitempty"`
	IsClientOriginated bool             `json:"isClientOriginated"`
	IsStreaming        bool             `json:"isStreaming"`
	Tools              []ToolInvocation `json:"tools,omitempty"`
}

// Clone returns a deep copy of m.
func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Tools != nil {
		out.Tools = make([]ToolInvocation, len(m.Tools))
		copy(out.Tools, m.Tools)
	}
	return out
}

// TypingState is the latest typing indicator received from the other side.
type TypingState struct {
	IsTyping  bool   `json:"isTyping"`
	Sender    string `json:"sender,omitempty"`
	AgentName string `json:"agentName,omitempty"`
}

// Summary is the most recent conversation summary returned by the server.
type Summary struct {
	ConversationID string   `json:"conversationId,omitempty"`
	Text           string   `json:"summary"`
	KeyPoints      []string `json:"keyPoints,omitempty"`
}

// State is an immutable copy of everything the machine tracks.
type State struct {
	Connection          ConnectionState `json:"connection"`
	Phase               Phase           `json:"phase"`
	ConversationStarted bool            `json:"conversationStarted"`
	IsLoading           bool            `json:"isLoading"`
	Typing              TypingState     `json:"typing"`
	Messages            []ChatMessage   `json:"messages"`
	LastSummary         *Summary        `json:"lastSummary,omitempty"`
}
