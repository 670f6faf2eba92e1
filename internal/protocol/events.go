package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

var (
	// ErrUnknownEvent is returned by ParseServerMessage for event names the
	// widget does not know about.
	ErrUnknownEvent = errors.New("protocol: unknown event")

	// ErrMalformed is returned when a known event lacks a required field.
	ErrMalformed = errors.New("protocol: malformed payload")
)

// Sender values carried by inbound "message" frames.
const (
	SenderUser  = "user"
	SenderAI    = "ai"
	SenderAgent = "agent"
)

// Event is one inbound event after routing. The set of implementations is
// closed: only types in this package satisfy it, so a type switch over Event
// covers the whole inbound surface.
type Event interface {
	EventName() string
	isEvent()
}

// ---------------------------------------------------------------------------
// Transport lifecycle events
// ---------------------------------------------------------------------------

// Connect reports that the transport is connected and authenticated.
type Connect struct{}

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	Message string `json:"message"`
}

// Disconnect reports that a live connection went away.
type Disconnect struct {
	Reason string `json:"reason"`
}

// ---------------------------------------------------------------------------
// Server events
// ---------------------------------------------------------------------------

// Connected is the server's acknowledgement of the auth handshake.
type Connected struct {
	SocketID  string `json:"socketId,omitempty"`
	ChatbotID string `json:"chatbotId,omitempty"`
}

// ConversationStarted carries the server-assigned conversation id.
type ConversationStarted struct {
	ConversationID string `json:"conversationId"`
}

// ToolPart is a tool invocation attached to an assistant message.
type ToolPart struct {
	Type   string          `json:"type"`
	State  string          `json:"state"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// MessageID is a server message id. Servers send it as a string or a number;
// numbers keep their decimal text.
type MessageID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id %s: %w", data, err)
	}
	*id = MessageID(n.String())
	return nil
}

// Message is a transcript message delivered by the server.
type Message struct {
	ID              MessageID  `json:"id,omitempty"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
	Sender          string     `json:"sender"`
	Content         *string    `json:"content"`
	Timestamp       Timestamp  `json:"timestamp,omitempty"`
	ConversationID  string     `json:"conversationId,omitempty"`
	Reasoning       string     `json:"reasoning,omitempty"`
	IsStreaming     bool       `json:"isStreaming,omitempty"`
	Tools           []ToolPart `json:"tools,omitempty"`
}

// Typing relays the counterpart's typing indicator.
type Typing struct {
	IsTyping *bool  `json:"isTyping"`
	Sender   string `json:"sender,omitempty"`
}

// AgentTyping relays a human agent's typing indicator.
type AgentTyping struct {
	IsTyping  *bool  `json:"isTyping"`
	AgentName string `json:"agentName,omitempty"`
}

// StatusChange is an informational conversation status update.
type StatusChange struct {
	Status string `json:"status"`
}

// QueueUpdate carries the visitor's position in the agent queue.
type QueueUpdate struct {
	Position *int `json:"position"`
}

// AgentJoined reports that a human agent took over the conversation.
type AgentJoined struct {
	AgentName string `json:"agentName"`
}

// ConversationEnded reports that the server closed the conversation.
type ConversationEnded struct {
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// AIAnalysisResult is the answer to a request-ai-analysis intent.
type AIAnalysisResult struct {
	AnalysisType string          `json:"analysisType,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ConversationSummary is the answer to a request-conversation-summary intent.
type ConversationSummary struct {
	ConversationID string   `json:"conversationId,omitempty"`
	Summary        string   `json:"summary"`
	KeyPoints      []string `json:"keyPoints,omitempty"`
}

// MetadataUpdated confirms a metadata update.
type MetadataUpdated struct {
	ConversationID string         `json:"conversationId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ConversationTransferred reports a hand-off to another agent or department.
type ConversationTransferred struct {
	ToAgent    string `json:"toAgent,omitempty"`
	Department string `json:"department,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Pong answers a ping.
type Pong struct{}

// ServerError is a protocol-level error reported by the server.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (Connect) EventName() string                 { return TypeConnect }
func (ConnectError) EventName() string            { return TypeConnectError }
func (Disconnect) EventName() string              { return TypeDisconnect }
func (Connected) EventName() string               { return TypeConnected }
func (ConversationStarted) EventName() string     { return TypeConversationStarted }
func (Message) EventName() string                 { return TypeMessage }
func (Typing) EventName() string                  { return TypeTyping }
func (AgentTyping) EventName() string             { return TypeAgentTyping }
func (StatusChange) EventName() string            { return TypeStatusChange }
func (QueueUpdate) EventName() string             { return TypeQueueUpdate }
func (AgentJoined) EventName() string             { return TypeAgentJoined }
func (ConversationEnded) EventName() string       { return TypeConversationEnded }
func (AIAnalysisResult) EventName() string        { return TypeAIAnalysisResult }
func (ConversationSummary) EventName() string     { return TypeConversationSummary }
func (MetadataUpdated) EventName() string         { return TypeMetadataUpdated }
func (ConversationTransferred) EventName() string { return TypeConversationTransferred }
func (Pong) EventName() string                    { return TypePong }
func (ServerError) EventName() string             { return TypeError }

func (Connect) isEvent()                 {}
func (ConnectError) isEvent()            {}
func (Disconnect) isEvent()              {}
func (Connected) isEvent()               {}
func (ConversationStarted) isEvent()     {}
func (Message) isEvent()                 {}
func (Typing) isEvent()                  {}
func (AgentTyping) isEvent()             {}
func (StatusChange) isEvent()            {}
func (QueueUpdate) isEvent()             {}
func (AgentJoined) isEvent()             {}
func (ConversationEnded) isEvent()       {}
func (AIAnalysisResult) isEvent()        {}
func (ConversationSummary) isEvent()     {}
func (MetadataUpdated) isEvent()         {}
func (ConversationTransferred) isEvent() {}
func (Pong) isEvent()                    {}
func (ServerError) isEvent()             {}

// ---------------------------------------------------------------------------
// Structural validation
// ---------------------------------------------------------------------------

// validator is implemented by events with required fields.
type validator interface {
	validate() error
}

func (e ConversationStarted) validate() error {
	if e.ConversationID == "" {
		return errors.New("conversationId is required")
	}
	return nil
}

func (e Message) validate() error {
	if e.Content == nil {
		return errors.New("content is required")
	}
	switch e.Sender {
	case SenderUser, SenderAI, SenderAgent:
	default:
		return fmt.Errorf("invalid sender %q", e.Sender)
	}
	return nil
}

func (e Typing) validate() error {
	if e.IsTyping == nil {
		return errors.New("isTyping is required")
	}
	return nil
}

func (e AgentTyping) validate() error {
	if e.IsTyping == nil {
		return errors.New("isTyping is required")
	}
	return nil
}

func (e QueueUpdate) validate() error {
	if e.Position == nil {
		return errors.New("position is required")
	}
	if *e.Position < 0 {
		return fmt.Errorf("position must be >= 0, got %d", *e.Position)
	}
	return nil
}

func (e AgentJoined) validate() error {
	if e.AgentName == "" {
		return errors.New("agentName is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseServerMessage parses a raw frame into a typed Event. Unknown event
// names yield ErrUnknownEvent; frames failing structural validation yield
// ErrMalformed. Both are wrapped with the event name.
func ParseServerMessage(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	switch env.Type {
	case TypeConnect:
		return decode[Connect](env)
	case TypeConnectError:
		return decode[ConnectError](env)
	case TypeDisconnect:
		return decode[Disconnect](env)
	case TypeConnected:
		return decode[Connected](env)
	case TypeConversationStarted:
		return decode[ConversationStarted](env)
	case TypeMessage:
		return decode[Message](env)
	case TypeTyping:
		return decode[Typing](env)
	case TypeAgentTyping:
		return decode[AgentTyping](env)
	case TypeStatusChange:
		return decode[StatusChange](env)
	case TypeQueueUpdate:
		return decode[QueueUpdate](env)
	case TypeAgentJoined:
		return decode[AgentJoined](env)
	case TypeConversationEnded:
		return decode[ConversationEnded](env)
	case TypeAIAnalysisResult:
		return decode[AIAnalysisResult](env)
	case TypeConversationSummary:
		return decode[ConversationSummary](env)
	case TypeMetadataUpdated:
		return decode[MetadataUpdated](env)
	case TypeConversationTransferred:
		return decode[ConversationTransferred](env)
	case TypePong:
		return decode[Pong](env)
	case TypeError:
		return decode[ServerError](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decode[T Event](env Envelope) (Event, error) {
	var ev T
	if err := json.Unmarshal(env.Raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, env.Type, err)
	}
	if v, ok := any(ev).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformed, env.Type, err)
		}
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Timestamp
// ---------------------------------------------------------------------------

// Timestamp accepts an RFC 3339 string or a Unix time in milliseconds,
// integral or fractional. Values it cannot read leave the time zero, so the
// consumer stamps the message itself.
type Timestamp struct {
	time.Time
}

// timestampLayouts are tried in order for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler. It never fails: the timestamp is
// optional on the wire.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil || s == "" {
			return nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		slog.Debug("ignoring unreadable timestamp", "value", s)
		return nil
	}
	if ms, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		t.Time = time.UnixMilli(ms)
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) {
		slog.Debug("ignoring unreadable timestamp", "value", string(data))
		return nil
	}
	whole := math.Floor(ms)
	t.Time = time.UnixMilli(int64(whole)).Add(time.Duration((ms - whole) * float64(time.Millisecond)))
	return nil
}

// MarshalJSON implements json.Marshaler. The zero time encodes as null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}
