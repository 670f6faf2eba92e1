// Package protocol defines the WebSocket frame types and structures exchanged
// between the chat widget and the support backend. Every frame is a JSON
// object carrying its event name in a "type" discriminator next to the event
// payload fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server event names.
const (
	TypeAuth              = "auth"
	TypePing              = "ping"
	TypeJoinConversation  = "join-conversation"
	TypeTyping            = "typing"
	TypeSendMessage       = "send-message"
	TypeRequestAIAnalysis = "request-ai-analysis"
	TypeUpdateMetadata    = "update-conversation-metadata"
	TypeRequestSummary    = "request-conversation-summary"
	TypeRate              = "rate"
	TypeEndConversation   = "end-conversation"
)

// Server -> Client event names.
const (
	TypeConnected               = "connected"
	TypeConversationStarted     = "conversation-started"
	TypeMessage                 = "message"
	TypeAgentTyping             = "agent-typing"
	TypeStatusChange            = "status-change"
	TypeQueueUpdate             = "queue-update"
	TypeAgentJoined             = "agent-joined"
	TypeConversationEnded       = "conversation-ended"
	TypeAIAnalysisResult        = "ai-analysis-result"
	TypeConversationSummary     = "conversation-summary"
	TypeMetadataUpdated         = "conversation-metadata-updated"
	TypeConversationTransferred = "conversation-transferred"
	TypePong                    = "pong"
	TypeError                   = "error"
)

// Transport lifecycle event names. These never travel over the wire; the
// transport synthesizes them so that its consumer sees connection changes in
// the same stream as server events.
const (
	TypeConnect      = "connect"
	TypeConnectError = "connect_error"
	TypeDisconnect   = "disconnect"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw JSON frame for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frame structs
// ---------------------------------------------------------------------------

// AuthMsg is the first frame on every connection. The server validates the
// widget credential pair before answering with "connected".
type AuthMsg struct {
	WidgetKey string `json:"widgetKey"`
	ChatbotID string `json:"chatbotId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// JoinConversationMsg asks the server to start (or resume) a conversation for
// the widget session.
type JoinConversationMsg struct {
	SessionID string `json:"sessionId"`
}

// TypingMsg reports whether the visitor is currently typing.
type TypingMsg struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// SendMessageMsg carries a visitor message. ClientMessageID is an idempotency
// key the server echoes back on the resulting "message" event.
type SendMessageMsg struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// RequestAIAnalysisMsg asks the backend to analyse a piece of text.
type RequestAIAnalysisMsg struct {
	Message      string `json:"message"`
	AnalysisType string `json:"analysisType"`
}

// UpdateMetadataMsg attaches arbitrary metadata to the active conversation.
type UpdateMetadataMsg struct {
	Metadata map[string]any `json:"metadata"`
}

// RequestSummaryMsg asks for a summary of the active conversation.
type RequestSummaryMsg struct{}

// RateMsg submits visitor feedback for a conversation.
type RateMsg struct {
	ConversationID string `json:"conversationId"`
	Rating         int    `json:"rating"`
	Comment        string `json:"comment"`
}

// EndConversationMsg ends the conversation from the visitor side.
type EndConversationMsg struct {
	ConversationID string `json:"conversationId"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the event name, the decoded struct, and any error encountered
// during parsing. An error is returned for unknown or server-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		msg = PingMsg{}
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestAIAnalysis:
		var m RequestAIAnalysisMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateMetadata:
		var m UpdateMetadataMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestSummary:
		msg = RequestSummaryMsg{}
	case TypeRate:
		var m RateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndConversation:
		var m EndConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewFrame creates a JSON-encoded frame for the given event name. The payload
// is marshalled to an object and the "type" key is injected into it. Field
// values are kept as marshalled, so numbers are never re-encoded. A nil
// payload yields a frame carrying only the type.
func NewFrame(eventType string, payload interface{}) ([]byte, error) {
	m := map[string]json.RawMessage{}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
		if m == nil {
			m = map[string]json.RawMessage{}
		}
	}

	typ, err := json.Marshal(eventType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
