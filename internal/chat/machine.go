package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-widget/internal/protocol"
)

var (
	// ErrAlreadyLoading is returned when a regenerate is requested while a
	// response is still pending.
	ErrAlreadyLoading = errors.New("chat: a response is already pending")

	// ErrMessageNotFound is returned for intents naming an unknown message.
	ErrMessageNotFound = errors.New("chat: message not found")

	// ErrNothingToRegenerate is returned when the target message has no
	// preceding user message, or is itself a user message.
	ErrNothingToRegenerate = errors.New("chat: nothing to regenerate")
)

// SendFailedText is the transcript text shown when an outbound message could
// not be written to the connection.
const SendFailedText = "Sorry, your message could not be sent. Please check your connection and try again."

// Machine is the conversation state machine. It is not safe for concurrent
// use: the session client serializes every call.
type Machine struct {
	conn                ConnectionState
	phase               Phase
	conversationStarted bool
	loading             bool
	typing              TypingState
	log                 *Log
	summary             *Summary
	logger              *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewMachine creates a Machine in the disconnected state. Pass nil logger for
// default.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		conn:   ConnectionState{Status: StatusDisconnected},
		phase:  PhaseNone,
		log:    NewLog(),
		logger: logger.With("component", "machine"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Apply folds one inbound event into the state. It reports whether the
// visible state changed.
func (m *Machine) Apply(ev protocol.Event) bool {
	switch e := ev.(type) {
	case protocol.Connect:
		if m.conn.Status == StatusConnected {
			return false
		}
		m.conn.Status = StatusConnected
		return true

	case protocol.ConnectError:
		m.logger.Warn("connection failed", "error", e.Message)
		if m.conn.Status == StatusError {
			return false
		}
		m.resetConversation()
		m.conn.Status = StatusError
		return true

	case protocol.Disconnect:
		if m.conn.Status == StatusDisconnected {
			return false
		}
		m.logger.Info("disconnected", "reason", e.Reason)
		m.resetConversation()
		m.conn.Status = StatusDisconnected
		return true

	case protocol.Connected:
		m.logger.Debug("server acknowledged connection", "socket_id", e.SocketID)
		return false

	case protocol.ConversationStarted:
		if m.conn.Status != StatusConnected {
			m.logger.Warn("conversation-started while not connected", "conversation_id", e.ConversationID)
			return false
		}
		id := e.ConversationID
		m.conn.ConversationID = &id
		m.phase = PhaseActive
		m.conversationStarted = true
		return true

	case protocol.Message:
		m.applyMessage(e)
		return true

	case protocol.Typing:
		if m.conn.Status != StatusConnected {
			return false
		}
		m.typing = TypingState{IsTyping: *e.IsTyping, Sender: e.Sender}
		return true

	case protocol.AgentTyping:
		if m.conn.Status != StatusConnected {
			return false
		}
		m.typing = TypingState{IsTyping: *e.IsTyping, Sender: string(SenderAgent), AgentName: e.AgentName}
		return true

	case protocol.QueueUpdate:
		if m.conn.Status != StatusConnected {
			return false
		}
		pos := *e.Position
		m.conn.QueuePosition = &pos
		return true

	case protocol.AgentJoined:
		if m.phase != PhaseActive {
			m.logger.Warn("agent-joined without active conversation", "agent", e.AgentName)
			return false
		}
		m.conn.AgentPresent = true
		m.appendSystem(fmt.Sprintf("%s joined the conversation", e.AgentName))
		return true

	case protocol.ConversationEnded:
		if m.phase != PhaseActive {
			return false
		}
		m.endConversation()
		return true

	case protocol.ConversationTransferred:
		if m.phase != PhaseActive {
			return false
		}
		m.appendSystem(transferText(e))
		return true

	case protocol.ConversationSummary:
		m.summary = &Summary{
			ConversationID: e.ConversationID,
			Text:           e.Summary,
			KeyPoints:      append([]string(nil), e.KeyPoints...),
		}
		return true

	case protocol.ServerError:
		m.logger.Warn("server error", "code", e.Code, "message", e.Message)
		return false

	case protocol.StatusChange:
		m.logger.Debug("status change", "status", e.Status)
		return false

	case protocol.AIAnalysisResult:
		m.logger.Debug("ai analysis result", "analysis_type", e.AnalysisType)
		return false

	case protocol.MetadataUpdated:
		m.logger.Debug("conversation metadata updated", "conversation_id", e.ConversationID)
		return false

	case protocol.Pong:
		return false

	default:
		m.logger.Warn("unhandled event", "event", fmt.Sprintf("%T", ev))
		return false
	}
}

// applyMessage appends an inbound message, reconciling it against a pending
// client message or an in-progress stream when possible.
func (m *Machine) applyMessage(e protocol.Message) {
	msg := ChatMessage{
		ID:              string(e.ID),
		ClientMessageID: e.ClientMessageID,
		Role:            roleFor(e.Sender),
		Content:         *e.Content,
		Timestamp:       e.Timestamp.Time,
		Sender:          Sender(e.Sender),
		ConversationID:  e.ConversationID,
		Reasoning:       e.Reasoning,
		IsStreaming:     e.IsStreaming,
		Tools:           toolsFromWire(e.Tools),
	}
	if msg.ID == "" {
		msg.ID = m.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	if msg.ConversationID == "" && m.conn.ConversationID != nil {
		msg.ConversationID = *m.conn.ConversationID
	}

	if e.Sender != protocol.SenderUser {
		m.loading = false
	}

	// The server echo is authoritative for the pending copy it acknowledges.
	if i := m.log.IndexPending(e.ClientMessageID); i >= 0 {
		m.log.Replace(i, msg)
		return
	}

	if i := m.log.Index(string(e.ID)); i >= 0 {
		prev := m.log.At(i)
		if prev.IsStreaming {
			msg.Tools = mergeTools(prev.Tools, msg.Tools)
			msg.Timestamp = prev.Timestamp
			m.log.Replace(i, msg)
			return
		}
	}

	m.log.Append(msg)
}

// ---------------------------------------------------------------------------
// Intent-side transitions
// ---------------------------------------------------------------------------

// SetConnecting marks a connection attempt in progress.
func (m *Machine) SetConnecting() bool {
	if m.conn.Status == StatusConnecting || m.conn.Status == StatusConnected {
		return false
	}
	m.conn.Status = StatusConnecting
	return true
}

// BeginJoin records an optimistic conversation start. It returns true when
// the caller must send join-conversation, and false when a join is already
// outstanding or a conversation is active.
func (m *Machine) BeginJoin() bool {
	if m.conn.Status != StatusConnected {
		return false
	}
	if m.conversationStarted || m.conn.ConversationID != nil {
		return false
	}
	m.conversationStarted = true
	return true
}

// CancelJoin rolls back an optimistic start whose join frame was never sent.
func (m *Machine) CancelJoin() {
	if m.conn.ConversationID == nil {
		m.conversationStarted = false
	}
}

// SetLoading toggles the pending-response flag.
func (m *Machine) SetLoading(loading bool) {
	m.loading = loading
}

// IsLoading reports whether a response is pending.
func (m *Machine) IsLoading() bool {
	return m.loading
}

// Status returns the connection status.
func (m *Machine) Status() Status {
	return m.conn.Status
}

// ConversationID returns the acknowledged conversation id.
func (m *Machine) ConversationID() (string, bool) {
	if m.conn.ConversationID == nil {
		return "", false
	}
	return *m.conn.ConversationID, true
}

// AddPending appends a client-originated message awaiting its server echo.
func (m *Machine) AddPending(content, clientMessageID string) ChatMessage {
	msg := ChatMessage{
		ID:                 clientMessageID,
		ClientMessageID:    clientMessageID,
		Role:               RoleUser,
		Content:            content,
		Timestamp:          m.now(),
		Sender:             SenderUser,
		IsClientOriginated: true,
	}
	if id, ok := m.ConversationID(); ok {
		msg.ConversationID = id
	}
	m.log.Append(msg)
	return msg
}

// AddSendFailure appends the synthetic assistant message shown when an
// outbound frame could not be written, and clears the pending flag.
func (m *Machine) AddSendFailure() {
	m.loading = false
	m.log.Append(ChatMessage{
		ID:                 m.newID(),
		Role:               RoleAssistant,
		Content:            SendFailedText,
		Timestamp:          m.now(),
		Sender:             SenderAI,
		IsClientOriginated: true,
	})
}

// EndConversation tears down the active conversation from the visitor side.
// It returns the id that was ended, or false when there was none.
func (m *Machine) EndConversation() (string, bool) {
	if m.phase != PhaseActive || m.conn.ConversationID == nil {
		return "", false
	}
	id := *m.conn.ConversationID
	m.endConversation()
	return id, true
}

// Regenerate truncates the log from the given non-user message onwards and
// returns the content of the user message that preceded it. A non-empty
// clientMessageID marks that user message as awaiting the echo of its re-sent
// copy, so the echo replaces it instead of duplicating it.
func (m *Machine) Regenerate(messageID, clientMessageID string) (string, error) {
	if m.loading {
		return "", ErrAlreadyLoading
	}
	idx := m.log.Index(messageID)
	if idx < 0 {
		return "", ErrMessageNotFound
	}
	if m.log.At(idx).Role == RoleUser {
		return "", ErrNothingToRegenerate
	}
	for i := idx - 1; i >= 0; i-- {
		prev := m.log.At(i)
		if prev.Role == RoleUser {
			m.log.TruncateAt(idx)
			if clientMessageID != "" {
				prev.ClientMessageID = clientMessageID
				prev.IsClientOriginated = true
				m.log.Replace(i, prev)
			}
			return prev.Content, nil
		}
	}
	return "", ErrNothingToRegenerate
}

// Message returns a copy of the message with the given id.
func (m *Machine) Message(id string) (ChatMessage, bool) {
	i := m.log.Index(id)
	if i < 0 {
		return ChatMessage{}, false
	}
	return m.log.At(i), true
}

// Reset returns the machine to a fresh session, discarding the transcript.
// The connection status is kept.
func (m *Machine) Reset() {
	status := m.conn.Status
	m.resetConversation()
	m.conn.Status = status
	m.log.Reset()
	m.summary = nil
}

// State returns an immutable copy of the current state.
func (m *Machine) State() State {
	s := State{
		Connection:          m.conn.Clone(),
		Phase:               m.phase,
		ConversationStarted: m.conversationStarted,
		IsLoading:           m.loading,
		Typing:              m.typing,
		Messages:            m.log.Messages(),
	}
	if m.summary != nil {
		sum := *m.summary
		sum.KeyPoints = append([]string(nil), m.summary.KeyPoints...)
		s.LastSummary = &sum
	}
	return s
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Machine) endConversation() {
	m.conn.ConversationID = nil
	m.conn.AgentPresent = false
	m.conn.QueuePosition = nil
	m.phase = PhaseEnded
	m.conversationStarted = false
	m.loading = false
	m.typing = TypingState{}
	m.appendSystem("The conversation has ended")
}

// resetConversation clears everything bound to the live connection.
func (m *Machine) resetConversation() {
	m.conn = ConnectionState{Status: m.conn.Status}
	m.phase = PhaseNone
	m.conversationStarted = false
	m.loading = false
	m.typing = TypingState{}
}

func (m *Machine) appendSystem(text string) {
	msg := ChatMessage{
		ID:                 m.newID(),
		Role:               RoleSystem,
		Content:            text,
		Timestamp:          m.now(),
		Sender:             SenderSystem,
		IsClientOriginated: true,
	}
	if id, ok := m.ConversationID(); ok {
		msg.ConversationID = id
	}
	m.log.Append(msg)
}

func roleFor(sender string) Role {
	switch sender {
	case protocol.SenderUser:
		return RoleUser
	case protocol.SenderAgent:
		return RoleAgent
	default:
		return RoleAssistant
	}
}

func transferText(e protocol.ConversationTransferred) string {
	switch {
	case e.ToAgent != "":
		return fmt.Sprintf("Conversation transferred to %s", e.ToAgent)
	case e.Department != "":
		return fmt.Sprintf("Conversation transferred to the %s team", e.Department)
	default:
		return "Conversation transferred"
	}
}

func toolsFromWire(parts []protocol.ToolPart) []ToolInvocation {
	if len(parts) == 0 {
		return nil
	}
	out := make([]ToolInvocation, len(parts))
	for i, p := range parts {
		out[i] = ToolInvocation{
			Type:   p.Type,
			State:  ToolState(p.State),
			Name:   p.Name,
			Input:  p.Input,
			Output: p.Output,
		}
	}
	return out
}
