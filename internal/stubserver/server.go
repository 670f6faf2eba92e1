// Package stubserver implements a minimal widget backend speaking the chat
// widget's WebSocket protocol. It authenticates widgets, starts
// conversations, echoes visitor messages and answers them with a canned
// assistant reply. It backs the integration tests and the widget-stub
// command.
package stubserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/whisper/chat-widget/internal/protocol"
	"github.com/whisper/chat-widget/internal/ws"
)

const frameBufferSize = 256

// Config holds the stub's behaviour knobs.
type Config struct {
	WidgetKey    string        // accepted widget key; empty accepts any
	ChatbotID    string        // accepted chatbot id; empty accepts any
	Greeting     string        // optional assistant message after conversation-started
	ReplyDelay   time.Duration // pause between the typing indicator and the reply
	WriteTimeout time.Duration

	// Reply produces the assistant answer for a visitor message. The default
	// echoes the content back.
	Reply func(content string) string
}

// Frame is one client frame received by the stub.
type Frame struct {
	ConnID string
	Type   string
	Msg    interface{} // concrete struct from protocol.ParseClientMessage
}

// Server is the stub widget backend. It implements http.Handler.
type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux

	mu        sync.Mutex
	peers     map[string]*ws.Connection
	convSeq   int
	startedAt time.Time

	frames  chan Frame
	history *history
}

// New creates a stub server. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Reply == nil {
		cfg.Reply = func(content string) string { return "You said: " + content }
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "stubserver"),
		peers:     make(map[string]*ws.Connection),
		startedAt: time.Now(),
		frames:    make(chan Frame, frameBufferSize),
		history:   newHistory(),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/widget", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Frames returns the stream of received client frames. Frames are dropped
// when nobody drains the buffer.
func (s *Server) Frames() <-chan Frame {
	return s.frames
}

// WaitFor returns the next received frame of the given type, discarding
// frames of other types.
func (s *Server) WaitFor(ctx context.Context, eventType string) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, fmt.Errorf("stubserver: waiting for %s: %w", eventType, ctx.Err())
		case f := <-s.frames:
			if f.Type == eventType {
				return f, nil
			}
		}
	}
}

// Count returns the number of authenticated connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Push sends a server event to every authenticated connection.
func (s *Server) Push(eventType string, payload interface{}) error {
	data, err := protocol.NewFrame(eventType, payload)
	if err != nil {
		return err
	}
	for _, c := range s.connections() {
		if err := c.WriteMessage(data); err != nil {
			s.logger.Warn("push failed", "conn", c.ID, "event", eventType, "error", err)
		}
	}
	return nil
}

// PushRaw writes data unmodified to every authenticated connection.
func (s *Server) PushRaw(data []byte) {
	for _, c := range s.connections() {
		_ = c.WriteMessage(data)
	}
}

// DropAll closes every connection at the TCP level without a close frame,
// simulating a network failure.
func (s *Server) DropAll() {
	for _, c := range s.connections() {
		_ = c.Conn.Close()
	}
}

// CloseAll closes every connection with a normal close frame.
func (s *Server) CloseAll() {
	for _, c := range s.connections() {
		_ = c.Close()
	}
}

func (s *Server) connections() []*ws.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ws.Connection, 0, len(s.peers))
	for _, c := range s.peers {
		out = append(out, c)
	}
	return out
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and serves
// it on its own goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := gobwas.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	c := ws.NewConnection(conn, nil, gobwas.StateServerSide, s.cfg.WriteTimeout)
	s.logger.Debug("new connection", "conn", c.ID)
	go s.serve(c)
}

// handleHealth responds with the stub's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// peer is the per-connection conversation state, owned by serve.
type peer struct {
	conn           *ws.Connection
	authed         bool
	conversationID string
}

func (s *Server) serve(c *ws.Connection) {
	p := &peer{conn: c}
	defer func() {
		s.mu.Lock()
		delete(s.peers, c.ID)
		s.mu.Unlock()
		_ = c.Close()
		s.logger.Debug("connection closed", "conn", c.ID)
	}()

	for {
		data, err := c.ReadMessage()
		if err != nil {
			return
		}

		typ, msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.logger.Warn("parse error", "conn", c.ID, "error", err)
			s.send(p, protocol.TypeError, protocol.ServerError{Code: "parse_error", Message: "invalid message format"})
			continue
		}
		s.record(Frame{ConnID: c.ID, Type: typ, Msg: msg})

		if !p.authed {
			if !s.authenticate(p, msg) {
				return
			}
			continue
		}
		s.handle(p, typ, msg)
	}
}

func (s *Server) record(f Frame) {
	select {
	case s.frames <- f:
	default:
		s.logger.Debug("frame buffer full, dropping", "type", f.Type)
	}
}

func (s *Server) authenticate(p *peer, msg interface{}) bool {
	auth, ok := msg.(protocol.AuthMsg)
	if !ok {
		s.send(p, protocol.TypeError, protocol.ServerError{Code: "unauthorized", Message: "auth required"})
		return false
	}
	if (s.cfg.WidgetKey != "" && auth.WidgetKey != s.cfg.WidgetKey) ||
		(s.cfg.ChatbotID != "" && auth.ChatbotID != s.cfg.ChatbotID) {
		s.send(p, protocol.TypeError, protocol.ServerError{Code: "unauthorized", Message: "invalid widget credentials"})
		return false
	}

	p.authed = true
	s.mu.Lock()
	s.peers[p.conn.ID] = p.conn
	s.mu.Unlock()
	s.send(p, protocol.TypeConnected, protocol.Connected{SocketID: p.conn.ID, ChatbotID: auth.ChatbotID})
	return true
}

func (s *Server) handle(p *peer, typ string, msg interface{}) {
	switch m := msg.(type) {
	case protocol.PingMsg:
		s.send(p, protocol.TypePong, protocol.Pong{})

	case protocol.JoinConversationMsg:
		if p.conversationID == "" {
			s.mu.Lock()
			s.convSeq++
			p.conversationID = fmt.Sprintf("conv-%d", s.convSeq)
			s.mu.Unlock()
		}
		s.send(p, protocol.TypeConversationStarted, protocol.ConversationStarted{ConversationID: p.conversationID})
		if s.cfg.Greeting != "" {
			s.sendMessage(p, protocol.SenderAI, s.cfg.Greeting, "")
		}

	case protocol.SendMessageMsg:
		if p.conversationID == "" {
			s.send(p, protocol.TypeError, protocol.ServerError{Code: "no_conversation", Message: "join a conversation first"})
			return
		}
		s.sendMessage(p, protocol.SenderUser, m.Content, m.ClientMessageID)
		s.send(p, protocol.TypeTyping, protocol.Typing{IsTyping: boolPtr(true), Sender: protocol.SenderAI})
		if s.cfg.ReplyDelay > 0 {
			time.Sleep(s.cfg.ReplyDelay)
		}
		s.send(p, protocol.TypeTyping, protocol.Typing{IsTyping: boolPtr(false), Sender: protocol.SenderAI})
		s.sendMessage(p, protocol.SenderAI, s.cfg.Reply(m.Content), "")

	case protocol.EndConversationMsg:
		id := p.conversationID
		if id == "" {
			id = m.ConversationID
		}
		p.conversationID = ""
		s.history.remove(id)
		s.send(p, protocol.TypeConversationEnded, protocol.ConversationEnded{ConversationID: id, Reason: "ended by visitor"})

	case protocol.RequestAIAnalysisMsg:
		result, _ := json.Marshal(map[string]int{"length": len(m.Message)})
		s.send(p, protocol.TypeAIAnalysisResult, protocol.AIAnalysisResult{AnalysisType: m.AnalysisType, Result: result})

	case protocol.UpdateMetadataMsg:
		s.send(p, protocol.TypeMetadataUpdated, protocol.MetadataUpdated{ConversationID: p.conversationID, Metadata: m.Metadata})

	case protocol.RequestSummaryMsg:
		recent, total := s.history.recent(p.conversationID)
		var points []string
		for _, e := range recent {
			if e.Sender == protocol.SenderUser {
				points = append(points, e.Text)
			}
		}
		s.send(p, protocol.TypeConversationSummary, protocol.ConversationSummary{
			ConversationID: p.conversationID,
			Summary:        fmt.Sprintf("%d messages exchanged", total),
			KeyPoints:      points,
		})

	case protocol.TypingMsg, protocol.RateMsg:
		// Recorded only.

	default:
		s.logger.Debug("unhandled frame", "type", typ)
	}
}

func (s *Server) sendMessage(p *peer, sender, content, clientMessageID string) {
	now := time.Now()
	s.history.add(p.conversationID, entry{Sender: sender, Text: content, At: now})
	s.send(p, protocol.TypeMessage, protocol.Message{
		ID:              protocol.MessageID(uuid.New().String()),
		ClientMessageID: clientMessageID,
		Sender:          sender,
		Content:         &content,
		Timestamp:       protocol.Timestamp{Time: now},
		ConversationID:  p.conversationID,
	})
}

func (s *Server) send(p *peer, eventType string, payload interface{}) {
	data, err := protocol.NewFrame(eventType, payload)
	if err != nil {
		s.logger.Error("failed to build frame", "event", eventType, "error", err)
		return
	}
	if err := p.conn.WriteMessage(data); err != nil {
		s.logger.Warn("write failed", "conn", p.conn.ID, "event", eventType, "error", err)
	}
}

func boolPtr(b bool) *bool { return &b }
