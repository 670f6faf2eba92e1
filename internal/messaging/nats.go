// Package messaging mirrors widget session events onto NATS so that other
// processes (dashboards, QA tooling, transcript archivers) can follow a live
// conversation without holding their own WebSocket to the chat server.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chat-widget/internal/protocol"
)

// SubjectWidgetEvents is the root subject. Events are published on
// widget.events.<chatbot_id>.<event_name>.
const SubjectWidgetEvents = "widget.events"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-widget",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// MirroredEvent is the JSON body of every mirrored message.
type MirroredEvent struct {
	SessionID string          `json:"sessionId"`
	ChatbotID string          `json:"chatbotId"`
	Event     string          `json:"event"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Mirror publishes session events to NATS.
type Mirror struct {
	conn      *nats.Conn
	chatbotID string
	sessionID string
	logger    *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Subject returns the subject an event named name is published on.
func Subject(chatbotID, name string) string {
	return SubjectWidgetEvents + "." + chatbotID + "." + name
}

// NewMirror connects to NATS and returns a Mirror bound to one widget
// session. Pass nil logger for default.
func NewMirror(config NATSConfig, chatbotID, sessionID string, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")
	if chatbotID == "" {
		return nil, fmt.Errorf("nats mirror: chatbot id is required")
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", "error", err)
			} else {
				logger.Info("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("connected", "url", nc.ConnectedUrl())

	return &Mirror{
		conn:      nc,
		chatbotID: chatbotID,
		sessionID: sessionID,
		logger:    logger,
	}, nil
}

// Publish mirrors ev. Marshal and publish failures are logged and returned.
func (m *Mirror) Publish(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventName(), err)
	}
	body, err := json.Marshal(MirroredEvent{
		SessionID: m.sessionID,
		ChatbotID: m.chatbotID,
		Event:     ev.EventName(),
		At:        time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := Subject(m.chatbotID, ev.EventName())
	if err := m.conn.Publish(subject, body); err != nil {
		m.logger.Warn("publish failed", "subject", subject, "error", err)
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Observe has the session event observer signature. NATS publishes are
// buffered by the client, so it does not block the dispatch path.
func (m *Mirror) Observe(ev protocol.Event) {
	_ = m.Publish(ev)
}

// Subscribe delivers every mirrored event for the mirror's chatbot to
// handler. Malformed bodies are logged and skipped.
func (m *Mirror) Subscribe(handler func(MirroredEvent)) error {
	subject := SubjectWidgetEvents + "." + m.chatbotID + ".>"
	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev MirroredEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			m.logger.Debug("skipping malformed mirror message", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

// Flush blocks until the server has processed every buffered publish.
func (m *Mirror) Flush() error {
	return m.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (m *Mirror) Close() {
	m.mu.Lock()
	for _, sub := range m.subs {
		if err := sub.Drain(); err != nil {
			m.logger.Warn("drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	m.subs = nil
	m.mu.Unlock()

	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("connection drain", "error", err)
	}
}
