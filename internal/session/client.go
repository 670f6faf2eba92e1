// Package session is the chat widget's session client: the single entry point
// a UI uses. It owns the connection, applies routed server events to the
// conversation state machine, turns visitor intents into outbound frames and
// publishes immutable state snapshots to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chat-widget/internal/chat"
	"github.com/whisper/chat-widget/internal/metrics"
	"github.com/whisper/chat-widget/internal/protocol"
	"github.com/whisper/chat-widget/internal/ws"
)

// Rating values sent by the thumbs intents.
const (
	RatingThumbsUp   = 5
	RatingThumbsDown = 2
)

var (
	// ErrNotConnected is returned by intents that need a live connection.
	ErrNotConnected = errors.New("session: not connected")

	// ErrNoConversation is returned by intents that need an active
	// conversation.
	ErrNoConversation = errors.New("session: no active conversation")

	// ErrRateLimited is returned when the throttle rejects a message.
	ErrRateLimited = errors.New("session: rate limited")

	// ErrClosed is returned by every intent after Close.
	ErrClosed = errors.New("session: client closed")

	ErrEmptyInput          = chat.ErrEmptyInput
	ErrInvalidInput        = chat.ErrInvalidInput
	ErrAlreadyLoading      = chat.ErrAlreadyLoading
	ErrMessageNotFound     = chat.ErrMessageNotFound
	ErrNothingToRegenerate = chat.ErrNothingToRegenerate
)

// Transport is the connection the client drives. *ws.Transport implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(eventType string, payload interface{}) error
	OnAny(h ws.Handler)
}

// Client is the session client. All methods are safe for concurrent use.
type Client struct {
	transport       Transport
	logger          *slog.Logger
	sessionID       string
	optimisticEcho  bool
	throttle        Throttle
	throttleTimeout time.Duration
	clipboard       Clipboard
	observers       []EventObserver
	newID           func() string

	mu         sync.Mutex // guards the fields below
	machine    *chat.Machine
	draft      string
	typingSent bool // the visitor typing indicator is on at the server
	closed     bool

	publishMu sync.Mutex // keeps snapshots in mutation order
	subs      *broadcaster
}

// New creates a Client bound to transport and registers itself as the
// transport's event handler.
func New(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:       transport,
		logger:          slog.Default(),
		sessionID:       uuid.New().String(),
		throttleTimeout: 500 * time.Millisecond,
		newID:           func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = chat.NewMachine(c.logger)
	c.subs = newBroadcaster(c.logger)
	c.logger = c.logger.With("component", "session", "session_id", c.sessionID)

	d := ws.NewDispatcher(c.onEvent, c.logger)
	transport.OnAny(d.Handler())
	metrics.SetStatus(string(chat.StatusDisconnected))
	return c
}

// RemainingMessages reports how many more messages the throttle allows in the
// current window. ok is false when the throttle cannot report a quota.
func (c *Client) RemainingMessages(ctx context.Context) (n int, ok bool, err error) {
	q, ok := c.throttle.(Quota)
	if !ok {
		return 0, false, nil
	}
	n, err = q.Remaining(ctx, c.sessionID)
	return n, true, err
}

// SessionID returns the widget session id sent with join-conversation.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Snapshot returns a copy of the current state.
func (c *Client) Snapshot() chat.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Draft returns the current input text.
func (c *Client) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Subscribe returns a channel receiving a snapshot after every state change.
// Slow subscribers miss snapshots rather than block the client. The channel
// is closed when ctx is cancelled or the client is closed.
func (c *Client) Subscribe(ctx context.Context) <-chan chat.State {
	return c.subs.subscribe(ctx)
}

// Close disconnects and releases all subscribers. Later intents return
// ErrClosed.
func (c *Client) Close() {
	c.transport.Disconnect()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.publishMu.Lock()
	c.subs.close()
	c.publishMu.Unlock()
}

// ---------------------------------------------------------------------------
// Connection intents
// ---------------------------------------------------------------------------

// Connect opens the connection and waits for the server to accept the widget
// credentials. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	err := c.mutate("connect", func() (bool, error) {
		return c.machine.SetConnecting(), nil
	})
	if err != nil {
		return err
	}

	if err := c.transport.Connect(ctx); err != nil {
		// The transport reports most failures as connect_error; make sure the
		// state never stays in connecting.
		c.mu.Lock()
		changed := false
		if !c.closed && c.machine.Status() == chat.StatusConnecting {
			if errors.Is(err, ws.ErrClosed) {
				changed = c.machine.Apply(protocol.Disconnect{Reason: ws.ReasonClientDisconnect})
			} else {
				changed = c.machine.Apply(protocol.ConnectError{Message: err.Error()})
			}
		}
		c.publishLocked(changed)
		return fmt.Errorf("session: connect: %w", err)
	}
	return nil
}

// Disconnect closes the connection. Calling it while disconnected changes
// nothing.
func (c *Client) Disconnect() {
	c.transport.Disconnect()

	_ = c.mutate("disconnect", func() (bool, error) {
		c.typingSent = false
		if c.machine.Status() == chat.StatusDisconnected {
			return false, nil
		}
		return c.machine.Apply(protocol.Disconnect{Reason: ws.ReasonClientDisconnect}), nil
	})
}

// Join asks the server to start a conversation. It does nothing when a join
// is already outstanding or a conversation is active.
func (c *Client) Join() error {
	return c.mutate("join", func() (bool, error) {
		if c.machine.Status() != chat.StatusConnected {
			return false, ErrNotConnected
		}
		return c.joinLocked()
	})
}

func (c *Client) joinLocked() (bool, error) {
	if !c.machine.BeginJoin() {
		return false, nil
	}
	if err := c.sendLocked(protocol.TypeJoinConversation, protocol.JoinConversationMsg{SessionID: c.sessionID}); err != nil {
		c.machine.CancelJoin()
		return false, err
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Visitor intents
// ---------------------------------------------------------------------------

// HandleInputChange stores the draft and reports typing to the server on
// started/stopped edges while a conversation is active.
func (c *Client) HandleInputChange(text string) error {
	return c.mutate("input_change", func() (bool, error) {
		c.draft = text

		convID, ok := c.machine.ConversationID()
		if !ok || c.machine.Status() != chat.StatusConnected {
			return false, nil
		}
		typing := strings.TrimSpace(text) != ""
		if typing == c.typingSent {
			return false, nil
		}
		if err := c.sendLocked(protocol.TypeTyping, protocol.TypingMsg{ConversationID: convID, IsTyping: typing}); err != nil {
			return false, err
		}
		c.typingSent = typing
		return false, nil
	})
}

// HandleSubmit sends the current draft. With no active conversation it joins
// first, exactly once until the server acknowledges. A failed send appends an
// error message to the transcript and keeps the draft.
func (c *Client) HandleSubmit() error {
	// The throttle may block on the network, so it is consulted without c.mu.
	if c.throttle != nil {
		if err := c.checkSubmittable(); err != nil {
			return c.record("submit", err)
		}
		if !c.allow() {
			return c.record("submit", ErrRateLimited)
		}
	}

	return c.mutate("submit", func() (bool, error) {
		content, err := chat.NormalizeInput(c.draft)
		if err != nil {
			return false, err
		}
		if c.machine.Status() != chat.StatusConnected {
			return false, ErrNotConnected
		}

		if _, err := c.joinLocked(); err != nil {
			c.machine.AddSendFailure()
			return true, err
		}

		if c.typingSent {
			if convID, ok := c.machine.ConversationID(); ok {
				if err := c.sendLocked(protocol.TypeTyping, protocol.TypingMsg{ConversationID: convID, IsTyping: false}); err != nil {
					c.logger.Warn("failed to clear typing indicator", "error", err)
				}
			}
			c.typingSent = false
		}

		clientID := c.newID()
		if c.optimisticEcho {
			c.machine.AddPending(content, clientID)
		}
		msg := protocol.SendMessageMsg{Content: content, ClientMessageID: clientID}
		if err := c.sendLocked(protocol.TypeSendMessage, msg); err != nil {
			c.machine.AddSendFailure()
			return true, err
		}

		c.draft = ""
		c.machine.SetLoading(true)
		return true, nil
	})
}

// checkSubmittable reports why the current draft could not be submitted.
func (c *Client) checkSubmittable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := chat.NormalizeInput(c.draft); err != nil {
		return err
	}
	if c.machine.Status() != chat.StatusConnected {
		return ErrNotConnected
	}
	return nil
}

// HandleCopy returns the content of a message and hands it to the clipboard
// when one is configured.
func (c *Client) HandleCopy(messageID string) (string, error) {
	var content string
	err := c.mutate("copy", func() (bool, error) {
		msg, ok := c.machine.Message(messageID)
		if !ok {
			return false, ErrMessageNotFound
		}
		content = msg.Content
		return false, nil
	})
	if err != nil {
		return "", err
	}
	if c.clipboard != nil {
		if err := c.clipboard.Copy(content); err != nil {
			return content, fmt.Errorf("session: copy: %w", err)
		}
	}
	return content, nil
}

// HandleThumbsUp rates the conversation positively for the given message.
func (c *Client) HandleThumbsUp(messageID string) error {
	return c.rateMessage("thumbs_up", messageID, RatingThumbsUp)
}

// HandleThumbsDown rates the conversation negatively for the given message.
func (c *Client) HandleThumbsDown(messageID string) error {
	return c.rateMessage("thumbs_down", messageID, RatingThumbsDown)
}

func (c *Client) rateMessage(intent, messageID string, rating int) error {
	return c.mutate(intent, func() (bool, error) {
		if _, ok := c.machine.Message(messageID); !ok {
			return false, ErrMessageNotFound
		}
		return false, c.rateLocked(rating, "message:"+messageID)
	})
}

// HandleRegenerate drops the given reply and everything after it, then
// re-sends the visitor message that preceded it.
func (c *Client) HandleRegenerate(messageID string) error {
	return c.mutate("regenerate", func() (bool, error) {
		if c.machine.Status() != chat.StatusConnected {
			return false, ErrNotConnected
		}
		clientID := c.newID()
		content, err := c.machine.Regenerate(messageID, clientID)
		if err != nil {
			return false, err
		}

		if _, err := c.joinLocked(); err != nil {
			c.machine.AddSendFailure()
			return true, err
		}
		msg := protocol.SendMessageMsg{Content: content, ClientMessageID: clientID}
		if err := c.sendLocked(protocol.TypeSendMessage, msg); err != nil {
			c.machine.AddSendFailure()
			return true, err
		}
		c.machine.SetLoading(true)
		return true, nil
	})
}

// HandleEndConversation ends the active conversation. With no active
// conversation it returns ErrNoConversation and changes nothing.
func (c *Client) HandleEndConversation() error {
	return c.mutate("end_conversation", func() (bool, error) {
		convID, ok := c.machine.ConversationID()
		if !ok {
			return false, ErrNoConversation
		}
		sendErr := c.sendLocked(protocol.TypeEndConversation, protocol.EndConversationMsg{ConversationID: convID})
		c.machine.EndConversation()
		c.typingSent = false
		return true, sendErr
	})
}

// Reset discards the transcript, draft and summary and starts a fresh
// session on the same connection. An active conversation is ended at the
// server first.
func (c *Client) Reset() error {
	return c.mutate("reset", func() (bool, error) {
		var sendErr error
		if convID, ok := c.machine.ConversationID(); ok && c.machine.Status() == chat.StatusConnected {
			sendErr = c.sendLocked(protocol.TypeEndConversation, protocol.EndConversationMsg{ConversationID: convID})
		}
		c.machine.Reset()
		c.draft = ""
		c.typingSent = false
		return true, sendErr
	})
}

// ---------------------------------------------------------------------------
// Pass-through intents
// ---------------------------------------------------------------------------

// Rate submits feedback for the active conversation. rating must be 1-5.
func (c *Client) Rate(rating int, comment string) error {
	return c.mutate("rate", func() (bool, error) {
		return false, c.rateLocked(rating, comment)
	})
}

func (c *Client) rateLocked(rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating %d out of range", ErrInvalidInput, rating)
	}
	if c.machine.Status() != chat.StatusConnected {
		return ErrNotConnected
	}
	convID, ok := c.machine.ConversationID()
	if !ok {
		return ErrNoConversation
	}
	return c.sendLocked(protocol.TypeRate, protocol.RateMsg{ConversationID: convID, Rating: rating, Comment: comment})
}

// RequestAIAnalysis asks the backend to analyse message. The answer arrives
// as an ai-analysis-result event.
func (c *Client) RequestAIAnalysis(message, analysisType string) error {
	return c.passThrough("ai_analysis", protocol.TypeRequestAIAnalysis,
		protocol.RequestAIAnalysisMsg{Message: message, AnalysisType: analysisType})
}

// UpdateMetadata attaches metadata to the conversation.
func (c *Client) UpdateMetadata(metadata map[string]any) error {
	return c.passThrough("update_metadata", protocol.TypeUpdateMetadata,
		protocol.UpdateMetadataMsg{Metadata: metadata})
}

// RequestSummary asks for a conversation summary. The answer is surfaced as
// LastSummary in later snapshots.
func (c *Client) RequestSummary() error {
	return c.passThrough("summary", protocol.TypeRequestSummary, protocol.RequestSummaryMsg{})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.passThrough("ping", protocol.TypePing, nil)
}

func (c *Client) passThrough(intent, eventType string, payload interface{}) error {
	return c.mutate(intent, func() (bool, error) {
		if c.machine.Status() != chat.StatusConnected {
			return false, ErrNotConnected
		}
		return false, c.sendLocked(eventType, payload)
	})
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// onEvent applies one routed event. It runs on the transport's read
// goroutine.
func (c *Client) onEvent(ev protocol.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.machine.Apply(ev)
	switch ev.(type) {
	case protocol.Disconnect, protocol.ConnectError, protocol.ConversationEnded:
		c.typingSent = false
	}
	c.publishLocked(changed)

	for _, o := range c.observers {
		o(ev)
	}
}

// mutate runs fn under the state lock, publishes a snapshot when fn reports a
// change and counts the intent.
func (c *Client) mutate(intent string, fn func() (bool, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.record(intent, ErrClosed)
	}
	changed, err := fn()
	c.publishLocked(changed)
	return c.record(intent, err)
}

// record counts one intent outcome and returns err.
func (c *Client) record(intent string, err error) error {
	metrics.IntentsTotal.WithLabelValues(intent, resultLabel(err)).Inc()
	if err != nil && !isExpected(err) {
		c.logger.Warn("intent failed", "intent", intent, "error", err)
	}
	return err
}

// publishLocked releases c.mu and, when changed, publishes a snapshot taken
// under it. publishMu is acquired before c.mu is released so subscribers see
// snapshots in mutation order.
func (c *Client) publishLocked(changed bool) {
	if !changed {
		c.mu.Unlock()
		return
	}
	snap := c.machine.State()
	c.publishMu.Lock()
	c.mu.Unlock()
	defer c.publishMu.Unlock()

	metrics.SetStatus(string(snap.Connection.Status))
	c.subs.publish(snap)
}

// sendLocked writes one frame. Callers hold c.mu.
func (c *Client) sendLocked(eventType string, payload interface{}) error {
	if err := c.transport.Send(eventType, payload); err != nil {
		if errors.Is(err, ws.ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("session: send %s: %w", eventType, err)
	}
	return nil
}

// allow consults the throttle. Throttle errors fail open.
func (c *Client) allow() bool {
	if c.throttle == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.throttleTimeout)
	defer cancel()
	allowed, err := c.throttle.Allow(ctx, c.sessionID)
	if err != nil {
		c.logger.Warn("throttle check failed, allowing message", "error", err)
		return true
	}
	return allowed
}

func isExpected(err error) bool {
	for _, target := range []error{
		ErrNotConnected, ErrNoConversation, ErrRateLimited, ErrClosed,
		ErrEmptyInput, ErrInvalidInput, ErrAlreadyLoading,
		ErrMessageNotFound, ErrNothingToRegenerate,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrNoConversation):
		return "no_conversation"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAlreadyLoading):
		return "already_loading"
	case errors.Is(err, ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, ErrNothingToRegenerate):
		return "nothing_to_regenerate"
	default:
		return "send_failed"
	}
}
