package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chat-widget/internal/metrics"
	"github.com/whisper/chat-widget/internal/protocol"
)

// Disconnect reasons reported in synthesized disconnect events.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

var (
	// ErrNotConnected is returned by Send when there is no live connection.
	ErrNotConnected = errors.New("ws: not connected")

	// ErrClosed is returned by Connect when Disconnect was called while the
	// attempt was in progress.
	ErrClosed = errors.New("ws: transport closed")

	// ErrAuthRejected is returned when the server answers the auth frame
	// with an error instead of a connected acknowledgement.
	ErrAuthRejected = errors.New("ws: authentication rejected")
)

// Handler receives every inbound event, including the synthesized connect,
// connect_error and disconnect lifecycle events. name is the event name and
// data the complete JSON frame.
type Handler func(name string, data []byte)

// TransportConfig configures the widget connection.
type TransportConfig struct {
	URL       string // WebSocket endpoint, e.g. ws://localhost:3001/widget
	WidgetKey string
	ChatbotID string

	ConnectTimeout time.Duration // dial plus auth handshake (default: 12s)
	WriteTimeout   time.Duration // per outbound frame (default: 10s)
	Heartbeat      HeartbeatConfig
	Reconnect      ReconnectPolicy
}

// DefaultTransportConfig returns a config with every timeout filled in.
// Callers still set the URL and credentials.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ConnectTimeout: 12 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
		Reconnect:      DefaultReconnectPolicy(),
	}
}

// Transport maintains at most one authenticated connection to the widget
// backend. Inbound frames are handed to the registered Handler one at a time
// in arrival order.
//
// Handlers run with the dispatch lock held and must not call Connect or
// Disconnect synchronously.
type Transport struct {
	cfg    TransportConfig
	logger *slog.Logger
	dialer ws.Dialer

	connectMu sync.Mutex // serializes connection attempts

	mu              sync.Mutex // guards the fields below
	conn            *Connection
	gen             uint64 // bumped whenever conn is installed or torn down
	closed          bool   // set by Disconnect, cleared by Connect
	handler         Handler
	cancelReconnect context.CancelFunc

	dispatchMu sync.Mutex // held while a handler runs
}

// NewTransport validates cfg and creates a disconnected Transport. Zero
// timeouts are replaced by their defaults. Pass nil logger for default.
func NewTransport(cfg TransportConfig, logger *slog.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("ws: url is required")
	}
	if cfg.WidgetKey == "" || cfg.ChatbotID == "" {
		return nil, errors.New("ws: widget key and chatbot id are required")
	}
	def := DefaultTransportConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Heartbeat.Interval > 0 && cfg.Heartbeat.Timeout <= 0 {
		cfg.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With("component", "transport"),
		dialer: ws.Dialer{Timeout: cfg.ConnectTimeout},
	}, nil
}

// OnAny registers the handler for all inbound events, replacing any earlier
// one.
func (t *Transport) OnAny(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connected reports whether a live connection exists.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the backend, authenticates and starts the read loop. It is a
// no-op when already connected. On failure a connect_error event is emitted
// and the error returned.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()

	err := t.establish(ctx)
	if err == nil {
		return nil
	}
	t.logger.Warn("connect failed", "url", t.cfg.URL, "error", err)
	if !errors.Is(err, ErrClosed) {
		t.emit(protocol.TypeConnectError, protocol.ConnectError{Message: err.Error()})
	}
	return err
}

// Disconnect closes the live connection and stops any reconnect attempts.
// When a connection was open, a disconnect event with reason
// "io client disconnect" is delivered before Disconnect returns; no further
// events are delivered afterwards. Calling it again is a no-op.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	wasClosed := t.closed
	t.closed = true
	c := t.conn
	t.conn = nil
	t.gen++
	if t.cancelReconnect != nil {
		t.cancelReconnect()
		t.cancelReconnect = nil
	}
	h := t.handler
	t.mu.Unlock()

	if c == nil {
		return
	}
	_ = c.Close()
	t.logger.Info("disconnected", "conn", c.ID, "reason", ReasonClientDisconnect)

	// Wait out any handler still running for the old connection.
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()
	if h == nil || wasClosed {
		return
	}
	data, err := protocol.NewFrame(protocol.TypeDisconnect, protocol.Disconnect{Reason: ReasonClientDisconnect})
	if err != nil {
		return
	}
	h(protocol.TypeDisconnect, data)
}

// Send writes one frame to the live connection.
func (t *Transport) Send(eventType string, payload interface{}) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return t.write(c, eventType, payload)
}

func (t *Transport) write(c *Connection, eventType string, payload interface{}) error {
	data, err := protocol.NewFrame(eventType, payload)
	if err != nil {
		return err
	}
	if err := c.WriteMessage(data); err != nil {
		return fmt.Errorf("ws: send %s: %w", eventType, err)
	}
	metrics.FramesTotal.WithLabelValues("out").Inc()
	return nil
}

// establish performs one connection attempt under connectMu.
func (t *Transport) establish(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	start := time.Now()
	c, ack, early, err := t.dial(ctx)
	if err != nil {
		return err
	}
	metrics.ConnectLatency.Observe(time.Since(start).Seconds())

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.Close()
		return ErrClosed
	}
	t.conn = c
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.logger.Info("connected", "conn", c.ID, "url", t.cfg.URL)

	// Lifecycle events go out before the read loop can deliver anything.
	t.emitGen(gen, protocol.TypeConnect, protocol.Connect{})
	t.deliver(gen, protocol.TypeConnected, ack)
	for _, f := range early {
		t.deliver(gen, f.name, f.data)
	}

	go t.readLoop(c, gen)
	t.startHeartbeat(c, gen)
	return nil
}

type frame struct {
	name string
	data []byte
}

// dial opens the socket, sends the auth frame and waits for the connected
// acknowledgement. Frames arriving before the ack are returned in order.
func (t *Transport) dial(ctx context.Context) (*Connection, []byte, []frame, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	nc, br, _, err := t.dialer.Dial(ctx, t.cfg.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ws: dial %s: %w", t.cfg.URL, err)
	}
	c := NewConnection(nc, br, ws.StateClientSide, t.cfg.WriteTimeout)

	// Unblock the handshake read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	auth := protocol.AuthMsg{WidgetKey: t.cfg.WidgetKey, ChatbotID: t.cfg.ChatbotID}
	if err := t.write(c, protocol.TypeAuth, auth); err != nil {
		_ = c.Close()
		return nil, nil, nil, err
	}

	var early []frame
	for {
		data, err := c.ReadMessage()
		if err != nil {
			_ = c.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, nil, fmt.Errorf("ws: waiting for connected: %w", ctxErr)
			}
			return nil, nil, nil, fmt.Errorf("ws: waiting for connected: %w", err)
		}
		metrics.FramesTotal.WithLabelValues("in").Inc()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("dropping unparseable frame during handshake", "error", err)
			continue
		}
		switch env.Type {
		case protocol.TypeConnected:
			if !stop() {
				_ = c.Close()
				return nil, nil, nil, fmt.Errorf("ws: waiting for connected: %w", ctx.Err())
			}
			_ = nc.SetReadDeadline(time.Time{})
			return c, data, early, nil
		case protocol.TypeError:
			var se protocol.ServerError
			_ = json.Unmarshal(data, &se)
			_ = c.Close()
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrAuthRejected, se.Message)
		default:
			early = append(early, frame{name: env.Type, data: data})
		}
	}
}

// readLoop delivers frames from c until it fails, then tears it down.
func (t *Transport) readLoop(c *Connection, gen uint64) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			t.drop(c, gen, closeReason(err))
			return
		}
		metrics.FramesTotal.WithLabelValues("in").Inc()

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("dropping unparseable frame", "conn", c.ID, "error", err)
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			continue
		}
		t.deliver(gen, env.Type, data)
	}
}

// drop tears down c after an unexpected failure, emits disconnect and starts
// the reconnect loop when enabled. Only the first caller for a given
// connection has any effect.
func (t *Transport) drop(c *Connection, gen uint64, reason string) {
	t.mu.Lock()
	if t.conn != c || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.gen++
	next := t.gen
	closed := t.closed
	var rctx context.Context
	if !closed && t.cfg.Reconnect.Enabled && reason != ReasonServerDisconnect {
		var cancel context.CancelFunc
		rctx, cancel = context.WithCancel(context.Background())
		t.cancelReconnect = cancel
	}
	t.mu.Unlock()

	_ = c.Close()
	t.logger.Warn("connection lost", "conn", c.ID, "reason", reason)
	t.emitGen(next, protocol.TypeDisconnect, protocol.Disconnect{Reason: reason})

	if rctx != nil {
		go t.reconnect(rctx)
	}
}

// emit delivers a synthesized event against the current generation.
func (t *Transport) emit(name string, payload interface{}) {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()
	t.emitGen(gen, name, payload)
}

func (t *Transport) emitGen(gen uint64, name string, payload interface{}) {
	data, err := protocol.NewFrame(name, payload)
	if err != nil {
		t.logger.Error("failed to build lifecycle frame", "event", name, "error", err)
		return
	}
	t.deliver(gen, name, data)
}

// deliver runs the handler unless the generation is stale or the transport
// was closed by Disconnect.
func (t *Transport) deliver(gen uint64, name string, data []byte) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	t.mu.Lock()
	live := !t.closed && t.gen == gen
	h := t.handler
	t.mu.Unlock()

	if !live || h == nil {
		return
	}
	h(name, data)
}

// closeReason maps a read error to a disconnect reason.
func closeReason(err error) string {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return ReasonServerDisconnect
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}
