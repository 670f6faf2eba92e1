package ws

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/whisper/chat-widget/internal/metrics"
	"github.com/whisper/chat-widget/internal/protocol"
)

// EventHandler is the callback signature for a parsed inbound event.
type EventHandler func(ev protocol.Event)

// Dispatcher routes raw inbound frames to an EventHandler. Frames naming an
// unknown event, or failing structural validation, are logged and dropped so
// that a bad frame never interrupts the stream. Register Dispatch with
// Transport.OnAny.
type Dispatcher struct {
	handler EventHandler
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher that forwards every valid event to
// handler. Pass nil logger for default.
func NewDispatcher(handler EventHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler: handler,
		logger:  logger.With("component", "router"),
	}
}

// Dispatch parses one frame and hands the typed event to the handler. It
// reports whether the event was delivered.
func (d *Dispatcher) Dispatch(name string, data []byte) (delivered bool) {
	ev, err := protocol.ParseServerMessage(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownEvent):
			d.logger.Debug("ignoring unknown event", "event", name)
			metrics.EventsDropped.WithLabelValues("unknown").Inc()
		default:
			d.logger.Warn("dropping malformed event", "event", name, "error", err)
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
		}
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "event", name, "panic", fmt.Sprint(r))
			metrics.EventsDropped.WithLabelValues("panic").Inc()
			delivered = false
		}
	}()
	d.handler(ev)
	return true
}

// Handler adapts the Dispatcher to the Transport's Handler signature.
func (d *Dispatcher) Handler() Handler {
	return func(name string, data []byte) {
		d.Dispatch(name, data)
	}
}
