package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/chat-widget/internal/protocol"
)

// Throttle limits outbound visitor messages. Allow reports whether one more
// message may be sent for the given key. A non-nil error with allowed=true
// means the throttle failed open.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Quota is implemented by throttles that can report how many messages a key
// has left in the current window.
type Quota interface {
	Remaining(ctx context.Context, key string) (int, error)
}

// Clipboard receives content copied through HandleCopy.
type Clipboard interface {
	Copy(content string) error
}

// EventObserver sees every routed inbound event after it was applied to the
// state. Observers run on the transport's read goroutine; they must not block
// and must not call Disconnect or Close.
type EventObserver func(ev protocol.Event)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSessionID fixes the widget session id sent with join-conversation.
// The default is a random UUID.
func WithSessionID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// WithOptimisticEcho makes HandleSubmit append the visitor message locally
// before the server echo arrives. The echo replaces it.
func WithOptimisticEcho(enabled bool) Option {
	return func(c *Client) {
		c.optimisticEcho = enabled
	}
}

// WithThrottle limits HandleSubmit through t, keyed by the session id.
func WithThrottle(t Throttle) Option {
	return func(c *Client) {
		c.throttle = t
	}
}

// WithThrottleTimeout bounds each throttle check. The default is 500ms.
func WithThrottleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.throttleTimeout = d
		}
	}
}

// WithClipboard sets the clipboard used by HandleCopy.
func WithClipboard(cb Clipboard) Option {
	return func(c *Client) {
		c.clipboard = cb
	}
}

// WithEventObserver adds an observer of routed inbound events.
func WithEventObserver(o EventObserver) Option {
	return func(c *Client) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}
