package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/whisper/chat-widget/internal/metrics"
	"github.com/whisper/chat-widget/internal/protocol"
)

// ReconnectPolicy controls automatic reconnection after an unexpected drop.
// A visitor-initiated Disconnect and a server-initiated close never trigger
// it.
type ReconnectPolicy struct {
	Enabled         bool
	MaxAttempts     int           // 0 means unlimited
	InitialInterval time.Duration // delay before the second attempt (default: 1s)
	MaxInterval     time.Duration // cap on the delay (default: 30s)
	Multiplier      float64       // growth factor (default: 2)
}

// DefaultReconnectPolicy returns the policy used by the widget: five attempts
// backing off from one second.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:         true,
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// backOff builds the retry schedule for one reconnect run.
func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		exp.Multiplier = p.Multiplier
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// reconnect retries establish until it succeeds, the policy is exhausted or
// ctx is cancelled by Disconnect. Exhaustion is reported as connect_error.
func (t *Transport) reconnect(ctx context.Context) {
	attempt := 0
	op := func() error {
		attempt++
		metrics.Reconnects.Inc()
		t.logger.Info("reconnecting", "attempt", attempt)
		err := t.establish(ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		t.logger.Warn("reconnect attempt failed", "attempt", attempt, "retry_in", next, "error", err)
	}

	err := backoff.RetryNotify(op, t.cfg.Reconnect.backOff(ctx), notify)
	if err == nil {
		t.logger.Info("reconnected", "attempts", attempt)
		return
	}
	if errors.Is(err, ErrClosed) || ctx.Err() != nil {
		return
	}
	t.logger.Error("giving up reconnecting", "attempts", attempt, "error", err)
	t.emit(protocol.TypeConnectError, protocol.ConnectError{
		Message: fmt.Sprintf("reconnect failed after %d attempts: %v", attempt, err),
	})
}
