package ws

import (
	"time"

	"github.com/whisper/chat-widget/internal/protocol"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 25s)
	Timeout  time.Duration // max time to wait for activity after a ping (default: 20s)
}

// DefaultHeartbeatConfig returns the keepalive defaults the widget backend
// expects.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  20 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that sends an application
// ping frame every Interval and drops the connection once nothing has been
// read from it within Interval + Timeout. The goroutine exits when the
// connection is closed.
func (t *Transport) startHeartbeat(c *Connection, gen uint64) {
	cfg := t.cfg.Heartbeat
	if cfg.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				idle := time.Since(c.LastSeen())
				if idle > cfg.Interval+cfg.Timeout {
					t.logger.Warn("heartbeat timeout",
						"conn", c.ID, "idle", idle.Round(time.Second))
					t.drop(c, gen, ReasonPingTimeout)
					return
				}
				if err := t.write(c, protocol.TypePing, nil); err != nil {
					t.logger.Warn("heartbeat ping failed", "conn", c.ID, "error", err)
					t.drop(c, gen, ReasonTransportError)
					return
				}
			}
		}
	}()
}
