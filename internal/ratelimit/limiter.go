// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. The widget uses it to throttle outbound visitor
// messages per session, shared across every process embedding the same
// session.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "widget:rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleMessage allows 5 visitor messages per 10 seconds per widget session.
var RuleMessage = Rule{Key: "widget:rl:msg:", Limit: 5, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client. Pass nil
// logger for default.
func NewLimiter(client redis.Cmdable, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block visitors.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", "key", key, "error", err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", "key", key, "error", err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis GET failed, failing open", "key", key, "error", err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Throttle binds a Limiter to one rule. It satisfies the session client's
// throttle interface.
type Throttle struct {
	limiter *Limiter
	rule    Rule
}

// NewThrottle returns a Throttle applying rule through l.
func NewThrottle(l *Limiter, rule Rule) *Throttle {
	return &Throttle{limiter: l, rule: rule}
}

// Allow reports whether key may send one more message.
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	return t.limiter.Allow(ctx, key, t.rule)
}

// Remaining reports how many messages key has left in the current window.
func (t *Throttle) Remaining(ctx context.Context, key string) (int, error) {
	return t.limiter.Remaining(ctx, key, t.rule)
}
