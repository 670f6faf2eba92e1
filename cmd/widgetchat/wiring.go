package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/chat-widget/internal/config"
	"github.com/whisper/chat-widget/internal/messaging"
	"github.com/whisper/chat-widget/internal/metrics"
	"github.com/whisper/chat-widget/internal/ratelimit"
	"github.com/whisper/chat-widget/internal/session"
	"github.com/whisper/chat-widget/internal/ws"
)

// newSession builds a session client from cfg, wiring the optional Redis
// throttle and NATS mirror. The returned cleanup closes the client and every
// backing connection.
func newSession(cfg *config.Config, logger *slog.Logger, opts ...session.Option) (*session.Client, func(), error) {
	tr, err := ws.NewTransport(cfg.TransportConfig(), logger)
	if err != nil {
		return nil, nil, err
	}

	sessionID := uuid.New().String()
	opts = append([]session.Option{
		session.WithLogger(logger),
		session.WithSessionID(sessionID),
		session.WithOptimisticEcho(cfg.Session.OptimisticEcho),
		session.WithThrottleTimeout(cfg.Session.ThrottleTimeout),
	}, opts...)

	var closers []func()

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		closers = append(closers, func() { rdb.Close() })
		limiter := ratelimit.NewLimiter(rdb, logger)
		opts = append(opts, session.WithThrottle(ratelimit.NewThrottle(limiter, ratelimit.RuleMessage)))
		logger.Info("message throttle enabled", "redis_addr", cfg.Redis.Addr)
	}

	if cfg.NATS.Enabled {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		mirror, err := messaging.NewMirror(natsCfg, cfg.Widget.ChatbotID, sessionID, logger)
		if err != nil {
			// The mirror is auxiliary; chat without it.
			logger.Warn("nats mirror disabled", "error", err)
		} else {
			closers = append(closers, mirror.Close)
			opts = append(opts, session.WithEventObserver(mirror.Observe))
		}
	}

	client := session.New(tr, opts...)
	cleanup := func() {
		client.Close()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return client, cleanup, nil
}

// serveMetrics exposes the Prometheus handler until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", "addr", cfg.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()
}

// describe formats an intent error for the terminal.
func describe(intent string, err error) error {
	return fmt.Errorf("%s: %w", intent, err)
}
