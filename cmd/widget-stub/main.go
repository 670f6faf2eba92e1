// Command widget-stub runs a local widget backend that speaks the chat
// widget protocol. It accepts widget connections on /widget, answers every
// visitor message with a canned reply and reports liveness on /health.
//
// Usage:
//
//	widget-stub [-addr :3001] [-widget-key wk_dev] [-chatbot-id dev-bot] [-greeting "Hi!"]
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-widget/internal/config"
	"github.com/whisper/chat-widget/internal/metrics"
	"github.com/whisper/chat-widget/internal/stubserver"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	addr := flag.String("addr", "", "listen address (default from config, :3001)")
	widgetKey := flag.String("widget-key", "", "accepted widget key; empty accepts any")
	chatbotID := flag.String("chatbot-id", "", "accepted chatbot id; empty accepts any")
	greeting := flag.String("greeting", "", "assistant greeting after a conversation starts")
	replyDelay := flag.Duration("reply-delay", 300*time.Millisecond, "typing time before each reply")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger, cleanup, err := config.SetupLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logger)

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *greeting != "" {
		cfg.Server.Greeting = *greeting
	}

	stub := stubserver.New(stubserver.Config{
		WidgetKey:  *widgetKey,
		ChatbotID:  *chatbotID,
		Greeting:   cfg.Server.Greeting,
		ReplyDelay: *replyDelay,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/", stub)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("widget stub starting",
		"addr", cfg.Server.Addr,
		"widget_key_required", *widgetKey != "",
		"chatbot_id_required", *chatbotID != "",
		"reply_delay", *replyDelay,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		stub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
