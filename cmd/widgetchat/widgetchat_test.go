package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-widget/internal/chat"
	"github.com/whisper/chat-widget/internal/config"
	"github.com/whisper/chat-widget/internal/messaging"
)

func init() {
	color.NoColor = true
}

func TestTranscript_PrintsOnlyChanges(t *testing.T) {
	var buf bytes.Buffer
	tr := newTranscript(&buf)

	s := chat.State{
		Connection: chat.ConnectionState{Status: chat.StatusConnected},
		Messages: []chat.ChatMessage{
			{ID: "m1", Role: chat.RoleUser, Content: "hi"},
			{ID: "m2", Role: chat.RoleAssistant, Content: "partial", IsStreaming: true},
		},
	}
	tr.Render(s)
	out := buf.String()
	assert.Contains(t, out, "* connected")
	assert.Contains(t, out, "[1] you: hi")
	assert.NotContains(t, out, "partial")

	buf.Reset()
	s.Messages[1] = chat.ChatMessage{ID: "m2", Role: chat.RoleAssistant, Content: "hello there"}
	tr.Render(s)
	assert.Equal(t, "[2] bot: hello there\n", buf.String())

	buf.Reset()
	tr.Render(s)
	assert.Empty(t, buf.String())
}

func TestTranscript_Typing(t *testing.T) {
	var buf bytes.Buffer
	tr := newTranscript(&buf)
	tr.Render(chat.State{Typing: chat.TypingState{IsTyping: true, AgentName: "Sam"}})
	assert.Contains(t, buf.String(), "Sam is typing")
}

func TestMessageAt(t *testing.T) {
	s := chat.State{Messages: []chat.ChatMessage{{ID: "a"}, {ID: "b"}}}

	id, err := messageAt(s, "2")
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	for _, arg := range []string{"0", "3", "x", ""} {
		_, err := messageAt(s, arg)
		assert.Error(t, err, arg)
	}
}

func TestSplitCommand(t *testing.T) {
	name, arg := splitCommand("/rate 4  great help")
	assert.Equal(t, "rate", name)
	assert.Equal(t, "4  great help", arg)

	name, arg = splitCommand("/end")
	assert.Equal(t, "end", name)
	assert.Empty(t, arg)
}

func TestOSC52Clipboard(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, osc52Clipboard{w: &buf}.Copy("hi"))
	assert.Equal(t, "\x1b]52;c;aGk=\a", buf.String())
}

func TestFormatMirrored(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.UTC)
	line := formatMirrored(messaging.MirroredEvent{
		SessionID: "0123456789abcdef",
		Event:     "queue-update",
		At:        at,
		Data:      json.RawMessage(`{"position":2}`),
	})
	assert.Equal(t, `12:30:45.123 01234567 queue-update {"position":2}`, line)

	line = formatMirrored(messaging.MirroredEvent{SessionID: "s1", Event: "pong", At: at, Data: json.RawMessage(`{}`)})
	assert.Equal(t, "12:30:45.123 s1 pong", line)
}

func TestRunWatch_RequiresChatbotID(t *testing.T) {
	cfg := config.Default()
	cfg.Widget.ChatbotID = ""
	a := &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	err := runWatch(context.Background(), a, io.Discard)
	assert.ErrorContains(t, err, "chatbot id is required")
}

func TestE2E_AgainstStub(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	stop, err := startStub(cfg, logger)
	require.NoError(t, err)
	defer stop()
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := runScenarios(ctx, cfg, logger, "hello")

	var buf bytes.Buffer
	failed := report(&buf, results)
	assert.Zero(t, failed, buf.String())
	assert.Contains(t, buf.String(), "[PASS] Health check")
	assert.Contains(t, buf.String(), "[PASS] Conversation summary")
	assert.Equal(t, 6, strings.Count(buf.String(), "[PASS]"), buf.String())
}

func TestHandleLine_Commands(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	stop, err := startStub(cfg, logger)
	require.NoError(t, err)
	defer stop()

	client, cleanup, err := newSession(cfg, logger)
	require.NoError(t, err)
	defer cleanup()
	require.NoError(t, client.Connect(context.Background()))

	var out bytes.Buffer
	_, err = handleLine(client, "/end", &out)
	assert.ErrorContains(t, err, "no active conversation")

	_, err = handleLine(client, "/bogus", &out)
	assert.ErrorContains(t, err, "unknown command")

	_, err = handleLine(client, "/rate x", &out)
	assert.ErrorContains(t, err, "not a number")

	_, err = handleLine(client, "/copy 9", &out)
	assert.ErrorContains(t, err, "no message")

	out.Reset()
	_, err = handleLine(client, "/quota", &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "no message quota configured")

	_, err = handleLine(client, "/help", &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "/regen N")

	quit, err := handleLine(client, "/quit", &out)
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Equal(t, chat.StatusDisconnected, client.Snapshot().Connection.Status)
}
