package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/whisper/chat-widget/internal/chat"
)

var (
	userColor   = color.New(color.FgGreen)
	botColor    = color.New(color.FgCyan)
	agentColor  = color.New(color.FgMagenta)
	systemColor = color.New(color.FgYellow)
	dimColor    = color.New(color.Faint)
)

// transcript prints state snapshots as an append-only chat log. Messages are
// numbered by their transcript position so commands can refer to them.
type transcript struct {
	w       io.Writer
	printed map[string]string // message id -> content last printed
	status  chat.Status
	typing  bool
}

func newTranscript(w io.Writer) *transcript {
	return &transcript{w: w, printed: make(map[string]string)}
}

// Render prints whatever changed since the previous snapshot.
func (t *transcript) Render(s chat.State) {
	if s.Connection.Status != t.status {
		t.status = s.Connection.Status
		systemColor.Fprintf(t.w, "* %s\n", t.status)
	}

	for i, m := range s.Messages {
		if m.IsStreaming {
			continue
		}
		if prev, ok := t.printed[m.ID]; ok && prev == m.Content {
			continue
		}
		t.printed[m.ID] = m.Content
		t.printMessage(i+1, m)
	}

	if s.Typing.IsTyping != t.typing {
		t.typing = s.Typing.IsTyping
		if t.typing {
			who := s.Typing.AgentName
			if who == "" {
				who = "assistant"
			}
			dimColor.Fprintf(t.w, "  %s is typing...\n", who)
		}
	}
}

func (t *transcript) printMessage(n int, m chat.ChatMessage) {
	c := systemColor
	label := string(m.Role)
	switch m.Role {
	case chat.RoleUser:
		c = userColor
		label = "you"
	case chat.RoleAssistant:
		c = botColor
		label = "bot"
	case chat.RoleAgent:
		c = agentColor
		label = "agent"
	}
	c.Fprintf(t.w, "[%d] %s: ", n, label)
	fmt.Fprintln(t.w, m.Content)
	for _, tool := range m.Tools {
		dimColor.Fprintf(t.w, "      tool %s (%s)\n", tool.Name, tool.State)
	}
}

// messageAt resolves a 1-based transcript position to a message id.
func messageAt(s chat.State, arg string) (string, error) {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err != nil || n < 1 || n > len(s.Messages) {
		return "", fmt.Errorf("no message %q", arg)
	}
	return s.Messages[n-1].ID, nil
}

// osc52Clipboard copies text to the terminal's clipboard with an OSC 52
// escape sequence.
type osc52Clipboard struct {
	w io.Writer
}

func (c osc52Clipboard) Copy(content string) error {
	_, err := fmt.Fprintf(c.w, "\x1b]52;c;%s\a", base64.StdEncoding.EncodeToString([]byte(content)))
	return err
}

const helpText = `commands:
  /join                 start a conversation without sending a message
  /up N, /down N        rate the conversation from message N
  /regen N              regenerate assistant reply N
  /copy N               copy message N to the clipboard
  /rate 1-5 [comment]   rate the conversation
  /analyze TEXT         request an AI analysis of TEXT
  /summary              request a conversation summary
  /quota                show how many messages are left in the rate limit window
  /end                  end the conversation
  /reset                end the conversation and clear the transcript
  /quit                 disconnect and exit`

// splitCommand splits "/cmd rest of line" into its name and argument.
func splitCommand(line string) (string, string) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return name, strings.TrimSpace(arg)
}
