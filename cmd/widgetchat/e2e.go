package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/whisper/chat-widget/internal/chat"
	"github.com/whisper/chat-widget/internal/config"
	"github.com/whisper/chat-widget/internal/session"
	"github.com/whisper/chat-widget/internal/stubserver"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return color.GreenString("PASS")
	case resultFail:
		return color.RedString("FAIL")
	default:
		return color.YellowString("INFO")
	}
}

func newE2ECmd(a *app) *cobra.Command {
	var (
		useStub bool
		timeout time.Duration
		message string
	)

	cmd := &cobra.Command{
		Use:   "e2e",
		Short: "Run a scripted widget session against a backend",
		Long: `Runs the widget journey end to end: connect, start a conversation with a
first message, wait for the reply, request a summary, end the conversation and
disconnect. With --stub the journey runs against an in-process stub backend.

Exits non-zero if any required scenario fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			cfg := *a.cfg
			if useStub {
				stop, err := startStub(&cfg, a.logger)
				if err != nil {
					return err
				}
				defer stop()
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			results := runScenarios(ctx, &cfg, a.logger, message)
			if failed := report(cmd.OutOrStdout(), results); failed > 0 {
				return fmt.Errorf("%d scenario(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useStub, "stub", false, "run against an in-process stub backend")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "global timeout")
	cmd.Flags().StringVar(&message, "message", "hello from widgetchat", "first visitor message")
	return cmd
}

// startStub serves a stub backend on a loopback port and points cfg at it.
func startStub(cfg *config.Config, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	stub := stubserver.New(stubserver.Config{Greeting: "Hi! How can I help?"}, logger)
	srv := &http.Server{Handler: stub, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)

	cfg.Widget.URL = "ws://" + ln.Addr().String() + "/widget"
	if cfg.Widget.WidgetKey == "" {
		cfg.Widget.WidgetKey = "wk_stub"
	}
	if cfg.Widget.ChatbotID == "" {
		cfg.Widget.ChatbotID = "stub-bot"
	}
	cfg.Reconnect.Enabled = false
	return func() { srv.Close() }, nil
}

func runScenarios(ctx context.Context, cfg *config.Config, logger *slog.Logger, message string) []scenarioResult {
	results := []scenarioResult{scenarioHealth(ctx, cfg.Widget.URL)}

	client, cleanup, err := newSession(cfg, logger)
	if err != nil {
		return append(results, scenarioResult{"Connect handshake", resultFail, err.Error()})
	}
	defer cleanup()

	r := scenarioConnect(ctx, client)
	results = append(results, r)
	if r.kind == resultFail {
		return results
	}

	r = scenarioFirstMessage(ctx, client, message)
	results = append(results, r)
	if r.kind == resultFail {
		return results
	}

	results = append(results,
		scenarioSummary(ctx, client),
		scenarioEndConversation(client),
		scenarioDisconnect(client),
	)
	return results
}

// scenarioHealth checks the backend's /health endpoint. Backends without
// one only produce an INFO line.
func scenarioHealth(ctx context.Context, wsURL string) scenarioResult {
	name := "Health check"
	u, err := url.Parse(wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/health"

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return scenarioResult{name, resultInfo, fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioConnect(ctx context.Context, c *session.Client) scenarioResult {
	name := "Connect handshake"
	start := time.Now()
	if err := c.Connect(ctx); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	return scenarioResult{name, resultPass, time.Since(start).Round(time.Millisecond).String()}
}

func scenarioFirstMessage(ctx context.Context, c *session.Client, message string) scenarioResult {
	name := "First message starts a conversation and gets a reply"
	if err := c.HandleInputChange(message); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	start := time.Now()
	if err := c.HandleSubmit(); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	s, err := waitState(ctx, c, func(s chat.State) bool {
		sawUser := false
		for _, m := range s.Messages {
			if m.Role == chat.RoleUser && m.Content == message {
				sawUser = true
			} else if sawUser && (m.Role == chat.RoleAssistant || m.Role == chat.RoleAgent) && !m.IsStreaming {
				return true
			}
		}
		return false
	})
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if s.Connection.ConversationID == nil {
		return scenarioResult{name, resultFail, "no conversation id"}
	}
	return scenarioResult{name, resultPass, fmt.Sprintf("conversation %s, reply in %s",
		*s.Connection.ConversationID, time.Since(start).Round(time.Millisecond))}
}

func scenarioSummary(ctx context.Context, c *session.Client) scenarioResult {
	name := "Conversation summary"
	if err := c.RequestSummary(); err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := waitState(waitCtx, c, func(s chat.State) bool { return s.LastSummary != nil })
	if err != nil {
		return scenarioResult{name, resultInfo, "no summary received"}
	}
	return scenarioResult{name, resultPass, s.LastSummary.Text}
}

func scenarioEndConversation(c *session.Client) scenarioResult {
	name := "End conversation"
	if err := c.HandleEndConversation(); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	s := c.Snapshot()
	if s.Phase != chat.PhaseEnded || s.Connection.ConversationID != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("phase %s", s.Phase)}
	}
	if err := c.HandleEndConversation(); !errors.Is(err, session.ErrNoConversation) {
		return scenarioResult{name, resultFail, fmt.Sprintf("second end returned %v", err)}
	}
	return scenarioResult{name, resultPass, ""}
}

func scenarioDisconnect(c *session.Client) scenarioResult {
	name := "Disconnect is idempotent"
	c.Disconnect()
	first := c.Snapshot()
	if first.Connection.Status != chat.StatusDisconnected {
		return scenarioResult{name, resultFail, fmt.Sprintf("status %s", first.Connection.Status)}
	}
	c.Disconnect()
	if second := c.Snapshot(); len(second.Messages) != len(first.Messages) {
		return scenarioResult{name, resultFail, "second disconnect changed the transcript"}
	}
	return scenarioResult{name, resultPass, ""}
}

// waitState blocks until a snapshot satisfies cond or ctx is done.
func waitState(ctx context.Context, c *session.Client, cond func(chat.State) bool) (chat.State, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := c.Subscribe(subCtx)
	if s := c.Snapshot(); cond(s) {
		return s, nil
	}
	for {
		select {
		case s, ok := <-updates:
			if !ok {
				return chat.State{}, errors.New("session closed")
			}
			if cond(s) {
				return s, nil
			}
		case <-ctx.Done():
			return c.Snapshot(), fmt.Errorf("timed out: %w", ctx.Err())
		}
	}
}

// report prints the results and returns the number of failures.
func report(w io.Writer, results []scenarioResult) int {
	passed, failed, info := 0, 0, 0
	fmt.Fprintln(w)
	for _, r := range results {
		fmt.Fprintf(w, "[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Fprintf(w, " (%s)", r.detail)
		}
		fmt.Fprintln(w)

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Fprintf(w, "\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Fprintf(w, ", %d info", info)
	}
	fmt.Fprintln(w, " ===")
	return failed
}
