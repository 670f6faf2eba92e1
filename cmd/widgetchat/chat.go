package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/whisper/chat-widget/internal/session"
)

func newChatCmd(a *app) *cobra.Command {
	var serveMetricsFlag bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the widget backend from the terminal",
		Long: `Connects one widget session and reads visitor input from stdin.

Plain lines are sent as messages; the first message starts a conversation.
Lines starting with / are commands, see /help.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveMetricsFlag {
				a.cfg.Metrics.Enabled = true
			}
			return runChat(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&serveMetricsFlag, "metrics", false, "serve Prometheus metrics (overrides config)")
	return cmd
}

func runChat(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Metrics.Enabled {
		serveMetrics(ctx, a.cfg.Metrics, a.logger)
	}

	client, cleanup, err := newSession(a.cfg, a.logger, session.WithClipboard(osc52Clipboard{w: out}))
	if err != nil {
		return err
	}
	defer cleanup()

	tr := newTranscript(out)
	updates := client.Subscribe(ctx)
	go func() {
		for s := range updates {
			tr.Render(s)
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.Widget.ConnectTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.cfg.Widget.URL, err)
	}
	fmt.Fprintln(out, "type a message, or /help")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(client, strings.TrimSpace(line), out)
			if err != nil {
				color.New(color.FgRed).Fprintln(out, err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of visitor input.
func handleLine(c *session.Client, line string, out io.Writer) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.HandleInputChange(line); err != nil {
			return false, describe("send", err)
		}
		if err := c.HandleSubmit(); err != nil {
			if errors.Is(err, session.ErrRateLimited) {
				return false, describe("send", errors.New("too many messages, wait a few seconds and try again"))
			}
			return false, describe("send", err)
		}
		return false, nil
	}

	name, arg := splitCommand(line)
	switch name {
	case "quit", "exit":
		c.Disconnect()
		return true, nil
	case "help":
		fmt.Fprintln(out, helpText)
	case "join":
		err = c.Join()
	case "end":
		err = c.HandleEndConversation()
	case "reset":
		err = c.Reset()
		if err == nil {
			fmt.Fprintln(out, "transcript cleared")
		}
	case "quota":
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		n, ok, qErr := c.RemainingMessages(ctx)
		cancel()
		switch {
		case !ok:
			fmt.Fprintln(out, "no message quota configured")
		case qErr != nil:
			return false, describe(name, qErr)
		default:
			fmt.Fprintf(out, "%d message(s) left in this window\n", n)
		}
	case "summary":
		err = c.RequestSummary()
	case "analyze":
		err = c.RequestAIAnalysis(arg, "")
	case "rate":
		ratingArg, comment, _ := strings.Cut(arg, " ")
		rating, convErr := strconv.Atoi(ratingArg)
		if convErr != nil {
			return false, fmt.Errorf("rate: %q is not a number", ratingArg)
		}
		err = c.Rate(rating, strings.TrimSpace(comment))
	case "up", "down", "regen", "copy":
		id, lookupErr := messageAt(c.Snapshot(), arg)
		if lookupErr != nil {
			return false, describe(name, lookupErr)
		}
		switch name {
		case "up":
			err = c.HandleThumbsUp(id)
		case "down":
			err = c.HandleThumbsDown(id)
		case "regen":
			err = c.HandleRegenerate(id)
		case "copy":
			_, err = c.HandleCopy(id)
		}
	default:
		return false, fmt.Errorf("unknown command /%s, see /help", name)
	}
	if err != nil {
		if errors.Is(err, session.ErrNoConversation) {
			return false, describe(name, errors.New("no active conversation, send a message first"))
		}
		return false, describe(name, err)
	}
	return false, nil
}
