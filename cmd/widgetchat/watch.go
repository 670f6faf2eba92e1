package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-widget/internal/messaging"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow mirrored widget events for the configured chatbot over NATS",
		Long: `Subscribes to widget.events.<chatbot-id>.> and prints every event that
widget sessions with the NATS mirror enabled publish. Stops on interrupt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, a, cmd.OutOrStdout())
		},
	}
}

func runWatch(ctx context.Context, a *app, out io.Writer) error {
	if a.cfg.Widget.ChatbotID == "" {
		return fmt.Errorf("watch: chatbot id is required")
	}
	natsCfg := messaging.DefaultNATSConfig()
	if a.cfg.NATS.URL != "" {
		natsCfg.URL = a.cfg.NATS.URL
	}
	natsCfg.Name = "widgetchat-watch"

	mirror, err := messaging.NewMirror(natsCfg, a.cfg.Widget.ChatbotID, "", a.logger)
	if err != nil {
		return err
	}
	defer mirror.Close()

	events := make(chan messaging.MirroredEvent, 64)
	if err := mirror.Subscribe(func(ev messaging.MirroredEvent) {
		select {
		case events <- ev:
		default:
			a.logger.Warn("watch output is behind, dropping event", "event", ev.Event)
		}
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "watching %s.%s.>\n", messaging.SubjectWidgetEvents, a.cfg.Widget.ChatbotID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			fmt.Fprintln(out, formatMirrored(ev))
		}
	}
}

// formatMirrored renders one mirrored event as a single line.
func formatMirrored(ev messaging.MirroredEvent) string {
	line := fmt.Sprintf("%s %s %s", ev.At.Format("15:04:05.000"), shortID(ev.SessionID), ev.Event)
	if len(ev.Data) > 0 && string(ev.Data) != "{}" && string(ev.Data) != "null" {
		line += " " + dimColor.Sprint(string(ev.Data))
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
