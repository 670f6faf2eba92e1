package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-widget/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

// app carries the loaded configuration and logger to subcommands.
type app struct {
	configPath string
	url        string
	widgetKey  string
	chatbotID  string
	logLevel   string

	cfg     *config.Config
	logger  *slog.Logger
	cleanup func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "widgetchat",
		Short: "Terminal client for the chat widget backend",
		Long: `widgetchat opens a widget session against a chat backend over WebSocket.

Configuration is read from an optional YAML file, a .env file in the working
directory and the WIDGET_URL, WIDGET_KEY, CHATBOT_ID, NATS_URL, REDIS_ADDR and
LOG_LEVEL environment variables. Flags override all of them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.cleanup != nil {
				_ = a.cleanup()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&a.url, "url", "", "widget WebSocket URL (overrides config)")
	pf.StringVar(&a.widgetKey, "widget-key", "", "widget key (overrides config)")
	pf.StringVar(&a.chatbotID, "chatbot-id", "", "chatbot id (overrides config)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(newChatCmd(a))
	root.AddCommand(newE2ECmd(a))
	root.AddCommand(newWatchCmd(a))
	return root
}

// load reads the configuration, applies flag overrides and sets up logging.
func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.url != "" {
		cfg.Widget.URL = a.url
	}
	if a.widgetKey != "" {
		cfg.Widget.WidgetKey = a.widgetKey
	}
	if a.chatbotID != "" {
		cfg.Widget.ChatbotID = a.chatbotID
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}

	logger, cleanup, err := config.SetupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.cleanup = cleanup
	return nil
}
