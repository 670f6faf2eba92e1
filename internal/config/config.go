// Package config loads the widget client configuration from an optional YAML
// file, an optional .env file and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/whisper/chat-widget/internal/ws"
)

// Config is the complete widget client configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Widget    WidgetConfig    `yaml:"widget"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig configures the local protocol stub server.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	Greeting string `yaml:"greeting"`
}

// WidgetConfig identifies the chat backend and the widget's credentials.
type WidgetConfig struct {
	URL       string `yaml:"url"`
	WidgetKey string `yaml:"widget_key"`
	ChatbotID string `yaml:"chatbot_id"`

	ConnectTimeout time.Duration `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	WriteTimeoutRaw   string `yaml:"write_timeout"`
}

// HeartbeatConfig holds keepalive timing.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-"`
	Timeout  time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
	TimeoutRaw  string `yaml:"timeout"`
}

// ReconnectConfig holds the reconnect policy.
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Multiplier      float64       `yaml:"multiplier"`
	InitialInterval time.Duration `yaml:"-"`
	MaxInterval     time.Duration `yaml:"-"`

	InitialIntervalRaw string `yaml:"initial_interval"`
	MaxIntervalRaw     string `yaml:"max_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json, for stderr
	File   string `yaml:"file"`   // optional JSON log file
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// NATSConfig enables mirroring session events to NATS.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// RedisConfig enables the shared outbound message throttle.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// SessionConfig tunes the session client.
type SessionConfig struct {
	OptimisticEcho  bool          `yaml:"optimistic_echo"`
	ThrottleTimeout time.Duration `yaml:"-"`

	ThrottleTimeoutRaw string `yaml:"throttle_timeout"`
}

// Default returns a configuration with every optional field filled in.
// Credentials are left empty.
func Default() *Config {
	tc := ws.DefaultTransportConfig()
	return &Config{
		Server: ServerConfig{Addr: ":3001"},
		Widget: WidgetConfig{
			URL:            "ws://localhost:3001/widget",
			ConnectTimeout: tc.ConnectTimeout,
			WriteTimeout:   tc.WriteTimeout,
		},
		Heartbeat: HeartbeatConfig{
			Interval: tc.Heartbeat.Interval,
			Timeout:  tc.Heartbeat.Timeout,
		},
		Reconnect: ReconnectConfig{
			Enabled:         tc.Reconnect.Enabled,
			MaxAttempts:     tc.Reconnect.MaxAttempts,
			Multiplier:      tc.Reconnect.Multiplier,
			InitialInterval: tc.Reconnect.InitialInterval,
			MaxInterval:     tc.Reconnect.MaxInterval,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9090", Path: "/metrics"},
		NATS:    NATSConfig{URL: "nats://localhost:4222"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Session: SessionConfig{ThrottleTimeout: 500 * time.Millisecond},
	}
}

// Load builds a Config. A .env file in the working directory is loaded first
// if present. When path is non-empty the YAML file is read over the defaults,
// with ${VAR_NAME} references expanded. Environment overrides are applied
// last. The result is not validated; call Validate before connecting.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overrides config values from the environment.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("WIDGET_URL"); v != "" {
		cfg.Widget.URL = v
	}
	if v := os.Getenv("WIDGET_KEY"); v != "" {
		cfg.Widget.WidgetKey = v
	}
	if v := os.Getenv("CHATBOT_ID"); v != "" {
		cfg.Widget.ChatbotID = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WIDGET_OPTIMISTIC_ECHO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing WIDGET_OPTIMISTIC_ECHO %q: %w", v, err)
		}
		cfg.Session.OptimisticEcho = b
	}
	return nil
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure
// encountered.
func (c *Config) Validate() error {
	if c.Widget.URL == "" {
		return fmt.Errorf("widget.url is required")
	}
	if c.Widget.WidgetKey == "" {
		return fmt.Errorf("widget.widget_key is required")
	}
	if c.Widget.ChatbotID == "" {
		return fmt.Errorf("widget.chatbot_id is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0 {
		return fmt.Errorf("heartbeat durations must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// TransportConfig converts the widget, heartbeat and reconnect sections into
// the transport's configuration.
func (c *Config) TransportConfig() ws.TransportConfig {
	return ws.TransportConfig{
		URL:            c.Widget.URL,
		WidgetKey:      c.Widget.WidgetKey,
		ChatbotID:      c.Widget.ChatbotID,
		ConnectTimeout: c.Widget.ConnectTimeout,
		WriteTimeout:   c.Widget.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.Heartbeat.Interval,
			Timeout:  c.Heartbeat.Timeout,
		},
		Reconnect: ws.ReconnectPolicy{
			Enabled:         c.Reconnect.Enabled,
			MaxAttempts:     c.Reconnect.MaxAttempts,
			InitialInterval: c.Reconnect.InitialInterval,
			MaxInterval:     c.Reconnect.MaxInterval,
			Multiplier:      c.Reconnect.Multiplier,
		},
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"widget.connect_timeout", cfg.Widget.ConnectTimeoutRaw, &cfg.Widget.ConnectTimeout},
		{"widget.write_timeout", cfg.Widget.WriteTimeoutRaw, &cfg.Widget.WriteTimeout},
		{"heartbeat.interval", cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval},
		{"heartbeat.timeout", cfg.Heartbeat.TimeoutRaw, &cfg.Heartbeat.Timeout},
		{"reconnect.initial_interval", cfg.Reconnect.InitialIntervalRaw, &cfg.Reconnect.InitialInterval},
		{"reconnect.max_interval", cfg.Reconnect.MaxIntervalRaw, &cfg.Reconnect.MaxInterval},
		{"session.throttle_timeout", cfg.Session.ThrottleTimeoutRaw, &cfg.Session.ThrottleTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
