package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory with the override variables
// cleared so a developer's .env or shell does not leak in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, k := range []string{"WIDGET_URL", "WIDGET_KEY", "CHATBOT_ID", "NATS_URL", "REDIS_ADDR", "LOG_LEVEL", "WIDGET_OPTIMISTIC_ECHO"} {
		t.Setenv(k, "")
	}
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 25*time.Second, cfg.Heartbeat.Interval)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Error(t, cfg.Validate(), "credentials are required")
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("TEST_WIDGET_KEY", "wk_from_env")

	path := writeFile(t, dir, "widget.yaml", `
widget:
  url: "wss://chat.example.com/widget"
  widget_key: "${TEST_WIDGET_KEY}"
  chatbot_id: "bot-42"
  connect_timeout: "5s"

heartbeat:
  interval: "10s"
  timeout: "4s"

reconnect:
  max_attempts: 3
  initial_interval: "250ms"

logging:
  level: "debug"
  format: "json"

session:
  optimistic_echo: true
  throttle_timeout: "1s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "wss://chat.example.com/widget", cfg.Widget.URL)
	assert.Equal(t, "wk_from_env", cfg.Widget.WidgetKey)
	assert.Equal(t, 5*time.Second, cfg.Widget.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Widget.WriteTimeout, "unset durations keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 4*time.Second, cfg.Heartbeat.Timeout)
	assert.True(t, cfg.Reconnect.Enabled, "unset booleans keep defaults")
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.InitialInterval)
	assert.True(t, cfg.Session.OptimisticEcho)
	assert.Equal(t, time.Second, cfg.Session.ThrottleTimeout)

	tc := cfg.TransportConfig()
	assert.Equal(t, "bot-42", tc.ChatbotID)
	assert.Equal(t, 3, tc.Reconnect.MaxAttempts)
	assert.Equal(t, 10*time.Second, tc.Heartbeat.Interval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "widget.yaml", `
widget:
  widget_key: "wk_file"
  chatbot_id: "bot-file"
`)
	t.Setenv("CHATBOT_ID", "bot-env")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wk_file", cfg.Widget.WidgetKey)
	assert.Equal(t, "bot-env", cfg.Widget.ChatbotID)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	writeFile(t, dir, ".env", "WIDGET_KEY=wk_dotenv\nCHATBOT_ID=bot-dotenv\n")
	t.Cleanup(func() {
		os.Unsetenv("WIDGET_KEY")
		os.Unsetenv("CHATBOT_ID")
	})
	// godotenv does not override variables that are already set.
	os.Unsetenv("WIDGET_KEY")
	os.Unsetenv("CHATBOT_ID")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "wk_dotenv", cfg.Widget.WidgetKey)
	assert.Equal(t, "bot-dotenv", cfg.Widget.ChatbotID)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	bad := writeFile(t, dir, "bad.yaml", "widget: [unclosed")
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parsing config file")

	dur := writeFile(t, dir, "dur.yaml", "heartbeat:\n  interval: \"soon\"\n")
	_, err = Load(dur)
	assert.ErrorContains(t, err, "heartbeat.interval")

	t.Setenv("WIDGET_OPTIMISTIC_ECHO", "maybe")
	_, err = Load("")
	assert.ErrorContains(t, err, "WIDGET_OPTIMISTIC_ECHO")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Widget.WidgetKey = "wk"
		c.Widget.ChatbotID = "bot"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.Widget.URL = "" }, "widget.url"},
		{"missing key", func(c *Config) { c.Widget.WidgetKey = "" }, "widget.widget_key"},
		{"missing chatbot", func(c *Config) { c.Widget.ChatbotID = "" }, "widget.chatbot_id"},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }, "max_attempts"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "unknown level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "nats.url"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, "text", slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("session connected", "component", "session")

	assert.Contains(t, stderr.String(), "msg=\"session connected\"")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.True(t, strings.HasPrefix(file.String(), "{"), "file output is JSON")
	assert.Contains(t, file.String(), `"component":"session"`)
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widget.log")
	logger, cleanup, err := SetupLogger(LoggingConfig{Level: "info", File: path})
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	_, _, err = SetupLogger(LoggingConfig{Level: "nope"})
	assert.Error(t, err)
}
