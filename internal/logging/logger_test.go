package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/agentfeed/internal/config"
)

func captureConsole(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := consoleWriter
	consoleWriter = buf
	t.Cleanup(func() {
		consoleWriter = prev
		_ = Shutdown()
	})
	return buf
}

func fileConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = filepath.Join(t.TempDir(), "logs")
	cfg.File.Enabled = true
	cfg.File.Format = "text"
	return cfg
}

func TestNewLogger_DefaultConfigConsoleOnly(t *testing.T) {
	console := captureConsole(t)
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = filepath.Join(t.TempDir(), "logs")

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.With("component", "engine").Info("Connected", "topicKey", "abc")
	logger.Debug("hidden")

	assert.Contains(t, console.String(), "INFO  [engine] Connected topicKey=abc")
	assert.NotContains(t, console.String(), "hidden")
	assert.NoDirExists(t, cfg.Dir)
}

func TestNewLogger_ConsoleJSON(t *testing.T) {
	console := captureConsole(t)
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Format = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("test json", "key", "value")
	assert.Contains(t, console.String(), `"msg":"test json"`)
	assert.Contains(t, console.String(), `"key":"value"`)
}

func TestNewLogger_ErrorLogSeparation(t *testing.T) {
	captureConsole(t)
	cfg := fileConfig(t)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("info message")
	logger.Warn("warning message")
	logger.Error("error message")

	require.NoError(t, Shutdown())

	mainContent, err := os.ReadFile(filepath.Join(cfg.Dir, "agentfeed.log"))
	require.NoError(t, err)
	assert.Contains(t, string(mainContent), "info message")
	assert.Contains(t, string(mainContent), "warning message")
	assert.Contains(t, string(mainContent), "error message")

	errorContent, err := os.ReadFile(filepath.Join(cfg.Dir, "errors.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errorContent), "info message")
	assert.Contains(t, string(errorContent), "warning message")
	assert.Contains(t, string(errorContent), "error message")
}

func TestNewLogger_FileJSON(t *testing.T) {
	captureConsole(t)
	cfg := fileConfig(t)
	cfg.Console.Enabled = false
	cfg.File.Format = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Info("to file", "streamId", "s1")
	require.NoError(t, Shutdown())

	content, err := os.ReadFile(filepath.Join(cfg.Dir, "agentfeed.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), `"streamId":"s1"`)
}

func TestNewLogger_BadDir(t *testing.T) {
	captureConsole(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cfg := fileConfig(t)
	cfg.Dir = filepath.Join(blocker, "logs")

	_, err := NewLogger(cfg)
	assert.ErrorContains(t, err, "failed to create log directory")
}

func TestNewLogger_NoOutputs(t *testing.T) {
	console := captureConsole(t)
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Error("nowhere")
	assert.Empty(t, console.String())
}

func TestNewLogger_Dedup(t *testing.T) {
	console := captureConsole(t)
	cfg := config.DefaultLoggingConfig()
	cfg.Dedup.Enabled = true

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		logger.Warn("Reconnecting", "attempt", 1)
	}
	assert.Len(t, console.Lines(), 1)

	require.NoError(t, Shutdown())
	lines := console.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "repeated=2")
}

func TestInitialize_SetsGlobalLogger(t *testing.T) {
	console := captureConsole(t)
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	require.NoError(t, Initialize(config.DefaultLoggingConfig()))
	slog.Info("global test message")

	assert.Contains(t, console.String(), "global test message")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}
