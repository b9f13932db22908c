// Package logging builds the process logger from config.LoggingConfig:
// a terminal handler on stderr, optional rotated log files, and optional
// deduplication of repeated records.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syntrixbase/agentfeed/internal/config"
)

const (
	mainLogFile  = "agentfeed.log"
	errorLogFile = "errors.log"
)

var (
	// Global state for cleanup
	closers   []io.Closer
	closersMu sync.Mutex

	// stdout carries events in the CLI, so the console logs to stderr.
	consoleWriter io.Writer = os.Stderr
)

// Initialize sets up the global logger based on configuration
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Debug("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"dir", cfg.Dir,
		"consoleEnabled", cfg.Console.Enabled,
		"fileEnabled", cfg.File.Enabled,
		"dedup", cfg.Dedup.Enabled,
	)
	return nil
}

// NewLogger creates a new logger instance with the given configuration
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		level := parseLevel(cfg.Console.Level)
		opts := &slog.HandlerOptions{Level: level}
		if cfg.Console.Format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(consoleWriter, opts))
		} else {
			handlers = append(handlers, NewTextHandler(consoleWriter, opts))
		}
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Main log file (all levels)
		mainFile := newRotatingFile(cfg, mainLogFile)
		handlers = append(handlers, createFileHandler(mainFile, cfg.File.Format, parseLevel(cfg.File.Level)))

		// Error log file (warn and error only)
		errorFile := newRotatingFile(cfg, errorLogFile)
		handlers = append(handlers, createFileHandler(errorFile, cfg.File.Format, slog.LevelWarn))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.DiscardHandler
	case 1:
		handler = handlers[0]
	default:
		handler = NewMultiHandler(handlers...)
	}

	if cfg.Dedup.Enabled {
		dh := NewDedupHandlerWithConfig(handler, DedupHandlerConfig{
			Window:     cfg.Dedup.Window,
			MaxEntries: cfg.Dedup.MaxEntries,
		})
		registerCloser(dh)
		handler = dh
	}

	return slog.New(handler), nil
}

// Shutdown flushes pending dedup summaries and closes all log files.
func Shutdown() error {
	closersMu.Lock()
	defer closersMu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log output: %w", err))
		}
	}
	closers = nil
	return errors.Join(errs...)
}

func newRotatingFile(cfg config.LoggingConfig, name string) *lumberjack.Logger {
	f := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name),
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
	registerCloser(f)
	return f
}

// registerCloser keeps closers in creation order; dedup handlers are created
// after the files they write to, so Shutdown closes them first.
func registerCloser(c io.Closer) {
	closersMu.Lock()
	defer closersMu.Unlock()
	closers = append([]io.Closer{c}, closers...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createFileHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
