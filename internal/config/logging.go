package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string         `yaml:"level"`  // debug, info, warn, error
	Format   string         `yaml:"format"` // text, json
	Dir      string         `yaml:"dir"`    // log directory path, used when file output is on
	Rotation RotationConfig `yaml:"rotation"`
	Console  ConsoleConfig  `yaml:"console"`
	File     FileConfig     `yaml:"file"`
	Dedup    DedupConfig    `yaml:"dedup"`
}

// RotationConfig holds log rotation settings
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxBackups int  `yaml:"max_backups"` // number of files
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`    // gzip old files
}

// ConsoleConfig holds console (stderr) output configuration
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // optional override
	Format  string `yaml:"format"` // text or json
}

// FileConfig holds file output configuration
type FileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // optional override
	Format  string `yaml:"format"` // text or json
}

// DedupConfig collapses identical records logged within Window, such as the
// warnings of a reconnect storm.
type DedupConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window" validate:"gte=0"`
	MaxEntries int           `yaml:"max_entries" validate:"gte=0"`
}

// DefaultLoggingConfig returns default logging configuration.
// File output is off: agentfeed is usually a foreground CLI.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		},
		Console: ConsoleConfig{
			Enabled: true,
			Level:   "info",
			Format:  "text",
		},
		File: FileConfig{
			Level:  "info",
			Format: "json",
		},
		Dedup: DedupConfig{
			Window:     time.Second,
			MaxEntries: 1000,
		},
	}
}

// ApplyDefaults fills in missing values with defaults
func (c *LoggingConfig) ApplyDefaults() {
	d := DefaultLoggingConfig()
	if c.Level == "" {
		c.Level = d.Level
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.Dir == "" {
		c.Dir = d.Dir
	}

	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = d.Rotation.MaxSize
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = d.Rotation.MaxBackups
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = d.Rotation.MaxAge
	}

	// An all-zero console section means "not configured", not "disabled".
	if c.Console.Level == "" && c.Console.Format == "" && !c.Console.Enabled {
		c.Console.Enabled = true
	}
	if c.Console.Level == "" {
		c.Console.Level = c.Level
	}
	if c.Console.Format == "" {
		c.Console.Format = c.Format
	}

	if c.File.Level == "" {
		c.File.Level = c.Level
	}
	if c.File.Format == "" {
		c.File.Format = c.Format
	}

	if c.Dedup.Window == 0 {
		c.Dedup.Window = d.Dedup.Window
	}
	if c.Dedup.MaxEntries == 0 {
		c.Dedup.MaxEntries = d.Dedup.MaxEntries
	}
}

// ApplyEnvOverrides applies AGENTFEED_LOG_* overrides.
// AGENTFEED_LOG_LEVEL also resets the console and file levels.
func (c *LoggingConfig) ApplyEnvOverrides() {
	if val := os.Getenv(EnvPrefix + "LOG_LEVEL"); val != "" {
		val = strings.ToLower(val)
		c.Level = val
		c.Console.Level = val
		c.File.Level = val
	}
	if val := os.Getenv(EnvPrefix + "LOG_FORMAT"); val != "" {
		c.Format = strings.ToLower(val)
		c.Console.Format = c.Format
	}
	if val := os.Getenv(EnvPrefix + "LOG_DIR"); val != "" {
		c.Dir = val
		c.File.Enabled = true
	}
}

// ResolvePaths resolves relative paths based on config directory
func (c *LoggingConfig) ResolvePaths(configDir string) {
	if c.Dir == "" || filepath.IsAbs(c.Dir) {
		return
	}
	// "../x" is relative to the config dir itself; anything else lands next
	// to it so logs/ does not end up inside config/.
	if strings.HasPrefix(c.Dir, "..") {
		c.Dir = filepath.Clean(filepath.Join(configDir, c.Dir))
		return
	}
	c.Dir = filepath.Clean(filepath.Join(filepath.Dir(configDir), c.Dir))
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// Validate validates the configuration
func (c *LoggingConfig) Validate() error {
	if !validLevels[c.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Level)
	}
	if !validFormats[c.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Format)
	}

	if c.Console.Enabled {
		if c.Console.Level != "" && !validLevels[c.Console.Level] {
			return fmt.Errorf("invalid console log level: %s", c.Console.Level)
		}
		if c.Console.Format != "" && !validFormats[c.Console.Format] {
			return fmt.Errorf("invalid console log format: %s", c.Console.Format)
		}
	}

	if c.File.Enabled {
		if c.Dir == "" {
			return fmt.Errorf("log directory cannot be empty when file logging is enabled")
		}
		if c.File.Level != "" && !validLevels[c.File.Level] {
			return fmt.Errorf("invalid file log level: %s", c.File.Level)
		}
		if c.File.Format != "" && !validFormats[c.File.Format] {
			return fmt.Errorf("invalid file log format: %s", c.File.Format)
		}
	}
	return nil
}
