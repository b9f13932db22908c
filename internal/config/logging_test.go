package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestDefaultLoggingConfig(t *testing.T) {
	cfg := DefaultLoggingConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "logs", cfg.Dir)
	assert.Equal(t, 50, cfg.Rotation.MaxSize)
	assert.True(t, cfg.Rotation.Compress)
	assert.True(t, cfg.Console.Enabled)
	assert.False(t, cfg.File.Enabled)
	assert.False(t, cfg.Dedup.Enabled)
	assert.Equal(t, time.Second, cfg.Dedup.Window)
}

func TestLoggingConfigYAMLParsing(t *testing.T) {
	yamlData := `
level: "debug"
format: "json"
dir: "/var/log/agentfeed"
rotation:
  max_size: 10
console:
  enabled: false
file:
  enabled: true
  level: "warn"
dedup:
  enabled: true
  window: 5s
`

	var cfg LoggingConfig
	err := yaml.Unmarshal([]byte(yamlData), &cfg)

	assert.NoError(t, err)
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "/var/log/agentfeed", cfg.Dir)
	assert.Equal(t, 10, cfg.Rotation.MaxSize)
	assert.False(t, cfg.Console.Enabled)
	assert.True(t, cfg.File.Enabled)
	assert.Equal(t, "warn", cfg.File.Level)
	assert.True(t, cfg.Dedup.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Dedup.Window)
}

func TestLoggingConfigApplyDefaults(t *testing.T) {
	cfg := &LoggingConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "logs", cfg.Dir)
	assert.Equal(t, 5, cfg.Rotation.MaxBackups)
	assert.True(t, cfg.Console.Enabled)
	assert.Equal(t, "info", cfg.Console.Level)
	assert.False(t, cfg.File.Enabled)
	assert.Equal(t, "text", cfg.File.Format)
	assert.Equal(t, 1000, cfg.Dedup.MaxEntries)
}

func TestLoggingConfigApplyDefaultsWithPartialConfig(t *testing.T) {
	cfg := &LoggingConfig{
		Level:   "warn",
		Console: ConsoleConfig{Format: "json"},
	}
	cfg.ApplyDefaults()

	// A partially configured console keeps its explicit Enabled=false.
	assert.False(t, cfg.Console.Enabled)
	assert.Equal(t, "warn", cfg.Console.Level)
	assert.Equal(t, "json", cfg.Console.Format)
	assert.Equal(t, "warn", cfg.File.Level)
}

func TestLoggingConfigResolvePaths(t *testing.T) {
	configDir := filepath.Join("/opt", "agentfeed", "config")
	tests := []struct {
		dir  string
		want string
	}{
		{"logs", filepath.Join("/opt", "agentfeed", "logs")},
		{"../var/logs", filepath.Join("/opt", "agentfeed", "var", "logs")},
		{"/abs/logs", "/abs/logs"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			cfg := &LoggingConfig{Dir: tt.dir}
			cfg.ResolvePaths(configDir)
			assert.Equal(t, tt.want, cfg.Dir)
		})
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LoggingConfig)
		wantErr string
	}{
		{"defaults", func(*LoggingConfig) {}, ""},
		{"bad level", func(c *LoggingConfig) { c.Level = "trace" }, "invalid log level"},
		{"bad format", func(c *LoggingConfig) { c.Format = "xml" }, "invalid log format"},
		{"bad console level", func(c *LoggingConfig) { c.Console.Level = "loud" }, "invalid console log level"},
		{"bad console format", func(c *LoggingConfig) { c.Console.Format = "xml" }, "invalid console log format"},
		{"disabled console ignored", func(c *LoggingConfig) {
			c.Console.Enabled = false
			c.Console.Level = "loud"
		}, ""},
		{"file without dir", func(c *LoggingConfig) {
			c.File.Enabled = true
			c.Dir = ""
		}, "log directory cannot be empty"},
		{"bad file level", func(c *LoggingConfig) {
			c.File.Enabled = true
			c.File.Level = "loud"
		}, "invalid file log level"},
		{"bad file format", func(c *LoggingConfig) {
			c.File.Enabled = true
			c.File.Format = "xml"
		}, "invalid file log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLoggingConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoggingConfigApplyEnvOverrides(t *testing.T) {
	t.Setenv("AGENTFEED_LOG_LEVEL", "Warn")
	t.Setenv("AGENTFEED_LOG_FORMAT", "JSON")
	t.Setenv("AGENTFEED_LOG_DIR", "/tmp/agentfeed-logs")

	cfg := DefaultLoggingConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "warn", cfg.Console.Level)
	assert.Equal(t, "warn", cfg.File.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "json", cfg.Console.Format)
	assert.Equal(t, "/tmp/agentfeed-logs", cfg.Dir)
	assert.True(t, cfg.File.Enabled)
}
