package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/syntrixbase/agentfeed/internal/bus"
	"github.com/syntrixbase/agentfeed/internal/engine"
	"github.com/syntrixbase/agentfeed/internal/transport"
	"github.com/syntrixbase/agentfeed/internal/transport/relay"
	"github.com/syntrixbase/agentfeed/internal/transport/sse"
	"github.com/syntrixbase/agentfeed/internal/transport/ws"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTFEED_"

// validate is the singleton validator instance used for config structs.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Config holds the application configuration
type Config struct {
	Engine  engine.Config  `yaml:"engine"`
	SSE     sse.Config     `yaml:"sse"`
	WS      ws.Config      `yaml:"websocket"`
	Relay   relay.Config   `yaml:"relay"`
	NATS    bus.NATSConfig `yaml:"nats"`
	Logging LoggingConfig  `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"` // empty disables the endpoint
	Path string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine:  engine.DefaultConfig(),
		SSE:     sse.DefaultConfig(),
		WS:      ws.DefaultConfig(),
		Relay:   relay.DefaultConfig(),
		Logging: DefaultLoggingConfig(),
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// LoadConfig loads configuration from dir and environment variables.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults ->
// ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFile(filepath.Join(dir, "config.yml"), cfg); err != nil {
		return nil, err
	}
	if err := loadFile(filepath.Join(dir, "config.local.yml"), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnvOverrides()
	cfg.Logging.ResolvePaths(dir)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		slog.Warn("Error reading config file", "file", filename, "error", err)
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}
	return nil
}

// ApplyDefaults fills in missing values with defaults
func (c *Config) ApplyDefaults() {
	c.Engine.ApplyDefaults()
	c.SSE.ApplyDefaults()
	c.WS.ApplyDefaults()
	c.Relay.ApplyDefaults()
	c.NATS.ApplyDefaults()
	c.Logging.ApplyDefaults()
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ApplyEnvOverrides applies AGENTFEED_* environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv(EnvPrefix + "TRANSPORT"); val != "" {
		c.Engine.Transport = transport.Kind(val)
	}
	if val := os.Getenv(EnvPrefix + "MAX_RECONNECT_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.MaxReconnectAttempts = engine.Attempts(n)
		} else {
			slog.Warn("Ignoring invalid environment value", "name", EnvPrefix+"MAX_RECONNECT_ATTEMPTS", "value", val)
		}
	}
	if val := os.Getenv(EnvPrefix + "RECONNECT_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.ReconnectDelay = d
		} else {
			slog.Warn("Ignoring invalid environment value", "name", EnvPrefix+"RECONNECT_DELAY", "value", val)
		}
	}
	if val := os.Getenv(EnvPrefix + "BASE_URL"); val != "" {
		c.SSE.BaseURL = val
	}
	if val := os.Getenv(EnvPrefix + "DIRECTORY"); val != "" {
		c.SSE.Directory = val
	}
	if val := os.Getenv(EnvPrefix + "WS_URL"); val != "" {
		c.WS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "RELAY_HOST_URL"); val != "" {
		c.Relay.HostURL = val
	}
	if val := os.Getenv(EnvPrefix + "RELAY_BUS"); val != "" {
		c.Relay.Bus = val
	}
	if val := os.Getenv(EnvPrefix + "NATS_URL"); val != "" {
		c.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	c.Logging.ApplyEnvOverrides()
}

// Validate checks struct tags, then the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return translateValidationErrors(verrs)
		}
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	switch c.Engine.Transport {
	case transport.KindDirect:
		if c.SSE.BaseURL == "" {
			return fmt.Errorf("sse.base_url is required for the direct transport")
		}
	case transport.KindWebSocket:
		if c.WS.URL == "" {
			return fmt.Errorf("websocket.url is required for the websocket transport")
		}
	case transport.KindRelayed:
		if c.Relay.HostURL == "" {
			return fmt.Errorf("relay.host_url is required for the relayed transport")
		}
		if c.Relay.Bus == "nats" && c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required when relay.bus is nats")
		}
	}
	return nil
}

// translateValidationErrors converts validator errors to user-friendly messages.
func translateValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), translateValidationError(fe)))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func translateValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "url":
		return "Must be a valid URL"
	case "oneof":
		return fmt.Sprintf("Must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("Must be greater than or equal to %s", fe.Param())
	case "hostname_port":
		return "Must be a host:port address"
	case "excludesall":
		return "Must not contain spaces"
	default:
		return fmt.Sprintf("Failed on %s validation", fe.Tag())
	}
}
