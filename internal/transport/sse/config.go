package sse

import (
	"time"
)

const (
	// DefaultPath is the event stream endpoint.
	DefaultPath = "/event"
	// DefaultMaxLineBytes bounds a single SSE line.
	DefaultMaxLineBytes = 10 * 1024 * 1024
	// DefaultConnectTimeout bounds the wait for response headers.
	DefaultConnectTimeout = 30 * time.Second

	// HeaderStreamID carries the server-assigned stream id.
	HeaderStreamID = "X-Stream-Id"
)

// Config configures the direct SSE transport.
type Config struct {
	BaseURL        string        `yaml:"base_url" validate:"omitempty,url"`
	Path           string        `yaml:"path"`
	Directory      string        `yaml:"directory"`
	Resume         bool          `yaml:"resume"`
	MaxLineBytes   int           `yaml:"max_line_bytes" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:4096",
		Path:           DefaultPath,
		MaxLineBytes:   DefaultMaxLineBytes,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.MaxLineBytes == 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// query is the set of query parameters sent with every stream request.
type query struct {
	Topic     string `schema:"topic,omitempty"`
	Directory string `schema:"directory,omitempty"`
}
