package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/syntrixbase/agentfeed/internal/consumer"
	"github.com/syntrixbase/agentfeed/internal/decoder"
	"github.com/syntrixbase/agentfeed/internal/demux"
	"github.com/syntrixbase/agentfeed/internal/transport"
)

// Config holds the subscription engine settings.
type Config struct {
	Transport            transport.Kind `yaml:"transport" validate:"omitempty,oneof=direct websocket relayed"`
	MaxReconnectAttempts *int           `yaml:"max_reconnect_attempts" validate:"omitempty,gte=0"`
	ReconnectDelay       time.Duration  `yaml:"reconnect_delay" validate:"gte=0"`
	MaxReconnectDelay    time.Duration  `yaml:"max_reconnect_delay" validate:"gte=0"`
	BackoffMultiplier    float64        `yaml:"backoff_multiplier" validate:"gte=0"`
	Jitter               bool           `yaml:"jitter"`
	QueueSize            int            `yaml:"queue_size" validate:"gte=0"`
	MaxPending           int            `yaml:"max_pending" validate:"gte=0"`
	FallbackEventType    string         `yaml:"fallback_event_type"`
}

// DefaultMaxReconnectAttempts applies when MaxReconnectAttempts is unset.
const DefaultMaxReconnectAttempts = 50

// Attempts returns n as a MaxReconnectAttempts value. Zero disables
// reconnecting.
func Attempts(n int) *int { return &n }

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Transport:            transport.KindDirect,
		MaxReconnectAttempts: Attempts(DefaultMaxReconnectAttempts),
		ReconnectDelay:       3 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		BackoffMultiplier:    1.0,
		QueueSize:            consumer.DefaultCapacity,
		MaxPending:           demux.DefaultMaxPending,
		FallbackEventType:    decoder.DefaultFallbackType,
	}
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.MaxReconnectAttempts == nil {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxPending == 0 {
		c.MaxPending = d.MaxPending
	}
	if c.FallbackEventType == "" {
		c.FallbackEventType = d.FallbackEventType
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if !c.Transport.Valid() {
		return fmt.Errorf("engine.transport must be one of direct, websocket, relayed (got %q)", c.Transport)
	}
	if c.MaxReconnectAttempts != nil && *c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("engine.max_reconnect_attempts must be >= 0")
	}
	if c.ReconnectDelay < 0 || c.MaxReconnectDelay < 0 {
		return fmt.Errorf("engine reconnect delays must be >= 0")
	}
	if c.MaxReconnectDelay > 0 && c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("engine.max_reconnect_delay (%s) must be >= engine.reconnect_delay (%s)", c.MaxReconnectDelay, c.ReconnectDelay)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("engine.backoff_multiplier must be >= 1 (got %v)", c.BackoffMultiplier)
	}
	if c.QueueSize <= 0 || c.MaxPending <= 0 {
		return fmt.Errorf("engine.queue_size and engine.max_pending must be positive")
	}
	return nil
}

// ReconnectAttempts returns the reconnect limit in effect.
func (c Config) ReconnectAttempts() int {
	if c.MaxReconnectAttempts == nil {
		return DefaultMaxReconnectAttempts
	}
	return *c.MaxReconnectAttempts
}

// backoff returns the wait before reconnect attempt n (1-based). A server
// hint wins over the configured schedule. rnd returns a value in [0, 1).
func (c Config) backoff(attempt int, hint time.Duration, rnd func() float64) time.Duration {
	if hint > 0 {
		return hint
	}
	d := float64(c.ReconnectDelay)
	if c.BackoffMultiplier > 1 && attempt > 1 {
		d *= math.Pow(c.BackoffMultiplier, float64(attempt-1))
	}
	if c.MaxReconnectDelay > 0 && d > float64(c.MaxReconnectDelay) {
		d = float64(c.MaxReconnectDelay)
	}
	if c.Jitter {
		// 0.8 - 1.2
		d *= 0.8 + rnd()*0.4
	}
	return time.Duration(d)
}
