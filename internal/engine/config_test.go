package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/agentfeed/internal/transport"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.ReconnectAttempts())
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 1024, cfg.MaxPending)
	assert.Equal(t, "unknown", cfg.FallbackEventType)
}

func TestConfig_ReconnectAttempts(t *testing.T) {
	var unset Config
	assert.Equal(t, DefaultMaxReconnectAttempts, unset.ReconnectAttempts())

	cfg := Config{MaxReconnectAttempts: Attempts(0)}
	cfg.ApplyDefaults()
	require.NotNil(t, cfg.MaxReconnectAttempts)
	assert.Equal(t, 0, cfg.ReconnectAttempts())
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport = transport.Kind("carrier-pigeon") }},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = Attempts(-1) }},
		{"max below base delay", func(c *Config) { c.MaxReconnectDelay = time.Second; c.ReconnectDelay = 2 * time.Second }},
		{"multiplier below one", func(c *Config) { c.BackoffMultiplier = 0.5 }},
		{"negative queue", func(c *Config) { c.QueueSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_Backoff(t *testing.T) {
	half := func() float64 { return 0.5 }
	low := func() float64 { return 0 }

	constant := DefaultConfig()
	assert.Equal(t, 3*time.Second, constant.backoff(1, 0, half))
	assert.Equal(t, 3*time.Second, constant.backoff(40, 0, half))
	assert.Equal(t, 700*time.Millisecond, constant.backoff(3, 700*time.Millisecond, half))

	exp := DefaultConfig()
	exp.ReconnectDelay = time.Second
	exp.BackoffMultiplier = 2
	exp.MaxReconnectDelay = 5 * time.Second
	assert.Equal(t, time.Second, exp.backoff(1, 0, half))
	assert.Equal(t, 2*time.Second, exp.backoff(2, 0, half))
	assert.Equal(t, 4*time.Second, exp.backoff(3, 0, half))
	assert.Equal(t, 5*time.Second, exp.backoff(4, 0, half))

	jitter := DefaultConfig()
	jitter.Jitter = true
	assert.InDelta(t, float64(3*time.Second), float64(jitter.backoff(1, 0, half)), float64(time.Millisecond))
	assert.InDelta(t, float64(2400*time.Millisecond), float64(jitter.backoff(1, 0, low)), float64(time.Millisecond))
}
