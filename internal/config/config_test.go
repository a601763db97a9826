// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "marionette", cfg.Logger.ServiceName)

	assert.Equal(t, "auto", cfg.Bridge.Mode)
	assert.Equal(t, "1.0", cfg.Bridge.ProtocolVersion)
	assert.Equal(t, 30*time.Second, cfg.Bridge.CallTimeout)
	assert.Equal(t, 15*time.Second, cfg.Bridge.HandshakeTimeout)
	assert.Equal(t, 3, cfg.Bridge.MaxRetries)
	assert.Equal(t, time.Second, cfg.Bridge.BaseDelay)
	assert.Equal(t, 2.0, cfg.Bridge.BackoffFactor)
	assert.Equal(t, 5, cfg.Bridge.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Bridge.RecoveryTimeout)
	assert.Equal(t, 128, cfg.Bridge.NotificationBuffer)

	assert.True(t, cfg.Browser.Headless)
	assert.False(t, cfg.Browser.Debug)

	require.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper_Overrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("bridge.endpoint", "wss://automation.example.com/session")
	v.Set("bridge.mode", "socket")
	v.Set("bridge.max_retries", 7)
	v.Set("bridge.base_retry_delay", "250ms")
	v.Set("browser.headless", false)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "wss://automation.example.com/session", cfg.Bridge.Endpoint)
	assert.Equal(t, "socket", cfg.Bridge.Mode)
	assert.Equal(t, 7, cfg.Bridge.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.BaseDelay)
	assert.False(t, cfg.Browser.Headless)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative retries", func(c *Config) { c.Bridge.MaxRetries = -1 }, "max_retries"},
		{"factor below one", func(c *Config) { c.Bridge.BackoffFactor = 0.5 }, "backoff_factor"},
		{"negative threshold", func(c *Config) { c.Bridge.FailureThreshold = -2 }, "failure_threshold"},
		{"negative rate limit", func(c *Config) { c.Bridge.RateLimit = -1 }, "rate_limit"},
		{"bogus mode", func(c *Config) { c.Bridge.Mode = "telepathy" }, "bridge.mode"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	// A zero backoff factor is fine; the bridge substitutes its own default.
	cfg := NewDefaultConfig()
	cfg.Bridge.BackoffFactor = 0
	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper_InvalidRejected(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("bridge.mode", "telepathy")

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
