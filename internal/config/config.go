// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Bridge  BridgeConfig  `mapstructure:"bridge" yaml:"bridge"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig controls the global Zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console format.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BridgeConfig is the caller-supplied surface of the remote-control bridge.
// The protocol mandates no defaults; the ones set in SetDefaults are this
// tool's operational choices.
type BridgeConfig struct {
	// Endpoint is the remote automation endpoint. ws(s):// selects socket
	// mode, http(s):// selects extension mode unless Mode overrides.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Mode     string `mapstructure:"mode" yaml:"mode"`

	ProtocolVersion string `mapstructure:"protocol_version" yaml:"protocol_version"`
	AuthToken       string `mapstructure:"auth_token" yaml:"auth_token"`

	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	SkipHealthCheck  bool          `mapstructure:"skip_health_check" yaml:"skip_health_check"`

	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_retry_delay" yaml:"base_retry_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`

	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`

	DisableReconnect   bool    `mapstructure:"disable_reconnect" yaml:"disable_reconnect"`
	NotificationBuffer int     `mapstructure:"notification_buffer" yaml:"notification_buffer"`
	RateLimit          float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// BrowserConfig controls the local chromedp engine.
type BrowserConfig struct {
	Headless        bool   `mapstructure:"headless" yaml:"headless"`
	ExecPath        string `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool   `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	WindowWidth     int    `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int    `mapstructure:"window_height" yaml:"window_height"`
	Debug           bool   `mapstructure:"debug" yaml:"debug"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "marionette")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Bridge --
	v.SetDefault("bridge.mode", "auto")
	v.SetDefault("bridge.protocol_version", "1.0")
	v.SetDefault("bridge.call_timeout", "30s")
	v.SetDefault("bridge.handshake_timeout", "15s")
	v.SetDefault("bridge.dial_timeout", "30s")
	v.SetDefault("bridge.max_retries", 3)
	v.SetDefault("bridge.base_retry_delay", "1s")
	v.SetDefault("bridge.backoff_factor", 2.0)
	v.SetDefault("bridge.failure_threshold", 5)
	v.SetDefault("bridge.recovery_timeout", "30s")
	v.SetDefault("bridge.notification_buffer", 128)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
}

// NewConfigFromViper unmarshals and validates the configuration.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a Config populated purely from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate rejects settings no component can act on sensibly.
func (c *Config) Validate() error {
	if c.Bridge.MaxRetries < 0 {
		return fmt.Errorf("bridge.max_retries must not be negative")
	}
	if c.Bridge.BackoffFactor != 0 && c.Bridge.BackoffFactor < 1 {
		return fmt.Errorf("bridge.backoff_factor must be >= 1")
	}
	if c.Bridge.FailureThreshold < 0 {
		return fmt.Errorf("bridge.failure_threshold must not be negative")
	}
	if c.Bridge.RateLimit < 0 {
		return fmt.Errorf("bridge.rate_limit must not be negative")
	}
	switch c.Bridge.Mode {
	case "", "auto", "socket", "extension":
	default:
		return fmt.Errorf("bridge.mode must be one of auto, socket, extension")
	}
	return nil
}
