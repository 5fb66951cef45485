package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	RateLimit RateLimitConfig        `mapstructure:"rateLimit"`
	Retry     RetryConfig            `mapstructure:"retry"`
	Storage   StorageConfig          `mapstructure:"storage"`
	Sweep     SweepConfig            `mapstructure:"sweep"`
	Actions   map[string]ActionLimit `mapstructure:"actions"`
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

// RateLimitConfig holds the limiter defaults used for any action without an
// explicit entry in Actions.
type RateLimitConfig struct {
	Window          time.Duration `mapstructure:"window"`
	MaxRequests     int           `mapstructure:"maxRequests"`
	BlockDuration   time.Duration `mapstructure:"blockDuration"`
	CleanupInterval time.Duration `mapstructure:"cleanupInterval"`
}

// ActionLimit overrides the limiter defaults for one action name.
type ActionLimit struct {
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int           `mapstructure:"maxRequests"`
	BlockDuration time.Duration `mapstructure:"blockDuration"`
}

type RetryConfig struct {
	MaxRetries        int           `mapstructure:"maxRetries"`
	BaseDelay         time.Duration `mapstructure:"baseDelay"`
	MaxDelay          time.Duration `mapstructure:"maxDelay"`
	BackoffMultiplier float64       `mapstructure:"backoffMultiplier"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// SweepConfig controls the background maintenance ticker that purges aged
// audit events and expired notifications.
type SweepConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	EventRetention time.Duration `mapstructure:"eventRetention"`
}
