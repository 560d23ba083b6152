package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Session    SessionConfig
	Stream     StreamConfig
	Mux        MuxConfig
	Breaker    BreakerConfig
	Monitoring MonitoringConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7070"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// SessionConfig holds session registry configuration.
type SessionConfig struct {
	MaxSessions          int           `envconfig:"MAX_SESSIONS" default:"64"`
	MaxPerProject        int           `envconfig:"MAX_SESSIONS_PER_PROJECT" default:"8"`
	MaxFocusedPerProject int           `envconfig:"MAX_FOCUSED_PER_PROJECT" default:"4"`
	SuspensionTimeout    time.Duration `envconfig:"SUSPENSION_TIMEOUT" default:"30m"`
	IdleTimeout          time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"2h"`
	CloseGrace           time.Duration `envconfig:"SESSION_CLOSE_GRACE" default:"30s"`
	SweepInterval        time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"1m"`
}

// StreamConfig holds stream backend configuration.
type StreamConfig struct {
	DefaultRows       int           `envconfig:"STREAM_ROWS" default:"24"`
	DefaultCols       int           `envconfig:"STREAM_COLS" default:"80"`
	Shell             string        `envconfig:"STREAM_SHELL" default:""`
	BufferCapacity    int           `envconfig:"STREAM_BUFFER_CAPACITY" default:"512"`
	ConnectTimeout    time.Duration `envconfig:"STREAM_CONNECT_TIMEOUT" default:"10s"`
	ReconnectAttempts int           `envconfig:"STREAM_RECONNECT_ATTEMPTS" default:"3"`
	ReconnectDelay    time.Duration `envconfig:"STREAM_RECONNECT_DELAY" default:"2s"`
	CloseGrace        time.Duration `envconfig:"STREAM_CLOSE_GRACE" default:"5s"`
}

// MuxConfig holds client multiplexer configuration.
type MuxConfig struct {
	HandshakeTimeout  time.Duration `envconfig:"MUX_HANDSHAKE_TIMEOUT" default:"10s"`
	ReconnectAttempts int           `envconfig:"MUX_RECONNECT_ATTEMPTS" default:"3"`
	BackoffBase       time.Duration `envconfig:"MUX_BACKOFF_BASE" default:"1s"`
	BackoffMax        time.Duration `envconfig:"MUX_BACKOFF_MAX" default:"5s"`
	QueueCapacity     int           `envconfig:"MUX_QUEUE_CAPACITY" default:"256"`
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"2"`
	FailureWindow    time.Duration `envconfig:"BREAKER_FAILURE_WINDOW" default:"10s"`
	RecoveryTimeout  time.Duration `envconfig:"BREAKER_RECOVERY_TIMEOUT" default:"30s"`
}

// MonitoringConfig holds metrics collector configuration.
type MonitoringConfig struct {
	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL" default:"10s"`
	HealthInterval  time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	HistorySize     int           `envconfig:"METRICS_HISTORY_SIZE" default:"60"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "7070",
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			MaxSessions:          64,
			MaxPerProject:        8,
			MaxFocusedPerProject: 4,
			SuspensionTimeout:    30 * time.Minute,
			IdleTimeout:          2 * time.Hour,
			CloseGrace:           30 * time.Second,
			SweepInterval:        time.Minute,
		},
		Stream: StreamConfig{
			DefaultRows:       24,
			DefaultCols:       80,
			BufferCapacity:    512,
			ConnectTimeout:    10 * time.Second,
			ReconnectAttempts: 3,
			ReconnectDelay:    2 * time.Second,
			CloseGrace:        5 * time.Second,
		},
		Mux: MuxConfig{
			HandshakeTimeout:  10 * time.Second,
			ReconnectAttempts: 3,
			BackoffBase:       time.Second,
			BackoffMax:        5 * time.Second,
			QueueCapacity:     256,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 2,
			FailureWindow:    10 * time.Second,
			RecoveryTimeout:  30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			MetricsInterval: 10 * time.Second,
			HealthInterval:  30 * time.Second,
			HistorySize:     60,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
