package mux

import (
	"errors"
	"time"
)

// Sentinel errors returned by the multiplexer.
var (
	ErrNotConnected       = errors.New("primary transport is not connected")
	ErrSessionUnknown     = errors.New("session is not registered with the multiplexer")
	ErrConnectTimeout     = errors.New("primary handshake timed out")
	ErrReconnectExhausted = errors.New("session reconnect attempts exhausted")
)

// SessionStatus tracks one logical session on the shared transport.
type SessionStatus string

const (
	SessionPending      SessionStatus = "pending"
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
	SessionError        SessionStatus = "error"
)

// Stats summarizes multiplexer bookkeeping.
type Stats struct {
	TotalConnections     int `json:"totalConnections"`
	ConnectedSessions    int `json:"connectedSessions"`
	DisconnectedSessions int `json:"disconnectedSessions"`
	QueuedMessages       int `json:"queuedMessages"`
}

// Config tunes the shared transport and per-session reconnection.
type Config struct {
	// URL of the primary duplex socket carrying every session.
	URL string

	HandshakeTimeout  time.Duration
	ReconnectAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	QueueCapacity     int

	// Keepalive timing for the shared socket.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration

	// Failure gating for primary reconnection.
	FailureThreshold uint32
	FailureWindow    time.Duration
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns production-ready multiplexer configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		ReconnectAttempts: 3,
		BackoffBase:       time.Second,
		BackoffMax:        5 * time.Second,
		QueueCapacity:     256,
		PingInterval:      30 * time.Second,
		PongWait:          60 * time.Second,
		WriteTimeout:      10 * time.Second,
		FailureThreshold:  2,
		FailureWindow:     10 * time.Second,
		RecoveryTimeout:   30 * time.Second,
	}
}

// withDefaults fills zero values so a partially specified config is usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = def.FailureWindow
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}
