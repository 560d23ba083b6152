package stream

import (
	"errors"
	"net/http"
	"time"
)

// Sentinel errors returned by the manager.
var (
	ErrNotFound           = errors.New("stream not found")
	ErrConnectTimeout     = errors.New("transport handshake timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrProcessExited      = errors.New("terminal process exited")
	ErrClosed             = errors.New("stream is closed")
)

// Type labels what kind of program a stream carries. The backend (owned
// process or owned transport) is orthogonal and chosen at creation time.
type Type string

const (
	TypeTerminal Type = "terminal"
	TypeClaude   Type = "claude"
	TypeSystem   Type = "system"
)

// Status of a stream's data path. Streams have no terminal status of their
// own; a closed stream reads disconnected until its record is removed after
// the close grace.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Metrics counts traffic through one stream.
type Metrics struct {
	BytesIn        uint64    `json:"bytes_in"`
	BytesOut       uint64    `json:"bytes_out"`
	MessagesIn     uint64    `json:"messages_in"`
	MessagesOut    uint64    `json:"messages_out"`
	LatencyMs      float64   `json:"latency_ms"`
	Reconnects     uint64    `json:"reconnects"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
	LastData       time.Time `json:"last_data,omitempty"`
}

// Info is the public snapshot of a stream.
type Info struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	Buffered  int       `json:"buffered"`
	Metrics   Metrics   `json:"metrics"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the manager for callers and the metrics collector.
type Stats struct {
	TotalStreams        int     `json:"total_streams"`
	ConnectedStreams    int     `json:"connected_streams"`
	DisconnectedStreams int     `json:"disconnected_streams"`
	BufferedChunks      int     `json:"buffered_chunks"`
	BytesIn             uint64  `json:"bytes_in"`
	BytesOut            uint64  `json:"bytes_out"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

// TerminalOptions configures a PTY-backed stream.
type TerminalOptions struct {
	Type       Type
	Shell      string
	WorkingDir string
	Rows       int
	Cols       int
	Env        map[string]string
}

// TransportOptions configures a socket-backed stream.
type TransportOptions struct {
	Type   Type
	URL    string
	Header http.Header
}

// DataEvent is the payload of a stream.data event. Chunks preserve backend
// production order.
type DataEvent struct {
	Data string `json:"data"`
}

// StatusEvent is the payload of a stream.status event.
type StatusEvent struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ExitEvent is the payload of a stream.exit event. A process exit is a
// status occurrence, not an error.
type ExitEvent struct {
	ExitCode int `json:"exitCode"`
}

// Config tunes stream creation and reconnection.
type Config struct {
	Shell             string
	DefaultRows       int
	DefaultCols       int
	BufferCapacity    int
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	CloseGrace        time.Duration
}

// DefaultConfig returns production-ready stream configuration.
func DefaultConfig() Config {
	return Config{
		DefaultRows:       24,
		DefaultCols:       80,
		BufferCapacity:    512,
		ConnectTimeout:    10 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
		CloseGrace:        5 * time.Second,
	}
}

// withDefaults fills zero values so a partially specified config is usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultRows <= 0 {
		c.DefaultRows = def.DefaultRows
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = def.DefaultCols
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = def.BufferCapacity
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = def.CloseGrace
	}
	return c
}
