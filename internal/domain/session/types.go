package session

import (
	"errors"
	"time"
)

// Sentinel errors returned by the manager. Quota and lookup failures are
// reported synchronously and never retried.
var (
	ErrLimitExceeded     = errors.New("session limit exceeded")
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusClosing      Status = "closing"
	StatusClosed       Status = "closed"
	StatusError        Status = "error"
)

// transitions lists the legal moves of the status machine. The machine is
// monotonic except for the active/suspended cycle; any state may fall to
// error, and error may be retried back to connecting or closed out.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusConnecting, StatusClosing, StatusError},
	StatusConnecting:   {StatusActive, StatusClosing, StatusError},
	StatusActive:       {StatusSuspended, StatusClosing, StatusError},
	StatusSuspended:    {StatusActive, StatusClosing, StatusError},
	StatusClosing:      {StatusClosed, StatusError},
	StatusClosed:       {},
	StatusError:        {StatusConnecting, StatusClosing, StatusClosed},
}

// CanTransition reports whether the status machine permits moving to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the session still occupies a project slot.
func (s Status) Live() bool {
	return s != StatusClosed
}

// Mode selects which program/stream backend is attached to a session.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeClaude Mode = "claude"
	ModeSystem Mode = "system"
)

// Metadata carries the mutable descriptive state of a session.
type Metadata struct {
	WorkingDir string            `json:"workingDirectory"`
	Env        map[string]string `json:"environment,omitempty"`
	Rows       int               `json:"rows"`
	Cols       int               `json:"cols"`
	Focused    bool              `json:"focused"`
	Position   int               `json:"position"`
}

// Metrics aggregates per-session activity counters. Updates on unknown
// sessions are silent no-ops; metrics must never fail the hot path.
type Metrics struct {
	CPUUsage     float64   `json:"cpuUsage"`
	MemoryUsage  uint64    `json:"memoryUsage"`
	InputBytes   uint64    `json:"inputBytes"`
	OutputBytes  uint64    `json:"outputBytes"`
	CommandCount uint64    `json:"commandCount"`
	ErrorCount   uint64    `json:"errorCount"`
	LastActivity time.Time `json:"lastActivity"`
}

// Session is a single terminal session tracked by the manager.
type Session struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId,omitempty"`
	TabName   string    `json:"tabName"`
	Mode      Mode      `json:"mode"`
	Status    Status    `json:"status"`
	Metadata  Metadata  `json:"metadata"`
	Metrics   Metrics   `json:"metrics"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SuspendedState snapshots a session when it moves active -> suspended.
// Output holds buffered-but-undelivered chunks, gzip-compressed because a
// snapshot may idle for the full suspension timeout. Discarded on resume
// or expiry.
type SuspendedState struct {
	SuspendedAt time.Time
	Output      []byte
	Metadata    Metadata
	Metrics     Metrics
}

// CreateParams are the inputs to Create. ProjectID is required; everything
// else has a default.
type CreateParams struct {
	ProjectID  string
	UserID     string
	Mode       Mode
	WorkingDir string
	Env        map[string]string
	Rows       int
	Cols       int
}

// Stats summarizes the registry for callers and the metrics collector.
type Stats struct {
	TotalSessions     int            `json:"total_sessions"`
	ActiveSessions    int            `json:"active_sessions"`
	SuspendedSessions int            `json:"suspended_sessions"`
	ErroredSessions   int            `json:"errored_sessions"`
	ProjectCount      int            `json:"project_count"`
	ByProject         map[string]int `json:"by_project,omitempty"`
	MemoryUsage       uint64         `json:"memory_usage"`
	CreatedTotal      uint64         `json:"created_total"`
	ClosedTotal       uint64         `json:"closed_total"`
	AvgLifetime       time.Duration  `json:"avg_lifetime"`
}

// StatusChange is the payload of a session.status event.
type StatusChange struct {
	Old Status `json:"old"`
	New Status `json:"new"`
}

// FocusChange is the payload of a session.focus event.
type FocusChange struct {
	Focused bool `json:"focused"`
}

// SuspendedEvent is the payload of a session.suspended event.
type SuspendedEvent struct {
	SuspendedAt time.Time `json:"suspendedAt"`
}

// ResumedEvent is the payload of a session.resumed event. Replay carries the
// output chunks captured at suspension time for redelivery to the consumer.
type ResumedEvent struct {
	Replay []string `json:"replay,omitempty"`
}

// Config tunes registry quotas and maintenance timing.
type Config struct {
	MaxSessions          int
	MaxPerProject        int
	MaxFocusedPerProject int
	SuspensionTimeout    time.Duration
	IdleTimeout          time.Duration
	CloseGrace           time.Duration
	SweepInterval        time.Duration
	DefaultRows          int
	DefaultCols          int
}

// DefaultConfig returns production-ready registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions:          64,
		MaxPerProject:        8,
		MaxFocusedPerProject: 4,
		SuspensionTimeout:    30 * time.Minute,
		IdleTimeout:          2 * time.Hour,
		CloseGrace:           30 * time.Second,
		SweepInterval:        time.Minute,
		DefaultRows:          24,
		DefaultCols:          80,
	}
}

// withDefaults fills zero values so a partially specified config is usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.MaxPerProject <= 0 {
		c.MaxPerProject = def.MaxPerProject
	}
	if c.MaxFocusedPerProject <= 0 {
		c.MaxFocusedPerProject = def.MaxFocusedPerProject
	}
	if c.SuspensionTimeout <= 0 {
		c.SuspensionTimeout = def.SuspensionTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = def.CloseGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = def.DefaultRows
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = def.DefaultCols
	}
	return c
}
