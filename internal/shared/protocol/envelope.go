// Package protocol defines the multiplexed wire protocol.
//
// Every frame on the shared socket is an Envelope tagged with the session it
// belongs to; per-session ordering is whatever the socket delivers, so one
// connection can carry any number of interleaved terminal streams. Payload
// encoding uses sonic for throughput on the output hot path.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Envelope is the frame carried on the multiplexed connection.
type Envelope struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client → Server message types.
const (
	TypeConnect      = "terminal:connect"
	TypeReconnect    = "terminal:reconnect"
	TypeUIDisconnect = "terminal:ui-disconnect"
	TypeClose        = "terminal:close"
	TypeInput        = "input"
	TypeResize       = "resize"
	TypeClear        = "clear"
	TypePing         = "ping"
)

// Server → Client message types.
const (
	TypeConnected = "connected"
	TypeData      = "data"
	TypeStatus    = "status"
	TypeExit      = "exit"
	TypeClosed    = "closed"
	TypeError     = "error"
	TypePong      = "pong"
)

// Wire error codes.
const (
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeLimitExceeded      = "LIMIT_EXCEEDED"
	CodeConnectTimeout     = "CONNECT_TIMEOUT"
	CodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInternal           = "INTERNAL"
)

// Client → Server payloads.

type ConnectPayload struct {
	ProjectID string `json:"projectId"`
	Type      string `json:"type,omitempty"` // terminal | claude | system
}

type InputPayload struct {
	Data string `json:"data"`
}

type ResizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Server → Client payloads.

type DataPayload struct {
	Data string `json:"data"`
}

type StatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type ExitPayload struct {
	ExitCode int `json:"exitCode"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates an envelope with the current timestamp.
func New(sessionID, msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		SessionID: sessionID,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Data = data
	}
	return env, nil
}

// NewError creates an error envelope ready to send to the client.
func NewError(sessionID, code, message string) (*Envelope, error) {
	return New(sessionID, TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame into an envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// DecodePayload parses the envelope data into the given payload struct.
func (e *Envelope) DecodePayload(v interface{}) error {
	if e.Data == nil {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := sonic.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
