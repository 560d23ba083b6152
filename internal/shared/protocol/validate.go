package protocol

import "fmt"

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeConnect:      true,
	TypeReconnect:    true,
	TypeUIDisconnect: true,
	TypeClose:        true,
	TypeInput:        true,
	TypeResize:       true,
	TypeClear:        true,
	TypePing:         true,
}

// ValidateClient validates a raw frame from a client.
// Returns the parsed Envelope and any validation error.
func ValidateClient(raw []byte) (*Envelope, error) {
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	if env.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[env.Type] {
		return nil, fmt.Errorf("unknown message type: %s", env.Type)
	}

	if env.Type != TypePing && env.SessionID == "" {
		return nil, fmt.Errorf("missing 'sessionId' field in %s", env.Type)
	}

	// Validate required payload fields per type.
	switch env.Type {
	case TypeConnect:
		var p ConnectPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.ProjectID == "" {
			return nil, fmt.Errorf("missing required field 'projectId' in %s payload", env.Type)
		}

	case TypeInput:
		var p InputPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}

	case TypeResize:
		var p ResizePayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.Rows <= 0 || p.Cols <= 0 {
			return nil, fmt.Errorf("rows and cols must be positive in %s payload", env.Type)
		}
	}

	return env, nil
}
