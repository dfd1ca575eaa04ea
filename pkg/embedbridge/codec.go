// Copyright 2025-2026 Aiku AI

package embedbridge

import (
	"encoding/json"
	"fmt"
)

// RawMessage is an inbound message as delivered by the transport, before any
// validation. Source identifies the sender (the browser Origin of the host
// page in the websocket transport).
type RawMessage struct {
	Source  string
	Payload json.RawMessage
}

// Codec validates and (de)serializes bridge messages. It performs no
// deduplication and assumes nothing about ordering; both are the state
// machine's concern.
type Codec struct {
	hostOrigin string
}

// NewCodec creates a codec that accepts messages only from hostOrigin.
func NewCodec(hostOrigin string) *Codec {
	return &Codec{hostOrigin: hostOrigin}
}

// Decode validates a raw message and returns the typed command. It returns
// ErrOriginRejected for messages from any source other than the host origin
// and ErrMalformedMessage for payloads that match no known command schema.
// Callers drop rejected messages without responding.
func (c *Codec) Decode(msg RawMessage) (Command, error) {
	if msg.Source != c.hostOrigin {
		return nil, fmt.Errorf("%w: %q", ErrOriginRejected, msg.Source)
	}

	var envelope struct {
		Type CommandType `json:"type"`
	}
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch envelope.Type {
	case CommandCheckReady:
		return CheckReadyCommand{}, nil

	case CommandLogin:
		var cmd LoginCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("%w: login: %v", ErrMalformedMessage, err)
		}
		// homeserverUrl may be empty when the bridge has a configured
		// default; credentials may not.
		if cmd.Username == "" || cmd.Password == "" {
			return nil, fmt.Errorf("%w: login requires username and password", ErrMalformedMessage)
		}
		return cmd, nil

	case CommandRestoreSession, CommandExistingSession:
		var cmd RestoreSessionCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, envelope.Type, err)
		}
		// Descriptor completeness is checked by the state machine, which
		// reports it to the host instead of dropping silently.
		return cmd, nil

	case CommandLogout:
		return LogoutCommand{}, nil

	case CommandSelectRoom:
		var cmd SelectRoomCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("%w: selectRoom: %v", ErrMalformedMessage, err)
		}
		if cmd.RoomID == "" {
			return nil, fmt.Errorf("%w: selectRoom requires roomId", ErrMalformedMessage)
		}
		return cmd, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, envelope.Type)
	}
}

// Encode serializes an outgoing event with its type discriminant. It is
// total over all defined event types.
func (c *Codec) Encode(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["type"] = string(evt.EventType())
	return json.Marshal(fields)
}
