package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the kind of frame.
type Type string

const (
	TypeMessage Type = "message" // Channel payload in either direction
	TypeWelcome Type = "welcome" // Server greeting carrying the session ID
	TypePing    Type = "ping"    // Application-level liveness probe
	TypePong    Type = "pong"    // Reply to ping
	TypeError   Type = "error"   // Server-reported error
)

var (
	ErrMissingType    = errors.New("frame missing type")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrMissingChannel = errors.New("message frame missing channel")
)

// Frame is the JSON envelope exchanged with the server.
type Frame struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Validate checks that the frame is well formed for its type.
func (f *Frame) Validate() error {
	switch f.Type {
	case "":
		return ErrMissingType
	case TypeMessage:
		if f.Channel == "" {
			return ErrMissingChannel
		}
	case TypeWelcome, TypePing, TypePong, TypeError:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// Codec converts frames to and from wire bytes.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
}

// JSON is the default codec.
type JSON struct{}

// Encode implements Codec.
func (JSON) Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSON) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// NewMessage builds a message frame.
func NewMessage(id, channel string, payload json.RawMessage) *Frame {
	return &Frame{Type: TypeMessage, ID: id, Channel: channel, Payload: payload}
}
