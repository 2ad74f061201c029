// Package v1 defines the counsel streaming chat protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client core and the reference backend to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Subprotocol is negotiated on WebSocket connections.
const Subprotocol = "counsel.stream.v1"

// Type constants (wire-stable, server -> client).
const (
	// TypeChunk carries a content fragment of the current AI turn.
	TypeChunk = "chunk"
	// TypeDone terminates the current AI turn.
	TypeDone = "done"
	// TypeError terminates the current AI turn as failed.
	TypeError = "error"
	// TypeInfo is advisory only (trace/diagnostics).
	TypeInfo = "info"
)

// MaxMessageChars bounds the submit message length (runes).
const MaxMessageChars = 4000

// Submit is the client -> server frame that starts an AI turn.
// SessionID is nil for a brand-new conversation; the server assigns one on the first chunk.
type Submit struct {
	Message   string  `json:"message"`
	ChatType  string  `json:"chat_type"`
	SessionID *string `json:"session_id"`
}

// Validate performs strict structural validation for a Submit frame.
func (s Submit) Validate() error {
	if strings.TrimSpace(s.Message) == "" {
		return errors.New("missing field: message")
	}
	if len([]rune(s.Message)) > MaxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", MaxMessageChars)
	}
	if strings.TrimSpace(s.ChatType) == "" {
		return errors.New("missing field: chat_type")
	}
	if s.SessionID != nil && strings.TrimSpace(*s.SessionID) == "" {
		return errors.New("empty session_id")
	}
	return nil
}

// ---- server frames ----

// ServerFrame is the tagged union of server -> client frames.
// The concrete types are Chunk, Done, Error, Info and Unknown.
type ServerFrame interface {
	FrameType() string
}

// Chunk appends Content to the streaming AI message.
type Chunk struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

// Done ends the current turn. Error=true means the turn failed.
type Done struct {
	SessionID string `json:"session_id,omitempty"`
	Error     bool   `json:"error,omitempty"`
}

// Error ends the current turn as failed with a human-readable Detail.
type Error struct {
	Detail string `json:"detail"`
}

// Info is advisory and never mutates message state.
type Info struct {
	Message string `json:"message"`
}

// Unknown is a well-formed frame with an unrecognized type. It is logged and ignored.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Chunk) FrameType() string     { return TypeChunk }
func (Done) FrameType() string      { return TypeDone }
func (Error) FrameType() string     { return TypeError }
func (Info) FrameType() string      { return TypeInfo }
func (u Unknown) FrameType() string { return u.Type }

// ParseError reports a frame that could not be decoded.
// Type is empty when the envelope itself was not valid JSON.
type ParseError struct {
	Type string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("parse frame: %v", e.Err)
	}
	return fmt.Sprintf("parse %s frame: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AffectsTurn reports whether the malformed frame stood in place of a chunk or done,
// in which case the current turn must be failed.
func (e *ParseError) AffectsTurn() bool {
	return e.Type == TypeChunk || e.Type == TypeDone
}

type typeProbe struct {
	Type string `json:"type"`
}

// DecodeServerFrame decodes one server frame.
// Malformed input returns a *ParseError; unrecognized types return Unknown.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ParseError{Err: err}
	}

	typ := strings.TrimSpace(probe.Type)
	switch typ {
	case TypeChunk:
		var f Chunk
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Type: typ, Err: err}
		}
		return f, nil
	case TypeDone:
		var f Done
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Type: typ, Err: err}
		}
		return f, nil
	case TypeError:
		var f Error
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Type: typ, Err: err}
		}
		return f, nil
	case TypeInfo:
		var f Info
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Type: typ, Err: err}
		}
		return f, nil
	case "":
		return nil, &ParseError{Err: errors.New("missing field: type")}
	default:
		return Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// EncodeServerFrame marshals a server frame with its "type" discriminant.
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	switch v := f.(type) {
	case Chunk:
		return json.Marshal(struct {
			Type string `json:"type"`
			Chunk
		}{TypeChunk, v})
	case Done:
		return json.Marshal(struct {
			Type string `json:"type"`
			Done
		}{TypeDone, v})
	case Error:
		return json.Marshal(struct {
			Type string `json:"type"`
			Error
		}{TypeError, v})
	case Info:
		return json.Marshal(struct {
			Type string `json:"type"`
			Info
		}{TypeInfo, v})
	case Unknown:
		if len(v.Raw) > 0 {
			return v.Raw, nil
		}
		return json.Marshal(typeProbe{Type: v.Type})
	default:
		return nil, fmt.Errorf("unsupported frame: %T", f)
	}
}
