// Package v1 defines the relay wire contract v1.
//
// This package is intentionally stable and dependency-light.
// Inbound frames are decoded once here into a closed set of event types;
// everything past this boundary works with typed events only.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Type constants (wire-stable).
const (
	// TypeChat is a chat message (client -> server) or a public broadcast line (server -> client).
	TypeChat = "chat"
	// TypeImage references an uploaded image by its stored filename (client -> server).
	TypeImage = "image"
	// TypeGetHistory requests the private history with one peer (client -> server).
	TypeGetHistory = "get_history"

	// TypePrivate delivers one side of a private message (server -> client).
	TypePrivate = "private"
	// TypeHistory returns a private history window (server -> client).
	TypeHistory = "history"
)

// Limits enforced at the boundary.
const (
	MaxIdentityChars = 64
	MaxContentChars  = 4000
	MaxFilenameChars = 255
)

var (
	// ErrMalformed is returned when a frame is not a JSON object with a type.
	ErrMalformed = errors.New("v1: malformed frame")
	// ErrUnknownType is returned for a well-formed frame with an unsupported type.
	ErrUnknownType = errors.New("v1: unknown type")
	// ErrInvalidEvent is returned when a typed event fails field validation.
	ErrInvalidEvent = errors.New("v1: invalid event")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is one decoded inbound event. The set of implementations is closed:
// ChatEvent, ImageEvent and HistoryRequest.
type Event interface {
	isEvent()
	// Kind returns the wire type the event was decoded from.
	Kind() string
}

// ChatEvent is a text message. An empty Receiver addresses everyone.
type ChatEvent struct {
	Receiver string `validate:"omitempty,max=64"`
	Content  string `validate:"required,max=4000"`
}

// ImageEvent references an uploaded image. An empty Receiver addresses everyone.
type ImageEvent struct {
	Receiver string `validate:"omitempty,max=64"`
	Filename string `validate:"required,max=255"`
}

// HistoryRequest asks for the private history between the requester and Receiver.
type HistoryRequest struct {
	Receiver string `validate:"required,max=64"`
}

func (ChatEvent) isEvent()      {}
func (ImageEvent) isEvent()     {}
func (HistoryRequest) isEvent() {}

// Kind implements Event.
func (ChatEvent) Kind() string { return TypeChat }

// Kind implements Event.
func (ImageEvent) Kind() string { return TypeImage }

// Kind implements Event.
func (HistoryRequest) Kind() string { return TypeGetHistory }

// DecodeEvent parses one inbound frame into a typed, validated Event.
func DecodeEvent(data []byte) (Event, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	typ := strings.TrimSpace(f.Type)
	if typ == "" {
		return nil, fmt.Errorf("%w: missing field: type", ErrMalformed)
	}

	var ev Event
	switch typ {
	case TypeChat:
		ev = ChatEvent{Receiver: strings.TrimSpace(f.Receiver), Content: f.Content}
	case TypeImage:
		ev = ImageEvent{Receiver: strings.TrimSpace(f.Receiver), Filename: strings.TrimSpace(f.Filename)}
	case TypeGetHistory:
		ev = HistoryRequest{Receiver: strings.TrimSpace(f.Receiver)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	// Whitespace-only text passes "required" but carries nothing to relay.
	if c, ok := ev.(ChatEvent); ok && strings.TrimSpace(c.Content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidEvent)
	}
	return ev, nil
}
