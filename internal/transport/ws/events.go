package ws

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Event types - Client → Server
const (
	EventTypeTyping     = "typing"
	EventTypeAck        = "ack"
	EventTypeGetUnacked = "get_unacked"
	EventTypeToDevice   = "to_device"
	EventTypePing       = "ping"
)

// Event types - Server → Client (fanout envelopes pass through verbatim;
// these are gateway-originated)
const (
	EventTypePong  = "pong"
	EventTypeError = "error"
)

// Event is the base envelope for client-originated WebSocket messages.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Client → Server payloads ---

// AckPayload advances the session's delivery cursor.
type AckPayload struct {
	Sequence int64 `json:"sequence"`
}

// ToDevicePayload is an opaque E2EE blob relayed to one recipient's devices.
// The gateway never inspects Payload.
type ToDevicePayload struct {
	RecipientID uuid.UUID       `json:"recipient_id"`
	Payload     json.RawMessage `json:"payload"`
}

// --- Server → Client payloads ---

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
