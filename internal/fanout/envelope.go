package fanout

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/domain"
)

// Envelope types carried on the fanout bus and over WebSocket sessions.
const (
	TypeMessage  = "message"
	TypeEdit     = "edit"
	TypeRecall   = "recall"
	TypeTyping   = "typing"
	TypeToDevice = "to_device"
)

// Envelope is a self-describing event. It is a plain map so fields added by
// newer producers survive a decode/encode round trip through older consumers.
// Every envelope carries type, conversation_id and timestamp.
type Envelope map[string]any

var errNotEnvelope = errors.New("payload is not an envelope")

// Parse decodes raw JSON and verifies the required fields are present.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	for _, field := range []string{"type", "conversation_id", "timestamp"} {
		if _, ok := env[field]; !ok {
			return nil, errNotEnvelope
		}
	}
	if _, ok := env["type"].(string); !ok {
		return nil, errNotEnvelope
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func (e Envelope) Type() string {
	t, _ := e["type"].(string)
	return t
}

func (e Envelope) ConversationID() (uuid.UUID, bool) {
	s, ok := e["conversation_id"].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// StampStreamID records the bus-assigned id after the entry is appended.
func (e Envelope) StampStreamID(id string) {
	e["stream_id"] = id
}

func (e Envelope) StreamID() string {
	s, _ := e["stream_id"].(string)
	return s
}

func base(envType string, conversationID uuid.UUID) Envelope {
	return Envelope{
		"type":            envType,
		"conversation_id": conversationID.String(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewMessage builds the envelope for a freshly appended message. Content is
// base64 so ciphertext and plaintext travel the same way.
func NewMessage(msg *domain.Message) Envelope {
	env := base(TypeMessage, msg.ConversationID)
	env["message_id"] = msg.ID.String()
	env["sequence_number"] = msg.SequenceNumber
	env["sender_id"] = msg.SenderID.String()
	env["content"] = base64.StdEncoding.EncodeToString(msg.Content)
	return env
}

func NewEdit(msg *domain.Message) Envelope {
	env := base(TypeEdit, msg.ConversationID)
	env["message_id"] = msg.ID.String()
	env["sequence_number"] = msg.SequenceNumber
	env["sender_id"] = msg.SenderID.String()
	env["content"] = base64.StdEncoding.EncodeToString(msg.Content)
	env["version"] = msg.Version
	return env
}

func NewRecall(msg *domain.Message) Envelope {
	env := base(TypeRecall, msg.ConversationID)
	env["message_id"] = msg.ID.String()
	env["sequence_number"] = msg.SequenceNumber
	env["sender_id"] = msg.SenderID.String()
	return env
}

func NewTyping(conversationID, userID uuid.UUID) Envelope {
	env := base(TypeTyping, conversationID)
	env["user_id"] = userID.String()
	return env
}

// NewToDevice wraps an opaque client blob for device-targeted relay. The core
// never inspects the payload.
func NewToDevice(conversationID, senderID, recipientID uuid.UUID, payload json.RawMessage) Envelope {
	env := base(TypeToDevice, conversationID)
	env["sender_id"] = senderID.String()
	env["recipient_id"] = recipientID.String()
	env["payload"] = payload
	return env
}
