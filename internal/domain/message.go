package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is one committed entry of a conversation log. Content is opaque to
// the core: plaintext, server-encrypted or client ciphertext look the same.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       uuid.UUID  `json:"sender_id"`
	SequenceNumber int64      `json:"sequence_number"`
	Content        []byte     `json:"content"`
	Version        int32      `json:"version"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	RecalledAt     *time.Time `json:"recalled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Recalled reports whether the sender has withdrawn this message.
func (m *Message) Recalled() bool {
	return m.RecalledAt != nil
}
