package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types written to the outbox. Aggregate is the first dot segment.
const (
	EventMessageCreated  = "message.created"
	EventMessageEdited   = "message.edited"
	EventMessageRecalled = "message.recalled"
	EventMemberAdded     = "member.added"
	EventMemberRemoved   = "member.removed"
)

// OutboxEvent is a row co-written with a domain change and drained
// asynchronously by the relay. Terminal once PublishedAt is set.
type OutboxEvent struct {
	ID            uuid.UUID       `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	RetryCount    int32           `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
}
