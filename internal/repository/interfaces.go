package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/domain"
)

// EventBuilder produces the outbox event for a committed change. It runs
// inside the same transaction as the change, after sequence assignment, so
// the payload can carry the final sequence number.
type EventBuilder func(msg *domain.Message) (*domain.OutboxEvent, error)

// EditParams carries everything the transactional edit needs to validate
// ownership, the edit window and the optimistic version check.
type EditParams struct {
	ConversationID  uuid.UUID
	MessageID       uuid.UUID
	SenderID        uuid.UUID
	Content         []byte
	ExpectedVersion int32
	Window          time.Duration
}

// RecallParams mirrors EditParams for the recall path.
type RecallParams struct {
	ConversationID uuid.UUID
	MessageID      uuid.UUID
	SenderID       uuid.UUID
	Window         time.Duration
}

type MessageRepository interface {
	// Append commits a message and its outbox row in one transaction,
	// assigning the next dense sequence number under the conversation's
	// row lock. The second return is true when an idempotency key matched
	// a prior row, which is returned unchanged.
	Append(ctx context.Context, msg *domain.Message, build EventBuilder) (*domain.Message, bool, error)

	// History returns up to limit messages with sequence_number < before
	// (the tail when before is nil), sorted descending.
	History(ctx context.Context, conversationID uuid.UUID, before *int64, limit int) ([]domain.Message, error)

	// Edit bumps the version under an optimistic check inside one
	// transaction together with its outbox row.
	Edit(ctx context.Context, p EditParams, build EventBuilder) (*domain.Message, error)

	// Recall sets recalled_at, writes the audit row and the outbox row in
	// one transaction.
	Recall(ctx context.Context, p RecallParams, build EventBuilder) (*domain.Message, error)
}

type ConversationRepository interface {
	// Create inserts the conversation and its initial members atomically.
	Create(ctx context.Context, conv *domain.Conversation, members []domain.Member) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	GetMember(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Member, error)
	ListMembers(ctx context.Context, conversationID uuid.UUID) ([]domain.Member, error)
	AddMember(ctx context.Context, member *domain.Member, event *domain.OutboxEvent) error
	RevokeMember(ctx context.Context, conversationID, userID uuid.UUID, event *domain.OutboxEvent) error
	// TransferOwnership promotes the target and demotes the current owner
	// in one transaction so two owners never coexist.
	TransferOwnership(ctx context.Context, conversationID, fromUserID, toUserID uuid.UUID) error
}

type BlockRepository interface {
	IsBlocked(ctx context.Context, blockerID, blockedID uuid.UUID) (bool, error)
	Block(ctx context.Context, blockerID, blockedID uuid.UUID) error
	Unblock(ctx context.Context, blockerID, blockedID uuid.UUID) error
}

// BatchResult reports the outcome of publishing one claimed outbox batch.
type BatchResult struct {
	Published []uuid.UUID
	// Failed maps event id to the publish error message.
	Failed map[uuid.UUID]string
}

type OutboxRepository interface {
	// ClaimAndProcess selects up to limit due unpublished rows with
	// FOR UPDATE SKIP LOCKED, hands them to fn, then records the outcome
	// before committing. Rows stay locked for the duration of fn so
	// concurrent relays skip them; failed rows wait out an exponential
	// per-retry backoff before they are due again. Returns the number of
	// published rows.
	ClaimAndProcess(ctx context.Context, limit, maxRetries int, fn func([]domain.OutboxEvent) BatchResult) (int, error)

	// PendingStats returns the unpublished count and the age in seconds of
	// the oldest unpublished row (0 when none pending).
	PendingStats(ctx context.Context) (pending int64, oldestAgeSeconds int64, err error)
}
