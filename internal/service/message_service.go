package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/fanout"
	"github.com/novasocial/messaging/internal/metrics"
	"github.com/novasocial/messaging/internal/repository"
	"github.com/novasocial/messaging/pkg/log"
)

// Publisher pushes envelopes onto the fanout bus. Publish failures after a
// committed append are tolerated: connected clients catch up via reconnect
// replay and the outbox still carries the durable event.
type Publisher interface {
	Publish(ctx context.Context, conversationID uuid.UUID, env fanout.Envelope) (string, error)
}

const maxHistoryLimit = 200

// Notifier receives post-commit hooks for offline delivery.
type Notifier interface {
	NotifyNewMessage(msg *domain.Message)
}

type MessageService struct {
	messageRepo repository.MessageRepository
	membership  *MembershipService
	publisher   Publisher
	notifier    Notifier

	editWindow   time.Duration
	recallWindow time.Duration
}

func NewMessageService(
	messageRepo repository.MessageRepository,
	membership *MembershipService,
	publisher Publisher,
	editWindow, recallWindow time.Duration,
) *MessageService {
	return &MessageService{
		messageRepo:  messageRepo,
		membership:   membership,
		publisher:    publisher,
		editWindow:   editWindow,
		recallWindow: recallWindow,
	}
}

// SetNotifier sets the offline delivery hook (optional dependency).
func (s *MessageService) SetNotifier(n Notifier) {
	s.notifier = n
}

type SendMessageInput struct {
	Content        []byte  `json:"content"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// SendMessageResult flags an idempotent replay for status selection only.
// Replayed stays out of the JSON body so both attempts serialize identically.
type SendMessageResult struct {
	Message  *domain.Message `json:"message"`
	Replayed bool            `json:"-"`
}

type EditMessageInput struct {
	Content []byte `json:"content"`
	Version int32  `json:"version"`
}

// outboxEvent serializes the envelope as the durable payload so the broker
// consumers and the realtime path see the same shape.
func outboxEvent(eventType string, msg *domain.Message, env fanout.Envelope) (*domain.OutboxEvent, error) {
	payload, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return &domain.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "message",
		AggregateID:   msg.ConversationID,
		EventType:     eventType,
		Payload:       json.RawMessage(payload),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Send authorizes the sender, appends the message with its outbox row, then
// publishes the envelope to the fanout bus best-effort.
func (s *MessageService) Send(ctx context.Context, conversationID, senderID uuid.UUID, input SendMessageInput) (*SendMessageResult, error) {
	if len(input.Content) == 0 {
		return nil, apperror.New(apperror.KindBadRequest, "EMPTY_CONTENT", "Message content must not be empty")
	}
	if err := s.membership.AuthorizeSend(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        input.Content,
		IdempotencyKey: input.IdempotencyKey,
	}

	committed, replayed, err := s.messageRepo.Append(ctx, msg, func(m *domain.Message) (*domain.OutboxEvent, error) {
		return outboxEvent(domain.EventMessageCreated, m, fanout.NewMessage(m))
	})
	if err != nil {
		return nil, err
	}

	if !replayed {
		metrics.MessagesAppended.Inc()
		s.publish(ctx, committed, fanout.NewMessage(committed))
		if s.notifier != nil {
			go s.notifier.NotifyNewMessage(committed)
		}
	}
	return &SendMessageResult{Message: committed, Replayed: replayed}, nil
}

// History returns messages strictly before the given sequence number,
// newest first. Membership is required.
func (s *MessageService) History(ctx context.Context, conversationID, userID uuid.UUID, before *int64, limit int) ([]domain.Message, error) {
	if err := s.membership.AuthorizeRead(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.messageRepo.History(ctx, conversationID, before, limit)
}

// Replay returns messages after the given sequence number ascending, used by
// the gateway to catch a reconnecting session up before live delivery.
func (s *MessageService) Replay(ctx context.Context, conversationID, userID uuid.UUID, afterSequence int64, limit int) ([]domain.Message, error) {
	if err := s.membership.AuthorizeRead(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := s.messageRepo.History(ctx, conversationID, nil, limit)
	if err != nil {
		return nil, err
	}
	// History is newest-first; keep everything past the cursor and flip to
	// ascending for in-order delivery.
	var out []domain.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SequenceNumber > afterSequence {
			out = append(out, msgs[i])
		}
	}
	return out, nil
}

// Edit applies a sender-only, version-checked edit within the edit window.
func (s *MessageService) Edit(ctx context.Context, conversationID, messageID, senderID uuid.UUID, input EditMessageInput) (*domain.Message, error) {
	if len(input.Content) == 0 {
		return nil, apperror.New(apperror.KindBadRequest, "EMPTY_CONTENT", "Message content must not be empty")
	}
	if err := s.membership.AuthorizeRead(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	updated, err := s.messageRepo.Edit(ctx, repository.EditParams{
		ConversationID:  conversationID,
		MessageID:       messageID,
		SenderID:        senderID,
		Content:         input.Content,
		ExpectedVersion: input.Version,
		Window:          s.editWindow,
	}, func(m *domain.Message) (*domain.OutboxEvent, error) {
		return outboxEvent(domain.EventMessageEdited, m, fanout.NewEdit(m))
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, updated, fanout.NewEdit(updated))
	return updated, nil
}

// Recall withdraws a message within the recall window. Live subscribers see a
// recall envelope; history readers see blanked content.
func (s *MessageService) Recall(ctx context.Context, conversationID, messageID, senderID uuid.UUID) (*domain.Message, error) {
	if err := s.membership.AuthorizeRead(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	recalled, err := s.messageRepo.Recall(ctx, repository.RecallParams{
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       senderID,
		Window:         s.recallWindow,
	}, func(m *domain.Message) (*domain.OutboxEvent, error) {
		return outboxEvent(domain.EventMessageRecalled, m, fanout.NewRecall(m))
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, recalled, fanout.NewRecall(recalled))
	return recalled, nil
}

// PublishTransient pushes a non-durable envelope (typing, to-device relay)
// straight onto the bus, skipping the log and the outbox.
func (s *MessageService) PublishTransient(ctx context.Context, conversationID uuid.UUID, env fanout.Envelope) error {
	_, err := s.publisher.Publish(ctx, conversationID, env)
	return err
}

func (s *MessageService) publish(ctx context.Context, msg *domain.Message, env fanout.Envelope) {
	if _, err := s.publisher.Publish(ctx, msg.ConversationID, env); err != nil {
		log.WithComponent("message").Warn().
			Err(err).
			Str("conversation_id", msg.ConversationID.String()).
			Str("message_id", msg.ID.String()).
			Msg("fanout publish failed after commit, clients recover via replay")
	}
}
