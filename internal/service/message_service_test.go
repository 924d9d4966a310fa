package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/fanout"
	"github.com/novasocial/messaging/internal/repository"
)

func newTestMessageService(msgRepo *MockMessageRepo, convRepo *MockConversationRepo, pub *MockPublisher) *MessageService {
	membership := NewMembershipService(convRepo, new(MockBlockRepo))
	return NewMessageService(msgRepo, membership, pub, 15*time.Minute, 2*time.Hour)
}

func expectGroupSender(convRepo *MockConversationRepo, convID, senderID uuid.UUID) {
	convRepo.On("GetMember", mock.Anything, convID, senderID).
		Return(activeMember(convID, senderID, domain.RoleMember), nil)
	convRepo.On("GetByID", mock.Anything, convID).
		Return(&domain.Conversation{ID: convID, Kind: domain.KindGroup}, nil)
}

func TestSendPublishesAfterCommit(t *testing.T) {
	convID, senderID := uuid.New(), uuid.New()
	msgRepo, convRepo, pub := new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher)
	expectGroupSender(convRepo, convID, senderID)

	committed := &domain.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       senderID,
		SequenceNumber: 7,
		Content:        []byte("hi"),
		Version:        1,
	}
	msgRepo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(committed, false, nil)
	pub.On("Publish", mock.Anything, convID, mock.Anything).Return("100-0", nil)

	svc := newTestMessageService(msgRepo, convRepo, pub)
	result, err := svc.Send(context.Background(), convID, senderID, SendMessageInput{Content: []byte("hi")})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, int64(7), result.Message.SequenceNumber)

	pub.AssertCalled(t, "Publish", mock.Anything, convID, mock.MatchedBy(func(env fanout.Envelope) bool {
		return env.Type() == fanout.TypeMessage
	}))
}

func TestSendReplayDoesNotRepublish(t *testing.T) {
	convID, senderID := uuid.New(), uuid.New()
	msgRepo, convRepo, pub := new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher)
	expectGroupSender(convRepo, convID, senderID)

	key := "retry-1"
	prior := &domain.Message{ID: uuid.New(), ConversationID: convID, SenderID: senderID, SequenceNumber: 3}
	msgRepo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(prior, true, nil)

	svc := newTestMessageService(msgRepo, convRepo, pub)
	result, err := svc.Send(context.Background(), convID, senderID, SendMessageInput{
		Content:        []byte("hi"),
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	assert.Equal(t, prior.ID, result.Message.ID)

	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendToleratesPublishFailure(t *testing.T) {
	convID, senderID := uuid.New(), uuid.New()
	msgRepo, convRepo, pub := new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher)
	expectGroupSender(convRepo, convID, senderID)

	committed := &domain.Message{ID: uuid.New(), ConversationID: convID, SenderID: senderID, SequenceNumber: 1}
	msgRepo.On("Append", mock.Anything, mock.Anything, mock.Anything).Return(committed, false, nil)
	pub.On("Publish", mock.Anything, convID, mock.Anything).Return("", errors.New("redis down"))

	svc := newTestMessageService(msgRepo, convRepo, pub)
	result, err := svc.Send(context.Background(), convID, senderID, SendMessageInput{Content: []byte("hi")})
	require.NoError(t, err)
	assert.NotNil(t, result.Message)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	svc := newTestMessageService(new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher))
	_, err := svc.Send(context.Background(), uuid.New(), uuid.New(), SendMessageInput{})
	require.Error(t, err)
	assert.Equal(t, apperror.KindBadRequest, apperror.FromError(err).Kind)
}

func TestSendDeniedForNonMember(t *testing.T) {
	convID, senderID := uuid.New(), uuid.New()
	msgRepo, convRepo, pub := new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher)
	convRepo.On("GetMember", mock.Anything, convID, senderID).Return(nil, nil)

	svc := newTestMessageService(msgRepo, convRepo, pub)
	_, err := svc.Send(context.Background(), convID, senderID, SendMessageInput{Content: []byte("hi")})
	assert.True(t, errors.Is(err, apperror.ErrNotMember))
	msgRepo.AssertNotCalled(t, "Append", mock.Anything, mock.Anything, mock.Anything)
}

func TestEditCarriesWindowAndVersion(t *testing.T) {
	convID, senderID, msgID := uuid.New(), uuid.New(), uuid.New()
	msgRepo, convRepo, pub := new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher)
	convRepo.On("GetMember", mock.Anything, convID, senderID).
		Return(activeMember(convID, senderID, domain.RoleMember), nil)

	updated := &domain.Message{ID: msgID, ConversationID: convID, SenderID: senderID, Version: 2}
	msgRepo.On("Edit", mock.Anything, mock.MatchedBy(func(p repository.EditParams) bool {
		return p.Window == 15*time.Minute && p.ExpectedVersion == 1 && p.MessageID == msgID
	}), mock.Anything).Return(updated, nil)
	pub.On("Publish", mock.Anything, convID, mock.Anything).Return("101-0", nil)

	svc := newTestMessageService(msgRepo, convRepo, pub)
	out, err := svc.Edit(context.Background(), convID, msgID, senderID, EditMessageInput{
		Content: []byte("fixed"),
		Version: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), out.Version)

	pub.AssertCalled(t, "Publish", mock.Anything, convID, mock.MatchedBy(func(env fanout.Envelope) bool {
		return env.Type() == fanout.TypeEdit
	}))
}

func TestRecallPublishesRecallEnvelope(t *testing.T) {
	convID, senderID, msgID := uuid.New(), uuid.New(), uuid.New()
	msgRepo, convRepo, pub := new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher)
	convRepo.On("GetMember", mock.Anything, convID, senderID).
		Return(activeMember(convID, senderID, domain.RoleMember), nil)

	now := time.Now()
	recalled := &domain.Message{ID: msgID, ConversationID: convID, SenderID: senderID, RecalledAt: &now}
	msgRepo.On("Recall", mock.Anything, mock.MatchedBy(func(p repository.RecallParams) bool {
		return p.Window == 2*time.Hour
	}), mock.Anything).Return(recalled, nil)
	pub.On("Publish", mock.Anything, convID, mock.Anything).Return("102-0", nil)

	svc := newTestMessageService(msgRepo, convRepo, pub)
	out, err := svc.Recall(context.Background(), convID, msgID, senderID)
	require.NoError(t, err)
	assert.True(t, out.Recalled())

	pub.AssertCalled(t, "Publish", mock.Anything, convID, mock.MatchedBy(func(env fanout.Envelope) bool {
		return env.Type() == fanout.TypeRecall
	}))
}

func TestReplayReturnsAscendingTail(t *testing.T) {
	convID, userID := uuid.New(), uuid.New()
	msgRepo, convRepo, pub := new(MockMessageRepo), new(MockConversationRepo), new(MockPublisher)
	convRepo.On("GetMember", mock.Anything, convID, userID).
		Return(activeMember(convID, userID, domain.RoleMember), nil)

	// History is newest first.
	msgRepo.On("History", mock.Anything, convID, (*int64)(nil), mock.Anything).Return([]domain.Message{
		{SequenceNumber: 5}, {SequenceNumber: 4}, {SequenceNumber: 3}, {SequenceNumber: 2},
	}, nil)

	svc := newTestMessageService(msgRepo, convRepo, pub)
	out, err := svc.Replay(context.Background(), convID, userID, 3, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(4), out[0].SequenceNumber)
	assert.Equal(t, int64(5), out[1].SequenceNumber)
}
