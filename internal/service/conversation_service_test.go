package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/domain"
)

func newTestConversationService(convRepo *MockConversationRepo) *ConversationService {
	membership := NewMembershipService(convRepo, new(MockBlockRepo))
	return NewConversationService(convRepo, membership)
}

func TestCreateDirectConversation(t *testing.T) {
	creator, other := uuid.New(), uuid.New()

	t.Run("exactly two members", func(t *testing.T) {
		convRepo := new(MockConversationRepo)
		convRepo.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(func(members []domain.Member) bool {
			return len(members) == 2 &&
				members[0].UserID == creator && members[0].Role == domain.RoleOwner &&
				members[1].UserID == other && members[1].Role == domain.RoleMember
		})).Return(nil)

		svc := newTestConversationService(convRepo)
		conv, err := svc.Create(context.Background(), creator, CreateConversationInput{
			Kind:      domain.KindDirect,
			MemberIDs: []uuid.UUID{other},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.KindDirect, conv.Kind)
		assert.Equal(t, domain.PrivacyServerReadable, conv.PrivacyMode)
	})

	t.Run("too many members rejected", func(t *testing.T) {
		svc := newTestConversationService(new(MockConversationRepo))
		_, err := svc.Create(context.Background(), creator, CreateConversationInput{
			Kind:      domain.KindDirect,
			MemberIDs: []uuid.UUID{other, uuid.New()},
		})
		require.Error(t, err)
		assert.Equal(t, apperror.KindBadRequest, apperror.FromError(err).Kind)
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		svc := newTestConversationService(new(MockConversationRepo))
		_, err := svc.Create(context.Background(), creator, CreateConversationInput{Kind: "broadcast"})
		require.Error(t, err)
	})
}

func TestCreateGroupConversation(t *testing.T) {
	creator := uuid.New()
	name := "platform"
	convRepo := new(MockConversationRepo)
	convRepo.On("Create", mock.Anything, mock.MatchedBy(func(conv *domain.Conversation) bool {
		return conv.PrivacyMode == domain.PrivacyStrictE2EE
	}), mock.Anything).Return(nil)

	svc := newTestConversationService(convRepo)
	conv, err := svc.Create(context.Background(), creator, CreateConversationInput{
		Kind:        domain.KindGroup,
		Name:        &name,
		PrivacyMode: domain.PrivacyStrictE2EE,
		MemberIDs:   []uuid.UUID{uuid.New(), uuid.New()},
	})
	require.NoError(t, err)
	assert.Equal(t, &name, conv.Name)
}

func TestAddMemberRoleChecks(t *testing.T) {
	convID, adminID, newUser := uuid.New(), uuid.New(), uuid.New()

	t.Run("admin adds member", func(t *testing.T) {
		convRepo := new(MockConversationRepo)
		convRepo.On("GetByID", mock.Anything, convID).
			Return(&domain.Conversation{ID: convID, Kind: domain.KindGroup}, nil)
		convRepo.On("GetMember", mock.Anything, convID, adminID).
			Return(activeMember(convID, adminID, domain.RoleAdmin), nil)
		convRepo.On("AddMember", mock.Anything, mock.Anything, mock.MatchedBy(func(e *domain.OutboxEvent) bool {
			return e != nil && e.EventType == domain.EventMemberAdded
		})).Return(nil)

		svc := newTestConversationService(convRepo)
		member, err := svc.AddMember(context.Background(), convID, adminID, AddMemberInput{UserID: newUser})
		require.NoError(t, err)
		assert.Equal(t, domain.RoleMember, member.Role)
	})

	t.Run("member cannot grant own rank", func(t *testing.T) {
		convRepo := new(MockConversationRepo)
		convRepo.On("GetByID", mock.Anything, convID).
			Return(&domain.Conversation{ID: convID, Kind: domain.KindGroup}, nil)
		memberID := uuid.New()
		convRepo.On("GetMember", mock.Anything, convID, memberID).
			Return(activeMember(convID, memberID, domain.RoleMember), nil)

		svc := newTestConversationService(convRepo)
		_, err := svc.AddMember(context.Background(), convID, memberID, AddMemberInput{UserID: newUser})
		assert.True(t, errors.Is(err, apperror.ErrForbidden))
	})

	t.Run("owner role cannot be granted", func(t *testing.T) {
		convRepo := new(MockConversationRepo)
		convRepo.On("GetByID", mock.Anything, convID).
			Return(&domain.Conversation{ID: convID, Kind: domain.KindGroup}, nil)

		svc := newTestConversationService(convRepo)
		_, err := svc.AddMember(context.Background(), convID, adminID, AddMemberInput{UserID: newUser, Role: "owner"})
		require.Error(t, err)
		assert.Equal(t, apperror.KindBadRequest, apperror.FromError(err).Kind)
	})

	t.Run("direct conversations are immutable", func(t *testing.T) {
		convRepo := new(MockConversationRepo)
		convRepo.On("GetByID", mock.Anything, convID).
			Return(&domain.Conversation{ID: convID, Kind: domain.KindDirect}, nil)

		svc := newTestConversationService(convRepo)
		_, err := svc.AddMember(context.Background(), convID, adminID, AddMemberInput{UserID: newUser})
		require.Error(t, err)
		assert.Equal(t, apperror.KindBadRequest, apperror.FromError(err).Kind)
	})
}

func TestRemoveMember(t *testing.T) {
	convID := uuid.New()

	t.Run("self removal allowed", func(t *testing.T) {
		memberID := uuid.New()
		convRepo := new(MockConversationRepo)
		convRepo.On("GetByID", mock.Anything, convID).
			Return(&domain.Conversation{ID: convID, Kind: domain.KindGroup}, nil)
		convRepo.On("GetMember", mock.Anything, convID, memberID).
			Return(activeMember(convID, memberID, domain.RoleMember), nil)
		convRepo.On("RevokeMember", mock.Anything, convID, memberID, mock.MatchedBy(func(e *domain.OutboxEvent) bool {
			return e != nil && e.EventType == domain.EventMemberRemoved
		})).Return(nil)

		svc := newTestConversationService(convRepo)
		require.NoError(t, svc.RemoveMember(context.Background(), convID, memberID, memberID))
	})

	t.Run("owner cannot leave without transfer", func(t *testing.T) {
		ownerID := uuid.New()
		convRepo := new(MockConversationRepo)
		convRepo.On("GetByID", mock.Anything, convID).
			Return(&domain.Conversation{ID: convID, Kind: domain.KindGroup}, nil)
		convRepo.On("GetMember", mock.Anything, convID, ownerID).
			Return(activeMember(convID, ownerID, domain.RoleOwner), nil)

		svc := newTestConversationService(convRepo)
		err := svc.RemoveMember(context.Background(), convID, ownerID, ownerID)
		require.Error(t, err)
		assert.Equal(t, apperror.KindBadRequest, apperror.FromError(err).Kind)
	})

	t.Run("peer cannot remove peer", func(t *testing.T) {
		a, b := uuid.New(), uuid.New()
		convRepo := new(MockConversationRepo)
		convRepo.On("GetByID", mock.Anything, convID).
			Return(&domain.Conversation{ID: convID, Kind: domain.KindGroup}, nil)
		convRepo.On("GetMember", mock.Anything, convID, a).
			Return(activeMember(convID, a, domain.RoleModerator), nil)
		convRepo.On("GetMember", mock.Anything, convID, b).
			Return(activeMember(convID, b, domain.RoleModerator), nil)

		svc := newTestConversationService(convRepo)
		err := svc.RemoveMember(context.Background(), convID, a, b)
		assert.True(t, errors.Is(err, apperror.ErrForbidden))
	})
}

func TestTransferOwnership(t *testing.T) {
	convID, ownerID, adminID := uuid.New(), uuid.New(), uuid.New()

	t.Run("owner transfers", func(t *testing.T) {
		convRepo := new(MockConversationRepo)
		convRepo.On("GetMember", mock.Anything, convID, ownerID).
			Return(activeMember(convID, ownerID, domain.RoleOwner), nil)
		convRepo.On("GetMember", mock.Anything, convID, adminID).
			Return(activeMember(convID, adminID, domain.RoleAdmin), nil)
		convRepo.On("TransferOwnership", mock.Anything, convID, ownerID, adminID).Return(nil)

		svc := newTestConversationService(convRepo)
		require.NoError(t, svc.TransferOwnership(context.Background(), convID, ownerID, adminID))
	})

	t.Run("non-owner cannot transfer", func(t *testing.T) {
		convRepo := new(MockConversationRepo)
		convRepo.On("GetMember", mock.Anything, convID, adminID).
			Return(activeMember(convID, adminID, domain.RoleAdmin), nil)

		svc := newTestConversationService(convRepo)
		err := svc.TransferOwnership(context.Background(), convID, adminID, ownerID)
		assert.True(t, errors.Is(err, apperror.ErrForbidden))
	})
}
