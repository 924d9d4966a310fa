package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/repository"
)

// MembershipService is the authorization oracle for conversations. Every
// answer is three-valued: yes, no, or error. Callers must fail closed on
// error; a flaky database never grants access.
type MembershipService struct {
	convRepo  repository.ConversationRepository
	blockRepo repository.BlockRepository
}

func NewMembershipService(convRepo repository.ConversationRepository, blockRepo repository.BlockRepository) *MembershipService {
	return &MembershipService{convRepo: convRepo, blockRepo: blockRepo}
}

// IsMember reports whether the user holds a non-revoked membership.
func (s *MembershipService) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	member, err := s.convRepo.GetMember(ctx, conversationID, userID)
	if err != nil {
		return false, apperror.Wrap(apperror.ErrUnavailable, err)
	}
	return member != nil && member.CanRead(), nil
}

// RoleOf returns the user's role, or NotMember when no active membership
// exists.
func (s *MembershipService) RoleOf(ctx context.Context, conversationID, userID uuid.UUID) (domain.Role, error) {
	member, err := s.convRepo.GetMember(ctx, conversationID, userID)
	if err != nil {
		return 0, apperror.Wrap(apperror.ErrUnavailable, err)
	}
	if member == nil || !member.CanRead() {
		return 0, apperror.ErrNotMember
	}
	return member.Role, nil
}

// CanManage reports whether actor may manage target within the conversation.
// Roles manage strictly lower roles only.
func (s *MembershipService) CanManage(ctx context.Context, conversationID, actorID, targetID uuid.UUID) (bool, error) {
	actorRole, err := s.RoleOf(ctx, conversationID, actorID)
	if err != nil {
		return false, err
	}
	targetRole, err := s.RoleOf(ctx, conversationID, targetID)
	if err != nil {
		return false, err
	}
	return actorRole.CanManage(targetRole), nil
}

// AuthorizeSend checks that the sender holds an active unmuted membership,
// and for direct conversations that no counterpart has blocked them.
func (s *MembershipService) AuthorizeSend(ctx context.Context, conversationID, senderID uuid.UUID) error {
	member, err := s.convRepo.GetMember(ctx, conversationID, senderID)
	if err != nil {
		return apperror.Wrap(apperror.ErrUnavailable, err)
	}
	if member == nil || member.State == domain.MemberStateRevoked {
		return apperror.ErrNotMember
	}
	if !member.CanSend() {
		return apperror.ErrForbidden
	}

	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	if err != nil {
		return apperror.Wrap(apperror.ErrUnavailable, err)
	}
	if conv.Kind != domain.KindDirect {
		return nil
	}

	members, err := s.convRepo.ListMembers(ctx, conversationID)
	if err != nil {
		return apperror.Wrap(apperror.ErrUnavailable, err)
	}
	for _, other := range members {
		if other.UserID == senderID {
			continue
		}
		blocked, err := s.blockRepo.IsBlocked(ctx, other.UserID, senderID)
		if err != nil {
			return apperror.Wrap(apperror.ErrUnavailable, err)
		}
		if blocked {
			return apperror.ErrRecipientBlocked
		}
	}
	return nil
}

// AuthorizeRead checks the user may read history and subscribe to live
// delivery.
func (s *MembershipService) AuthorizeRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	ok, err := s.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.ErrNotMember
	}
	return nil
}
