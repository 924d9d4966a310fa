package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/repository"
)

type ConversationService struct {
	convRepo   repository.ConversationRepository
	membership *MembershipService
}

func NewConversationService(convRepo repository.ConversationRepository, membership *MembershipService) *ConversationService {
	return &ConversationService{convRepo: convRepo, membership: membership}
}

type CreateConversationInput struct {
	Kind        string      `json:"kind"`
	Name        *string     `json:"name,omitempty"`
	PrivacyMode string      `json:"privacy_mode,omitempty"`
	MemberIDs   []uuid.UUID `json:"member_ids"`
}

type AddMemberInput struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role,omitempty"`
}

func memberEvent(eventType string, conversationID, userID uuid.UUID, role domain.Role) (*domain.OutboxEvent, error) {
	payload, err := json.Marshal(map[string]any{
		"conversation_id": conversationID.String(),
		"user_id":         userID.String(),
		"role":            role.String(),
	})
	if err != nil {
		return nil, err
	}
	return &domain.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "member",
		AggregateID:   conversationID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Create makes a conversation with the creator as owner. Direct conversations
// hold exactly two active members and reject extra invitees.
func (s *ConversationService) Create(ctx context.Context, creatorID uuid.UUID, input CreateConversationInput) (*domain.Conversation, error) {
	if input.Kind != domain.KindDirect && input.Kind != domain.KindGroup {
		return nil, apperror.New(apperror.KindBadRequest, "INVALID_KIND", "Conversation kind must be direct or group")
	}
	privacy := input.PrivacyMode
	if privacy == "" {
		privacy = domain.PrivacyServerReadable
	}
	if privacy != domain.PrivacyStrictE2EE && privacy != domain.PrivacyServerReadable {
		return nil, apperror.New(apperror.KindBadRequest, "INVALID_PRIVACY_MODE", "Unknown privacy mode")
	}

	others := make([]uuid.UUID, 0, len(input.MemberIDs))
	for _, id := range input.MemberIDs {
		if id != creatorID {
			others = append(others, id)
		}
	}
	if input.Kind == domain.KindDirect && len(others) != 1 {
		return nil, apperror.New(apperror.KindBadRequest, "INVALID_MEMBERS", "A direct conversation has exactly two members")
	}

	conv := &domain.Conversation{
		ID:          uuid.New(),
		Kind:        input.Kind,
		Name:        input.Name,
		PrivacyMode: privacy,
	}

	members := []domain.Member{{
		ConversationID: conv.ID,
		UserID:         creatorID,
		Role:           domain.RoleOwner,
		State:          domain.MemberStateActive,
	}}
	for _, id := range others {
		members = append(members, domain.Member{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           domain.RoleMember,
			State:          domain.MemberStateActive,
		})
	}

	if err := s.convRepo.Create(ctx, conv, members); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) Get(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Conversation, error) {
	if err := s.membership.AuthorizeRead(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.convRepo.GetByID(ctx, conversationID)
}

func (s *ConversationService) ListMembers(ctx context.Context, conversationID, userID uuid.UUID) ([]domain.Member, error) {
	if err := s.membership.AuthorizeRead(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.convRepo.ListMembers(ctx, conversationID)
}

// AddMember admits a user. The actor needs a role strictly above the role
// being granted; direct conversations never grow.
func (s *ConversationService) AddMember(ctx context.Context, conversationID, actorID uuid.UUID, input AddMemberInput) (*domain.Member, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Kind == domain.KindDirect {
		return nil, apperror.New(apperror.KindBadRequest, "DIRECT_IMMUTABLE", "Direct conversations cannot change membership")
	}

	role := domain.RoleMember
	if input.Role != "" {
		parsed, ok := domain.ParseRole(input.Role)
		if !ok || parsed == domain.RoleOwner {
			return nil, apperror.New(apperror.KindBadRequest, "INVALID_ROLE", "Unknown or reserved role")
		}
		role = parsed
	}

	actorRole, err := s.membership.RoleOf(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !actorRole.CanManage(role) {
		return nil, apperror.ErrForbidden
	}

	member := &domain.Member{
		ConversationID: conversationID,
		UserID:         input.UserID,
		Role:           role,
		State:          domain.MemberStateActive,
	}
	event, err := memberEvent(domain.EventMemberAdded, conversationID, input.UserID, role)
	if err != nil {
		return nil, err
	}
	if err := s.convRepo.AddMember(ctx, member, event); err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember revokes a membership. Members may remove themselves; removing
// someone else requires a strictly greater role.
func (s *ConversationService) RemoveMember(ctx context.Context, conversationID, actorID, targetID uuid.UUID) error {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind == domain.KindDirect {
		return apperror.New(apperror.KindBadRequest, "DIRECT_IMMUTABLE", "Direct conversations cannot change membership")
	}

	if actorID != targetID {
		ok, err := s.membership.CanManage(ctx, conversationID, actorID, targetID)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.ErrForbidden
		}
	} else {
		role, err := s.membership.RoleOf(ctx, conversationID, actorID)
		if err != nil {
			return err
		}
		if role == domain.RoleOwner {
			return apperror.New(apperror.KindBadRequest, "OWNER_MUST_TRANSFER", "The owner must transfer ownership before leaving")
		}
	}

	targetRole, err := s.membership.RoleOf(ctx, conversationID, targetID)
	if err != nil {
		return err
	}
	event, err := memberEvent(domain.EventMemberRemoved, conversationID, targetID, targetRole)
	if err != nil {
		return err
	}
	return s.convRepo.RevokeMember(ctx, conversationID, targetID, event)
}

// TransferOwnership hands the conversation to another active member. Only the
// current owner may initiate; they end up as admin.
func (s *ConversationService) TransferOwnership(ctx context.Context, conversationID, actorID, newOwnerID uuid.UUID) error {
	role, err := s.membership.RoleOf(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if role != domain.RoleOwner {
		return apperror.ErrForbidden
	}
	if actorID == newOwnerID {
		return apperror.New(apperror.KindBadRequest, "SELF_TRANSFER", "Already the owner")
	}
	if _, err := s.membership.RoleOf(ctx, conversationID, newOwnerID); err != nil {
		return err
	}
	return s.convRepo.TransferOwnership(ctx, conversationID, actorID, newOwnerID)
}
