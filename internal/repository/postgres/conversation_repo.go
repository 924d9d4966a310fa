package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/domain"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Create(ctx context.Context, conv *domain.Conversation, members []domain.Member) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, kind, name, privacy_mode, next_sequence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, now(), now())
		RETURNING created_at, updated_at`,
		conv.ID, conv.Kind, conv.Name, conv.PrivacyMode,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range members {
		m := &members[i]
		err = tx.QueryRow(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role, state, is_muted, joined_at)
			VALUES ($1, $2, $3, $4, $5, now())
			RETURNING joined_at`,
			conv.ID, m.UserID, m.Role.String(), m.State, m.IsMuted,
		).Scan(&m.JoinedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *ConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.pool.QueryRow(ctx, `
		SELECT id, kind, name, privacy_mode, next_sequence, created_at, updated_at
		FROM conversations
		WHERE id = $1`,
		id,
	).Scan(&conv.ID, &conv.Kind, &conv.Name, &conv.PrivacyMode, &conv.NextSequence, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanMember(row pgx.Row) (*domain.Member, error) {
	var m domain.Member
	var role string
	err := row.Scan(&m.ConversationID, &m.UserID, &role, &m.State, &m.IsMuted, &m.JoinedAt, &m.RevokedAt)
	if err != nil {
		return nil, err
	}
	parsed, ok := domain.ParseRole(role)
	if !ok {
		return nil, errors.New("invalid role in database: " + role)
	}
	m.Role = parsed
	return &m, nil
}

// GetMember returns nil, nil when no membership row exists. Callers must
// treat a non-nil error as deny, never as absence.
func (r *ConversationRepo) GetMember(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Member, error) {
	m, err := scanMember(r.pool.QueryRow(ctx, `
		SELECT conversation_id, user_id, role, state, is_muted, joined_at, revoked_at
		FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *ConversationRepo) ListMembers(ctx context.Context, conversationID uuid.UUID) ([]domain.Member, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT conversation_id, user_id, role, state, is_muted, joined_at, revoked_at
		FROM conversation_members
		WHERE conversation_id = $1 AND state != 'revoked'
		ORDER BY joined_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (r *ConversationRepo) AddMember(ctx context.Context, member *domain.Member, event *domain.OutboxEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// A previously revoked membership is reactivated rather than duplicated.
	err = tx.QueryRow(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, role, state, is_muted, joined_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET role = EXCLUDED.role, state = EXCLUDED.state, is_muted = false, revoked_at = NULL, joined_at = now()
		RETURNING joined_at`,
		member.ConversationID, member.UserID, member.Role.String(), member.State, member.IsMuted,
	).Scan(&member.JoinedAt)
	if err != nil {
		return err
	}

	if event != nil {
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *ConversationRepo) RevokeMember(ctx context.Context, conversationID, userID uuid.UUID, event *domain.OutboxEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE conversation_members
		SET state = 'revoked', revoked_at = now()
		WHERE conversation_id = $1 AND user_id = $2 AND state != 'revoked'`,
		conversationID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrNotFound
	}

	if event != nil {
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// TransferOwnership demotes the current owner to admin and promotes the
// target in the same transaction, so the single-owner invariant holds at
// every commit point.
func (r *ConversationRepo) TransferOwnership(ctx context.Context, conversationID, fromUserID, toUserID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE conversation_members
		SET role = 'admin'
		WHERE conversation_id = $1 AND user_id = $2 AND role = 'owner' AND state = 'active'`,
		conversationID, fromUserID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrForbidden
	}

	tag, err = tx.Exec(ctx, `
		UPDATE conversation_members
		SET role = 'owner'
		WHERE conversation_id = $1 AND user_id = $2 AND state = 'active'`,
		conversationID, toUserID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrNotFound
	}

	return tx.Commit(ctx)
}
