package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/repository"
)

const messageColumns = `id, conversation_id, sender_id, sequence_number, content,
	version, idempotency_key, edited_at, recalled_at, created_at`

// Transient SQLSTATEs retried with bounded backoff.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateUniqueViolation      = "23505"
)

const txMaxAttempts = 3

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SequenceNumber,
		&msg.Content, &msg.Version, &msg.IdempotencyKey, &msg.EditedAt,
		&msg.RecalledAt, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateSerializationFailure || pgErr.Code == sqlstateDeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation
}

// windowExpired reports whether a mutation window has closed. A message aged
// exactly window is still mutable; expiry requires strictly more.
func windowExpired(createdAt time.Time, window time.Duration, now time.Time) bool {
	return now.Sub(createdAt) > window
}

// withRetry runs fn up to txMaxAttempts times, backing off on serialization
// failures. Anything else surfaces immediately.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if err = fn(); err == nil || !isRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return apperror.Wrap(apperror.ErrUnavailable, err)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, metadata, created_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.Metadata, event.CreatedAt,
	)
	return err
}

func (r *MessageRepo) getByIdempotencyKey(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, conversationID, senderID uuid.UUID, key string) (*domain.Message, error) {
	msg, err := scanMessage(q.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND idempotency_key = $3`,
		conversationID, senderID, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// Append commits the message row and its outbox row in a single serializable
// transaction. The UPDATE on conversations takes a row-level lock that
// serializes concurrent appenders, so sequence numbers stay dense.
func (r *MessageRepo) Append(ctx context.Context, msg *domain.Message, build repository.EventBuilder) (*domain.Message, bool, error) {
	var out *domain.Message
	var replayed bool

	err := withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if msg.IdempotencyKey != nil {
			prior, err := r.getByIdempotencyKey(ctx, tx, msg.ConversationID, msg.SenderID, *msg.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				out, replayed = prior, true
				return tx.Commit(ctx)
			}
		}

		var seq int64
		err = tx.QueryRow(ctx, `
			UPDATE conversations
			SET next_sequence = next_sequence + 1, updated_at = now()
			WHERE id = $1
			RETURNING next_sequence`,
			msg.ConversationID,
		).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.ErrNotFound
		}
		if err != nil {
			return err
		}

		msg.SequenceNumber = seq
		msg.Version = 1
		err = tx.QueryRow(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, sequence_number, content, version, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			RETURNING created_at`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.SequenceNumber,
			msg.Content, msg.Version, msg.IdempotencyKey,
		).Scan(&msg.CreatedAt)
		if err != nil {
			return err
		}

		event, err := build(msg)
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}

		out, replayed = msg, false
		return tx.Commit(ctx)
	})

	// A concurrent retry of the same send can slip between the replay check
	// and the insert; the partial unique index turns that into a unique
	// violation, which resolves to the committed row.
	if err != nil && isUniqueViolation(err) && msg.IdempotencyKey != nil {
		prior, selErr := r.getByIdempotencyKey(ctx, r.pool, msg.ConversationID, msg.SenderID, *msg.IdempotencyKey)
		if selErr == nil && prior != nil {
			return prior, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return out, replayed, nil
}

// History pages backward by sequence number. Recalled messages keep their
// placeholder metadata but drop content.
func (r *MessageRepo) History(ctx context.Context, conversationID uuid.UUID, before *int64, limit int) ([]domain.Message, error) {
	var rows pgx.Rows
	var err error
	if before != nil {
		rows, err = r.pool.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1 AND sequence_number < $2
			ORDER BY sequence_number DESC
			LIMIT $3`,
			conversationID, *before, limit,
		)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY sequence_number DESC
			LIMIT $2`,
			conversationID, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if msg.Recalled() {
			msg.Content = nil
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// Edit validates ownership, the edit window and the optimistic version under
// a row lock, then bumps the version together with the outbox row.
func (r *MessageRepo) Edit(ctx context.Context, p repository.EditParams, build repository.EventBuilder) (*domain.Message, error) {
	var out *domain.Message

	err := withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		current, err := scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE id = $1 AND conversation_id = $2
			FOR UPDATE`,
			p.MessageID, p.ConversationID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.ErrNotFound
		}
		if err != nil {
			return err
		}

		if current.SenderID != p.SenderID {
			return apperror.ErrForbidden
		}
		if current.Recalled() {
			return apperror.ErrAlreadyRecalled
		}
		if windowExpired(current.CreatedAt, p.Window, time.Now()) {
			return apperror.ErrEditWindowExpired
		}
		if current.Version != p.ExpectedVersion {
			return apperror.WithExtra(apperror.ErrVersionConflict, map[string]any{
				"current_version": current.Version,
				"server_content":  string(current.Content),
			})
		}

		updated, err := scanMessage(tx.QueryRow(ctx, `
			UPDATE messages
			SET content = $1, version = version + 1, edited_at = now()
			WHERE id = $2 AND version = $3
			RETURNING `+messageColumns,
			p.Content, p.MessageID, p.ExpectedVersion,
		))
		if err != nil {
			return err
		}

		event, err := build(updated)
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}

		out = updated
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Recall sets recalled_at and writes the audit row plus the outbox row in one
// transaction. A repeated recall reports Gone.
func (r *MessageRepo) Recall(ctx context.Context, p repository.RecallParams, build repository.EventBuilder) (*domain.Message, error) {
	var out *domain.Message

	err := withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		current, err := scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE id = $1 AND conversation_id = $2
			FOR UPDATE`,
			p.MessageID, p.ConversationID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperror.ErrNotFound
		}
		if err != nil {
			return err
		}

		if current.SenderID != p.SenderID {
			return apperror.ErrForbidden
		}
		if current.Recalled() {
			return apperror.ErrAlreadyRecalled
		}
		if windowExpired(current.CreatedAt, p.Window, time.Now()) {
			return apperror.ErrRecallWindow
		}

		recalled, err := scanMessage(tx.QueryRow(ctx, `
			UPDATE messages
			SET recalled_at = now()
			WHERE id = $1
			RETURNING `+messageColumns,
			p.MessageID,
		))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO message_recalls (message_id, recalled_by, recalled_at)
			VALUES ($1, $2, $3)`,
			p.MessageID, p.SenderID, *recalled.RecalledAt,
		)
		if err != nil {
			return err
		}

		event, err := build(recalled)
		if err != nil {
			return err
		}
		if err := insertOutbox(ctx, tx, event); err != nil {
			return err
		}

		out = recalled
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
