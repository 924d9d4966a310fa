package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/repository"
)

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

const maxRetryDelay = 5 * time.Minute

// retryDelay returns how long a row sits out after its nth publish failure,
// counted from the pre-increment retry_count: 1s, 2s, 4s, capped at five
// minutes.
func retryDelay(retryCount int) time.Duration {
	d := time.Second
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// ClaimAndProcess locks up to limit due unpublished rows with SKIP LOCKED and
// holds the locks while fn publishes them. Concurrent relays never see the
// same row twice, so at-least-once delivery needs no separate lease table.
// Failed rows wait out their per-retry backoff before becoming due again.
func (r *OutboxRepo) ClaimAndProcess(ctx context.Context, limit, maxRetries int, fn func([]domain.OutboxEvent) repository.BatchResult) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, metadata,
			created_at, published_at, retry_count, last_error
		FROM outbox_events
		WHERE published_at IS NULL AND dead_lettered_at IS NULL
			AND next_attempt_at <= now()
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return 0, err
	}

	var events []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		err := rows.Scan(
			&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType,
			&ev.Payload, &ev.Metadata, &ev.CreatedAt, &ev.PublishedAt,
			&ev.RetryCount, &ev.LastError,
		)
		if err != nil {
			rows.Close()
			return 0, err
		}
		events = append(events, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, tx.Commit(ctx)
	}

	retries := make(map[uuid.UUID]int, len(events))
	for _, ev := range events {
		retries[ev.ID] = int(ev.RetryCount)
	}

	result := fn(events)

	for _, id := range result.Published {
		_, err := tx.Exec(ctx, `
			UPDATE outbox_events
			SET published_at = now(), last_error = NULL
			WHERE id = $1`,
			id,
		)
		if err != nil {
			return 0, err
		}
	}

	for id, reason := range result.Failed {
		// Exhausted rows are parked for operator inspection instead of
		// blocking the head of the queue.
		_, err := tx.Exec(ctx, `
			UPDATE outbox_events
			SET retry_count = retry_count + 1,
				last_error = $2,
				next_attempt_at = now() + make_interval(secs => $4),
				dead_lettered_at = CASE WHEN retry_count + 1 >= $3 THEN now() ELSE NULL END
			WHERE id = $1`,
			id, reason, maxRetries, retryDelay(retries[id]).Seconds(),
		)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(result.Published), nil
}

func (r *OutboxRepo) PendingStats(ctx context.Context) (int64, int64, error) {
	var pending, oldestAge int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
			coalesce(extract(epoch FROM now() - min(created_at))::bigint, 0)
		FROM outbox_events
		WHERE published_at IS NULL AND dead_lettered_at IS NULL`,
	).Scan(&pending, &oldestAge)
	if err != nil {
		return 0, 0, err
	}
	return pending, oldestAge, nil
}
