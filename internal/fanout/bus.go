package fanout

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/novasocial/messaging/internal/metrics"
)

// Stream entries carry the envelope JSON under this single field.
const payloadField = "payload"

const streamKeyPrefix = "fanout:conv:"

func streamKey(conversationID uuid.UUID) string {
	return streamKeyPrefix + conversationID.String()
}

// Bus appends envelopes to per-conversation Redis Streams and reads them back
// through a consumer group. Each process owns one group so every process with
// local subscribers receives every envelope.
type Bus struct {
	rdb    *redis.Client
	group  string
	maxLen int64
}

// groupName picks the consumer group for this process. The name must be
// stable across restarts: a restarted process re-claims its pending entries
// instead of leaving an orphaned group behind on every stream it ever read.
func groupName(explicit string) string {
	if explicit != "" {
		return explicit
	}
	host, err := os.Hostname()
	if err != nil {
		return "fanout-" + uuid.NewString()
	}
	return "fanout-" + host
}

// NewBus connects to Redis. An empty group falls back to a hostname-derived
// name, which is stable per container.
func NewBus(ctx context.Context, redisURL, group string, maxLen int64) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Bus{
		rdb:    rdb,
		group:  groupName(group),
		maxLen: maxLen,
	}, nil
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Publish appends the envelope to the conversation's stream with approximate
// MAXLEN retention and stamps the assigned stream id back onto the envelope.
func (b *Bus) Publish(ctx context.Context, conversationID uuid.UUID, env Envelope) (string, error) {
	data, err := env.Encode()
	if err != nil {
		return "", err
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(conversationID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", streamKey(conversationID), err)
	}

	env.StampStreamID(id)
	metrics.EnvelopesPublished.Inc()
	return id, nil
}

// ensureGroup creates the consumer group at the stream head, tolerating the
// group already existing.
func (b *Bus) ensureGroup(ctx context.Context, conversationID uuid.UUID) error {
	err := b.rdb.XGroupCreateMkStream(ctx, streamKey(conversationID), b.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// entry is one claimed stream record: the raw payload plus the ids needed to
// ack it after delivery.
type entry struct {
	conversationID uuid.UUID
	streamID       string
	payload        []byte
}

// readGroup fetches entries for the given conversations. Pending entries
// (id "0") are drained before new ones (id ">") so a crashed delivery attempt
// is retried first.
func (b *Bus) readGroup(ctx context.Context, conversations []uuid.UUID, block time.Duration, count int64) ([]entry, error) {
	for _, convID := range conversations {
		if err := b.ensureGroup(ctx, convID); err != nil {
			return nil, err
		}
	}

	var out []entry
	for _, cursor := range []string{"0", ">"} {
		streams := make([]string, 0, len(conversations)*2)
		for _, convID := range conversations {
			streams = append(streams, streamKey(convID))
		}
		for range conversations {
			streams = append(streams, cursor)
		}

		args := &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: "listener",
			Streams:  streams,
			Count:    count,
			Block:    -1,
		}
		if cursor == ">" {
			args.Block = block
		}

		res, err := b.rdb.XReadGroup(ctx, args).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}

		for _, stream := range res {
			convID, perr := uuid.Parse(strings.TrimPrefix(stream.Stream, streamKeyPrefix))
			if perr != nil {
				continue
			}
			for _, msg := range stream.Messages {
				raw, ok := msg.Values[payloadField].(string)
				if !ok {
					// Ack malformed records so they never wedge the group.
					b.rdb.XAck(ctx, stream.Stream, b.group, msg.ID)
					metrics.EnvelopesSkipped.Inc()
					continue
				}
				out = append(out, entry{
					conversationID: convID,
					streamID:       msg.ID,
					payload:        []byte(raw),
				})
			}
		}
		if len(out) > 0 && cursor == "0" {
			// Deliver the pending backlog before blocking for new entries.
			return out, nil
		}
	}
	return out, nil
}

func (b *Bus) ack(ctx context.Context, conversationID uuid.UUID, streamID string) error {
	return b.rdb.XAck(ctx, streamKey(conversationID), b.group, streamID).Err()
}

// Trim removes entries older than the horizon from the conversation's stream.
// Retention is advisory; MAXLEN on publish already bounds growth.
func (b *Bus) Trim(ctx context.Context, conversationID uuid.UUID, horizon time.Duration) error {
	minID := fmt.Sprintf("%d-0", time.Now().Add(-horizon).UnixMilli())
	return b.rdb.XTrimMinIDApprox(ctx, streamKey(conversationID), minID, 0).Err()
}
