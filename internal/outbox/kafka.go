package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/repository"
)

// KafkaPublisher writes outbox events to per-aggregate topics. Messages are
// keyed by aggregate id so every event of one conversation lands in the same
// partition, preserving order for downstream consumers.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
}

func NewKafkaPublisher(brokers []string, topicPrefix string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		topicPrefix: topicPrefix,
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Topic maps an aggregate type to its topic, e.g. "nova.message.events".
func (p *KafkaPublisher) Topic(aggregateType string) string {
	return fmt.Sprintf("%s.%s.events", p.topicPrefix, aggregateType)
}

func (p *KafkaPublisher) toMessage(event *domain.OutboxEvent) kafka.Message {
	correlationID := uuid.NewString()
	return kafka.Message{
		Topic: p.Topic(event.AggregateType),
		Key:   []byte(event.AggregateID.String()),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID.String())},
			{Key: "aggregate_type", Value: []byte(event.AggregateType)},
			{Key: "aggregate_id", Value: []byte(event.AggregateID.String())},
			{Key: "created_at", Value: []byte(event.CreatedAt.UTC().Format(time.RFC3339Nano))},
			{Key: "correlation_id", Value: []byte(correlationID)},
		},
	}
}

// PublishBatch writes each event individually and reports per-event outcomes,
// so one broken event never blocks the rest of the batch.
func (p *KafkaPublisher) PublishBatch(ctx context.Context, events []domain.OutboxEvent) repository.BatchResult {
	result := repository.BatchResult{Failed: make(map[uuid.UUID]string)}
	for i := range events {
		event := &events[i]
		if err := p.writer.WriteMessages(ctx, p.toMessage(event)); err != nil {
			result.Failed[event.ID] = err.Error()
			continue
		}
		result.Published = append(result.Published, event.ID)
	}
	return result
}
