package fanout

import (
	"sync"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/internal/metrics"
	"github.com/novasocial/messaging/pkg/log"
)

// SubscriberID identifies one registered delivery channel. A user with three
// open sessions holds three subscriber ids.
type SubscriberID = uuid.UUID

type subscriber struct {
	id   SubscriberID
	send chan []byte
}

// Registry is the process-local map from conversation to live subscriber
// channels. It never blocks under its lock: sends use select/default and a
// full channel marks the subscriber dead.
type Registry struct {
	mu      sync.RWMutex
	buckets map[uuid.UUID][]subscriber
	bufSize int
}

func NewRegistry(bufSize int) *Registry {
	return &Registry{
		buckets: make(map[uuid.UUID][]subscriber),
		bufSize: bufSize,
	}
}

// AddSubscriber registers a new delivery channel for the conversation and
// returns its id plus the receive side.
func (r *Registry) AddSubscriber(conversationID uuid.UUID) (SubscriberID, <-chan []byte) {
	sub := subscriber{id: uuid.New(), send: make(chan []byte, r.bufSize)}

	r.mu.Lock()
	r.buckets[conversationID] = append(r.buckets[conversationID], sub)
	r.mu.Unlock()

	metrics.SubscribersLive.Inc()
	return sub.id, sub.send
}

// RemoveSubscriber drops the subscriber and closes its channel. Removing an
// unknown id is a no-op; the last removal deletes the conversation bucket.
func (r *Registry) RemoveSubscriber(conversationID uuid.UUID, id SubscriberID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[conversationID]
	if !ok {
		return
	}
	for i, sub := range bucket {
		if sub.id == id {
			close(sub.send)
			bucket = append(bucket[:i], bucket[i+1:]...)
			metrics.SubscribersLive.Dec()
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.buckets, conversationID)
	} else {
		r.buckets[conversationID] = bucket
	}
}

// Broadcast delivers payload to every subscriber of the conversation. A
// subscriber whose channel is full is dropped on the spot; its session
// recovers by reconnecting with replay.
func (r *Registry) Broadcast(conversationID uuid.UUID, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[conversationID]
	if !ok {
		return 0
	}

	kept := bucket[:0]
	for _, sub := range bucket {
		select {
		case sub.send <- payload:
			kept = append(kept, sub)
		default:
			log.WithComponent("fanout").Warn().
				Str("conversation_id", conversationID.String()).
				Str("subscriber_id", sub.id.String()).
				Msg("dropping slow subscriber")
			close(sub.send)
			metrics.SubscribersLive.Dec()
		}
	}
	if len(kept) == 0 {
		delete(r.buckets, conversationID)
	} else {
		r.buckets[conversationID] = kept
	}
	return len(kept)
}

func (r *Registry) SubscriberCount(conversationID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets[conversationID])
}

// ActiveConversations lists every conversation with at least one live local
// subscriber. The listener polls this to decide which streams to read.
func (r *Registry) ActiveConversations() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.buckets))
	for id := range r.buckets {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every subscriber channel, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for convID, bucket := range r.buckets {
		for _, sub := range bucket {
			close(sub.send)
			metrics.SubscribersLive.Dec()
		}
		delete(r.buckets, convID)
	}
}
