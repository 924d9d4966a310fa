package fanout

import (
	"context"
	"time"

	"github.com/novasocial/messaging/internal/metrics"
	"github.com/novasocial/messaging/pkg/log"
)

const (
	readBlock     = 2 * time.Second
	readBatch     = 64
	maxBackoff    = 30 * time.Second
	trimEvery     = 10 * time.Minute
	trimHorizon   = 24 * time.Hour
	idlePollDelay = 500 * time.Millisecond
)

// Listener multiplexes every conversation with live local subscribers over a
// single reader goroutine. Envelopes flow bus -> parse -> broadcast -> ack.
type Listener struct {
	bus      *Bus
	registry *Registry
}

func NewListener(bus *Bus, registry *Registry) *Listener {
	return &Listener{bus: bus, registry: registry}
}

// Run reads and delivers until ctx is cancelled. Redis errors back off
// exponentially and reconnect; they never crash the process.
func (l *Listener) Run(ctx context.Context) error {
	logger := log.WithComponent("fanout")
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conversations := l.registry.ActiveConversations()
		if len(conversations) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePollDelay):
			}
			continue
		}

		entries, err := l.bus.readGroup(ctx, conversations, readBlock, readBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Dur("backoff", backoff).Msg("stream read failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, ent := range entries {
			l.deliver(ctx, ent)
		}
	}
}

func (l *Listener) deliver(ctx context.Context, ent entry) {
	env, err := Parse(ent.payload)
	if err != nil {
		// Foreign or corrupt entries are logged, skipped and acked so they
		// cannot poison the group.
		log.WithComponent("fanout").Warn().
			Err(err).
			Str("stream_id", ent.streamID).
			Str("conversation_id", ent.conversationID.String()).
			Msg("skipping non-envelope stream entry")
		metrics.EnvelopesSkipped.Inc()
		l.ackEntry(ctx, ent)
		return
	}

	env.StampStreamID(ent.streamID)
	data, err := env.Encode()
	if err != nil {
		metrics.EnvelopesSkipped.Inc()
		l.ackEntry(ctx, ent)
		return
	}

	l.registry.Broadcast(ent.conversationID, data)
	metrics.EnvelopesConsumed.Inc()
	l.ackEntry(ctx, ent)
}

func (l *Listener) ackEntry(ctx context.Context, ent entry) {
	if err := l.bus.ack(ctx, ent.conversationID, ent.streamID); err != nil && ctx.Err() == nil {
		log.WithComponent("fanout").Error().
			Err(err).
			Str("stream_id", ent.streamID).
			Msg("ack failed, entry will be redelivered")
	}
}

// RunTrimmer periodically trims streams of conversations this process serves.
func (l *Listener) RunTrimmer(ctx context.Context) error {
	ticker := time.NewTicker(trimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, convID := range l.registry.ActiveConversations() {
				if err := l.bus.Trim(ctx, convID, trimHorizon); err != nil && ctx.Err() == nil {
					log.WithComponent("fanout").Warn().
						Err(err).
						Str("conversation_id", convID.String()).
						Msg("stream trim failed")
				}
			}
		}
	}
}
