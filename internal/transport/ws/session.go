package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/novasocial/messaging/internal/fanout"
	"github.com/novasocial/messaging/internal/service"
	"github.com/novasocial/messaging/pkg/log"
)

const writeWait = 10 * time.Second

// Session is one WebSocket connection bound to one conversation. Two
// goroutines serve it: the read pump handles client events, the write pump
// drains the fanout channel and heartbeats.
type Session struct {
	conn           *websocket.Conn
	conversationID uuid.UUID
	userID         uuid.UUID

	messages *service.MessageService
	recv     <-chan []byte

	heartbeat time.Duration
	ackedSeq  atomic.Int64

	cancel context.CancelFunc
}

func NewSession(
	conn *websocket.Conn,
	conversationID, userID uuid.UUID,
	messages *service.MessageService,
	recv <-chan []byte,
	heartbeat time.Duration,
) *Session {
	return &Session{
		conn:           conn,
		conversationID: conversationID,
		userID:         userID,
		messages:       messages,
		recv:           recv,
		heartbeat:      heartbeat,
	}
}

// Run serves the session until the client disconnects, the subscriber channel
// closes, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	go s.writePump(ctx)
	s.readPump(ctx)
}

func (s *Session) readPump(ctx context.Context) {
	defer s.cancel()

	for {
		var event Event
		if err := wsjson.Read(ctx, s.conn, &event); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.WithComponent("ws").Debug().
					Err(err).
					Str("user_id", s.userID.String()).
					Msg("read pump closing")
			}
			return
		}
		s.handleEvent(ctx, &event)
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer func() {
		ticker.Stop()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case payload, ok := <-s.recv:
			if !ok {
				// Registry dropped us: shutdown or slow consumer.
				s.conn.Close(websocket.StatusTryAgainLater, "subscription closed")
				return
			}
			if err := s.write(ctx, payload); err != nil {
				return
			}

		case <-ticker.C:
			// A peer silent for two heartbeat periods fails the ping and
			// tears the session down.
			pingCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) write(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, payload)
}

func (s *Session) handleEvent(ctx context.Context, event *Event) {
	switch event.Type {
	case EventTypeTyping:
		env := fanout.NewTyping(s.conversationID, s.userID)
		if err := s.messages.PublishTransient(ctx, s.conversationID, env); err != nil {
			log.WithComponent("ws").Warn().Err(err).Msg("typing publish failed")
		}

	case EventTypeAck:
		var p AckPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			s.sendError(ctx, "INVALID_PAYLOAD", "invalid ack payload")
			return
		}
		s.handleAck(p.Sequence)

	case EventTypeGetUnacked:
		s.sendUnacked(ctx)

	case EventTypeToDevice:
		var p ToDevicePayload
		if err := json.Unmarshal(event.Payload, &p); err != nil || p.RecipientID == uuid.Nil {
			s.sendError(ctx, "INVALID_PAYLOAD", "invalid to_device payload")
			return
		}
		env := fanout.NewToDevice(s.conversationID, s.userID, p.RecipientID, p.Payload)
		if err := s.messages.PublishTransient(ctx, s.conversationID, env); err != nil {
			s.sendError(ctx, "RELAY_FAILED", "could not relay to_device event")
		}

	case EventTypePing:
		s.sendJSON(ctx, Event{Type: EventTypePong})

	default:
		s.sendError(ctx, "UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}
}

// handleAck advances the delivery cursor. It only moves forward; a stale ack
// from a reordered client frame is ignored.
func (s *Session) handleAck(seq int64) {
	for {
		cur := s.ackedSeq.Load()
		if seq <= cur || s.ackedSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// sendUnacked replays committed messages past the session's ack cursor.
func (s *Session) sendUnacked(ctx context.Context) {
	msgs, err := s.messages.Replay(ctx, s.conversationID, s.userID, s.ackedSeq.Load(), 0)
	if err != nil {
		s.sendError(ctx, "REPLAY_FAILED", "could not load unacked messages")
		return
	}
	for i := range msgs {
		env := fanout.NewMessage(&msgs[i])
		data, err := env.Encode()
		if err != nil {
			continue
		}
		if err := s.write(ctx, data); err != nil {
			return
		}
	}
}

func (s *Session) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.write(ctx, data); err != nil {
		s.cancel()
	}
}

func (s *Session) sendError(ctx context.Context, code, message string) {
	payload, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	s.sendJSON(ctx, Event{Type: EventTypeError, Payload: payload})
}
