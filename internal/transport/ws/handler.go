package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/novasocial/messaging/internal/apperror"
	"github.com/novasocial/messaging/internal/auth"
	"github.com/novasocial/messaging/internal/fanout"
	"github.com/novasocial/messaging/internal/service"
	"github.com/novasocial/messaging/pkg/log"
)

// Application close codes sent after a successful upgrade.
const (
	closeUnauthorized = websocket.StatusCode(4401)
	closeForbidden    = websocket.StatusCode(4403)
	closeInternal     = websocket.StatusCode(4500)
)

// Gateway upgrades HTTP requests into conversation-scoped sessions.
type Gateway struct {
	verifier   auth.Verifier
	devBypass  bool
	membership *service.MembershipService
	messages   *service.MessageService
	registry   *fanout.Registry

	heartbeat  time.Duration
	maxPayload int64
}

func NewGateway(
	verifier auth.Verifier,
	devBypass bool,
	membership *service.MembershipService,
	messages *service.MessageService,
	registry *fanout.Registry,
	heartbeat time.Duration,
	maxPayload int64,
) *Gateway {
	return &Gateway{
		verifier:   verifier,
		devBypass:  devBypass,
		membership: membership,
		messages:   messages,
		registry:   registry,
		heartbeat:  heartbeat,
		maxPayload: maxPayload,
	}
}

// ServeHTTP handles GET /ws?conversation_id=...&last_seen_sequence=...
// Authentication and authorization failures close the upgraded socket with
// application codes so clients can distinguish retry from re-login.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("ws")

	conversationID, err := uuid.Parse(r.URL.Query().Get("conversation_id"))
	if err != nil {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	var lastSeen *int64
	if raw := r.URL.Query().Get("last_seen_sequence"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			http.Error(w, "invalid last_seen_sequence", http.StatusBadRequest)
			return
		}
		lastSeen = &seq
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	conn.SetReadLimit(g.maxPayload)

	userID, err := g.authenticate(r)
	if err != nil {
		conn.Close(closeUnauthorized, "authentication failed")
		return
	}

	// Three-valued membership check: a broken oracle is 4500, never a grant.
	if err := g.membership.AuthorizeRead(r.Context(), conversationID, userID); err != nil {
		appErr := apperror.FromError(err)
		switch appErr.Kind {
		case apperror.KindForbidden, apperror.KindNotFound:
			conn.Close(closeForbidden, "not a member")
		default:
			conn.Close(closeInternal, "authorization check failed")
		}
		return
	}

	g.serve(r.Context(), conn, conversationID, userID, lastSeen)
}

func (g *Gateway) authenticate(r *http.Request) (uuid.UUID, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}

	if token == "" {
		if g.devBypass {
			if raw := r.URL.Query().Get("user_id"); raw != "" {
				return uuid.Parse(raw)
			}
		}
		return uuid.Nil, apperror.ErrUnauthorized
	}
	return g.verifier.Verify(r.Context(), token)
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn, conversationID, userID uuid.UUID, lastSeen *int64) {
	logger := log.WithComponent("ws")

	// Replay committed history before going live so the client observes
	// every message in sequence order with no gap.
	if lastSeen != nil {
		if err := g.replay(ctx, conn, conversationID, userID, *lastSeen); err != nil {
			conn.Close(closeInternal, "replay failed")
			return
		}
	}

	subID, recv := g.registry.AddSubscriber(conversationID)
	defer g.registry.RemoveSubscriber(conversationID, subID)

	logger.Info().
		Str("conversation_id", conversationID.String()).
		Str("user_id", userID.String()).
		Msg("session open")

	session := NewSession(conn, conversationID, userID, g.messages, recv, g.heartbeat)
	if lastSeen != nil {
		session.ackedSeq.Store(*lastSeen)
	}
	session.Run(ctx)

	logger.Info().
		Str("conversation_id", conversationID.String()).
		Str("user_id", userID.String()).
		Msg("session closed")
}

func (g *Gateway) replay(ctx context.Context, conn *websocket.Conn, conversationID, userID uuid.UUID, lastSeen int64) error {
	msgs, err := g.messages.Replay(ctx, conversationID, userID, lastSeen, 0)
	if err != nil {
		return err
	}

	for i := range msgs {
		env := fanout.NewMessage(&msgs[i])
		data, err := env.Encode()
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeWait)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}
