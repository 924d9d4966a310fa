package service

import (
	"context"
	"time"

	"github.com/novasocial/messaging/internal/domain"
	"github.com/novasocial/messaging/internal/fanout"
	"github.com/novasocial/messaging/internal/push"
	"github.com/novasocial/messaging/internal/repository"
	"github.com/novasocial/messaging/pkg/log"
)

// PushNotifier wakes offline recipients after a message commits. A recipient
// with a live local subscription is assumed reachable over the socket; the
// check is per-process and deliberately cheap, the dispatcher dedupes.
type PushNotifier struct {
	dispatcher push.Dispatcher
	convRepo   repository.ConversationRepository
	registry   *fanout.Registry
}

func NewPushNotifier(dispatcher push.Dispatcher, convRepo repository.ConversationRepository, registry *fanout.Registry) *PushNotifier {
	return &PushNotifier{dispatcher: dispatcher, convRepo: convRepo, registry: registry}
}

func (n *PushNotifier) NotifyNewMessage(msg *domain.Message) {
	if n.registry.SubscriberCount(msg.ConversationID) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	members, err := n.convRepo.ListMembers(ctx, msg.ConversationID)
	if err != nil {
		log.WithComponent("push").Warn().Err(err).Msg("member lookup for push failed")
		return
	}
	for _, member := range members {
		if member.UserID == msg.SenderID || !member.CanRead() || member.IsMuted {
			continue
		}
		err := n.dispatcher.Dispatch(ctx, push.Notification{
			UserID:         member.UserID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
		})
		if err != nil {
			log.WithComponent("push").Warn().
				Err(err).
				Str("user_id", member.UserID.String()).
				Msg("push dispatch failed")
		}
	}
}
