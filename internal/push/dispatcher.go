package push

import (
	"context"

	"github.com/google/uuid"

	"github.com/novasocial/messaging/pkg/log"
)

// Notification is the minimal payload handed to a push provider. Content
// never crosses this boundary; clients fetch it over an authenticated channel.
type Notification struct {
	UserID         uuid.UUID
	ConversationID uuid.UUID
	MessageID      uuid.UUID
}

// Dispatcher delivers wake-up notifications to offline devices.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// New selects a provider by name. Unknown providers fall back to noop so a
// misconfigured deployment degrades to realtime-only delivery.
func New(provider string) Dispatcher {
	switch provider {
	case "apns":
		return &apnsDispatcher{}
	case "fcm":
		return &fcmDispatcher{}
	default:
		return NoopDispatcher{}
	}
}

// NoopDispatcher drops every notification. Used in tests and deployments
// without a push provider.
type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(ctx context.Context, n Notification) error {
	return nil
}

type apnsDispatcher struct{}

func (d *apnsDispatcher) Dispatch(ctx context.Context, n Notification) error {
	// TODO: wire the APNs HTTP/2 client once device token storage lands.
	log.WithComponent("push").Debug().
		Str("user_id", n.UserID.String()).
		Str("conversation_id", n.ConversationID.String()).
		Msg("apns dispatch (stub)")
	return nil
}

type fcmDispatcher struct{}

func (d *fcmDispatcher) Dispatch(ctx context.Context, n Notification) error {
	// TODO: wire the FCM client once device token storage lands.
	log.WithComponent("push").Debug().
		Str("user_id", n.UserID.String()).
		Str("conversation_id", n.ConversationID.String()).
		Msg("fcm dispatch (stub)")
	return nil
}
