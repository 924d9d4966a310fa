package fanout

import (
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novasocial/messaging/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: "disabled", JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestAddAndRemoveSubscriber(t *testing.T) {
	r := NewRegistry(4)
	convID := uuid.New()

	id1, ch1 := r.AddSubscriber(convID)
	id2, _ := r.AddSubscriber(convID)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, r.SubscriberCount(convID))

	r.RemoveSubscriber(convID, id1)
	assert.Equal(t, 1, r.SubscriberCount(convID))

	// Removed channel is closed.
	_, open := <-ch1
	assert.False(t, open)

	// Removal is idempotent.
	r.RemoveSubscriber(convID, id1)
	assert.Equal(t, 1, r.SubscriberCount(convID))

	// Last removal deletes the bucket.
	r.RemoveSubscriber(convID, id2)
	assert.Equal(t, 0, r.SubscriberCount(convID))
	assert.Empty(t, r.ActiveConversations())
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	r := NewRegistry(4)
	convID := uuid.New()

	_, ch1 := r.AddSubscriber(convID)
	_, ch2 := r.AddSubscriber(convID)

	delivered := r.Broadcast(convID, []byte("payload"))
	assert.Equal(t, 2, delivered)

	assert.Equal(t, []byte("payload"), <-ch1)
	assert.Equal(t, []byte("payload"), <-ch2)
}

func TestBroadcastDropsSlowSubscriber(t *testing.T) {
	r := NewRegistry(1)
	convID := uuid.New()

	_, slowCh := r.AddSubscriber(convID)
	_, fastCh := r.AddSubscriber(convID)

	require.Equal(t, 2, r.Broadcast(convID, []byte("a")))
	<-fastCh // fast consumer keeps up, slow one leaves "a" buffered

	// Slow subscriber's buffer is full, so this broadcast drops it.
	assert.Equal(t, 1, r.Broadcast(convID, []byte("b")))
	assert.Equal(t, 1, r.SubscriberCount(convID))

	// Its channel was closed after the buffered entry.
	assert.Equal(t, []byte("a"), <-slowCh)
	_, open := <-slowCh
	assert.False(t, open)

	assert.Equal(t, []byte("b"), <-fastCh)
}

func TestBroadcastToUnknownConversation(t *testing.T) {
	r := NewRegistry(4)
	assert.Equal(t, 0, r.Broadcast(uuid.New(), []byte("x")))
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(4)
	_, ch1 := r.AddSubscriber(uuid.New())
	_, ch2 := r.AddSubscriber(uuid.New())

	r.CloseAll()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
	assert.Empty(t, r.ActiveConversations())
}

func TestActiveConversations(t *testing.T) {
	r := NewRegistry(4)
	convA, convB := uuid.New(), uuid.New()
	r.AddSubscriber(convA)
	r.AddSubscriber(convA)
	r.AddSubscriber(convB)

	active := r.ActiveConversations()
	assert.Len(t, active, 2)
	assert.ElementsMatch(t, []uuid.UUID{convA, convB}, active)
}
