package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuswell/counselchat/internal/message"
	"github.com/campuswell/counselchat/internal/session"
)

// fakeSubscriber records delivered frames and can simulate a stalled member.
type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	reject bool
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Deliver(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func newTestHub() *Hub {
	return New(zerolog.Nop(), nil)
}

func TestJoinAndMembers(t *testing.T) {
	h := newTestHub()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}

	h.Join("room-1", a)
	h.Join("room-1", b)
	assert.Equal(t, 2, h.Members("room-1"))
	assert.Equal(t, 0, h.Members("room-2"))

	// Joining again with the same ID is a no-op.
	h.Join("room-1", a)
	assert.Equal(t, 2, h.Members("room-1"))
}

func TestLeave(t *testing.T) {
	h := newTestHub()
	a := &fakeSubscriber{id: "a"}

	h.Join("room-1", a)
	h.Leave("room-1", a)
	assert.Equal(t, 0, h.Members("room-1"))

	// Leaving a room never joined is harmless.
	h.Leave("room-1", a)
	h.Leave("room-9", a)
}

func TestLeaveAll(t *testing.T) {
	h := newTestHub()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}

	h.Join("room-1", a)
	h.Join("room-2", a)
	h.Join("room-2", b)

	h.LeaveAll(a)
	assert.Equal(t, 0, h.Members("room-1"))
	assert.Equal(t, 1, h.Members("room-2"))
}

func TestPublishReachesAllRoomMembers(t *testing.T) {
	h := newTestHub()
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	other := &fakeSubscriber{id: "c"}

	h.Join("room-1", a)
	h.Join("room-1", b)
	h.Join("room-2", other)

	evt := message.NewMessageEvent(&message.Message{
		ID:      "msg-1",
		ChatID:  "room-1",
		Sender:  session.SenderAnonymous,
		Content: "hello",
	})
	h.Publish(context.Background(), evt)

	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)
	assert.Empty(t, other.received(), "members of other rooms must not receive the event")

	var decoded message.Event
	require.NoError(t, json.Unmarshal(a.received()[0], &decoded))
	assert.Equal(t, message.TypeNewMessage, decoded.Type)
	assert.Equal(t, "msg-1", decoded.Message.ID)
}

func TestPublishDropsEventsWithoutRoom(t *testing.T) {
	h := newTestHub()
	a := &fakeSubscriber{id: "a"}
	h.Join("room-1", a)

	h.Publish(context.Background(), nil)
	h.Publish(context.Background(), &message.Event{Type: message.TypeNewMessage})

	assert.Empty(t, a.received())
}

func TestPublishEvictsStalledSubscribers(t *testing.T) {
	h := newTestHub()
	healthy := &fakeSubscriber{id: "healthy"}
	stalled := &fakeSubscriber{id: "stalled", reject: true}

	h.Join("room-1", healthy)
	h.Join("room-1", stalled)

	evt := message.SessionUpdatedEvent("room-1", session.StatusActive, "counselor-1")
	h.Publish(context.Background(), evt)

	// The healthy member got the frame; the stalled one is out of the room.
	require.Len(t, healthy.received(), 1)
	assert.Equal(t, 1, h.Members("room-1"))

	// Subsequent publishes no longer attempt the evicted member.
	h.Publish(context.Background(), evt)
	assert.Len(t, healthy.received(), 2)
}

func TestHandleRemoteSkipsOwnOrigin(t *testing.T) {
	h := newTestHub()
	a := &fakeSubscriber{id: "a"}
	h.Join("room-1", a)

	payload, err := json.Marshal(message.SessionUpdatedEvent("room-1", session.StatusClosed, ""))
	require.NoError(t, err)

	own, err := json.Marshal(&envelope{Origin: h.instanceID, ChatID: "room-1", Payload: payload})
	require.NoError(t, err)
	h.handleRemote(own)
	assert.Empty(t, a.received(), "frames from this instance were already delivered locally")

	remote, err := json.Marshal(&envelope{Origin: "other-instance", ChatID: "room-1", Payload: payload})
	require.NoError(t, err)
	h.handleRemote(remote)
	assert.Len(t, a.received(), 1)
}

func TestHandleRemoteDiscardsMalformedEnvelope(t *testing.T) {
	h := newTestHub()
	a := &fakeSubscriber{id: "a"}
	h.Join("room-1", a)

	h.handleRemote([]byte("{not json"))
	assert.Empty(t, a.received())
}

func TestStartWithoutRedisIsNoop(t *testing.T) {
	h := newTestHub()
	h.Start(context.Background())
	h.Stop()
}

func TestConcurrentJoinPublishLeave(t *testing.T) {
	h := newTestHub()
	evt := message.SessionUpdatedEvent("room-1", session.StatusActive, "counselor-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := &fakeSubscriber{id: string(rune('a' + n))}
			h.Join("room-1", sub)
			h.Publish(context.Background(), evt)
			h.Leave("room-1", sub)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, h.Members("room-1"))
}
