package ws

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

func testConn(t *testing.T, hub *Hub, userID uint64) *Conn {
	t.Helper()
	return NewConn(nil, hub, nil, nil, slog.Default(), userID, "user", 30*time.Second)
}

func recv(t *testing.T, c *Conn) realtime.Envelope {
	t.Helper()
	select {
	case env := <-c.send:
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope enqueued")
		return realtime.Envelope{}
	}
}

func TestHubBroadcastReachesRoomOnly(t *testing.T) {
	hub := NewHub()
	a := testConn(t, hub, 1)
	b := testConn(t, hub, 2)
	outsider := testConn(t, hub, 3)

	hub.Join("task:1", a)
	hub.Join("task:1", b)
	hub.Join("task:2", outsider)

	hub.Broadcast("task:1", realtime.Envelope{Type: realtime.TypeTyping, ResourceID: "1", ResourceType: "task"})

	require.Equal(t, realtime.TypeTyping, recv(t, a).Type)
	require.Equal(t, realtime.TypeTyping, recv(t, b).Type)
	assert.Empty(t, outsider.send)
}

func TestHubBroadcastExceptSkipsOrigin(t *testing.T) {
	hub := NewHub()
	origin := testConn(t, hub, 1)
	other := testConn(t, hub, 2)

	hub.Join("task:1", origin)
	hub.Join("task:1", other)

	hub.BroadcastExcept("task:1", realtime.Envelope{Type: realtime.TypeTyping}, origin)

	require.Equal(t, realtime.TypeTyping, recv(t, other).Type)
	assert.Empty(t, origin.send)
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	hub := NewHub()
	a := testConn(t, hub, 1)

	hub.Join("task:1", a)
	hub.Leave("task:1", a)
	hub.Broadcast("task:1", realtime.Envelope{Type: realtime.TypePresence})

	assert.Empty(t, a.send)
}

func TestHubSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	a := testConn(t, hub, 1)
	hub.Join("task:1", a)

	// Fill the send queue past capacity; broadcast must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(a.send)+10; i++ {
			hub.Broadcast("task:1", realtime.Envelope{Type: realtime.TypeChangeEvent, Seq: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow consumer")
	}
	assert.Len(t, a.send, cap(a.send))
	// The dropped messages mark the stream lossy; the write loop turns that
	// into a resync hint once the consumer catches up.
	assert.True(t, a.lossy.Load())
}

func TestConnEnqueueAfterTeardownIsNoop(t *testing.T) {
	hub := NewHub()
	a := testConn(t, hub, 1)
	close(a.done)

	a.enqueue(realtime.Envelope{Type: realtime.TypePresence})
	assert.Empty(t, a.send)
}
