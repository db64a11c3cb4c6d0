package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"realmd/internal/bus"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

func hubClient() *Client {
	return &Client{send: make(chan []byte, sendBuffer)}
}

func recvFrame(t *testing.T, c *Client) serverFrame {
	t.Helper()
	select {
	case raw := <-c.send:
		var frame serverFrame
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return serverFrame{}
	}
}

func TestHubRoutesToRoomMembers(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h, _ := newTestHub(t)

	inRoom := hubClient()
	outOfRoom := hubClient()
	h.Register(inRoom)
	h.Register(outOfRoom)
	h.Join(inRoom, "zone:abc")
	h.Join(outOfRoom, "zone:other")

	h.Deliver(bus.Envelope{Room: "zone:abc", Event: "zone:enter", Payload: json.RawMessage(`{"x":1}`)})

	frame := recvFrame(t, inRoom)
	want := serverFrame{Event: "zone:enter", Room: "zone:abc", Payload: json.RawMessage(`{"x":1}`)}
	if diff := cmp.Diff(want, frame); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}

	select {
	case raw := <-outOfRoom.send:
		t.Fatalf("unexpected frame for non-member: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h, _ := newTestHub(t)

	c := hubClient()
	h.Register(c)
	h.Join(c, "combat:1")
	h.Leave(c, "combat:1")

	h.Deliver(bus.Envelope{Room: "combat:1", Event: "combat:update"})
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame after leave: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubMultipleRooms(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h, _ := newTestHub(t)

	c := hubClient()
	h.Register(c)
	h.Join(c, "user:a", "zone:b")

	h.Deliver(bus.Envelope{Room: "user:a", Event: "session:notice"})
	h.Deliver(bus.Envelope{Room: "zone:b", Event: "zone:enter"})

	events := map[string]bool{}
	for i := 0; i < 2; i++ {
		events[recvFrame(t, c).Event] = true
	}
	assert.True(t, events["session:notice"])
	assert.True(t, events["zone:enter"])
}

func TestHubUnregisterClosesSend(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h, _ := newTestHub(t)

	c := hubClient()
	h.Register(c)
	h.Join(c, "zone:x")
	h.Unregister(c)

	_, open := <-c.send
	assert.False(t, open, "send channel should be closed on unregister")

	// Delivery to the departed client's room must not panic or block.
	h.Deliver(bus.Envelope{Room: "zone:x", Event: "zone:enter"})
}

func TestHubSlowClientDropsFrames(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h, _ := newTestHub(t)

	slow := &Client{send: make(chan []byte)} // unbuffered, never drained
	h.Register(slow)
	h.Join(slow, "zone:slow")

	// Must not block the hub loop.
	h.Deliver(bus.Envelope{Room: "zone:slow", Event: "zone:enter"})

	// The hub is still responsive afterwards.
	healthy := hubClient()
	h.Register(healthy)
	h.Join(healthy, "zone:slow")
	h.Deliver(bus.Envelope{Room: "zone:slow", Event: "zone:exit"})
	assert.Equal(t, "zone:exit", recvFrame(t, healthy).Event)
}

func TestHubShutdownClosesAllClients(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	h, cancel := newTestHub(t)

	a, b := hubClient(), hubClient()
	h.Register(a)
	h.Register(b)
	cancel()

	for _, c := range []*Client{a, b} {
		select {
		case _, open := <-c.send:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("send channel not closed on shutdown")
		}
	}
}
