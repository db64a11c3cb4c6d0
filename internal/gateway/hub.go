package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"realmd/internal/bus"
)

// roomChange is one join or leave request.
type roomChange struct {
	client *Client
	room   string
}

// Hub tracks connected clients and their room memberships, and routes bus
// envelopes to the sockets in each room. One goroutine owns the maps; all
// mutation goes through channels, so no locks are needed.
type Hub struct {
	logger *zap.Logger

	register   chan *Client
	unregister chan *Client
	joins      chan roomChange
	leaves     chan roomChange
	deliver    chan bus.Envelope
	done       chan struct{}

	clients map[*Client]map[string]struct{}
	rooms   map[string]map[*Client]struct{}
}

// NewHub builds an idle hub; call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan roomChange),
		leaves:     make(chan roomChange),
		deliver:    make(chan bus.Envelope, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]map[string]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
	}
}

// Run owns the membership maps until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = make(map[string]struct{})
		case c := <-h.unregister:
			if rooms, ok := h.clients[c]; ok {
				for room := range rooms {
					h.dropFromRoom(c, room)
				}
				delete(h.clients, c)
				close(c.send)
			}
		case change := <-h.joins:
			if rooms, ok := h.clients[change.client]; ok {
				rooms[change.room] = struct{}{}
				if h.rooms[change.room] == nil {
					h.rooms[change.room] = make(map[*Client]struct{})
				}
				h.rooms[change.room][change.client] = struct{}{}
			}
		case change := <-h.leaves:
			if rooms, ok := h.clients[change.client]; ok {
				delete(rooms, change.room)
				h.dropFromRoom(change.client, change.room)
			}
		case env := <-h.deliver:
			h.routeEnvelope(env)
		}
	}
}

func (h *Hub) dropFromRoom(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// routeEnvelope fans one bus envelope to every socket in its room. A slow
// socket loses the frame rather than stalling the hub.
func (h *Hub) routeEnvelope(env bus.Envelope) {
	members := h.rooms[env.Room]
	if len(members) == 0 {
		return
	}
	frame, err := json.Marshal(serverFrame{
		Event:   env.Event,
		Room:    env.Room,
		Payload: env.Payload,
	})
	if err != nil {
		h.logger.Warn("failed to encode envelope frame",
			zap.String("event", env.Event), zap.Error(err))
		return
	}
	for c := range members {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping frame, socket saturated",
				zap.String("room", env.Room), zap.String("event", env.Event))
		}
	}
}

// Membership requests become no-ops once the hub has stopped; connection
// handlers must never block on a hub that is shutting down.

// Register attaches a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister detaches a client; its send channel is closed by the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join subscribes a client to rooms.
func (h *Hub) Join(c *Client, rooms ...string) {
	for _, room := range rooms {
		select {
		case h.joins <- roomChange{client: c, room: room}:
		case <-h.done:
			return
		}
	}
}

// Leave unsubscribes a client from one room.
func (h *Hub) Leave(c *Client, room string) {
	select {
	case h.leaves <- roomChange{client: c, room: room}:
	case <-h.done:
	}
}

// Deliver queues a bus envelope for room routing. The serve loop feeds this
// from the cluster-wide subscription.
func (h *Hub) Deliver(env bus.Envelope) {
	select {
	case h.deliver <- env:
	default:
		h.logger.Warn("dropping envelope, hub saturated",
			zap.String("room", env.Room), zap.String("event", env.Event))
	}
}
