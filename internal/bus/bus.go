// Package bus fans gameplay events across replicas over Redis pub/sub.
// Delivery is at-most-once and unordered; payloads that need ordering carry
// their own sequence fields (combat includes the turn number).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "realmd:room:"

// Room name builders. Rooms are logical and addressable by convention.
func RoomUser(id uuid.UUID) string      { return "user:" + id.String() }
func RoomCharacter(id uuid.UUID) string { return "character:" + id.String() }
func RoomZone(id uuid.UUID) string      { return "zone:" + id.String() }
func RoomCombat(id uuid.UUID) string    { return "combat:" + id.String() }
func RoomGuild(id uuid.UUID) string     { return "guild:" + id.String() }

const (
	RoomGlobalChat   = "global:chat"
	RoomGlobalEvents = "global:events"
)

// Envelope is the wire form of one event.
type Envelope struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Bus publishes to and subscribes from the room channels.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Bus.
func New(rdb *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger, now: time.Now}
}

// Publish sends one event to a room. Every replica subscribed to the room's
// channel receives it.
func (b *Bus) Publish(ctx context.Context, room, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	env := Envelope{Room: room, Event: event, Payload: raw, SentAt: b.now()}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode event envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+room, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", room, err)
	}
	return nil
}

// Subscription is a live pattern subscription. Close it when done.
type Subscription struct {
	pubsub *redis.PubSub
	ch     chan Envelope
	logger *zap.Logger
}

// Subscribe opens a pattern subscription over all rooms. The gateway uses
// one cluster-wide subscription and routes envelopes to its own sockets.
func (b *Bus) Subscribe(ctx context.Context, patterns ...string) (*Subscription, error) {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	prefixed := make([]string, len(patterns))
	for i, p := range patterns {
		prefixed[i] = channelPrefix + p
	}
	pubsub := b.rdb.PSubscribe(ctx, prefixed...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &Subscription{pubsub: pubsub, ch: make(chan Envelope, 256), logger: b.logger}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

func (s *Subscription) pump(in <-chan *redis.Message) {
	defer close(s.ch)
	for msg := range in {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.logger.Warn("dropping malformed bus envelope",
				zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		select {
		case s.ch <- env:
		default:
			// A slow consumer loses events rather than stalling the pump;
			// delivery is at-most-once by contract.
			s.logger.Warn("dropping bus envelope, consumer saturated",
				zap.String("room", env.Room), zap.String("event", env.Event))
		}
	}
}

// Events is the inbound envelope stream. Closed when the subscription ends.
func (s *Subscription) Events() <-chan Envelope { return s.ch }

// Close tears the subscription down; Events drains and closes.
func (s *Subscription) Close() error { return s.pubsub.Close() }
