package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realmd/internal/auth"
	"realmd/internal/bus"
	"realmd/internal/model"
	"realmd/internal/ratelimit"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second
	maxFrameSize     = 4096
	sendBuffer       = 64
	// presenceGrace is how long a disconnected account stays "online" so a
	// reconnect does not flap presence.
	presenceGrace = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin from the game client host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientFrame is one inbound websocket message.
type clientFrame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is one outbound websocket message.
type serverFrame struct {
	Event     string          `json:"event"`
	Room      string          `json:"room,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// presenceRecord is the cache view of one connected account.
type presenceRecord struct {
	AccountID    uuid.UUID  `json:"account_id"`
	ConnectionID string     `json:"connection_id"`
	Online       bool       `json:"online"`
	CharacterID  *uuid.UUID `json:"character_id,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

// Client is one websocket connection. Inbound frames are processed serially
// by the read loop; characterID and zoneID are only touched there.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	connID  string

	claims      *auth.AccessClaims
	characterID *uuid.UUID
	zoneID      *uuid.UUID
}

// handleWebsocket upgrades, authenticates the handshake frame, and runs the
// read loop until the socket drops.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Client{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		connID:  uuid.NewString(),
	}
	if err := c.handshake(r.Context()); err != nil {
		g.logger.Debug("websocket handshake rejected", zap.Error(err))
		s := mapError(err)
		raw, _ := json.Marshal(apiError{
			Code:      s.Code,
			Message:   s.Message,
			Timestamp: time.Now().UTC(),
		})
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(serverFrame{Event: "error", Payload: raw})
		_ = conn.Close()
		return
	}

	g.hub.Register(c)
	c.joinInitialRooms(r.Context())
	c.refreshPresence(r.Context())

	go c.writePump()
	c.readPump()

	g.hub.Unregister(c)
	c.scheduleOffline()
}

// handshake reads the first frame and authenticates its token.
func (c *Client) handshake(ctx context.Context) error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var frame clientFrame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return auth.ErrInvalidToken
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Token == "" {
		return auth.ErrInvalidToken
	}

	claims, err := c.gateway.auth.Authenticate(ctx, payload.Token)
	if err != nil {
		return err
	}
	c.claims = claims

	sess, err := c.gateway.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return auth.ErrInvalidToken
	}
	c.characterID = sess.CharacterID

	c.reply(frame.RequestID, "session:ready", map[string]any{
		"account_id":   claims.AccountID,
		"character_id": sess.CharacterID,
	})
	return nil
}

// joinInitialRooms reconstructs the room set from current character state;
// nothing is replayed from logs.
func (c *Client) joinInitialRooms(ctx context.Context) {
	rooms := []string{bus.RoomUser(c.claims.AccountID)}
	if c.characterID != nil {
		rooms = append(rooms, bus.RoomCharacter(*c.characterID))
		if ch, err := c.gateway.characters.GetCharacter(ctx, *c.characterID); err == nil {
			zoneID := ch.CurrentZoneID
			c.zoneID = &zoneID
			rooms = append(rooms, bus.RoomZone(zoneID))
		}
	}
	c.gateway.hub.Join(c, rooms...)
}

// readPump processes inbound frames one at a time so a connection cannot
// race itself.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		// Dispatch gets its own deadline; the socket read deadline only
		// guards liveness.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		c.dispatch(ctx, frame)
		cancel()
	}
}

// writePump drains the send channel and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch is the single funnel every inbound event passes through:
// rate limit, validate, engine call, reply, side-effect broadcasts.
func (c *Client) dispatch(ctx context.Context, frame clientFrame) {
	c.refreshPresence(ctx)

	switch frame.Event {
	case "character:select":
		c.handleSelect(ctx, frame)
	case "character:move":
		c.handleMove(ctx, frame)
	case "character:action":
		c.handleAction(ctx, frame)
	case "combat:join":
		c.handleCombatJoin(ctx, frame)
	case "combat:action":
		c.handleCombatAction(ctx, frame)
	case "combat:flee":
		c.handleCombatFlee(ctx, frame)
	case "chat:message", "chat:emote":
		c.handleZoneChat(ctx, frame)
	case "chat:whisper":
		c.handleWhisper(ctx, frame)
	default:
		c.writeErrorFrame(frame.RequestID, errUnknownEvent)
	}
}

func (c *Client) handleSelect(ctx context.Context, frame clientFrame) {
	var payload struct {
		CharacterID uuid.UUID `json:"character_id"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.writeErrorFrame(frame.RequestID, errInvalidID)
		return
	}
	ch, err := c.gateway.characters.GetCharacter(ctx, payload.CharacterID)
	if err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}
	if ch.AccountID != c.claims.AccountID {
		c.writeErrorFrame(frame.RequestID, errForbidden)
		return
	}
	if err := c.gateway.sessions.SetCharacter(ctx, c.claims.SessionID, ch.ID); err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}

	// Swap character and zone rooms over to the new selection.
	if c.characterID != nil {
		c.gateway.hub.Leave(c, bus.RoomCharacter(*c.characterID))
	}
	if c.zoneID != nil {
		c.gateway.hub.Leave(c, bus.RoomZone(*c.zoneID))
	}
	id, zoneID := ch.ID, ch.CurrentZoneID
	c.characterID, c.zoneID = &id, &zoneID
	c.gateway.hub.Join(c, bus.RoomCharacter(id), bus.RoomZone(zoneID))

	c.reply(frame.RequestID, frame.Event, characterView(ch))
}

func (c *Client) handleMove(ctx context.Context, frame clientFrame) {
	if c.characterID == nil {
		c.writeErrorFrame(frame.RequestID, errNoCharacterSelected)
		return
	}
	var payload struct {
		Direction model.Direction `json:"direction"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || !model.ValidDirection(payload.Direction) {
		c.writeErrorFrame(frame.RequestID, errUnknownEvent)
		return
	}

	moved, err := c.gateway.movement.Move(ctx, c.claims.AccountID, *c.characterID, payload.Direction)
	if err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}

	// Follow the character into the new zone room.
	if c.zoneID != nil {
		c.gateway.hub.Leave(c, bus.RoomZone(*c.zoneID))
	}
	to := moved.ToZoneID
	c.zoneID = &to
	c.gateway.hub.Join(c, bus.RoomZone(to))

	c.reply(frame.RequestID, frame.Event, moved)
}

func (c *Client) handleAction(ctx context.Context, frame clientFrame) {
	if c.characterID == nil {
		c.writeErrorFrame(frame.RequestID, errNoCharacterSelected)
		return
	}
	var payload struct {
		Action    string          `json:"action"`
		Direction model.Direction `json:"direction,omitempty"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.writeErrorFrame(frame.RequestID, errUnknownEvent)
		return
	}
	switch payload.Action {
	case "look":
		if !model.ValidDirection(payload.Direction) {
			c.writeErrorFrame(frame.RequestID, errUnknownEvent)
			return
		}
		preview, err := c.gateway.zones.Look(ctx, *c.characterID, payload.Direction)
		if err != nil {
			c.writeErrorFrame(frame.RequestID, err)
			return
		}
		c.reply(frame.RequestID, frame.Event, preview)
	default:
		c.writeErrorFrame(frame.RequestID, errUnknownEvent)
	}
}

func (c *Client) handleCombatJoin(ctx context.Context, frame clientFrame) {
	var payload struct {
		SessionID uuid.UUID `json:"session_id"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.writeErrorFrame(frame.RequestID, errInvalidID)
		return
	}
	session, err := c.gateway.combat.GetSession(ctx, payload.SessionID)
	if err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}
	c.gateway.hub.Join(c, bus.RoomCombat(session.ID))
	c.reply(frame.RequestID, frame.Event, session)
}

func (c *Client) handleCombatAction(ctx context.Context, frame clientFrame) {
	if c.characterID == nil {
		c.writeErrorFrame(frame.RequestID, errNoCharacterSelected)
		return
	}
	var payload struct {
		SessionID  uuid.UUID        `json:"session_id"`
		ActionType model.ActionType `json:"action_type"`
		ActionName string           `json:"action_name,omitempty"`
		TargetID   *uuid.UUID       `json:"target_id,omitempty"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.writeErrorFrame(frame.RequestID, errUnknownEvent)
		return
	}
	result, err := c.gateway.combat.PerformAction(ctx, payload.SessionID, *c.characterID,
		payload.ActionType, payload.ActionName, payload.TargetID)
	if err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}
	c.reply(frame.RequestID, frame.Event, result)
}

func (c *Client) handleCombatFlee(ctx context.Context, frame clientFrame) {
	if c.characterID == nil {
		c.writeErrorFrame(frame.RequestID, errNoCharacterSelected)
		return
	}
	var payload struct {
		SessionID uuid.UUID `json:"session_id"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.writeErrorFrame(frame.RequestID, errInvalidID)
		return
	}
	result, err := c.gateway.combat.AttemptFlee(ctx, payload.SessionID, *c.characterID)
	if err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}
	c.reply(frame.RequestID, frame.Event, result)
}

// handleZoneChat routes chat:message and chat:emote to the zone room.
func (c *Client) handleZoneChat(ctx context.Context, frame clientFrame) {
	if c.characterID == nil || c.zoneID == nil {
		c.writeErrorFrame(frame.RequestID, errNoCharacterSelected)
		return
	}
	if !c.allowChat(ctx, frame.RequestID) {
		return
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil ||
		payload.Message == "" || len(payload.Message) > 512 {
		c.writeErrorFrame(frame.RequestID, errUnknownEvent)
		return
	}

	err := c.gateway.bus.Publish(ctx, bus.RoomZone(*c.zoneID), frame.Event, map[string]any{
		"character_id": c.characterID,
		"message":      payload.Message,
	})
	if err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}
	c.reply(frame.RequestID, frame.Event, map[string]any{"sent": true})
}

func (c *Client) handleWhisper(ctx context.Context, frame clientFrame) {
	if c.characterID == nil {
		c.writeErrorFrame(frame.RequestID, errNoCharacterSelected)
		return
	}
	if !c.allowChat(ctx, frame.RequestID) {
		return
	}
	var payload struct {
		ToCharacterID uuid.UUID `json:"to_character_id"`
		Message       string    `json:"message"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil ||
		payload.Message == "" || len(payload.Message) > 512 {
		c.writeErrorFrame(frame.RequestID, errUnknownEvent)
		return
	}

	err := c.gateway.bus.Publish(ctx, bus.RoomCharacter(payload.ToCharacterID), "chat:whisper", map[string]any{
		"from_character_id": c.characterID,
		"message":           payload.Message,
	})
	if err != nil {
		c.writeErrorFrame(frame.RequestID, err)
		return
	}
	c.reply(frame.RequestID, frame.Event, map[string]any{"sent": true})
}

// allowChat applies the chat window and emits rate_limit:denied on refusal.
func (c *Client) allowChat(ctx context.Context, requestID string) bool {
	res, err := c.gateway.limits.CheckProfile(ctx, ratelimit.Chat, c.claims.AccountID.String())
	if err != nil {
		c.writeErrorFrame(requestID, err)
		return false
	}
	if !res.Allowed {
		c.reply(requestID, "rate_limit:denied", map[string]any{
			"retry_after_ms": res.RetryAfter.Milliseconds(),
		})
		return false
	}
	return true
}

// =============================================================================
// PRESENCE AND FRAMING
// =============================================================================

func presenceKey(accountID uuid.UUID) string { return "presence:" + accountID.String() }

func (c *Client) refreshPresence(ctx context.Context) {
	record := presenceRecord{
		AccountID:    c.claims.AccountID,
		ConnectionID: c.connID,
		Online:       true,
		CharacterID:  c.characterID,
		LastActivity: c.gateway.now(),
	}
	if err := c.gateway.presence.SetJSON(ctx, presenceKey(c.claims.AccountID), record, c.gateway.presenceTTL); err != nil {
		c.gateway.logger.Warn("failed to refresh presence",
			zap.String("account_id", c.claims.AccountID.String()), zap.Error(err))
	}
}

// scheduleOffline marks presence offline after the grace period, unless a
// newer connection for the account has taken over the record.
func (c *Client) scheduleOffline() {
	g := c.gateway
	accountID := c.claims.AccountID
	connID := c.connID
	time.AfterFunc(presenceGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var current presenceRecord
		ok, err := g.presence.GetJSON(ctx, presenceKey(accountID), &current)
		if err != nil || !ok || current.ConnectionID != connID {
			return
		}
		current.Online = false
		current.LastActivity = g.now()
		if err := g.presence.SetJSON(ctx, presenceKey(accountID), current, g.presenceTTL); err != nil {
			g.logger.Warn("failed to mark presence offline",
				zap.String("account_id", accountID.String()), zap.Error(err))
		}
	})
}

// reply sends a payload frame back on this connection.
func (c *Client) reply(requestID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.gateway.logger.Warn("failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(serverFrame{Event: event, RequestID: requestID, Payload: raw})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// writeErrorFrame maps err onto the wire taxonomy and sends it as an error
// event.
func (c *Client) writeErrorFrame(requestID string, err error) {
	s := mapError(err)
	raw, _ := json.Marshal(apiError{
		Code:      s.Code,
		Message:   s.Message,
		Timestamp: time.Now().UTC(),
		Details:   s.Details,
	})
	frame, _ := json.Marshal(serverFrame{Event: "error", RequestID: requestID, Payload: raw})
	select {
	case c.send <- frame:
	default:
	}
}
