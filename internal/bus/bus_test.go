package bus

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomBuilders(t *testing.T) {
	id := uuid.MustParse("a2c5a1c0-0000-4000-8000-000000000001")
	assert.Equal(t, "user:"+id.String(), RoomUser(id))
	assert.Equal(t, "character:"+id.String(), RoomCharacter(id))
	assert.Equal(t, "zone:"+id.String(), RoomZone(id))
	assert.Equal(t, "combat:"+id.String(), RoomCombat(id))
	assert.Equal(t, "guild:"+id.String(), RoomGuild(id))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"character_id": "abc", "tier": 2})
	require.NoError(t, err)
	env := Envelope{Room: RoomGlobalChat, Event: "chat:message", Payload: payload}

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, env.Room, back.Room)
	assert.Equal(t, env.Event, back.Event)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(back.Payload, &decoded))
	assert.Equal(t, float64(2), decoded["tier"])
}
