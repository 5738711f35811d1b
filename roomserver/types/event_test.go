// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireFormat(t *testing.T) {
	t.Parallel()
	stateKey := "@bob:localhost"
	ev := Event{
		ID:             "018bcfe568000000deadbeef",
		RoomID:         "!room:localhost",
		Sender:         "@alice:localhost",
		Type:           MRoomMember,
		StateKey:       &stateKey,
		Content:        json.RawMessage(`{"membership":"invite"}`),
		OriginServerTS: 1700000000000,
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event_id": "$018bcfe568000000deadbeef",
		"room_id": "!room:localhost",
		"sender": "@alice:localhost",
		"type": "m.room.member",
		"state_key": "@bob:localhost",
		"content": {"membership": "invite"},
		"origin_server_ts": 1700000000000
	}`, string(b))

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.True(t, decoded.StateKeyEquals("@bob:localhost"))

	membership, err := decoded.Membership()
	require.NoError(t, err)
	assert.Equal(t, Invite, membership)
}

func TestEventWithoutStateKeyOmitsIt(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(&Event{ID: "018bcfe568000000deadbeef", Type: MRoomMessage})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "state_key")
	assert.Contains(t, string(b), `"content":{}`)
}

func TestPositionFromEventID(t *testing.T) {
	t.Parallel()
	pos, err := PositionFromEventID("$018bcfe568000000deadbeef")
	require.NoError(t, err)
	assert.Equal(t, StreamPosition("018bcfe568000000deadbeef"), pos)

	_, err = PositionFromEventID("018bcfe568000000deadbeef")
	assert.Error(t, err)
}

func TestRedactsAndStrip(t *testing.T) {
	t.Parallel()
	ev := Event{Type: MRoomRedaction, Content: json.RawMessage(`{"redacts":"$x"}`)}
	assert.Equal(t, "$x", ev.Redacts())
	_, err := ev.Membership()
	assert.Error(t, err)

	sk := ""
	name := Event{Type: MRoomName, StateKey: &sk, Sender: "@a:b", Content: json.RawMessage(`{"name":"n"}`)}
	assert.Equal(t, StrippedEvent{Type: MRoomName, Sender: "@a:b", Content: json.RawMessage(`{"name":"n"}`)}, name.Strip())
}
