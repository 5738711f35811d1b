// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/types"
)

func (e *testEnv) appendTo(t *testing.T, room, sender, evType string, stateKey *string, content string) *rstypes.Event {
	t.Helper()
	ev, err := e.rs.Append(context.Background(), &api.AppendRequest{
		RoomID:   room,
		Sender:   sender,
		Type:     evType,
		StateKey: stateKey,
		Content:  json.RawMessage(content),
	})
	require.NoError(t, err)
	return ev
}

func ptr(s string) *string { return &s }

func TestSlidingSyncOrdersRoomsByActivity(t *testing.T) {
	env := newTestEnv(t)
	rooms := []string{"!a:localhost", "!b:localhost", "!c:localhost"}
	for _, room := range rooms {
		env.appendTo(t, room, alice, rstypes.MRoomCreate, ptr(""), `{}`)
		env.appendTo(t, room, alice, rstypes.MRoomMember, ptr(alice), `{"membership":"join"}`)
	}
	env.appendTo(t, "!b:localhost", alice, rstypes.MRoomMessage, nil, `{"body":"b"}`)
	env.appendTo(t, "!a:localhost", alice, rstypes.MRoomMessage, nil, `{"body":"a"}`)

	lists := map[string]types.SlidingListConfig{
		"top": {Ranges: [][]int{{0, 1}}, TimelineLimit: 1},
	}
	res, err := env.builder.BuildSliding(context.Background(), SlidingRequest{Device: device(alice), Lists: lists})
	require.NoError(t, err)

	want := types.SlidingList{
		Count: 3,
		Ops: []types.SlidingOperation{{
			Op:      "SYNC",
			Range:   []int{0, 1},
			RoomIDs: []string{"!a:localhost", "!b:localhost"},
		}},
	}
	if diff := cmp.Diff(want, res.Lists["top"]); diff != "" {
		t.Fatalf("unexpected list (-want +got):\n%s", diff)
	}
	require.Len(t, res.Rooms, 2)
	assert.True(t, res.Rooms["!a:localhost"].Initial)
	assert.Len(t, res.Rooms["!a:localhost"].Timeline, 1)
	assert.True(t, res.Rooms["!a:localhost"].Limited)

	// Only rooms with new events come back on the next request.
	env.appendTo(t, "!c:localhost", alice, rstypes.MRoomMessage, nil, `{"body":"c"}`)
	lists["top"] = types.SlidingListConfig{Ranges: [][]int{{0, 2}}, TimelineLimit: 5}
	next, err := env.builder.BuildSliding(context.Background(), SlidingRequest{Device: device(alice), Since: res.Pos, Lists: lists})
	require.NoError(t, err)
	assert.Equal(t, []string{"!c:localhost", "!a:localhost", "!b:localhost"}, next.Lists["top"].Ops[0].RoomIDs)
	require.Len(t, next.Rooms, 1)
	require.Contains(t, next.Rooms, "!c:localhost")
	assert.False(t, next.Rooms["!c:localhost"].Initial)
	assert.Len(t, next.Rooms["!c:localhost"].Timeline, 1)
}

func TestSlidingWindowClampsRanges(t *testing.T) {
	rooms := []listedRoom{
		{RoomMembership: types.RoomMembership{RoomID: "!1"}},
		{RoomMembership: types.RoomMembership{RoomID: "!2"}},
	}
	window, clamped := slidingWindow(rooms, []int{0, 99})
	assert.Len(t, window, 2)
	assert.Equal(t, []int{0, 1}, clamped)

	window, _ = slidingWindow(rooms, []int{5, 9})
	assert.Empty(t, window)

	window, _ = slidingWindow(nil, []int{0, 9})
	assert.Empty(t, window)
}

func TestRequiredStateMatching(t *testing.T) {
	current := []*rstypes.Event{
		{ID: "1", Type: rstypes.MRoomCreate, StateKey: ptr("")},
		{ID: "2", Type: rstypes.MRoomMember, StateKey: ptr(alice)},
		{ID: "3", Type: rstypes.MRoomMember, StateKey: ptr(bob)},
		{ID: "4", Type: rstypes.MRoomMember, StateKey: ptr("@carol:localhost")},
	}
	timeline := []*rstypes.Event{{ID: "5", Sender: bob, Type: rstypes.MRoomMessage}}

	ids := func(cfg [][]string) []rstypes.StreamPosition {
		return eventIDs(requiredState(current, types.RequiredStateConfig{Include: cfg}, alice, timeline))
	}
	assert.Equal(t, []rstypes.StreamPosition{"1"}, ids([][]string{{rstypes.MRoomCreate, ""}}))
	assert.Equal(t, []rstypes.StreamPosition{"2"}, ids([][]string{{rstypes.MRoomMember, "$ME"}}))
	assert.Equal(t, []rstypes.StreamPosition{"3"}, ids([][]string{{rstypes.MRoomMember, "$LAZY"}}))
	assert.Equal(t, []rstypes.StreamPosition{"1", "2", "3", "4"}, ids([][]string{{"*", "*"}}))
	assert.Empty(t, ids(nil))
}

func TestRoomNameFallsBack(t *testing.T) {
	named := []*rstypes.Event{
		{Type: rstypes.MRoomName, StateKey: ptr(""), Content: json.RawMessage(`{"name":"Lobby"}`)},
		{Type: rstypes.MRoomCanonicalAlias, StateKey: ptr(""), Content: json.RawMessage(`{"alias":"#lobby:localhost"}`)},
	}
	assert.Equal(t, "Lobby", roomName(named, nil))
	assert.Equal(t, "#lobby:localhost", roomName(named[1:], nil))
	assert.Equal(t, "@bob:localhost, @carol:localhost", roomName(nil, []string{bob, "@carol:localhost"}))
}
