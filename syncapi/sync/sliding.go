// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/shared"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// SlidingRequest asks for windows over the user's room list.
type SlidingRequest struct {
	Device *userapi.Device
	Since  types.StreamingToken
	Lists  map[string]types.SlidingListConfig
}

// listedRoom is a room the user is joined or invited to, with its latest
// activity.
type listedRoom struct {
	types.RoomMembership
	Latest rstypes.StreamPosition
}

// BuildSliding returns the requested windows and the data of every room
// inside one of them.
func (b *Builder) BuildSliding(ctx context.Context, req SlidingRequest) (res *types.SlidingSyncResponse, err error) {
	trace, ctx := internal.StartRegion(ctx, "Builder.BuildSliding")
	defer trace.EndRegion()

	userID := req.Device.UserID
	since := req.Since.Position
	typingPos := b.Typing.GetLatestSyncPosition()
	snapshot, err := b.DB.NewDatabaseSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("b.DB.NewDatabaseSnapshot: %w", err)
	}
	var succeeded bool
	defer sqlutil.EndTransactionWithCheck(snapshot, &succeeded, &err)

	maxPos, err := snapshot.MaxStreamPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot.MaxStreamPosition: %w", err)
	}
	upper := rstypes.MaxPosition(maxPos, typingPos)

	rooms, err := listRooms(ctx, snapshot, userID, upper)
	if err != nil {
		return nil, err
	}

	res = &types.SlidingSyncResponse{
		Pos:   types.NewStreamToken(rstypes.MaxPosition(since, upper)),
		Lists: map[string]types.SlidingList{},
		Rooms: map[string]*types.SlidingRoomData{},
	}
	names := make([]string, 0, len(req.Lists))
	for name := range req.Lists {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		list := req.Lists[name]
		result := types.SlidingList{Count: len(rooms)}
		for _, rng := range list.Ranges {
			window, clamped := slidingWindow(rooms, rng)
			op := types.SlidingOperation{Op: "SYNC", Range: clamped, RoomIDs: []string{}}
			for _, room := range window {
				op.RoomIDs = append(op.RoomIDs, room.RoomID)
				if _, ok := res.Rooms[room.RoomID]; ok {
					continue
				}
				data, err := b.slidingRoom(ctx, snapshot, userID, since, upper, room, list)
				if err != nil {
					logrus.WithError(err).WithFields(logrus.Fields{
						"user_id": userID,
						"room_id": room.RoomID,
					}).Error("Failed to build sliding sync room, skipping it")
					continue
				}
				if data != nil {
					res.Rooms[room.RoomID] = data
				}
			}
			result.Ops = append(result.Ops, op)
		}
		res.Lists[name] = result
	}

	succeeded = true
	return res, nil
}

// listRooms returns the joined and invited rooms, most recently active first
// with ties broken by room ID.
func listRooms(ctx context.Context, snapshot *shared.DatabaseTransaction, userID string, upper rstypes.StreamPosition) ([]listedRoom, error) {
	memberships, err := snapshot.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("snapshot.RoomsForUser: %w", err)
	}
	roomIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if m.Membership == rstypes.Join || m.Membership == rstypes.Invite {
			roomIDs = append(roomIDs, m.RoomID)
		}
	}
	latest, err := snapshot.LatestRoomPositions(ctx, roomIDs, upper)
	if err != nil {
		return nil, fmt.Errorf("snapshot.LatestRoomPositions: %w", err)
	}
	rooms := make([]listedRoom, 0, len(roomIDs))
	for _, m := range memberships {
		if m.Membership == rstypes.Join || m.Membership == rstypes.Invite {
			rooms = append(rooms, listedRoom{RoomMembership: m, Latest: latest[m.RoomID]})
		}
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].Latest != rooms[j].Latest {
			return rooms[i].Latest.After(rooms[j].Latest)
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
	return rooms, nil
}

// slidingWindow returns the rooms in the inclusive range, clamped to the
// list, together with the clamped range.
func slidingWindow(rooms []listedRoom, rng []int) ([]listedRoom, []int) {
	if len(rng) != 2 || len(rooms) == 0 {
		return nil, []int{0, 0}
	}
	start, end := rng[0], rng[1]
	if start < 0 {
		start = 0
	}
	if end >= len(rooms) {
		end = len(rooms) - 1
	}
	if start >= len(rooms) || end < start {
		return nil, []int{start, start}
	}
	return rooms[start : end+1], []int{start, end}
}

func (b *Builder) slidingRoom(
	ctx context.Context, snapshot *shared.DatabaseTransaction, userID string,
	since, upper rstypes.StreamPosition, room listedRoom, list types.SlidingListConfig,
) (*types.SlidingRoomData, error) {
	initial := since.IsZero() || room.EventID.After(since)
	if room.Membership == rstypes.Join {
		var err error
		if initial, err = joinedAfter(ctx, snapshot, userID, room.RoomMembership, since); err != nil {
			return nil, err
		}
	}
	if !initial && !room.Latest.After(since) {
		return nil, nil
	}
	data := &types.SlidingRoomData{
		Initial:       initial,
		RequiredState: []*rstypes.Event{},
		Timeline:      []*rstypes.Event{},
	}

	if room.Membership == rstypes.Invite {
		stripped, err := strippedState(ctx, snapshot, userID, room.RoomID)
		if err != nil {
			return nil, err
		}
		data.InviteState = stripped
		data.Name = strippedRoomName(stripped)
		return data, nil
	}

	r := types.Range{From: since, To: upper}
	if initial {
		r.From = ""
	}
	events, limited, err := snapshot.RecentEvents(ctx, room.RoomID, r, b.timelineLimit(list.TimelineLimit))
	if err != nil {
		return nil, fmt.Errorf("snapshot.RecentEvents: %w", err)
	}
	if err = snapshot.ApplyRelations(ctx, events, upper); err != nil {
		return nil, err
	}
	if events != nil {
		data.Timeline = events
	}
	data.Limited = limited
	if len(events) > 0 {
		prevBatch := types.NewStreamToken(events[0].ID)
		data.PrevBatch = &prevBatch
	}

	current, err := snapshot.CurrentState(ctx, room.RoomID)
	if err != nil {
		return nil, fmt.Errorf("snapshot.CurrentState: %w", err)
	}
	if initial {
		data.RequiredState = requiredState(current, list.RequiredState, userID, events)
	}

	heroes, joined, invited, err := roomMembers(ctx, snapshot, room.RoomID, userID)
	if err != nil {
		return nil, err
	}
	data.JoinedCount, data.InvitedCount = joined, invited
	data.Name = roomName(current, heroes)

	data.NotificationCount, data.HighlightCount, err = unreadCounts(ctx, snapshot, room.RoomMembership, userID, upper)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// requiredState picks the state events matching any [type, state_key] pair.
// "*" matches anything, "$ME" the requester and "$LAZY" the senders of the
// timeline.
func requiredState(current []*rstypes.Event, cfg types.RequiredStateConfig, userID string, timeline []*rstypes.Event) []*rstypes.Event {
	senders := make(map[string]struct{}, len(timeline))
	for _, ev := range timeline {
		senders[ev.Sender] = struct{}{}
	}
	matched := []*rstypes.Event{}
	for _, ev := range current {
		for _, pair := range cfg.Include {
			if len(pair) != 2 {
				continue
			}
			if matchesStateKey(*ev.StateKey, pair[1], userID, senders) && (pair[0] == "*" || pair[0] == ev.Type) {
				matched = append(matched, ev)
				break
			}
		}
	}
	return matched
}

func matchesStateKey(stateKey, pattern, userID string, senders map[string]struct{}) bool {
	switch pattern {
	case "*":
		return true
	case "$ME":
		return stateKey == userID
	case "$LAZY":
		_, ok := senders[stateKey]
		return ok
	}
	return stateKey == pattern
}

// roomName is m.room.name, then the canonical alias, then the heroes.
func roomName(current []*rstypes.Event, heroes []string) string {
	var name, alias string
	for _, ev := range current {
		switch {
		case ev.Type == rstypes.MRoomName && ev.StateKeyEquals(""):
			name = gjson.GetBytes(ev.Content, "name").Str
		case ev.Type == rstypes.MRoomCanonicalAlias && ev.StateKeyEquals(""):
			alias = gjson.GetBytes(ev.Content, "alias").Str
		}
	}
	switch {
	case name != "":
		return name
	case alias != "":
		return alias
	}
	return strings.Join(heroes, ", ")
}

func strippedRoomName(stripped []rstypes.StrippedEvent) string {
	for _, ev := range stripped {
		if ev.Type == rstypes.MRoomName {
			return gjson.GetBytes(ev.Content, "name").Str
		}
	}
	return ""
}
