// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/roomserver/types"
)

// CurrentStateEvent reads through the room's state cache.
func (r *EventLog) CurrentStateEvent(ctx context.Context, roomID, evType, stateKey string) (*types.Event, error) {
	key := caching.StateCacheKey(r.Cache.RoomCacheKey(roomID), evType, stateKey)
	if entry, ok := r.Cache.RoomStateEvents.Get(key); ok {
		return entry.Event, nil
	}
	ev, err := r.DB.CurrentStateEvent(ctx, roomID, evType, stateKey)
	if err != nil {
		return nil, err
	}
	r.Cache.RoomStateEvents.Set(key, caching.StateEntry{Event: ev})
	return ev, nil
}

// Membership returns the user's membership from current state, or "".
func (r *EventLog) Membership(ctx context.Context, roomID, userID string) (string, error) {
	ev, err := r.CurrentStateEvent(ctx, roomID, types.MRoomMember, userID)
	if err != nil || ev == nil {
		return "", err
	}
	return ev.Membership()
}

// JoinedUsers reads through the room's joined members cache.
func (r *EventLog) JoinedUsers(ctx context.Context, roomID string) ([]string, error) {
	key := r.Cache.RoomCacheKey(roomID)
	if joined, ok := r.Cache.RoomJoinedUsers.Get(key); ok {
		return joined, nil
	}
	joined, err := r.DB.JoinedUsersInRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.Cache.RoomJoinedUsers.Set(key, joined)
	return joined, nil
}
