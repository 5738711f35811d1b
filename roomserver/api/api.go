// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/synchrotron/roomserver/types"
)

// AppendRequest is the input to RoomserverInternalAPI.Append.
type AppendRequest struct {
	RoomID   string
	Sender   string
	Type     string
	StateKey *string
	Content  json.RawMessage
	// Optional unsigned data stored alongside the event.
	Unsigned json.RawMessage
	// Defaults to the time of the append when zero.
	OriginServerTS spec.Timestamp
}

// RoomserverInternalAPI is the only way to mutate rooms.
type RoomserverInternalAPI interface {
	// Append validates and persists one event together with its projections,
	// then wakes the joined members of the room.
	Append(ctx context.Context, req *AppendRequest) (*types.Event, error)
	// CurrentStateEvent returns the current state event for the tuple, or nil.
	CurrentStateEvent(ctx context.Context, roomID, evType, stateKey string) (*types.Event, error)
	// Membership returns the user's current membership, or "" if they have none.
	Membership(ctx context.Context, roomID, userID string) (string, error)
	// JoinedUsers returns the user IDs currently joined to the room.
	JoinedUsers(ctx context.Context, roomID string) ([]string, error)
}

// EventStore is the storage the event log writes through.
type EventStore interface {
	// AppendEvent assigns ev.ID and writes the event with its projections
	// in one transaction.
	AppendEvent(ctx context.Context, ev *types.Event) error
	CurrentStateEvent(ctx context.Context, roomID, evType, stateKey string) (*types.Event, error)
	JoinedUsersInRoom(ctx context.Context, roomID string) ([]string, error)
}

// Waker is told about every user who may have something new to sync.
type Waker interface {
	Wake(userID string)
}

// OutputRoomEvent is handed to the notification evaluator after commit.
type OutputRoomEvent struct {
	RoomID string       `json:"room_id"`
	Event  *types.Event `json:"event"`
	// Joined members at the time of the append.
	JoinedUsers []string `json:"joined_users"`
}

// NotificationEvaluator decides per-recipient push delivery. Failures never
// affect the append.
type NotificationEvaluator interface {
	OnNewEvent(ctx context.Context, output *OutputRoomEvent) error
}

// MediaReferenceTracker receives the media referenced by each new event.
type MediaReferenceTracker interface {
	TrackReferences(ctx context.Context, eventID string, mxcURIs []string) error
}
