// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/shared"
	"github.com/element-hq/synchrotron/syncapi/types"
)

type Database interface {
	// NewDatabaseSnapshot opens a read-only transaction over a consistent
	// view of every stream. The caller must Commit or Rollback it.
	NewDatabaseSnapshot(ctx context.Context) (*shared.DatabaseTransaction, error)

	// AppendEvent writes the event and its projections atomically,
	// assigning ev.ID.
	AppendEvent(ctx context.Context, ev *rstypes.Event) error
	// AllocatePosition runs fn with a new stream position for a stream that
	// is not persisted, such as typing notifications.
	AllocatePosition(fn func(pos rstypes.StreamPosition)) error

	CurrentStateEvent(ctx context.Context, roomID, evType, stateKey string) (*rstypes.Event, error)
	CurrentState(ctx context.Context, roomID string) ([]*rstypes.Event, error)
	JoinedUsersInRoom(ctx context.Context, roomID string) ([]string, error)
	Membership(ctx context.Context, roomID, userID string) (string, rstypes.StreamPosition, error)
	MembershipHistory(ctx context.Context, roomID, userID string, upper rstypes.StreamPosition) (types.MembershipHistory, error)
	Event(ctx context.Context, eventID string) (*rstypes.Event, error)
	RoomMessages(ctx context.Context, roomID string, from rstypes.StreamPosition, backwards bool, limit int) ([]*rstypes.Event, error)

	StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, ts spec.Timestamp) (rstypes.StreamPosition, error)
	StoreAccountData(ctx context.Context, userID, roomID, dataType string, content json.RawMessage) (rstypes.StreamPosition, error)
	AccountDataContent(ctx context.Context, userID, roomID, dataType string) (json.RawMessage, error)
	QueueSendToDevice(ctx context.Context, msgs []types.SendToDevice) (rstypes.StreamPosition, error)
	CleanSendToDeviceMessages(ctx context.Context, userID, deviceID string, upTo rstypes.StreamPosition) error
	StoreDeviceListChange(ctx context.Context, userID string) (rstypes.StreamPosition, error)

	StoreCheckpoint(ctx context.Context, userID, deviceID string, token types.StreamingToken) error
	Checkpoint(ctx context.Context, userID, deviceID string) (types.StreamingToken, bool, error)
}
