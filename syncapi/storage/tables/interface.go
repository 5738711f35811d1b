// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// Partition names one half of the event log.
type Partition string

const (
	// StatePartition holds events with a state key.
	StatePartition Partition = "state"
	// TimelinePartition holds everything else.
	TimelinePartition Partition = "timeline"
)

// Events is one partition of the event log. Callers merge both partitions
// by position and never see the split.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, ev *rstypes.Event) error
	// UpdateEvent replaces the content and unsigned data, used by redactions.
	// It reports whether the event lives in this partition.
	UpdateEvent(ctx context.Context, txn *sql.Tx, id rstypes.StreamPosition, content, unsigned json.RawMessage) (bool, error)
	SelectEvents(ctx context.Context, txn *sql.Tx, ids []rstypes.StreamPosition) ([]*rstypes.Event, error)
	// SelectRecentEvents returns up to limit events in r, newest first.
	SelectRecentEvents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, limit int) ([]*rstypes.Event, error)
	// SelectEventsBefore returns up to limit events strictly before pos, newest first.
	SelectEventsBefore(ctx context.Context, txn *sql.Tx, roomID string, pos rstypes.StreamPosition, limit int) ([]*rstypes.Event, error)
	// SelectEarliestEvents returns up to limit events in r, oldest first.
	SelectEarliestEvents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, limit int) ([]*rstypes.Event, error)
	// SelectUnreadContents returns the content of up to limit events in r not
	// sent by sender.
	SelectUnreadContents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, sender string, limit int) ([]json.RawMessage, error)
	// SelectLatestPositions returns the newest position at or below upper per room.
	SelectLatestPositions(ctx context.Context, txn *sql.Tx, roomIDs []string, upper rstypes.StreamPosition) (map[string]rstypes.StreamPosition, error)
	// SelectStateHistory returns every event for the state tuple at or below
	// upper, oldest first. The timeline partition has none.
	SelectStateHistory(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string, upper rstypes.StreamPosition) ([]*rstypes.Event, error)
	SelectMaxID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error)
}

// CurrentRoomState maps (room, type, state key) to the latest state event.
type CurrentRoomState interface {
	UpsertRoomState(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string, eventID rstypes.StreamPosition) error
	// SelectStateEvent returns nil when the tuple has no state.
	SelectStateEvent(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string) (*rstypes.Event, error)
	SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string) ([]*rstypes.Event, error)
	// SelectStateEntryCount is used by tests to check there is one row per tuple.
	SelectStateEntryCount(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string) (int, error)
}

// Memberships maps (room, user) to the latest membership.
type Memberships interface {
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomID, userID, membership string, eventID rstypes.StreamPosition) error
	// SelectMembership returns "" when the user has no membership in the room.
	SelectMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) (string, rstypes.StreamPosition, error)
	SelectRoomsForUser(ctx context.Context, txn *sql.Tx, userID string) ([]types.RoomMembership, error)
	SelectUsersWithMembership(ctx context.Context, txn *sql.Tx, roomID, membership string) ([]string, error)
	// SelectUsersSharingJoinedRooms returns everyone joined to a room the user is joined to.
	SelectUsersSharingJoinedRooms(ctx context.Context, txn *sql.Tx, userID string) ([]string, error)
}

// Relations records m.relates_to links between events.
type Relations interface {
	InsertRelation(ctx context.Context, txn *sql.Tx, rel types.Relation) error
	// SelectRelationsTo returns relations targeting the given events at or
	// below upper, oldest first.
	SelectRelationsTo(ctx context.Context, txn *sql.Tx, targets []rstypes.StreamPosition, upper rstypes.StreamPosition) ([]types.Relation, error)
}

type Receipts interface {
	UpsertReceipt(ctx context.Context, txn *sql.Tx, receipt types.Receipt) error
	SelectRoomReceiptsInRange(ctx context.Context, txn *sql.Tx, roomIDs []string, r types.Range) ([]types.Receipt, error)
	// SelectUserReceipts returns the user's receipts in the room, public and private.
	SelectUserReceipts(ctx context.Context, txn *sql.Tx, roomID, userID string) ([]types.Receipt, error)
	SelectMaxReceiptID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error)
}

type AccountData interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, data types.AccountData) error
	SelectAccountDataInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]types.AccountData, error)
	// SelectAccountData returns nil content when nothing is stored.
	SelectAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string) (json.RawMessage, error)
	SelectMaxAccountDataID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error)
}

type SendToDevice interface {
	InsertSendToDeviceMessage(ctx context.Context, txn *sql.Tx, msg types.SendToDevice) error
	SelectSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, upper rstypes.StreamPosition, limit int) ([]types.SendToDevice, error)
	DeleteSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, upTo rstypes.StreamPosition) error
	SelectMaxSendToDeviceMessageID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error)
}

type DeviceListChanges interface {
	UpsertChange(ctx context.Context, txn *sql.Tx, userID string, pos rstypes.StreamPosition) error
	SelectChangesInRange(ctx context.Context, txn *sql.Tx, r types.Range) ([]string, error)
	SelectMaxChangeID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error)
}

// SyncCheckpoints stores the last token delivered to each device.
type SyncCheckpoints interface {
	UpsertCheckpoint(ctx context.Context, txn *sql.Tx, userID, deviceID, token string, ts spec.Timestamp) error
	// SelectCheckpoint returns "" when the device has never synced.
	SelectCheckpoint(ctx context.Context, txn *sql.Tx, userID, deviceID string) (string, error)
	SelectMaxCheckpoint(ctx context.Context, txn *sql.Tx) (string, error)
}
