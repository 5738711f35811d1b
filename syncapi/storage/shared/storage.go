// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal/eventutil"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// Database is a temporary struct until we have made syncserver.go the same for both pq/sqlite
// For now this contains the shared functions
type Database struct {
	DB                *sql.DB
	Writer            sqlutil.Writer
	Generator         *rstypes.StreamIDGenerator
	StateEvents       tables.Events
	TimelineEvents    tables.Events
	CurrentRoomState  tables.CurrentRoomState
	Memberships       tables.Memberships
	Relations         tables.Relations
	Receipts          tables.Receipts
	AccountData       tables.AccountData
	SendToDevice      tables.SendToDevice
	DeviceListChanges tables.DeviceListChanges
	Checkpoints       tables.SyncCheckpoints
	// Options for snapshot transactions. Postgres needs REPEATABLE READ,
	// SQLite gets a consistent snapshot from WAL mode.
	SnapshotOptions *sql.TxOptions
}

// Prepare seeds the stream position generator from everything persisted, so
// positions allocated after a restart sort after every position handed out
// before it.
func (d *Database) Prepare(ctx context.Context) error {
	max, err := d.reader().MaxStreamPosition(ctx)
	if err != nil {
		return fmt.Errorf("MaxStreamPosition: %w", err)
	}
	checkpoint, err := d.Checkpoints.SelectMaxCheckpoint(ctx, nil)
	if err != nil {
		return fmt.Errorf("d.Checkpoints.SelectMaxCheckpoint: %w", err)
	}
	if tok, err := types.NewStreamTokenFromString(checkpoint); err == nil {
		max = rstypes.MaxPosition(max, tok.Position)
	}
	return d.Generator.Advance(max)
}

// NewDatabaseSnapshot opens a read-only transaction. Everything read through
// it reflects the same committed state.
func (d *Database) NewDatabaseSnapshot(ctx context.Context) (*DatabaseTransaction, error) {
	txn, err := d.DB.BeginTx(ctx, d.SnapshotOptions)
	if err != nil {
		return nil, err
	}
	return &DatabaseTransaction{
		Database: d,
		txn:      txn,
	}, nil
}

func (d *Database) reader() *DatabaseTransaction {
	return &DatabaseTransaction{Database: d}
}

// AllocatePosition hands fn a fresh stream position from inside the writer,
// for streams that are not persisted such as typing.
func (d *Database) AllocatePosition(fn func(pos rstypes.StreamPosition)) error {
	return d.Writer.Do(nil, nil, func(_ *sql.Tx) error {
		fn(d.Generator.Next())
		return nil
	})
}

// AppendEvent assigns the event its stream position and writes it together
// with every projection it affects, in one transaction.
func (d *Database) AppendEvent(ctx context.Context, ev *rstypes.Event) error {
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		ev.ID = d.Generator.Next()
		return d.appendEvent(ctx, txn, ev)
	})
	if err != nil {
		ev.ID = ""
	}
	return err
}

func (d *Database) appendEvent(ctx context.Context, txn *sql.Tx, ev *rstypes.Event) error {
	if ev.IsState() {
		if err := d.StateEvents.InsertEvent(ctx, txn, ev); err != nil {
			return fmt.Errorf("d.StateEvents.InsertEvent: %w", err)
		}
		if err := d.CurrentRoomState.UpsertRoomState(ctx, txn, ev.RoomID, ev.Type, *ev.StateKey, ev.ID); err != nil {
			return fmt.Errorf("d.CurrentRoomState.UpsertRoomState: %w", err)
		}
		if ev.Type == rstypes.MRoomMember {
			membership, err := ev.Membership()
			if err != nil {
				return err
			}
			if err = d.Memberships.UpsertMembership(ctx, txn, ev.RoomID, *ev.StateKey, membership, ev.ID); err != nil {
				return fmt.Errorf("d.Memberships.UpsertMembership: %w", err)
			}
		}
	} else if err := d.TimelineEvents.InsertEvent(ctx, txn, ev); err != nil {
		return fmt.Errorf("d.TimelineEvents.InsertEvent: %w", err)
	}

	if ev.Type == rstypes.MRoomRedaction {
		if err := d.redactEvent(ctx, txn, ev); err != nil {
			return fmt.Errorf("d.redactEvent: %w", err)
		}
	}

	if relType, target, ok := eventutil.Relation(ev.Content); ok {
		targetPos, err := rstypes.PositionFromEventID(target)
		if err != nil {
			// Not one of ours, nothing can be summarised.
			return nil
		}
		err = d.Relations.InsertRelation(ctx, txn, types.Relation{
			EventID:   ev.ID,
			RoomID:    ev.RoomID,
			RelatesTo: targetPos,
			RelType:   relType,
		})
		if err != nil {
			return fmt.Errorf("d.Relations.InsertRelation: %w", err)
		}
	}
	return nil
}

// redactEvent strips the target of a redaction down to its allowed keys.
// Redactions of unknown events, or of events in other rooms, are stored but
// change nothing.
func (d *Database) redactEvent(ctx context.Context, txn *sql.Tx, redaction *rstypes.Event) error {
	targetPos, err := rstypes.PositionFromEventID(redaction.Redacts())
	if err != nil {
		return nil
	}
	targets, err := d.reader().withTxn(txn).Events(ctx, []rstypes.StreamPosition{targetPos})
	if err != nil {
		return err
	}
	if len(targets) == 0 || targets[0].RoomID != redaction.RoomID {
		logrus.WithFields(logrus.Fields{
			"room_id":  redaction.RoomID,
			"redacts":  redaction.Redacts(),
			"event_id": redaction.EventID(),
		}).Debug("Redaction target not found in room")
		return nil
	}
	target := targets[0]
	content, err := eventutil.RedactContent(target.Type, target.Content)
	if err != nil {
		return err
	}
	unsigned, err := eventutil.SetRedactedBecause(target.Unsigned, redaction)
	if err != nil {
		return err
	}
	for _, partition := range []tables.Events{d.StateEvents, d.TimelineEvents} {
		updated, err := partition.UpdateEvent(ctx, txn, target.ID, content, unsigned)
		if err != nil {
			return err
		}
		if updated {
			return nil
		}
	}
	return nil
}

// CurrentStateEvent returns the current state event for the tuple, or nil.
func (d *Database) CurrentStateEvent(ctx context.Context, roomID, evType, stateKey string) (*rstypes.Event, error) {
	return d.CurrentRoomState.SelectStateEvent(ctx, nil, roomID, evType, stateKey)
}

// CurrentState returns every current state event in the room.
func (d *Database) CurrentState(ctx context.Context, roomID string) ([]*rstypes.Event, error) {
	return d.CurrentRoomState.SelectCurrentState(ctx, nil, roomID)
}

func (d *Database) JoinedUsersInRoom(ctx context.Context, roomID string) ([]string, error) {
	return d.Memberships.SelectUsersWithMembership(ctx, nil, roomID, rstypes.Join)
}

// Membership returns the user's membership in the room and the position of
// the event that set it, or "" if the user has never been in the room.
func (d *Database) Membership(ctx context.Context, roomID, userID string) (string, rstypes.StreamPosition, error) {
	return d.Memberships.SelectMembership(ctx, nil, roomID, userID)
}

// MembershipHistory returns the user's membership events in the room at or
// below upper, oldest first.
func (d *Database) MembershipHistory(
	ctx context.Context, roomID, userID string, upper rstypes.StreamPosition,
) (types.MembershipHistory, error) {
	return d.reader().MembershipHistory(ctx, roomID, userID, upper)
}

// Event returns a single event by its client facing ID, or nil.
func (d *Database) Event(ctx context.Context, eventID string) (*rstypes.Event, error) {
	pos, err := rstypes.PositionFromEventID(eventID)
	if err != nil {
		return nil, nil
	}
	events, err := d.reader().Events(ctx, []rstypes.StreamPosition{pos})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// RoomMessages pages through a room's history starting at from, exclusive.
// Backwards pagination returns the newest event first, and starts at the
// newest event when from is zero.
func (d *Database) RoomMessages(
	ctx context.Context, roomID string, from rstypes.StreamPosition, backwards bool, limit int,
) (events []*rstypes.Event, err error) {
	snapshot, err := d.NewDatabaseSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var succeeded bool
	defer sqlutil.EndTransactionWithCheck(snapshot, &succeeded, &err)
	upper, err := snapshot.MaxStreamPosition(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case backwards && from.IsZero():
		events, _, err = snapshot.RecentEvents(ctx, roomID, types.Range{To: upper}, limit)
		reverse(events)
	case backwards:
		events, err = snapshot.EventsBefore(ctx, roomID, from, limit)
	default:
		events, err = snapshot.EarliestEvents(ctx, roomID, types.Range{From: from, To: upper}, limit)
	}
	if err != nil {
		return nil, err
	}
	if err = snapshot.ApplyRelations(ctx, events, upper); err != nil {
		return nil, err
	}
	succeeded = true
	return events, nil
}

// StoreReceipt records the latest receipt of the type for the user in the room.
func (d *Database) StoreReceipt(
	ctx context.Context, roomID, receiptType, userID, eventID string, ts spec.Timestamp,
) (pos rstypes.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos = d.Generator.Next()
		return d.Receipts.UpsertReceipt(ctx, txn, types.Receipt{
			RoomID:    roomID,
			Type:      receiptType,
			UserID:    userID,
			EventID:   eventID,
			Timestamp: int64(ts),
			Position:  pos,
		})
	})
	return
}

// StoreAccountData replaces the user's account data of the given type. An
// empty roomID stores global account data.
func (d *Database) StoreAccountData(
	ctx context.Context, userID, roomID, dataType string, content json.RawMessage,
) (pos rstypes.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos = d.Generator.Next()
		return d.AccountData.UpsertAccountData(ctx, txn, types.AccountData{
			UserID:   userID,
			RoomID:   roomID,
			Type:     dataType,
			Content:  content,
			Position: pos,
		})
	})
	return
}

// AccountDataContent returns the stored content, or nil.
func (d *Database) AccountDataContent(ctx context.Context, userID, roomID, dataType string) (json.RawMessage, error) {
	return d.AccountData.SelectAccountData(ctx, nil, userID, roomID, dataType)
}

// QueueSendToDevice stores messages for later delivery. Each message gets its
// own position, and the latest one is returned.
func (d *Database) QueueSendToDevice(ctx context.Context, msgs []types.SendToDevice) (pos rstypes.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for _, msg := range msgs {
			pos = d.Generator.Next()
			msg.Position = pos
			if err := d.SendToDevice.InsertSendToDeviceMessage(ctx, txn, msg); err != nil {
				return fmt.Errorf("d.SendToDevice.InsertSendToDeviceMessage: %w", err)
			}
		}
		return nil
	})
	return
}

// CleanSendToDeviceMessages deletes messages for the device up to and
// including upTo, once they have been handed to a sync response.
func (d *Database) CleanSendToDeviceMessages(ctx context.Context, userID, deviceID string, upTo rstypes.StreamPosition) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.SendToDevice.DeleteSendToDeviceMessages(ctx, txn, userID, deviceID, upTo)
	})
}

// StoreDeviceListChange records that the user's devices or keys changed.
func (d *Database) StoreDeviceListChange(ctx context.Context, userID string) (pos rstypes.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos = d.Generator.Next()
		return d.DeviceListChanges.UpsertChange(ctx, txn, userID, pos)
	})
	return
}

// StoreCheckpoint remembers the last token delivered to the device.
func (d *Database) StoreCheckpoint(ctx context.Context, userID, deviceID string, token types.StreamingToken) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Checkpoints.UpsertCheckpoint(ctx, txn, userID, deviceID, token.String(), spec.AsTimestamp(time.Now()))
	})
}

// Checkpoint returns the last token delivered to the device, if any.
func (d *Database) Checkpoint(ctx context.Context, userID, deviceID string) (types.StreamingToken, bool, error) {
	raw, err := d.Checkpoints.SelectCheckpoint(ctx, nil, userID, deviceID)
	if err != nil || raw == "" {
		return types.StreamingToken{}, false, err
	}
	tok, err := types.NewStreamTokenFromString(raw)
	if err != nil {
		return types.StreamingToken{}, false, fmt.Errorf("stored checkpoint for %s/%s: %w", userID, deviceID, err)
	}
	return tok, true, nil
}
