// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/element-hq/synchrotron/internal/eventutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// DatabaseTransaction reads from a single snapshot of the database. A nil
// txn reads outside of any transaction.
type DatabaseTransaction struct {
	*Database
	txn *sql.Tx
}

func (d *DatabaseTransaction) withTxn(txn *sql.Tx) *DatabaseTransaction {
	return &DatabaseTransaction{Database: d.Database, txn: txn}
}

func (d *DatabaseTransaction) Commit() error {
	if d.txn == nil {
		return nil
	}
	return d.txn.Commit()
}

func (d *DatabaseTransaction) Rollback() error {
	if d.txn == nil {
		return nil
	}
	return d.txn.Rollback()
}

// MaxStreamPosition returns the newest position committed to any persisted stream.
func (d *DatabaseTransaction) MaxStreamPosition(ctx context.Context) (rstypes.StreamPosition, error) {
	var max rstypes.StreamPosition
	for name, selectMax := range map[string]func(context.Context, *sql.Tx) (rstypes.StreamPosition, error){
		"state events":        d.StateEvents.SelectMaxID,
		"timeline events":     d.TimelineEvents.SelectMaxID,
		"receipts":            d.Receipts.SelectMaxReceiptID,
		"account data":        d.AccountData.SelectMaxAccountDataID,
		"send-to-device":      d.SendToDevice.SelectMaxSendToDeviceMessageID,
		"device list changes": d.DeviceListChanges.SelectMaxChangeID,
	} {
		pos, err := selectMax(ctx, d.txn)
		if err != nil {
			return "", fmt.Errorf("selecting max %s position: %w", name, err)
		}
		max = rstypes.MaxPosition(max, pos)
	}
	return max, nil
}

func (d *DatabaseTransaction) RoomsForUser(ctx context.Context, userID string) ([]types.RoomMembership, error) {
	return d.Memberships.SelectRoomsForUser(ctx, d.txn, userID)
}

// Membership returns the user's membership in the room as of the snapshot.
func (d *DatabaseTransaction) Membership(ctx context.Context, roomID, userID string) (string, rstypes.StreamPosition, error) {
	return d.Memberships.SelectMembership(ctx, d.txn, roomID, userID)
}

func (d *DatabaseTransaction) UsersWithMembership(ctx context.Context, roomID, membership string) ([]string, error) {
	return d.Memberships.SelectUsersWithMembership(ctx, d.txn, roomID, membership)
}

// UsersSharingJoinedRooms returns every user joined to a room userID is joined to.
func (d *DatabaseTransaction) UsersSharingJoinedRooms(ctx context.Context, userID string) ([]string, error) {
	return d.Memberships.SelectUsersSharingJoinedRooms(ctx, d.txn, userID)
}

func (d *DatabaseTransaction) CurrentState(ctx context.Context, roomID string) ([]*rstypes.Event, error) {
	return d.CurrentRoomState.SelectCurrentState(ctx, d.txn, roomID)
}

func (d *DatabaseTransaction) StateEvent(ctx context.Context, roomID, evType, stateKey string) (*rstypes.Event, error) {
	return d.CurrentRoomState.SelectStateEvent(ctx, d.txn, roomID, evType, stateKey)
}

// StateEntryCount returns how many current state rows exist for the tuple.
func (d *DatabaseTransaction) StateEntryCount(ctx context.Context, roomID, evType, stateKey string) (int, error) {
	return d.CurrentRoomState.SelectStateEntryCount(ctx, d.txn, roomID, evType, stateKey)
}

// MembershipHistory returns the user's membership events in the room at or
// below upper, oldest first.
func (d *DatabaseTransaction) MembershipHistory(
	ctx context.Context, roomID, userID string, upper rstypes.StreamPosition,
) (types.MembershipHistory, error) {
	events, err := d.StateEvents.SelectStateHistory(ctx, d.txn, roomID, rstypes.MRoomMember, userID, upper)
	if err != nil {
		return nil, fmt.Errorf("d.StateEvents.SelectStateHistory: %w", err)
	}
	return events, nil
}

// Events returns the events with the given positions from either partition,
// in stream order.
func (d *DatabaseTransaction) Events(ctx context.Context, ids []rstypes.StreamPosition) ([]*rstypes.Event, error) {
	state, err := d.StateEvents.SelectEvents(ctx, d.txn, ids)
	if err != nil {
		return nil, fmt.Errorf("d.StateEvents.SelectEvents: %w", err)
	}
	timeline, err := d.TimelineEvents.SelectEvents(ctx, d.txn, ids)
	if err != nil {
		return nil, fmt.Errorf("d.TimelineEvents.SelectEvents: %w", err)
	}
	events := append(state, timeline...)
	sortOldestFirst(events)
	return events, nil
}

// RecentEvents returns the newest limit events of the room in r, oldest
// first. limited is true when r holds more events than were returned.
func (d *DatabaseTransaction) RecentEvents(
	ctx context.Context, roomID string, r types.Range, limit int,
) (events []*rstypes.Event, limited bool, err error) {
	state, err := d.StateEvents.SelectRecentEvents(ctx, d.txn, roomID, r, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("d.StateEvents.SelectRecentEvents: %w", err)
	}
	timeline, err := d.TimelineEvents.SelectRecentEvents(ctx, d.txn, roomID, r, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("d.TimelineEvents.SelectRecentEvents: %w", err)
	}
	events = append(state, timeline...)
	sortNewestFirst(events)
	if len(events) > limit {
		events, limited = events[:limit], true
	}
	reverse(events)
	return events, limited, nil
}

// EventsBefore returns up to limit events strictly before pos, newest first.
func (d *DatabaseTransaction) EventsBefore(
	ctx context.Context, roomID string, pos rstypes.StreamPosition, limit int,
) ([]*rstypes.Event, error) {
	state, err := d.StateEvents.SelectEventsBefore(ctx, d.txn, roomID, pos, limit)
	if err != nil {
		return nil, fmt.Errorf("d.StateEvents.SelectEventsBefore: %w", err)
	}
	timeline, err := d.TimelineEvents.SelectEventsBefore(ctx, d.txn, roomID, pos, limit)
	if err != nil {
		return nil, fmt.Errorf("d.TimelineEvents.SelectEventsBefore: %w", err)
	}
	events := append(state, timeline...)
	sortNewestFirst(events)
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// EarliestEvents returns up to limit events of the room in r, oldest first.
func (d *DatabaseTransaction) EarliestEvents(
	ctx context.Context, roomID string, r types.Range, limit int,
) ([]*rstypes.Event, error) {
	state, err := d.StateEvents.SelectEarliestEvents(ctx, d.txn, roomID, r, limit)
	if err != nil {
		return nil, fmt.Errorf("d.StateEvents.SelectEarliestEvents: %w", err)
	}
	timeline, err := d.TimelineEvents.SelectEarliestEvents(ctx, d.txn, roomID, r, limit)
	if err != nil {
		return nil, fmt.Errorf("d.TimelineEvents.SelectEarliestEvents: %w", err)
	}
	events := append(state, timeline...)
	sortOldestFirst(events)
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// LatestRoomPositions returns the position of the newest event at or below
// upper in each room that has one.
func (d *DatabaseTransaction) LatestRoomPositions(
	ctx context.Context, roomIDs []string, upper rstypes.StreamPosition,
) (map[string]rstypes.StreamPosition, error) {
	latest, err := d.StateEvents.SelectLatestPositions(ctx, d.txn, roomIDs, upper)
	if err != nil {
		return nil, fmt.Errorf("d.StateEvents.SelectLatestPositions: %w", err)
	}
	timeline, err := d.TimelineEvents.SelectLatestPositions(ctx, d.txn, roomIDs, upper)
	if err != nil {
		return nil, fmt.Errorf("d.TimelineEvents.SelectLatestPositions: %w", err)
	}
	for roomID, pos := range timeline {
		latest[roomID] = rstypes.MaxPosition(latest[roomID], pos)
	}
	return latest, nil
}

// UnreadContents returns the content of up to limit timeline events in r
// sent by someone other than userID.
func (d *DatabaseTransaction) UnreadContents(
	ctx context.Context, roomID string, r types.Range, userID string, limit int,
) ([]json.RawMessage, error) {
	return d.TimelineEvents.SelectUnreadContents(ctx, d.txn, roomID, r, userID, limit)
}

// ApplyRelations adds the m.relations summary to the unsigned data of each
// event that has been edited or replied to in a thread, as of upper.
func (d *DatabaseTransaction) ApplyRelations(ctx context.Context, events []*rstypes.Event, upper rstypes.StreamPosition) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]rstypes.StreamPosition, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	relations, err := d.Relations.SelectRelationsTo(ctx, d.txn, ids, upper)
	if err != nil {
		return fmt.Errorf("d.Relations.SelectRelationsTo: %w", err)
	}
	summaries := make(map[rstypes.StreamPosition]*eventutil.RelationSummary)
	for _, rel := range relations {
		summary, ok := summaries[rel.RelatesTo]
		if !ok {
			summary = &eventutil.RelationSummary{}
			summaries[rel.RelatesTo] = summary
		}
		switch rel.RelType {
		case eventutil.RelationThread:
			summary.ThreadCount++
			summary.ThreadLatestEvent = rstypes.EventIDFromPosition(rel.EventID)
		case eventutil.RelationReplace:
			summary.LatestEdit = rstypes.EventIDFromPosition(rel.EventID)
		}
	}
	for _, ev := range events {
		summary, ok := summaries[ev.ID]
		if !ok {
			continue
		}
		if ev.Unsigned, err = eventutil.WithRelations(ev.Unsigned, *summary); err != nil {
			return fmt.Errorf("eventutil.WithRelations: %w", err)
		}
	}
	return nil
}

func (d *DatabaseTransaction) RoomReceipts(ctx context.Context, roomIDs []string, r types.Range) ([]types.Receipt, error) {
	return d.Receipts.SelectRoomReceiptsInRange(ctx, d.txn, roomIDs, r)
}

func (d *DatabaseTransaction) UserReceipts(ctx context.Context, roomID, userID string) ([]types.Receipt, error) {
	return d.Receipts.SelectUserReceipts(ctx, d.txn, roomID, userID)
}

func (d *DatabaseTransaction) AccountDataInRange(ctx context.Context, userID string, r types.Range) ([]types.AccountData, error) {
	return d.AccountData.SelectAccountDataInRange(ctx, d.txn, userID, r)
}

func (d *DatabaseTransaction) SendToDeviceMessages(
	ctx context.Context, userID, deviceID string, upper rstypes.StreamPosition, limit int,
) ([]types.SendToDevice, error) {
	return d.SendToDevice.SelectSendToDeviceMessages(ctx, d.txn, userID, deviceID, upper, limit)
}

func (d *DatabaseTransaction) DeviceListChangesInRange(ctx context.Context, r types.Range) ([]string, error) {
	return d.DeviceListChanges.SelectChangesInRange(ctx, d.txn, r)
}

func sortOldestFirst(events []*rstypes.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[j].ID.After(events[i].ID)
	})
}

func sortNewestFirst(events []*rstypes.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].ID.After(events[j].ID)
	})
}

func reverse(events []*rstypes.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
