// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
)

const currentRoomStateSchema = `
-- Points each (room, type, state key) at the latest state event for it.
CREATE TABLE IF NOT EXISTS syncapi_current_room_state (
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	event_id TEXT NOT NULL,
	UNIQUE (room_id, type, state_key)
);
`

const upsertRoomStateSQL = "" +
	"INSERT INTO syncapi_current_room_state (room_id, type, state_key, event_id)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, type, state_key)" +
	" DO UPDATE SET event_id = $4"

const stateEventColumns = "" +
	"e.id, e.room_id, e.sender, e.type, e.state_key, e.content, e.origin_server_ts, e.unsigned"

const selectStateEventSQL = "" +
	"SELECT " + stateEventColumns +
	" FROM syncapi_current_room_state c JOIN syncapi_state_events e ON c.event_id = e.id" +
	" WHERE c.room_id = $1 AND c.type = $2 AND c.state_key = $3"

const selectCurrentStateSQL = "" +
	"SELECT " + stateEventColumns +
	" FROM syncapi_current_room_state c JOIN syncapi_state_events e ON c.event_id = e.id" +
	" WHERE c.room_id = $1 ORDER BY e.id ASC"

const selectStateEntryCountSQL = "" +
	"SELECT COUNT(*) FROM syncapi_current_room_state WHERE room_id = $1 AND type = $2 AND state_key = $3"

type currentRoomStateStatements struct {
	db                        *sql.DB
	upsertRoomStateStmt       *sql.Stmt
	selectStateEventStmt      *sql.Stmt
	selectCurrentStateStmt    *sql.Stmt
	selectStateEntryCountStmt *sql.Stmt
}

// NewSqliteCurrentRoomStateTable must be created after the state events table.
func NewSqliteCurrentRoomStateTable(db *sql.DB) (tables.CurrentRoomState, error) {
	s := &currentRoomStateStatements{
		db: db,
	}
	_, err := db.Exec(currentRoomStateSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertRoomStateStmt, upsertRoomStateSQL},
		{&s.selectStateEventStmt, selectStateEventSQL},
		{&s.selectCurrentStateStmt, selectCurrentStateSQL},
		{&s.selectStateEntryCountStmt, selectStateEntryCountSQL},
	}.Prepare(db)
}

func (s *currentRoomStateStatements) UpsertRoomState(
	ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string, eventID rstypes.StreamPosition,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertRoomStateStmt).ExecContext(ctx, roomID, evType, stateKey, eventID)
	return err
}

func (s *currentRoomStateStatements) SelectStateEvent(
	ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string,
) (*rstypes.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectStateEventStmt).QueryContext(ctx, roomID, evType, stateKey)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateEvent: rows.close() failed")
	events, err := rowsToEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (s *currentRoomStateStatements) SelectCurrentState(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]*rstypes.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectCurrentStateStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentState: rows.close() failed")
	return rowsToEvents(rows)
}

func (s *currentRoomStateStatements) SelectStateEntryCount(
	ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string,
) (count int, err error) {
	err = sqlutil.TxStmt(txn, s.selectStateEntryCountStmt).QueryRowContext(ctx, roomID, evType, stateKey).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return
}
