// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

// %[1]s is the table name, %[2]s the state key column definition.
const eventsSchema = `
-- Stores one partition of the room event log.
CREATE TABLE IF NOT EXISTS %[1]s (
	-- The stream position. Clients see it prefixed with '$' as the event ID.
	-- Positions must compare bytewise so the collation is fixed.
	id TEXT COLLATE "C" NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	%[2]s
	content TEXT NOT NULL,
	origin_server_ts BIGINT NOT NULL,
	-- Redactions rewrite this, it is otherwise fixed at insert time.
	unsigned TEXT
);
CREATE INDEX IF NOT EXISTS %[1]s_room_id_idx ON %[1]s(room_id, id);
`

// %[2]s is the state key select expression.
const eventsColumns = "id, room_id, sender, type, %[2]s, content, origin_server_ts, unsigned"

const insertEventSQL = "" +
	"INSERT INTO %[1]s (id, room_id, sender, type, %[2]scontent, origin_server_ts, unsigned)" +
	" VALUES ($1, $2, $3, $4, %[3]s)"

const updateEventSQL = "" +
	"UPDATE %[1]s SET content = $1, unsigned = $2 WHERE id = $3"

const selectEventsSQL = "" +
	"SELECT " + eventsColumns + " FROM %[1]s WHERE id = ANY($1)"

const selectRecentEventsSQL = "" +
	"SELECT " + eventsColumns + " FROM %[1]s" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3" +
	" ORDER BY id DESC LIMIT $4"

const selectEventsBeforeSQL = "" +
	"SELECT " + eventsColumns + " FROM %[1]s" +
	" WHERE room_id = $1 AND id < $2" +
	" ORDER BY id DESC LIMIT $3"

const selectEarliestEventsSQL = "" +
	"SELECT " + eventsColumns + " FROM %[1]s" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3" +
	" ORDER BY id ASC LIMIT $4"

const selectUnreadContentsSQL = "" +
	"SELECT content FROM %[1]s" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3 AND sender != $4" +
	" ORDER BY id ASC LIMIT $5"

const selectLatestPositionsSQL = "" +
	"SELECT room_id, MAX(id) FROM %[1]s WHERE room_id = ANY($1) AND id <= $2 GROUP BY room_id"

// Only prepared for the state partition.
const selectStateHistorySQL = "" +
	"SELECT " + eventsColumns + " FROM %[1]s" +
	" WHERE room_id = $1 AND type = $2 AND state_key = $3 AND id <= $4" +
	" ORDER BY id ASC"

const selectMaxEventIDSQL = "" +
	"SELECT MAX(id) FROM %[1]s"

type eventsStatements struct {
	partition                 tables.Partition
	insertEventStmt           *sql.Stmt
	updateEventStmt           *sql.Stmt
	selectEventsStmt          *sql.Stmt
	selectRecentEventsStmt    *sql.Stmt
	selectEventsBeforeStmt    *sql.Stmt
	selectEarliestEventsStmt  *sql.Stmt
	selectUnreadContentsStmt  *sql.Stmt
	selectLatestPositionsStmt *sql.Stmt
	selectStateHistoryStmt    *sql.Stmt
	selectMaxEventIDStmt      *sql.Stmt
}

// NewPostgresEventsTable creates the table for one partition of the event log.
func NewPostgresEventsTable(db *sql.DB, partition tables.Partition) (tables.Events, error) {
	s := &eventsStatements{
		partition: partition,
	}
	table := fmt.Sprintf("syncapi_%s_events", partition)
	stateKeyDef, stateKeySelect, stateKeyInsert, values := "", "NULL", "", "$5, $6, $7"
	if partition == tables.StatePartition {
		stateKeyDef, stateKeySelect, stateKeyInsert, values = "state_key TEXT NOT NULL,", "state_key", "state_key, ", "$5, $6, $7, $8"
	}
	if _, err := db.Exec(fmt.Sprintf(eventsSchema, table, stateKeyDef)); err != nil {
		return nil, err
	}
	format := func(query string) string {
		return fmt.Sprintf(query, table, stateKeySelect)
	}
	statements := sqlutil.StatementList{
		{&s.insertEventStmt, fmt.Sprintf(insertEventSQL, table, stateKeyInsert, values)},
		{&s.updateEventStmt, format(updateEventSQL)},
		{&s.selectEventsStmt, format(selectEventsSQL)},
		{&s.selectRecentEventsStmt, format(selectRecentEventsSQL)},
		{&s.selectEventsBeforeStmt, format(selectEventsBeforeSQL)},
		{&s.selectEarliestEventsStmt, format(selectEarliestEventsSQL)},
		{&s.selectUnreadContentsStmt, format(selectUnreadContentsSQL)},
		{&s.selectLatestPositionsStmt, format(selectLatestPositionsSQL)},
		{&s.selectMaxEventIDStmt, format(selectMaxEventIDSQL)},
	}
	if partition == tables.StatePartition {
		statements = append(statements, sqlutil.StatementList{
			{&s.selectStateHistoryStmt, format(selectStateHistorySQL)},
		}...)
	}
	return s, statements.Prepare(db)
}

func (s *eventsStatements) InsertEvent(ctx context.Context, txn *sql.Tx, ev *rstypes.Event) error {
	args := []any{ev.ID, ev.RoomID, ev.Sender, ev.Type}
	if s.partition == tables.StatePartition {
		if ev.StateKey == nil {
			return fmt.Errorf("event %s has no state key", ev.EventID())
		}
		args = append(args, *ev.StateKey)
	}
	args = append(args, string(ev.Content), int64(ev.OriginServerTS), nullableJSON(ev.Unsigned))
	_, err := sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(ctx, args...)
	return err
}

func (s *eventsStatements) UpdateEvent(
	ctx context.Context, txn *sql.Tx, id rstypes.StreamPosition, content, unsigned json.RawMessage,
) (bool, error) {
	res, err := sqlutil.TxStmt(txn, s.updateEventStmt).ExecContext(ctx, string(content), nullableJSON(unsigned), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *eventsStatements) SelectEvents(ctx context.Context, txn *sql.Tx, ids []rstypes.StreamPosition) ([]*rstypes.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, s.selectEventsStmt).QueryContext(ctx, pq.Array(positionStrings(ids)))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEvents: rows.close() failed")
	return rowsToEvents(rows)
}

func (s *eventsStatements) SelectRecentEvents(
	ctx context.Context, txn *sql.Tx, roomID string, r types.Range, limit int,
) ([]*rstypes.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRecentEventsStmt).QueryContext(ctx, roomID, r.From, r.To, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRecentEvents: rows.close() failed")
	return rowsToEvents(rows)
}

func (s *eventsStatements) SelectEventsBefore(
	ctx context.Context, txn *sql.Tx, roomID string, pos rstypes.StreamPosition, limit int,
) ([]*rstypes.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEventsBeforeStmt).QueryContext(ctx, roomID, pos, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventsBefore: rows.close() failed")
	return rowsToEvents(rows)
}

func (s *eventsStatements) SelectEarliestEvents(
	ctx context.Context, txn *sql.Tx, roomID string, r types.Range, limit int,
) ([]*rstypes.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEarliestEventsStmt).QueryContext(ctx, roomID, r.From, r.To, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEarliestEvents: rows.close() failed")
	return rowsToEvents(rows)
}

func (s *eventsStatements) SelectUnreadContents(
	ctx context.Context, txn *sql.Tx, roomID string, r types.Range, sender string, limit int,
) ([]json.RawMessage, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectUnreadContentsStmt).QueryContext(ctx, roomID, r.From, r.To, sender, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUnreadContents: rows.close() failed")
	var contents []json.RawMessage
	for rows.Next() {
		var content string
		if err = rows.Scan(&content); err != nil {
			return nil, err
		}
		contents = append(contents, json.RawMessage(content))
	}
	return contents, rows.Err()
}

func (s *eventsStatements) SelectLatestPositions(
	ctx context.Context, txn *sql.Tx, roomIDs []string, upper rstypes.StreamPosition,
) (map[string]rstypes.StreamPosition, error) {
	result := make(map[string]rstypes.StreamPosition, len(roomIDs))
	if len(roomIDs) == 0 {
		return result, nil
	}
	rows, err := sqlutil.TxStmt(txn, s.selectLatestPositionsStmt).QueryContext(ctx, pq.Array(roomIDs), upper)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectLatestPositions: rows.close() failed")
	for rows.Next() {
		var roomID string
		var pos rstypes.StreamPosition
		if err = rows.Scan(&roomID, &pos); err != nil {
			return nil, err
		}
		result[roomID] = pos
	}
	return result, rows.Err()
}

func (s *eventsStatements) SelectStateHistory(
	ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string, upper rstypes.StreamPosition,
) ([]*rstypes.Event, error) {
	if s.partition != tables.StatePartition {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, s.selectStateHistoryStmt).QueryContext(ctx, roomID, evType, stateKey, upper)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateHistory: rows.close() failed")
	return rowsToEvents(rows)
}

func (s *eventsStatements) SelectMaxID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error) {
	return selectMaxPosition(ctx, sqlutil.TxStmt(txn, s.selectMaxEventIDStmt))
}

func rowsToEvents(rows *sql.Rows) ([]*rstypes.Event, error) {
	var events []*rstypes.Event
	for rows.Next() {
		var (
			ev       rstypes.Event
			stateKey sql.NullString
			content  string
			unsigned sql.NullString
			ts       int64
		)
		if err := rows.Scan(&ev.ID, &ev.RoomID, &ev.Sender, &ev.Type, &stateKey, &content, &ts, &unsigned); err != nil {
			return nil, err
		}
		if stateKey.Valid {
			ev.StateKey = &stateKey.String
		}
		ev.Content = json.RawMessage(content)
		ev.OriginServerTS = spec.Timestamp(ts)
		if unsigned.Valid && unsigned.String != "" {
			ev.Unsigned = json.RawMessage(unsigned.String)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func positionStrings(ids []rstypes.StreamPosition) []string {
	result := make([]string, len(ids))
	for i, id := range ids {
		result[i] = string(id)
	}
	return result
}

func selectMaxPosition(ctx context.Context, stmt *sql.Stmt) (rstypes.StreamPosition, error) {
	var max sql.NullString
	if err := stmt.QueryRowContext(ctx).Scan(&max); err != nil {
		return "", err
	}
	return rstypes.StreamPosition(max.String), nil
}
