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
	"github.com/element-hq/synchrotron/syncapi/types"
)

const membershipsSchema = `
-- Stores the latest membership of each user in each room.
CREATE TABLE IF NOT EXISTS syncapi_memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	membership TEXT NOT NULL,
	-- The m.room.member event that set the membership.
	event_id TEXT NOT NULL,
	UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_memberships_user_id_idx ON syncapi_memberships(user_id);
`

const upsertMembershipSQL = "" +
	"INSERT INTO syncapi_memberships (room_id, user_id, membership, event_id)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, user_id)" +
	" DO UPDATE SET membership = $3, event_id = $4"

const selectMembershipSQL = "" +
	"SELECT membership, event_id FROM syncapi_memberships WHERE room_id = $1 AND user_id = $2"

const selectRoomsForUserSQL = "" +
	"SELECT room_id, membership, event_id FROM syncapi_memberships WHERE user_id = $1 ORDER BY room_id"

const selectUsersWithMembershipSQL = "" +
	"SELECT user_id FROM syncapi_memberships WHERE room_id = $1 AND membership = $2 ORDER BY user_id"

const selectUsersSharingJoinedRoomsSQL = "" +
	"SELECT DISTINCT other.user_id FROM syncapi_memberships mine" +
	" JOIN syncapi_memberships other ON mine.room_id = other.room_id" +
	" WHERE mine.user_id = $1 AND mine.membership = 'join' AND other.membership = 'join'"

type membershipsStatements struct {
	db                                *sql.DB
	upsertMembershipStmt              *sql.Stmt
	selectMembershipStmt              *sql.Stmt
	selectRoomsForUserStmt            *sql.Stmt
	selectUsersWithMembershipStmt     *sql.Stmt
	selectUsersSharingJoinedRoomsStmt *sql.Stmt
}

func NewSqliteMembershipsTable(db *sql.DB) (tables.Memberships, error) {
	s := &membershipsStatements{
		db: db,
	}
	_, err := db.Exec(membershipsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectMembershipStmt, selectMembershipSQL},
		{&s.selectRoomsForUserStmt, selectRoomsForUserSQL},
		{&s.selectUsersWithMembershipStmt, selectUsersWithMembershipSQL},
		{&s.selectUsersSharingJoinedRoomsStmt, selectUsersSharingJoinedRoomsSQL},
	}.Prepare(db)
}

func (s *membershipsStatements) UpsertMembership(
	ctx context.Context, txn *sql.Tx, roomID, userID, membership string, eventID rstypes.StreamPosition,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertMembershipStmt).ExecContext(ctx, roomID, userID, membership, eventID)
	return err
}

func (s *membershipsStatements) SelectMembership(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) (membership string, eventID rstypes.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.selectMembershipStmt).QueryRowContext(ctx, roomID, userID).Scan(&membership, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	return
}

func (s *membershipsStatements) SelectRoomsForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]types.RoomMembership, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomsForUserStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomsForUser: rows.close() failed")
	var result []types.RoomMembership
	for rows.Next() {
		var m types.RoomMembership
		if err = rows.Scan(&m.RoomID, &m.Membership, &m.EventID); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *membershipsStatements) SelectUsersWithMembership(
	ctx context.Context, txn *sql.Tx, roomID, membership string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectUsersWithMembershipStmt).QueryContext(ctx, roomID, membership)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUsersWithMembership: rows.close() failed")
	return scanStrings(rows)
}

func (s *membershipsStatements) SelectUsersSharingJoinedRooms(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectUsersSharingJoinedRoomsStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUsersSharingJoinedRooms: rows.close() failed")
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	result := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
