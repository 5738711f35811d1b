// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const accountDataSchema = `
-- Stores the latest account data of each type, globally (room_id = '') or per room.
CREATE TABLE IF NOT EXISTS syncapi_account_data (
	id TEXT COLLATE "C" NOT NULL PRIMARY KEY,
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	UNIQUE (user_id, room_id, type)
);
CREATE INDEX IF NOT EXISTS syncapi_account_data_user_id_idx ON syncapi_account_data(user_id, id);
`

const upsertAccountDataSQL = "" +
	"INSERT INTO syncapi_account_data (id, user_id, room_id, type, content)" +
	" VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id, room_id, type)" +
	" DO UPDATE SET id = $1, content = $5"

const selectAccountDataInRangeSQL = "" +
	"SELECT id, user_id, room_id, type, content FROM syncapi_account_data" +
	" WHERE user_id = $1 AND id > $2 AND id <= $3" +
	" ORDER BY id ASC"

const selectAccountDataSQL = "" +
	"SELECT content FROM syncapi_account_data WHERE user_id = $1 AND room_id = $2 AND type = $3"

const selectMaxAccountDataIDSQL = "" +
	"SELECT MAX(id) FROM syncapi_account_data"

type accountDataStatements struct {
	db                           *sql.DB
	upsertAccountDataStmt        *sql.Stmt
	selectAccountDataInRangeStmt *sql.Stmt
	selectAccountDataStmt        *sql.Stmt
	selectMaxAccountDataIDStmt   *sql.Stmt
}

func NewPostgresAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	s := &accountDataStatements{
		db: db,
	}
	_, err := db.Exec(accountDataSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertAccountDataStmt, upsertAccountDataSQL},
		{&s.selectAccountDataInRangeStmt, selectAccountDataInRangeSQL},
		{&s.selectAccountDataStmt, selectAccountDataSQL},
		{&s.selectMaxAccountDataIDStmt, selectMaxAccountDataIDSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(ctx context.Context, txn *sql.Tx, data types.AccountData) error {
	_, err := sqlutil.TxStmt(txn, s.upsertAccountDataStmt).ExecContext(
		ctx, data.Position, data.UserID, data.RoomID, data.Type, string(data.Content),
	)
	return err
}

func (s *accountDataStatements) SelectAccountDataInRange(
	ctx context.Context, txn *sql.Tx, userID string, r types.Range,
) ([]types.AccountData, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAccountDataInRangeStmt).QueryContext(ctx, userID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAccountDataInRange: rows.close() failed")
	var result []types.AccountData
	for rows.Next() {
		var data types.AccountData
		var content []byte
		if err = rows.Scan(&data.Position, &data.UserID, &data.RoomID, &data.Type, &content); err != nil {
			return nil, err
		}
		data.Content = content
		result = append(result, data)
	}
	return result, rows.Err()
}

func (s *accountDataStatements) SelectAccountData(
	ctx context.Context, txn *sql.Tx, userID, roomID, dataType string,
) (json.RawMessage, error) {
	var content []byte
	err := sqlutil.TxStmt(txn, s.selectAccountDataStmt).QueryRowContext(ctx, userID, roomID, dataType).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return content, err
}

func (s *accountDataStatements) SelectMaxAccountDataID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error) {
	return selectMaxPosition(ctx, sqlutil.TxStmt(txn, s.selectMaxAccountDataIDStmt))
}
