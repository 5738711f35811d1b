// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const deviceListChangesSchema = `
-- Stores the position of the latest device list change for each user.
CREATE TABLE IF NOT EXISTS syncapi_device_list_changes (
	user_id TEXT NOT NULL PRIMARY KEY,
	id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_device_list_changes_id_idx ON syncapi_device_list_changes(id);
`

const upsertDeviceListChangeSQL = "" +
	"INSERT INTO syncapi_device_list_changes (user_id, id) VALUES ($1, $2)" +
	" ON CONFLICT (user_id) DO UPDATE SET id = $2"

const selectDeviceListChangesSQL = "" +
	"SELECT user_id FROM syncapi_device_list_changes WHERE id > $1 AND id <= $2 ORDER BY user_id"

const selectMaxDeviceListChangeIDSQL = "" +
	"SELECT MAX(id) FROM syncapi_device_list_changes"

type deviceListChangesStatements struct {
	db                              *sql.DB
	upsertDeviceListChangeStmt      *sql.Stmt
	selectDeviceListChangesStmt     *sql.Stmt
	selectMaxDeviceListChangeIDStmt *sql.Stmt
}

func NewSqliteDeviceListChangesTable(db *sql.DB) (tables.DeviceListChanges, error) {
	s := &deviceListChangesStatements{
		db: db,
	}
	_, err := db.Exec(deviceListChangesSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertDeviceListChangeStmt, upsertDeviceListChangeSQL},
		{&s.selectDeviceListChangesStmt, selectDeviceListChangesSQL},
		{&s.selectMaxDeviceListChangeIDStmt, selectMaxDeviceListChangeIDSQL},
	}.Prepare(db)
}

func (s *deviceListChangesStatements) UpsertChange(ctx context.Context, txn *sql.Tx, userID string, pos rstypes.StreamPosition) error {
	_, err := sqlutil.TxStmt(txn, s.upsertDeviceListChangeStmt).ExecContext(ctx, userID, pos)
	return err
}

func (s *deviceListChangesStatements) SelectChangesInRange(ctx context.Context, txn *sql.Tx, r types.Range) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectDeviceListChangesStmt).QueryContext(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectChangesInRange: rows.close() failed")
	return scanStrings(rows)
}

func (s *deviceListChangesStatements) SelectMaxChangeID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error) {
	return selectMaxPosition(ctx, sqlutil.TxStmt(txn, s.selectMaxDeviceListChangeIDStmt))
}
