// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/synchrotron/internal/sqlutil"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
)

const syncCheckpointsSchema = `
-- Stores the last token handed to each device, so a client that lost its
-- token resumes instead of starting over.
CREATE TABLE IF NOT EXISTS syncapi_sync_checkpoints (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	token TEXT NOT NULL,
	updated_ts BIGINT NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
`

const upsertCheckpointSQL = "" +
	"INSERT INTO syncapi_sync_checkpoints (user_id, device_id, token, updated_ts)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (user_id, device_id)" +
	" DO UPDATE SET token = $3, updated_ts = $4"

const selectCheckpointSQL = "" +
	"SELECT token FROM syncapi_sync_checkpoints WHERE user_id = $1 AND device_id = $2"

const selectMaxCheckpointSQL = "" +
	"SELECT MAX(token) FROM syncapi_sync_checkpoints"

type syncCheckpointsStatements struct {
	db                      *sql.DB
	upsertCheckpointStmt    *sql.Stmt
	selectCheckpointStmt    *sql.Stmt
	selectMaxCheckpointStmt *sql.Stmt
}

func NewSqliteSyncCheckpointsTable(db *sql.DB) (tables.SyncCheckpoints, error) {
	s := &syncCheckpointsStatements{
		db: db,
	}
	_, err := db.Exec(syncCheckpointsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertCheckpointStmt, upsertCheckpointSQL},
		{&s.selectCheckpointStmt, selectCheckpointSQL},
		{&s.selectMaxCheckpointStmt, selectMaxCheckpointSQL},
	}.Prepare(db)
}

func (s *syncCheckpointsStatements) UpsertCheckpoint(
	ctx context.Context, txn *sql.Tx, userID, deviceID, token string, ts spec.Timestamp,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertCheckpointStmt).ExecContext(ctx, userID, deviceID, token, int64(ts))
	return err
}

func (s *syncCheckpointsStatements) SelectCheckpoint(
	ctx context.Context, txn *sql.Tx, userID, deviceID string,
) (token string, err error) {
	err = sqlutil.TxStmt(txn, s.selectCheckpointStmt).QueryRowContext(ctx, userID, deviceID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return
}

func (s *syncCheckpointsStatements) SelectMaxCheckpoint(ctx context.Context, txn *sql.Tx) (string, error) {
	var max sql.NullString
	err := sqlutil.TxStmt(txn, s.selectMaxCheckpointStmt).QueryRowContext(ctx).Scan(&max)
	return max.String, err
}
