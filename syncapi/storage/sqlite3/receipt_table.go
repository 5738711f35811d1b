// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const receiptsSchema = `
-- Stores data about receipts
CREATE TABLE IF NOT EXISTS syncapi_receipts (
	-- The stream position of the latest update
	id TEXT NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	receipt_ts BIGINT NOT NULL,
	CONSTRAINT syncapi_receipts_unique UNIQUE (room_id, receipt_type, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_receipts_room_id ON syncapi_receipts(room_id, id);
`

const upsertReceipt = "" +
	"INSERT INTO syncapi_receipts" +
	" (id, room_id, receipt_type, user_id, event_id, receipt_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id, receipt_type, user_id)" +
	" DO UPDATE SET id = $1, event_id = $5, receipt_ts = $6"

const selectRoomReceipts = "" +
	"SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts" +
	" FROM syncapi_receipts" +
	" WHERE id > $1 AND id <= $2 AND room_id IN ($3)" +
	" ORDER BY id ASC"

const selectUserReceipts = "" +
	"SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts" +
	" FROM syncapi_receipts" +
	" WHERE room_id = $1 AND user_id = $2"

const selectMaxReceiptIDSQL = "" +
	"SELECT MAX(id) FROM syncapi_receipts"

type receiptStatements struct {
	db                 *sql.DB
	upsertReceipt      *sql.Stmt
	selectUserReceipts *sql.Stmt
	selectMaxReceiptID *sql.Stmt
}

func NewSqliteReceiptsTable(db *sql.DB) (tables.Receipts, error) {
	_, err := db.Exec(receiptsSchema)
	if err != nil {
		return nil, err
	}
	r := &receiptStatements{
		db: db,
	}
	return r, sqlutil.StatementList{
		{&r.upsertReceipt, upsertReceipt},
		{&r.selectUserReceipts, selectUserReceipts},
		{&r.selectMaxReceiptID, selectMaxReceiptIDSQL},
	}.Prepare(db)
}

func (r *receiptStatements) UpsertReceipt(ctx context.Context, txn *sql.Tx, receipt types.Receipt) error {
	stmt := sqlutil.TxStmt(txn, r.upsertReceipt)
	_, err := stmt.ExecContext(ctx, receipt.Position, receipt.RoomID, receipt.Type, receipt.UserID, receipt.EventID, receipt.Timestamp)
	return err
}

func (r *receiptStatements) SelectRoomReceiptsInRange(
	ctx context.Context, txn *sql.Tx, roomIDs []string, rng types.Range,
) ([]types.Receipt, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	query := strings.Replace(selectRoomReceipts, "($3)", sqlutil.QueryVariadicOffset(len(roomIDs), 2), 1)
	params := make([]any, 0, len(roomIDs)+2)
	params = append(params, rng.From, rng.To)
	for _, roomID := range roomIDs {
		params = append(params, roomID)
	}
	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare statement: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, stmt, "SelectRoomReceiptsInRange: stmt.close() failed")
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("unable to query room receipts: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomReceiptsInRange: rows.close() failed")
	return rowsToReceipts(rows)
}

func (r *receiptStatements) SelectUserReceipts(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) ([]types.Receipt, error) {
	rows, err := sqlutil.TxStmt(txn, r.selectUserReceipts).QueryContext(ctx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("unable to query user receipts: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUserReceipts: rows.close() failed")
	return rowsToReceipts(rows)
}

func (r *receiptStatements) SelectMaxReceiptID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error) {
	return selectMaxPosition(ctx, sqlutil.TxStmt(txn, r.selectMaxReceiptID))
}

func rowsToReceipts(rows *sql.Rows) ([]types.Receipt, error) {
	var res []types.Receipt
	for rows.Next() {
		var receipt types.Receipt
		err := rows.Scan(&receipt.Position, &receipt.RoomID, &receipt.Type, &receipt.UserID, &receipt.EventID, &receipt.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("unable to scan receipt row: %w", err)
		}
		res = append(res, receipt)
	}
	return res, rows.Err()
}
