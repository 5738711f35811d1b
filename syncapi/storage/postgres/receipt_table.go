// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

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
	id TEXT COLLATE "C" NOT NULL PRIMARY KEY,
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
	" DO UPDATE SET id = EXCLUDED.id, event_id = EXCLUDED.event_id, receipt_ts = EXCLUDED.receipt_ts"

const selectRoomReceipts = "" +
	"SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts" +
	" FROM syncapi_receipts" +
	" WHERE room_id = ANY($1) AND id > $2 AND id <= $3" +
	" ORDER BY id ASC"

const selectUserReceipts = "" +
	"SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts" +
	" FROM syncapi_receipts" +
	" WHERE room_id = $1 AND user_id = $2"

const selectMaxReceiptIDSQL = "" +
	"SELECT MAX(id) FROM syncapi_receipts"

type receiptStatements struct {
	upsertReceipt      *sql.Stmt
	selectRoomReceipts *sql.Stmt
	selectUserReceipts *sql.Stmt
	selectMaxReceiptID *sql.Stmt
}

func NewPostgresReceiptsTable(db *sql.DB) (tables.Receipts, error) {
	_, err := db.Exec(receiptsSchema)
	if err != nil {
		return nil, err
	}
	r := &receiptStatements{}
	return r, sqlutil.StatementList{
		{&r.upsertReceipt, upsertReceipt},
		{&r.selectRoomReceipts, selectRoomReceipts},
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
	rows, err := sqlutil.TxStmt(txn, r.selectRoomReceipts).QueryContext(ctx, pq.Array(roomIDs), rng.From, rng.To)
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
