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

const sendToDeviceSchema = `
-- Stores send-to-device messages until the device next syncs.
CREATE TABLE IF NOT EXISTS syncapi_send_to_device (
	id TEXT NOT NULL PRIMARY KEY,
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_send_to_device_user_id_device_id_idx ON syncapi_send_to_device(user_id, device_id, id);
`

const insertSendToDeviceMessageSQL = "" +
	"INSERT INTO syncapi_send_to_device (id, user_id, device_id, sender, type, content)" +
	" VALUES ($1, $2, $3, $4, $5, $6)"

const selectSendToDeviceMessagesSQL = "" +
	"SELECT id, user_id, device_id, sender, type, content FROM syncapi_send_to_device" +
	" WHERE user_id = $1 AND device_id = $2 AND id <= $3" +
	" ORDER BY id ASC LIMIT $4"

const deleteSendToDeviceMessagesSQL = "" +
	"DELETE FROM syncapi_send_to_device WHERE user_id = $1 AND device_id = $2 AND id <= $3"

const selectMaxSendToDeviceIDSQL = "" +
	"SELECT MAX(id) FROM syncapi_send_to_device"

type sendToDeviceStatements struct {
	db                             *sql.DB
	insertSendToDeviceMessageStmt  *sql.Stmt
	selectSendToDeviceMessagesStmt *sql.Stmt
	deleteSendToDeviceMessagesStmt *sql.Stmt
	selectMaxSendToDeviceIDStmt    *sql.Stmt
}

func NewSqliteSendToDeviceTable(db *sql.DB) (tables.SendToDevice, error) {
	s := &sendToDeviceStatements{
		db: db,
	}
	_, err := db.Exec(sendToDeviceSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertSendToDeviceMessageStmt, insertSendToDeviceMessageSQL},
		{&s.selectSendToDeviceMessagesStmt, selectSendToDeviceMessagesSQL},
		{&s.deleteSendToDeviceMessagesStmt, deleteSendToDeviceMessagesSQL},
		{&s.selectMaxSendToDeviceIDStmt, selectMaxSendToDeviceIDSQL},
	}.Prepare(db)
}

func (s *sendToDeviceStatements) InsertSendToDeviceMessage(ctx context.Context, txn *sql.Tx, msg types.SendToDevice) error {
	_, err := sqlutil.TxStmt(txn, s.insertSendToDeviceMessageStmt).ExecContext(
		ctx, msg.Position, msg.UserID, msg.DeviceID, msg.Sender, msg.Type, string(msg.Content),
	)
	return err
}

func (s *sendToDeviceStatements) SelectSendToDeviceMessages(
	ctx context.Context, txn *sql.Tx, userID, deviceID string, upper rstypes.StreamPosition, limit int,
) ([]types.SendToDevice, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSendToDeviceMessagesStmt).QueryContext(ctx, userID, deviceID, upper, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSendToDeviceMessages: rows.close() failed")
	var result []types.SendToDevice
	for rows.Next() {
		var msg types.SendToDevice
		var content []byte
		if err = rows.Scan(&msg.Position, &msg.UserID, &msg.DeviceID, &msg.Sender, &msg.Type, &content); err != nil {
			return nil, err
		}
		msg.Content = content
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *sendToDeviceStatements) DeleteSendToDeviceMessages(
	ctx context.Context, txn *sql.Tx, userID, deviceID string, upTo rstypes.StreamPosition,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteSendToDeviceMessagesStmt).ExecContext(ctx, userID, deviceID, upTo)
	return err
}

func (s *sendToDeviceStatements) SelectMaxSendToDeviceMessageID(ctx context.Context, txn *sql.Tx) (rstypes.StreamPosition, error) {
	return selectMaxPosition(ctx, sqlutil.TxStmt(txn, s.selectMaxSendToDeviceIDStmt))
}
