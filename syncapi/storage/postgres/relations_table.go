// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
	"github.com/element-hq/synchrotron/syncapi/types"
)

const relationsSchema = `
-- Stores m.relates_to links so edits and threads can be summarised at read time.
CREATE TABLE IF NOT EXISTS syncapi_relations (
	event_id TEXT COLLATE "C" NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	relates_to_id TEXT COLLATE "C" NOT NULL,
	rel_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_relations_relates_to_idx ON syncapi_relations(relates_to_id, event_id);
`

const insertRelationSQL = "" +
	"INSERT INTO syncapi_relations (event_id, room_id, relates_to_id, rel_type)" +
	" VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING"

const selectRelationsToSQL = "" +
	"SELECT event_id, room_id, relates_to_id, rel_type FROM syncapi_relations" +
	" WHERE relates_to_id = ANY($1) AND event_id <= $2" +
	" ORDER BY event_id ASC"

type relationsStatements struct {
	insertRelationStmt    *sql.Stmt
	selectRelationsToStmt *sql.Stmt
}

func NewPostgresRelationsTable(db *sql.DB) (tables.Relations, error) {
	s := &relationsStatements{}
	_, err := db.Exec(relationsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertRelationStmt, insertRelationSQL},
		{&s.selectRelationsToStmt, selectRelationsToSQL},
	}.Prepare(db)
}

func (s *relationsStatements) InsertRelation(ctx context.Context, txn *sql.Tx, rel types.Relation) error {
	_, err := sqlutil.TxStmt(txn, s.insertRelationStmt).ExecContext(ctx, rel.EventID, rel.RoomID, rel.RelatesTo, rel.RelType)
	return err
}

func (s *relationsStatements) SelectRelationsTo(
	ctx context.Context, txn *sql.Tx, targets []rstypes.StreamPosition, upper rstypes.StreamPosition,
) ([]types.Relation, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	rows, err := sqlutil.TxStmt(txn, s.selectRelationsToStmt).QueryContext(ctx, pq.Array(positionStrings(targets)), upper)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRelationsTo: rows.close() failed")
	var result []types.Relation
	for rows.Next() {
		var rel types.Relation
		if err = rows.Scan(&rel.EventID, &rel.RoomID, &rel.RelatesTo, &rel.RelType); err != nil {
			return nil, err
		}
		result = append(result, rel)
	}
	return result, rows.Err()
}
