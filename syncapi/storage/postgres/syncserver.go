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

	"github.com/element-hq/synchrotron/internal/sqlutil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/storage/shared"
	"github.com/element-hq/synchrotron/syncapi/storage/tables"
)

// SyncServerDatasource represents a sync server datasource which manages
// both the database for PDUs and caches for EDUs.
type SyncServerDatasource struct {
	shared.Database
	db     *sql.DB
	writer sqlutil.Writer
}

// NewDatabase creates a new sync server database
func NewDatabase(ctx context.Context, dbProperties *config.DatabaseOptions) (*SyncServerDatasource, error) {
	var d SyncServerDatasource
	var err error
	if d.db, err = sqlutil.Open(dbProperties); err != nil {
		return nil, err
	}
	d.writer = sqlutil.NewExclusiveWriter()
	if err = d.prepare(ctx); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *SyncServerDatasource) prepare(ctx context.Context) (err error) {
	stateEvents, err := NewPostgresEventsTable(d.db, tables.StatePartition)
	if err != nil {
		return err
	}
	timelineEvents, err := NewPostgresEventsTable(d.db, tables.TimelinePartition)
	if err != nil {
		return err
	}
	currentRoomState, err := NewPostgresCurrentRoomStateTable(d.db)
	if err != nil {
		return err
	}
	memberships, err := NewPostgresMembershipsTable(d.db)
	if err != nil {
		return err
	}
	relations, err := NewPostgresRelationsTable(d.db)
	if err != nil {
		return err
	}
	receipts, err := NewPostgresReceiptsTable(d.db)
	if err != nil {
		return err
	}
	accountData, err := NewPostgresAccountDataTable(d.db)
	if err != nil {
		return err
	}
	sendToDevice, err := NewPostgresSendToDeviceTable(d.db)
	if err != nil {
		return err
	}
	deviceListChanges, err := NewPostgresDeviceListChangesTable(d.db)
	if err != nil {
		return err
	}
	checkpoints, err := NewPostgresSyncCheckpointsTable(d.db)
	if err != nil {
		return err
	}
	d.Database = shared.Database{
		DB:                d.db,
		Writer:            d.writer,
		Generator:         rstypes.NewStreamIDGenerator(),
		StateEvents:       stateEvents,
		TimelineEvents:    timelineEvents,
		CurrentRoomState:  currentRoomState,
		Memberships:       memberships,
		Relations:         relations,
		Receipts:          receipts,
		AccountData:       accountData,
		SendToDevice:      sendToDevice,
		DeviceListChanges: deviceListChanges,
		Checkpoints:       checkpoints,
		SnapshotOptions: &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  true,
		},
	}
	return d.Database.Prepare(ctx)
}
