// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/httputil"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/consumers"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/routing"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/syncapi/sync"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// NewTypingCache returns the typing cache. Its positions come from the
// shared stream, and members of a room are woken when someone stops typing
// because their notification expired.
func NewTypingCache(db storage.Database, n notifier.Notifier) *caching.EDUCache {
	typing := caching.NewTypingCache(db.AllocatePosition)
	typing.SetTimeoutCallback(func(userID, roomID string, _ rstypes.StreamPosition) {
		joined, err := db.JoinedUsersInRoom(context.Background(), roomID)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Error("Failed to load joined users for typing expiry")
			return
		}
		for _, u := range joined {
			n.Wake(u)
		}
	})
	return typing
}

// AddPublicRoutes sets up and registers HTTP handlers for the SyncAPI
// component. When js is set, device list changes are consumed from
// JetStream.
func AddPublicRoutes(
	ctx context.Context,
	routers httputil.Routers,
	cfg *config.Synchrotron,
	db storage.Database,
	typing *caching.EDUCache,
	authenticator userapi.Authenticator,
	keys userapi.KeyQuerier,
	n notifier.Notifier,
	js nats.JetStreamContext,
) error {
	requestPool := sync.NewRequestPool(&cfg.SyncAPI, db, typing, keys, n)

	if js != nil {
		keyChangeConsumer := consumers.NewOutputKeyChangeEventConsumer(ctx, &cfg.SyncAPI, js, db, n)
		if err := keyChangeConsumer.Start(); err != nil {
			logrus.WithError(err).Error("Failed to start key change consumer")
			return err
		}
	}

	routing.Setup(routers.Client, requestPool, db, authenticator)
	return nil
}
