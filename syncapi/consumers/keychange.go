// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/storage"
)

// OutputKeyChangeEventConsumer records device list changes published by the
// key service and wakes everyone who shares a room with the changed user.
type OutputKeyChangeEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  notifier.Notifier
}

// NewOutputKeyChangeEventConsumer creates a new OutputKeyChangeEventConsumer.
// Call Start() to begin consuming.
func NewOutputKeyChangeEventConsumer(
	ctx context.Context,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	n notifier.Notifier,
) *OutputKeyChangeEventConsumer {
	return &OutputKeyChangeEventConsumer{
		ctx:       ctx,
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputKeyChangeEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIKeyChangeConsumer"),
		db:        store,
		notifier:  n,
	}
}

// Start consuming key change events.
func (s *OutputKeyChangeEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputKeyChangeEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)
	if userID == "" {
		// Nothing we can do with it, move on to the next message.
		log.Warn("Key change event has no user ID, dropping it")
		return true
	}
	logger := log.WithField("user_id", userID)

	pos, err := s.db.StoreDeviceListChange(ctx, userID)
	if err != nil {
		logger.WithError(err).Error("SyncAPI key change consumer: failed to store device list change")
		sentry.CaptureException(err)
		return false
	}
	logger.WithField("stream_pos", pos).Debug("SyncAPI key change consumer: stored device list change")

	users, err := s.usersToWake(ctx, userID)
	if err != nil {
		// The change is stored, clients will see it on their next sync.
		logger.WithError(err).Warn("SyncAPI key change consumer: failed to load users sharing rooms")
		sentry.CaptureException(err)
		users = []string{userID}
	}
	for _, u := range users {
		s.notifier.Wake(u)
	}
	return true
}

func (s *OutputKeyChangeEventConsumer) usersToWake(ctx context.Context, userID string) ([]string, error) {
	snapshot, err := s.db.NewDatabaseSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snapshot.Rollback() // nolint:errcheck
	sharing, err := snapshot.UsersSharingJoinedRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, u := range sharing {
		if u == userID {
			return sharing, nil
		}
	}
	return append(sharing, userID), nil
}
