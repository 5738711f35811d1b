// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	"github.com/nats-io/nats.go"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/roomserver/internal"
	"github.com/element-hq/synchrotron/roomserver/producers"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/setup/jetstream"
)

// NewInternalAPI returns the event log. A nil JetStream context discards
// notification and media output.
func NewInternalAPI(
	cfg *config.Synchrotron,
	db api.EventStore,
	caches *caching.Caches,
	waker api.Waker,
	js nats.JetStreamContext,
) api.RoomserverInternalAPI {
	var (
		evaluator api.NotificationEvaluator = producers.Discard{}
		media     api.MediaReferenceTracker = producers.Discard{}
	)
	if js != nil {
		evaluator = &producers.RoomEventProducer{
			Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
			JetStream: js,
		}
		media = &producers.MediaReferenceProducer{
			Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputMediaReference),
			JetStream: js,
		}
	}
	return &internal.EventLog{
		Cfg:       &cfg.RoomServer,
		DB:        db,
		Cache:     caches,
		Waker:     waker,
		Evaluator: evaluator,
		Media:     media,
	}
}
