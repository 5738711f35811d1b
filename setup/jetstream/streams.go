// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"github.com/nats-io/nats.go"
)

const (
	UserID  = "user_id"
	RoomID  = "room_id"
	EventID = "event_id"
)

var (
	// OutputRoomEvent carries every appended event to the notification evaluator.
	OutputRoomEvent = "OutputRoomEvent"
	// OutputMediaReference carries the mxc:// URIs referenced by new events.
	OutputMediaReference = "OutputMediaReference"
	// OutputKeyChangeEvent carries user IDs whose device lists changed.
	OutputKeyChangeEvent = "OutputKeyChangeEvent"
	// OutputSyncWake is a core NATS subject, not a stream: wakes are lossy.
	OutputSyncWake = "OutputSyncWake"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputMediaReference,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputKeyChangeEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
}
