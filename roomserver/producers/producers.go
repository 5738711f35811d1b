// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/setup/jetstream"
)

// JetStreamPublisher is the subset of nats.JetStreamContext the producers need.
type JetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// RoomEventProducer hands appended events to the notification evaluator
// over JetStream.
type RoomEventProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

func (p *RoomEventProducer) OnNewEvent(ctx context.Context, output *api.OutputRoomEvent) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	msg := nats.NewMsg(p.Topic)
	msg.Header.Set(jetstream.RoomID, output.RoomID)
	msg.Header.Set(jetstream.EventID, output.Event.EventID())
	msg.Data = data

	logrus.WithFields(logrus.Fields{
		"room_id":  output.RoomID,
		"event_id": output.Event.EventID(),
	}).Trace("Producing to topic '", p.Topic, "'")

	if _, err = p.JetStream.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("PublishMsg: %w", err)
	}
	return nil
}

// MediaReferenceProducer publishes the media referenced by an event.
type MediaReferenceProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

func (p *MediaReferenceProducer) TrackReferences(ctx context.Context, eventID string, mxcURIs []string) error {
	data, err := json.Marshal(mxcURIs)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	msg := nats.NewMsg(p.Topic)
	msg.Header.Set(jetstream.EventID, eventID)
	msg.Data = data
	if _, err = p.JetStream.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("PublishMsg: %w", err)
	}
	return nil
}

// Discard implements the evaluator and media tracker when no broker is
// configured.
type Discard struct{}

func (Discard) OnNewEvent(context.Context, *api.OutputRoomEvent) error { return nil }

func (Discard) TrackReferences(context.Context, string, []string) error { return nil }
