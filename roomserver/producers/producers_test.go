// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/jetstream"
)

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (r *recordingPublisher) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.msgs = append(r.msgs, m)
	return &nats.PubAck{}, nil
}

func TestRoomEventProducer(t *testing.T) {
	pub := &recordingPublisher{}
	p := &RoomEventProducer{Topic: "TestOutputRoomEvent", JetStream: pub}
	ev := &types.Event{
		ID:      "018bcfe567000001deadbeef",
		RoomID:  "!r:localhost",
		Sender:  "@alice:localhost",
		Type:    types.MRoomMessage,
		Content: json.RawMessage(`{"body":"hi"}`),
	}
	err := p.OnNewEvent(context.Background(), &api.OutputRoomEvent{RoomID: ev.RoomID, Event: ev, JoinedUsers: []string{"@alice:localhost"}})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "TestOutputRoomEvent", msg.Subject)
	assert.Equal(t, "!r:localhost", msg.Header.Get(jetstream.RoomID))
	assert.Equal(t, "$018bcfe567000001deadbeef", msg.Header.Get(jetstream.EventID))

	var decoded api.OutputRoomEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, ev.ID, decoded.Event.ID)
	assert.Equal(t, []string{"@alice:localhost"}, decoded.JoinedUsers)
}

func TestMediaReferenceProducerPropagatesErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("nats down")}
	p := &MediaReferenceProducer{Topic: "TestOutputMediaReference", JetStream: pub}
	err := p.TrackReferences(context.Background(), "$abc", []string{"mxc://localhost/a"})
	assert.ErrorContains(t, err, "nats down")
}
