// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// Event types with special handling in the log.
const (
	MRoomCreate            = spec.MRoomCreate
	MRoomMember            = spec.MRoomMember
	MRoomJoinRules         = spec.MRoomJoinRules
	MRoomPowerLevels       = spec.MRoomPowerLevels
	MRoomName              = spec.MRoomName
	MRoomCanonicalAlias    = spec.MRoomCanonicalAlias
	MRoomTopic             = "m.room.topic"
	MRoomAvatar            = "m.room.avatar"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomRedaction         = "m.room.redaction"
	MRoomMessage           = "m.room.message"
)

// Membership values.
const (
	Join   = spec.Join
	Leave  = spec.Leave
	Invite = spec.Invite
	Ban    = spec.Ban
	Knock  = "knock"
)

// Join rules understood by the client API.
const (
	JoinRulePublic = "public"
	JoinRuleInvite = "invite"
)

// Event is a single entry of the room event log. The stream position doubles
// as the event's identity; clients only ever see it with a "$" prefix.
type Event struct {
	ID             StreamPosition
	RoomID         string
	Sender         string
	Type           string
	StateKey       *string
	Content        json.RawMessage
	OriginServerTS spec.Timestamp
	// Unsigned holds data that is not part of the event itself, such as the
	// redaction that stripped it or a relations summary computed at read time.
	Unsigned json.RawMessage
}

// EventID is the client facing identifier.
func (e *Event) EventID() string {
	return EventIDFromPosition(e.ID)
}

func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyEquals reports whether the event is a state event with the given key.
func (e *Event) StateKeyEquals(stateKey string) bool {
	return e.StateKey != nil && *e.StateKey == stateKey
}

// Membership returns content.membership for m.room.member events.
func (e *Event) Membership() (string, error) {
	if e.Type != MRoomMember {
		return "", fmt.Errorf("event %s is not a membership event", e.EventID())
	}
	membership := gjson.GetBytes(e.Content, "membership")
	if membership.Type != gjson.String {
		return "", fmt.Errorf("event %s has no membership", e.EventID())
	}
	return membership.Str, nil
}

// Redacts returns the event ID a redaction targets.
func (e *Event) Redacts() string {
	if e.Type != MRoomRedaction {
		return ""
	}
	return gjson.GetBytes(e.Content, "redacts").Str
}

type clientEvent struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	content := e.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	return json.Marshal(clientEvent{
		EventID:        e.EventID(),
		RoomID:         e.RoomID,
		Sender:         e.Sender,
		Type:           e.Type,
		StateKey:       e.StateKey,
		Content:        content,
		OriginServerTS: e.OriginServerTS,
		Unsigned:       e.Unsigned,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var ce clientEvent
	if err := json.Unmarshal(data, &ce); err != nil {
		return err
	}
	pos, err := PositionFromEventID(ce.EventID)
	if err != nil {
		return err
	}
	*e = Event{
		ID:             pos,
		RoomID:         ce.RoomID,
		Sender:         ce.Sender,
		Type:           ce.Type,
		StateKey:       ce.StateKey,
		Content:        ce.Content,
		OriginServerTS: ce.OriginServerTS,
		Unsigned:       ce.Unsigned,
	}
	return nil
}

func EventIDFromPosition(pos StreamPosition) string {
	return "$" + string(pos)
}

// PositionFromEventID turns a client facing event ID back into a position.
func PositionFromEventID(eventID string) (StreamPosition, error) {
	if !strings.HasPrefix(eventID, "$") {
		return "", fmt.Errorf("event ID %q does not start with $", eventID)
	}
	return ParseStreamPosition(eventID[1:])
}

// StrippedEvent is the reduced state shown to invitees.
type StrippedEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

// Strip reduces a state event to its stripped form.
func (e *Event) Strip() StrippedEvent {
	var stateKey string
	if e.StateKey != nil {
		stateKey = *e.StateKey
	}
	return StrippedEvent{
		Type:     e.Type,
		StateKey: stateKey,
		Sender:   e.Sender,
		Content:  e.Content,
	}
}
