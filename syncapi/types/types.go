// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
)

// BasicEvent is an event with only a type and content, as used for account
// data and ephemeral events.
type BasicEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type BasicEvents struct {
	Events []BasicEvent `json:"events"`
}

// SendToDeviceEvent is a to-device message as delivered in a sync response.
type SendToDeviceEvent struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type ToDeviceResponse struct {
	Events []SendToDeviceEvent `json:"events"`
}

type DeviceLists struct {
	Changed []string `json:"changed"`
	Left    []string `json:"left"`
}

type Timeline struct {
	Events    []*rstypes.Event `json:"events"`
	Limited   bool             `json:"limited"`
	PrevBatch *StreamingToken  `json:"prev_batch,omitempty"`
}

type StateEvents struct {
	Events []*rstypes.Event `json:"events"`
}

type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// Summary helps clients render a room without its full member list.
type Summary struct {
	Heroes             []string `json:"m.heroes"`
	JoinedMemberCount  int      `json:"m.joined_member_count"`
	InvitedMemberCount int      `json:"m.invited_member_count"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' key.
type JoinResponse struct {
	Summary             *Summary            `json:"summary,omitempty"`
	State               StateEvents         `json:"state"`
	Timeline            Timeline            `json:"timeline"`
	Ephemeral           BasicEvents         `json:"ephemeral"`
	AccountData         BasicEvents         `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

func NewJoinResponse() *JoinResponse {
	return &JoinResponse{
		State:       StateEvents{Events: []*rstypes.Event{}},
		Timeline:    Timeline{Events: []*rstypes.Event{}},
		Ephemeral:   BasicEvents{Events: []BasicEvent{}},
		AccountData: BasicEvents{Events: []BasicEvent{}},
	}
}

// InviteResponse represents a /sync response for a room which is under the 'invite' key.
type InviteResponse struct {
	InviteState struct {
		Events []rstypes.StrippedEvent `json:"events"`
	} `json:"invite_state"`
}

func NewInviteResponse(stripped []rstypes.StrippedEvent) *InviteResponse {
	res := &InviteResponse{}
	res.InviteState.Events = stripped
	if res.InviteState.Events == nil {
		res.InviteState.Events = []rstypes.StrippedEvent{}
	}
	return res
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type LeaveResponse struct {
	State    StateEvents `json:"state"`
	Timeline Timeline    `json:"timeline"`
}

func NewLeaveResponse() *LeaveResponse {
	return &LeaveResponse{
		State:    StateEvents{Events: []*rstypes.Event{}},
		Timeline: Timeline{Events: []*rstypes.Event{}},
	}
}

type RoomsResponse struct {
	Join   map[string]*JoinResponse   `json:"join"`
	Invite map[string]*InviteResponse `json:"invite"`
	Leave  map[string]*LeaveResponse  `json:"leave"`
}

// Response represents a /sync API response. See https://matrix.org/docs/spec/client_server/r0.2.0.html#get-matrix-client-r0-sync
type Response struct {
	NextBatch                    StreamingToken   `json:"next_batch"`
	AccountData                  BasicEvents      `json:"account_data"`
	Presence                     BasicEvents      `json:"presence"`
	Rooms                        RoomsResponse    `json:"rooms"`
	ToDevice                     ToDeviceResponse `json:"to_device"`
	DeviceLists                  DeviceLists      `json:"device_lists"`
	DeviceListsOTKCount          map[string]int   `json:"device_one_time_keys_count"`
	DeviceUnusedFallbackKeyTypes []string         `json:"device_unused_fallback_key_types"`
}

// NewResponse creates an empty response with all slices and maps initialised,
// so they serialise as [] and {} rather than null.
func NewResponse() *Response {
	return &Response{
		AccountData: BasicEvents{Events: []BasicEvent{}},
		Presence:    BasicEvents{Events: []BasicEvent{}},
		Rooms: RoomsResponse{
			Join:   map[string]*JoinResponse{},
			Invite: map[string]*InviteResponse{},
			Leave:  map[string]*LeaveResponse{},
		},
		ToDevice:                     ToDeviceResponse{Events: []SendToDeviceEvent{}},
		DeviceLists:                  DeviceLists{Changed: []string{}, Left: []string{}},
		DeviceListsOTKCount:          map[string]int{},
		DeviceUnusedFallbackKeyTypes: []string{},
	}
}

// HasUpdates reports whether the response carries anything for the client
// beyond an unchanged position.
func (r *Response) HasUpdates() bool {
	return len(r.AccountData.Events) > 0 ||
		len(r.Rooms.Join) > 0 ||
		len(r.Rooms.Invite) > 0 ||
		len(r.Rooms.Leave) > 0 ||
		len(r.ToDevice.Events) > 0 ||
		len(r.DeviceLists.Changed) > 0
}

// Receipt is one row of the receipts store.
type Receipt struct {
	RoomID    string
	Type      string
	UserID    string
	EventID   string
	Timestamp int64
	Position  rstypes.StreamPosition
}

// AccountData is one row of the account data store. RoomID is empty for
// global account data.
type AccountData struct {
	UserID   string
	RoomID   string
	Type     string
	Content  json.RawMessage
	Position rstypes.StreamPosition
}

// SendToDevice is a queued to-device message.
type SendToDevice struct {
	Position rstypes.StreamPosition
	UserID   string
	DeviceID string
	SendToDeviceEvent
}

// RoomMembership pairs a room with the user's membership in it.
type RoomMembership struct {
	RoomID     string
	Membership string
	// Position of the membership event that set it.
	EventID rstypes.StreamPosition
}

// Relation records that EventID relates to RelatesTo.
type Relation struct {
	EventID   rstypes.StreamPosition
	RoomID    string
	RelatesTo rstypes.StreamPosition
	RelType   string
}

// Range is the window (From, To] of the stream, exclusive of From.
type Range struct {
	From rstypes.StreamPosition
	To   rstypes.StreamPosition
}

// Contains reports whether pos falls inside the window.
func (r Range) Contains(pos rstypes.StreamPosition) bool {
	return pos.After(r.From) && !pos.After(r.To)
}
