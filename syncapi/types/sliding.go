// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
)

// SlidingSyncRequest represents the request body for the simplified sliding sync endpoint.
type SlidingSyncRequest struct {
	// Position token from previous response (omitted on initial sync)
	Pos string `json:"pos,omitempty"`

	// Named list configurations with sliding windows
	Lists map[string]SlidingListConfig `json:"lists,omitempty"`
}

// SlidingListConfig defines a windowed view of rooms
type SlidingListConfig struct {
	// Maximum number of timeline events to return per room
	TimelineLimit int `json:"timeline_limit"`

	// State event filtering configuration
	RequiredState RequiredStateConfig `json:"required_state"`

	// Inclusive [start, end] windows.
	Ranges [][]int `json:"ranges,omitempty"`
}

// UnmarshalJSON accepts the single "range" form as well as "ranges".
func (c *SlidingListConfig) UnmarshalJSON(data []byte) error {
	type Alias SlidingListConfig
	aux := &struct {
		*Alias
		Range []int `json:"range,omitempty"`
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(c.Ranges) == 0 && len(aux.Range) == 2 {
		c.Ranges = [][]int{aux.Range}
	}
	return nil
}

// RequiredStateConfig controls which state events to return, as
// [type, state_key] pairs. "*" matches anything and "$ME" the requester.
type RequiredStateConfig struct {
	Include [][]string `json:"include,omitempty"`
}

// UnmarshalJSON supports the shorthand array syntax as well as an object.
func (r *RequiredStateConfig) UnmarshalJSON(data []byte) error {
	var arr [][]string
	if err := json.Unmarshal(data, &arr); err == nil {
		r.Include = arr
		return nil
	}
	type Alias RequiredStateConfig
	return json.Unmarshal(data, (*Alias)(r))
}

// SlidingSyncResponse represents the response body for the sliding sync endpoint.
type SlidingSyncResponse struct {
	// Position token for next request (required)
	Pos StreamingToken `json:"pos"`

	// Always present, even if empty.
	Lists map[string]SlidingList `json:"lists"`

	// Always present, even if empty.
	Rooms map[string]*SlidingRoomData `json:"rooms"`
}

// HasUpdates reports whether any room data is being returned.
func (r *SlidingSyncResponse) HasUpdates() bool {
	return len(r.Rooms) > 0
}

// SlidingList represents a list result with operations
type SlidingList struct {
	// Total count of rooms in the list
	Count int `json:"count"`

	Ops []SlidingOperation `json:"ops,omitempty"`
}

// SlidingOperation describes a change to a room list
type SlidingOperation struct {
	Op      string   `json:"op"`
	Range   []int    `json:"range,omitempty"`
	RoomIDs []string `json:"room_ids,omitempty"`
}

// SlidingRoomData represents room data in the response
type SlidingRoomData struct {
	// Computed room name (from m.room.name or heroes)
	Name string `json:"name,omitempty"`

	// True if this is the first time the room is sent for this position chain
	Initial bool `json:"initial,omitempty"`

	RequiredState []*rstypes.Event `json:"required_state"`

	Timeline []*rstypes.Event `json:"timeline"`

	// Stripped state for invites
	InviteState []rstypes.StrippedEvent `json:"invite_state,omitempty"`

	Limited bool `json:"limited,omitempty"`

	PrevBatch *StreamingToken `json:"prev_batch,omitempty"`

	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
	JoinedCount       int `json:"joined_count"`
	InvitedCount      int `json:"invited_count"`
}
