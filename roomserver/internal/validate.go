// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/roomserver/types"
)

var validMemberships = map[string]struct{}{
	types.Invite: {},
	types.Join:   {},
	types.Leave:  {},
	types.Ban:    {},
	types.Knock:  {},
}

func isJSONObject(data []byte) bool {
	return gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject()
}

// validateAppend rejects malformed requests before any storage is touched.
func validateAppend(req *api.AppendRequest, maxContentBytes int) error {
	switch {
	case req.RoomID == "":
		return api.ValidationError{Field: "room_id", Msg: "must not be empty"}
	case req.Sender == "":
		return api.ValidationError{Field: "sender", Msg: "must not be empty"}
	case req.Type == "":
		return api.ValidationError{Field: "type", Msg: "must not be empty"}
	case len(req.Content) > maxContentBytes:
		return api.ValidationError{Field: "content", Msg: fmt.Sprintf("exceeds %d bytes", maxContentBytes)}
	case !isJSONObject(req.Content):
		return api.ValidationError{Field: "content", Msg: "must be a JSON object"}
	case len(req.Unsigned) > 0 && !isJSONObject(req.Unsigned):
		return api.ValidationError{Field: "unsigned", Msg: "must be a JSON object"}
	}

	switch req.Type {
	case types.MRoomMember:
		if req.StateKey == nil || *req.StateKey == "" {
			return api.ValidationError{Field: "state_key", Msg: "membership events must target a user"}
		}
		membership := gjson.GetBytes(req.Content, "membership")
		if _, ok := validMemberships[membership.Str]; !ok || membership.Type != gjson.String {
			return api.ValidationError{Field: "content.membership", Msg: fmt.Sprintf("invalid membership %q", membership.Raw)}
		}
	case types.MRoomRedaction:
		if req.StateKey != nil {
			return api.ValidationError{Field: "state_key", Msg: "redactions are not state events"}
		}
		if _, err := types.PositionFromEventID(gjson.GetBytes(req.Content, "redacts").Str); err != nil {
			return api.ValidationError{Field: "content.redacts", Msg: err.Error()}
		}
	}
	return nil
}
