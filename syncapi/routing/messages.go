// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"
	"strconv"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

const (
	defaultMessagesLimit = 10
	maxMessagesLimit     = 1000
)

type messagesResp struct {
	Start types.StreamingToken  `json:"start"`
	End   *types.StreamingToken `json:"end,omitempty"`
	Chunk []*rstypes.Event      `json:"chunk"`
}

// OnIncomingMessagesRequest implements the /messages endpoint from the
// client-server API.
// See: https://matrix.org/docs/spec/client_server/latest.html#get-matrix-client-r0-rooms-roomid-messages
func OnIncomingMessagesRequest(req *http.Request, db storage.Database, roomID string, device *userapi.Device) util.JSONResponse {
	ctx := req.Context()
	q := req.URL.Query()

	var from types.StreamingToken
	if f := q.Get("from"); f != "" {
		tok, err := types.NewStreamTokenFromString(f)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid from parameter: " + err.Error()),
			}
		}
		from = tok
	}
	backwards := true
	switch q.Get("dir") {
	case "b", "":
	case "f":
		backwards = false
	default:
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Bad or missing dir query parameter (should be either 'b' or 'f')"),
		}
	}
	limit := defaultMessagesLimit
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("limit must be a positive integer"),
			}
		}
		limit = min(n, maxMessagesLimit)
	}

	membership, membershipPos, err := db.Membership(ctx, roomID, device.UserID)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("db.Membership failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	// Users who left can page through history up to the end of their last
	// stint as a joined member.
	var ceiling rstypes.StreamPosition
	switch membership {
	case rstypes.Join:
	case rstypes.Leave, rstypes.Ban:
		history, err := db.MembershipHistory(ctx, roomID, device.UserID, membershipPos)
		if err != nil {
			util.GetLogger(ctx).WithError(err).Error("db.MembershipHistory failed")
			return util.JSONResponse{
				Code: http.StatusInternalServerError,
				JSON: spec.InternalServerError{},
			}
		}
		until, everJoined := history.JoinedUntil()
		if !everJoined {
			return notPreviouslyMember()
		}
		ceiling = membershipPos
		if !until.IsZero() {
			ceiling = until
		}
	default:
		return notPreviouslyMember()
	}

	start := from.Position
	if backwards && !ceiling.IsZero() && (start.IsZero() || start.After(ceiling)) {
		start = ceiling
	}
	events, err := db.RoomMessages(ctx, roomID, start, backwards, limit+1)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("db.RoomMessages failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if !ceiling.IsZero() {
		visible := events[:0]
		for _, ev := range events {
			if !ev.ID.After(ceiling) {
				visible = append(visible, ev)
			}
		}
		events = visible
	}

	res := messagesResp{Start: from, Chunk: []*rstypes.Event{}}
	more := len(events) > limit
	if more {
		events = events[:limit]
	}
	if len(events) > 0 {
		res.Chunk = events
		if more || !backwards {
			end := types.NewStreamToken(events[len(events)-1].ID)
			res.End = &end
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

func notPreviouslyMember() util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusForbidden,
		JSON: spec.Forbidden("You aren't a member of the room and weren't previously a member of the room."),
	}
}
