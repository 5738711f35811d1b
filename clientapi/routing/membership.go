// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/synchrotron/clientapi/httputil"
	iutil "github.com/element-hq/synchrotron/internal/util"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

type membershipRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type joinRoomResponse struct {
	RoomID string `json:"room_id"`
}

// JoinRoom implements /join/{roomID} and /rooms/{roomID}/join. Joining a
// room the user is already in succeeds without a new event.
func JoinRoom(
	req *http.Request, device *userapi.Device,
	rsAPI roomserverAPI.RoomserverInternalAPI, roomID string,
) util.JSONResponse {
	ctx := req.Context()
	auth, err := loadRoomAuth(ctx, rsAPI, roomID, device.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	joinRules, err := rsAPI.CurrentStateEvent(ctx, roomID, rstypes.MRoomJoinRules, "")
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if err = auth.canJoin(joinRules); err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if auth.membership != rstypes.Join {
		joinReq := stateRequest(roomID, device.UserID, rstypes.MRoomMember, device.UserID, membershipContent(rstypes.Join, ""))
		if _, err = rsAPI.Append(ctx, &joinReq); err != nil {
			return httputil.RoomErrorResponse(ctx, err)
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: joinRoomResponse{RoomID: roomID},
	}
}

// LeaveRoom implements /rooms/{roomID}/leave. It also rejects invites.
func LeaveRoom(
	req *http.Request, device *userapi.Device,
	rsAPI roomserverAPI.RoomserverInternalAPI, roomID string,
) util.JSONResponse {
	ctx := req.Context()
	auth, err := loadRoomAuth(ctx, rsAPI, roomID, device.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	switch auth.membership {
	case rstypes.Join, rstypes.Invite, rstypes.Knock:
	default:
		return httputil.RoomErrorResponse(ctx, notAllowed("%s is not in %s", device.UserID, roomID))
	}
	leaveReq := stateRequest(roomID, device.UserID, rstypes.MRoomMember, device.UserID, membershipContent(rstypes.Leave, ""))
	if _, err = rsAPI.Append(ctx, &leaveReq); err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

// SendMembership implements /rooms/{roomID}/(invite|kick|ban|unban), the
// membership changes one user makes to another.
func SendMembership(
	req *http.Request, device *userapi.Device,
	rsAPI roomserverAPI.RoomserverInternalAPI, roomID, action string,
) util.JSONResponse {
	ctx := req.Context()
	var body membershipRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}
	if !iutil.ValidUserID(body.UserID) {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("user_id must be in the form @localpart:domain"),
		}
	}

	auth, err := loadRoomAuth(ctx, rsAPI, roomID, device.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	target, err := rsAPI.Membership(ctx, roomID, body.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}

	var membership string
	switch action {
	case "invite":
		membership, err = rstypes.Invite, auth.canInvite(device.UserID, target)
	case "kick":
		if target != rstypes.Join && target != rstypes.Invite {
			return httputil.RoomErrorResponse(ctx, notAllowed("%s is not in the room", body.UserID))
		}
		membership, err = rstypes.Leave, auth.canModerate(device.UserID, body.UserID, action, auth.power.kick)
	case "ban":
		membership, err = rstypes.Ban, auth.canModerate(device.UserID, body.UserID, action, auth.power.ban)
	case "unban":
		if target != rstypes.Ban {
			return httputil.RoomErrorResponse(ctx, notAllowed("%s is not banned", body.UserID))
		}
		membership, err = rstypes.Leave, auth.canModerate(device.UserID, body.UserID, action, auth.power.ban)
	default:
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("unknown membership action " + action),
		}
	}
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}

	memberReq := stateRequest(roomID, device.UserID, rstypes.MRoomMember, body.UserID, membershipContent(membership, body.Reason))
	if _, err = rsAPI.Append(ctx, &memberReq); err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
