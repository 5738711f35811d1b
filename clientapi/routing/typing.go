// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/synchrotron/clientapi/httputil"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/setup/config"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

type typingContentJSON struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout"`
}

// SendTyping handles PUT /rooms/{roomID}/typing/{userID}
// records the typing state and wakes the room.
func SendTyping(
	req *http.Request, device *userapi.Device, cfg *config.SyncAPI,
	rsAPI roomserverAPI.RoomserverInternalAPI, typing TypingCache, waker roomserverAPI.Waker,
	roomID, userID string,
) util.JSONResponse {
	ctx := req.Context()
	if device.UserID != userID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot set another user's typing state"),
		}
	}

	auth, err := loadRoomAuth(ctx, rsAPI, roomID, userID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if err = auth.requireJoined(userID); err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}

	var r typingContentJSON
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}

	if r.Typing {
		timeout := cfg.TypingTimeout
		if requested := time.Duration(r.Timeout) * time.Millisecond; requested > 0 && requested < timeout {
			timeout = requested
		}
		expireTime := time.Now().Add(timeout)
		_, err = typing.AddTypingUser(userID, roomID, &expireTime)
	} else {
		_, err = typing.RemoveUser(userID, roomID)
	}
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("Failed to update typing state")
		return internalServerError()
	}

	wakeJoined(req, rsAPI, waker, roomID)
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

// wakeJoined wakes everyone in the room. Failing to load the members only
// delays delivery to the next sync, so it is logged and ignored.
func wakeJoined(req *http.Request, rsAPI roomserverAPI.RoomserverInternalAPI, waker roomserverAPI.Waker, roomID string) {
	joined, err := rsAPI.JoinedUsers(req.Context(), roomID)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).WithField("room_id", roomID).Warn("Failed to load joined users to wake")
		return
	}
	for _, userID := range joined {
		waker.Wake(userID)
	}
}
