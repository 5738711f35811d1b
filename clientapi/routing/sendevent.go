// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/synchrotron/clientapi/httputil"
	"github.com/element-hq/synchrotron/internal/caching"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// http://matrix.org/docs/spec/client_server/r0.2.0.html#put-matrix-client-r0-rooms-roomid-send-eventtype-txnid
// http://matrix.org/docs/spec/client_server/r0.2.0.html#put-matrix-client-r0-rooms-roomid-state-eventtype-statekey
type sendEventResponse struct {
	EventID string `json:"event_id"`
}

// SendEvent implements:
//
//	/rooms/{roomID}/send/{eventType}/{txnID}
//	/rooms/{roomID}/state/{eventType}
//	/rooms/{roomID}/state/{eventType}/{stateKey}
//
// Messages are idempotent per device and transaction ID; state events are
// not, as the path already names the state they replace.
func SendEvent(
	req *http.Request,
	device *userapi.Device,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	caches *caching.Caches,
	roomID, eventType, txnID string,
	stateKey *string,
) util.JSONResponse {
	ctx := req.Context()
	txnKey := caching.TransactionCacheKey(device.UserID, device.ID, req.URL.Path)
	if txnID != "" {
		if eventID, ok := caches.TransactionIDs.Get(txnKey); ok {
			return util.JSONResponse{
				Code: http.StatusOK,
				JSON: sendEventResponse{EventID: eventID},
			}
		}
	}

	var content json.RawMessage
	if resErr := httputil.UnmarshalJSONRequest(req, &content); resErr != nil {
		return *resErr
	}

	auth, err := loadRoomAuth(ctx, rsAPI, roomID, device.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if stateKey != nil {
		err = checkStateEvent(auth, device.UserID, eventType, *stateKey, content)
	} else {
		err = checkMessageEvent(auth, device.UserID, eventType)
	}
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}

	ev, err := rsAPI.Append(ctx, &roomserverAPI.AppendRequest{
		RoomID:   roomID,
		Sender:   device.UserID,
		Type:     eventType,
		StateKey: stateKey,
		Content:  content,
	})
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if txnID != "" {
		caches.TransactionIDs.Set(txnKey, ev.EventID())
	}

	util.GetLogger(ctx).WithFields(logrus.Fields{
		"event_id":   ev.EventID(),
		"room_id":    roomID,
		"event_type": eventType,
	}).Debug("Sent event")
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: sendEventResponse{EventID: ev.EventID()},
	}
}

func checkMessageEvent(auth *roomAuth, userID, eventType string) error {
	switch eventType {
	case rstypes.MRoomRedaction:
		return notAllowed("redactions must be sent with the redact endpoint")
	case rstypes.MRoomMember:
		return notAllowed("membership changes must be sent as state events")
	}
	return auth.requireJoined(userID)
}

// checkStateEvent only lets members change their own member event when the
// membership itself stays the same, e.g. to set a display name.
func checkStateEvent(auth *roomAuth, userID, eventType, stateKey string, content json.RawMessage) error {
	switch eventType {
	case rstypes.MRoomCreate:
		return notAllowed("the room has already been created")
	case rstypes.MRoomMember:
		if stateKey != userID || gjson.GetBytes(content, "membership").Str != auth.membership {
			return notAllowed("membership changes must use the membership endpoints")
		}
		return auth.requireJoined(userID)
	}
	return auth.canSendState(userID, eventType)
}

// OnIncomingStateTypeRequest implements /rooms/{roomID}/state/{eventType}/{stateKey}.
// Only joined members may read state; ?format=event returns the whole event.
func OnIncomingStateTypeRequest(
	req *http.Request, device *userapi.Device,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	roomID, eventType, stateKey string,
) util.JSONResponse {
	ctx := req.Context()
	auth, err := loadRoomAuth(ctx, rsAPI, roomID, device.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if err = auth.requireJoined(device.UserID); err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	ev, err := rsAPI.CurrentStateEvent(ctx, roomID, eventType, stateKey)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if ev == nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("Cannot find state event"),
		}
	}
	if req.URL.Query().Get("format") == "event" {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: ev,
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: ev.Content,
	}
}
