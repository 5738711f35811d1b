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
	"github.com/tidwall/gjson"

	"github.com/element-hq/synchrotron/clientapi/httputil"
	iutil "github.com/element-hq/synchrotron/internal/util"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// GetAccountData implements GET /user/{userId}/[rooms/{roomid}/]account_data/{type}
func GetAccountData(
	req *http.Request, device *userapi.Device, store EphemeralStore,
	userID, roomID, dataType string,
) util.JSONResponse {
	if userID != device.UserID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("userID does not match the current user"),
		}
	}

	content, err := store.AccountDataContent(req.Context(), userID, roomID, dataType)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("store.AccountDataContent failed")
		return internalServerError()
	}
	if content == nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("data not found"),
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: content,
	}
}

// SaveAccountData implements PUT /user/{userId}/[rooms/{roomId}/]account_data/{type}
func SaveAccountData(
	req *http.Request, device *userapi.Device, store EphemeralStore, waker roomserverAPI.Waker,
	userID, roomID, dataType string,
) util.JSONResponse {
	if userID != device.UserID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("userID does not match the current user"),
		}
	}
	if roomID != "" && !iutil.ValidRoomID(roomID) {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("invalid room ID"),
		}
	}
	if dataType == receiptTypeFullyRead {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Unable to modify m.fully_read using this API"),
		}
	}

	var content json.RawMessage
	if resErr := httputil.UnmarshalJSONRequest(req, &content); resErr != nil {
		return *resErr
	}
	if !gjson.ParseBytes(content).IsObject() {
		return badJSON("Content must be a JSON object")
	}

	if _, err := store.StoreAccountData(req.Context(), userID, roomID, dataType, content); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("store.StoreAccountData failed")
		return internalServerError()
	}
	waker.Wake(userID)

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
