// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/clientapi/httputil"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

const (
	receiptTypeRead        = "m.read"
	receiptTypeReadPrivate = "m.read.private"
	receiptTypeFullyRead   = "m.fully_read"
)

// SetReceipt implements /rooms/{roomID}/receipt/{receiptType}/{eventID}.
// m.fully_read markers are stored as room account data rather than receipts.
func SetReceipt(
	req *http.Request, device *userapi.Device,
	rsAPI roomserverAPI.RoomserverInternalAPI, store EphemeralStore, waker roomserverAPI.Waker,
	roomID, receiptType, eventID string,
) util.JSONResponse {
	ctx := req.Context()
	if _, err := rstypes.PositionFromEventID(eventID); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("invalid event ID: " + err.Error()),
		}
	}
	auth, err := loadRoomAuth(ctx, rsAPI, roomID, device.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if err = auth.requireJoined(device.UserID); err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":      device.UserID,
		"room_id":      roomID,
		"receipt_type": receiptType,
		"event_id":     eventID,
	}).Tracef("Setting receipt")

	switch receiptType {
	case receiptTypeRead, receiptTypeReadPrivate:
		if _, err = store.StoreReceipt(ctx, roomID, receiptType, device.UserID, eventID, spec.AsTimestamp(time.Now())); err != nil {
			util.GetLogger(ctx).WithError(err).Error("store.StoreReceipt failed")
			return internalServerError()
		}
		if receiptType == receiptTypeRead {
			wakeJoined(req, rsAPI, waker, roomID)
		} else {
			waker.Wake(device.UserID)
		}

	case receiptTypeFullyRead:
		content, _ := json.Marshal(map[string]string{"event_id": eventID})
		if _, err = store.StoreAccountData(ctx, device.UserID, roomID, receiptTypeFullyRead, content); err != nil {
			util.GetLogger(ctx).WithError(err).Error("store.StoreAccountData failed")
			return internalServerError()
		}
		waker.Wake(device.UserID)

	default:
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("receipt type must be m.read, m.read.private or m.fully_read"),
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
