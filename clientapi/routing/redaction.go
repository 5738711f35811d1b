// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
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

	"github.com/element-hq/synchrotron/clientapi/httputil"
	"github.com/element-hq/synchrotron/internal/caching"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

type redactionContent struct {
	Redacts string `json:"redacts"`
	Reason  string `json:"reason,omitempty"`
}

type redactionResponse struct {
	EventID string `json:"event_id"`
}

// SendRedaction implements /rooms/{roomID}/redact/{eventID}/{txnID}. Users
// may always redact their own events; redacting anyone else's needs the
// room's redact power level.
func SendRedaction(
	req *http.Request, device *userapi.Device,
	rsAPI roomserverAPI.RoomserverInternalAPI, store EphemeralStore, caches *caching.Caches,
	roomID, eventID, txnID string,
) util.JSONResponse {
	ctx := req.Context()
	txnKey := caching.TransactionCacheKey(device.UserID, device.ID, req.URL.Path)
	if cached, ok := caches.TransactionIDs.Get(txnKey); ok {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: redactionResponse{EventID: cached},
		}
	}

	var r redactionContent
	if req.ContentLength != 0 {
		if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
			return *resErr
		}
	}
	r.Redacts = eventID

	auth, err := loadRoomAuth(ctx, rsAPI, roomID, device.UserID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	target, err := store.Event(ctx, eventID)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	if target == nil || target.RoomID != roomID {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("unknown event ID"),
		}
	}
	if err = auth.canRedact(device.UserID, target); err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}

	content, err := json.Marshal(r)
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	ev, err := rsAPI.Append(ctx, &roomserverAPI.AppendRequest{
		RoomID:  roomID,
		Sender:  device.UserID,
		Type:    rstypes.MRoomRedaction,
		Content: content,
	})
	if err != nil {
		return httputil.RoomErrorResponse(ctx, err)
	}
	caches.TransactionIDs.Set(txnKey, ev.EventID())

	util.GetLogger(ctx).WithFields(logrus.Fields{
		"event_id": ev.EventID(),
		"redacts":  eventID,
	}).Info("Redacted event")
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: redactionResponse{EventID: ev.EventID()},
	}
}
