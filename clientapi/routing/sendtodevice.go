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

	"github.com/element-hq/synchrotron/clientapi/httputil"
	"github.com/element-hq/synchrotron/internal/caching"
	iutil "github.com/element-hq/synchrotron/internal/util"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

const allDevices = "*"

// DeviceLister returns the device IDs a user has. It expands "*" recipients.
type DeviceLister func(userID string) []string

// StaticDevices lists the devices of the configured access tokens.
func StaticDevices(cfg *config.ClientAPI) DeviceLister {
	return func(userID string) []string {
		var devices []string
		for _, tok := range cfg.AccessTokens {
			if tok.UserID == userID {
				devices = append(devices, tok.DeviceID)
			}
		}
		return devices
	}
}

// SendToDevice handles PUT /_matrix/client/r0/sendToDevice/{eventType}/{txnId}
// sends the device events to the sync API's to-device queue.
func SendToDevice(
	req *http.Request, device *userapi.Device,
	store EphemeralStore, devices DeviceLister, caches *caching.Caches, waker roomserverAPI.Waker,
	eventType, txnID string,
) util.JSONResponse {
	ctx := req.Context()
	txnKey := caching.TransactionCacheKey(device.UserID, device.ID, req.URL.Path)
	if _, ok := caches.TransactionIDs.Get(txnKey); ok {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: struct{}{},
		}
	}

	var httpReq struct {
		Messages map[string]map[string]json.RawMessage `json:"messages"`
	}
	if resErr := httputil.UnmarshalJSONRequest(req, &httpReq); resErr != nil {
		return *resErr
	}

	var msgs []types.SendToDevice
	for userID, byDevice := range httpReq.Messages {
		if !iutil.ValidUserID(userID) {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("invalid recipient user ID " + userID),
			}
		}
		for deviceID, content := range byDevice {
			targets := []string{deviceID}
			if deviceID == allDevices {
				targets = devices(userID)
			}
			for _, target := range targets {
				msgs = append(msgs, types.SendToDevice{
					UserID:   userID,
					DeviceID: target,
					SendToDeviceEvent: types.SendToDeviceEvent{
						Sender:  device.UserID,
						Type:    eventType,
						Content: content,
					},
				})
			}
		}
	}

	if len(msgs) > 0 {
		if _, err := store.QueueSendToDevice(ctx, msgs); err != nil {
			util.GetLogger(ctx).WithError(err).Error("store.QueueSendToDevice failed")
			return internalServerError()
		}
		for userID := range httpReq.Messages {
			waker.Wake(userID)
		}
	}
	caches.TransactionIDs.Set(txnKey, txnID)

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}
