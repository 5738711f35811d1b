// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/clientapi/auth"
	"github.com/element-hq/synchrotron/internal/httputil"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/syncapi/sync"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// Setup configures the given mux with sync-server listeners
//
// Due to Setup being used to call many other functions, a gocyclo nolint is
// applied:
// nolint: gocyclo
func Setup(
	csMux *mux.Router, srp *sync.RequestPool, syncDB storage.Database,
	authenticator userapi.Authenticator,
) {
	v3mux := csMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()
	unstableMux := csMux.PathPrefix("/unstable").Subrouter()

	// The sync handler writes its own response so that it knows whether the
	// client received it before saving the position.
	v3mux.Handle("/sync", httputil.MakeHTTPAPI("sync", true, func(w http.ResponseWriter, req *http.Request) {
		device, errRes := auth.VerifyUserFromRequest(req, authenticator)
		if errRes != nil {
			respond(w, *errRes)
			return
		}
		logger := util.GetLogger(req.Context()).WithFields(logrus.Fields{
			"user_id":   device.UserID,
			"device_id": device.ID,
		})
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))
		srp.OnIncomingSyncRequest(w, req, device)
	})).Methods(http.MethodGet, http.MethodOptions)

	unstableMux.Handle("/org.matrix.simplified_msc3575/sync",
		httputil.MakeAuthAPI("sliding_sync", authenticator, srp.OnIncomingSlidingSyncRequest),
	).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/rooms/{roomID}/messages",
		httputil.MakeAuthAPI("room_messages", authenticator, func(req *http.Request, device *userapi.Device) util.JSONResponse {
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.InvalidParam(err.Error()),
				}
			}
			return OnIncomingMessagesRequest(req, syncDB, vars["roomID"], device)
		}),
	).Methods(http.MethodGet, http.MethodOptions)
}

func respond(w http.ResponseWriter, res util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	if err := json.NewEncoder(w).Encode(res.JSON); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}
