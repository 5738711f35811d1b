// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/httputil"
	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
	rstypes "github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

// EphemeralStore holds everything clients write that is not a room event.
type EphemeralStore interface {
	Event(ctx context.Context, eventID string) (*rstypes.Event, error)
	StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, ts spec.Timestamp) (rstypes.StreamPosition, error)
	StoreAccountData(ctx context.Context, userID, roomID, dataType string, content json.RawMessage) (rstypes.StreamPosition, error)
	AccountDataContent(ctx context.Context, userID, roomID, dataType string) (json.RawMessage, error)
	QueueSendToDevice(ctx context.Context, msgs []types.SendToDevice) (rstypes.StreamPosition, error)
}

// TypingCache tracks who is typing in which room.
type TypingCache interface {
	AddTypingUser(userID, roomID string, expire *time.Time) (rstypes.StreamPosition, error)
	RemoveUser(userID, roomID string) (rstypes.StreamPosition, error)
}

// Setup registers the client-server room and messaging routes with the
// given ServeMux.
//
// Due to Setup being used to call many other functions, a gocyclo nolint is
// applied:
// nolint: gocyclo
func Setup(
	csMux *mux.Router,
	cfg *config.Synchrotron,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	store EphemeralStore,
	typing TypingCache,
	caches *caching.Caches,
	authenticator userapi.Authenticator,
	waker roomserverAPI.Waker,
	rateLimits *httputil.RateLimits,
) {
	v3mux := csMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()
	devices := StaticDevices(&cfg.ClientAPI)

	// withVars decodes the path variables and applies rate limiting to
	// mutating requests before calling f.
	withVars := func(limit bool, f func(*http.Request, *userapi.Device, map[string]string) util.JSONResponse) func(*http.Request, *userapi.Device) util.JSONResponse {
		return func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if limit {
				if r := rateLimits.Limit(req, device); r != nil {
					return *r
				}
			}
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.JSONResponse{
					Code: http.StatusBadRequest,
					JSON: spec.InvalidParam(err.Error()),
				}
			}
			return f(req, device, vars)
		}
	}

	v3mux.Handle("/createRoom",
		httputil.MakeAuthAPI("createRoom", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, _ map[string]string) util.JSONResponse {
			return CreateRoom(req, device, cfg, rsAPI)
		})),
	).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/join/{roomID}",
		httputil.MakeAuthAPI("join", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return JoinRoom(req, device, rsAPI, vars["roomID"])
		})),
	).Methods(http.MethodPost, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/join",
		httputil.MakeAuthAPI("join", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return JoinRoom(req, device, rsAPI, vars["roomID"])
		})),
	).Methods(http.MethodPost, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/leave",
		httputil.MakeAuthAPI("membership", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return LeaveRoom(req, device, rsAPI, vars["roomID"])
		})),
	).Methods(http.MethodPost, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/{membership:(?:invite|kick|ban|unban)}",
		httputil.MakeAuthAPI("membership", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SendMembership(req, device, rsAPI, vars["roomID"], vars["membership"])
		})),
	).Methods(http.MethodPost, http.MethodOptions)

	v3mux.Handle("/rooms/{roomID}/send/{eventType}/{txnID}",
		httputil.MakeAuthAPI("send_message", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SendEvent(req, device, rsAPI, caches, vars["roomID"], vars["eventType"], vars["txnID"], nil)
		})),
	).Methods(http.MethodPut, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/state/{eventType:[^/]+/?}",
		httputil.MakeAuthAPI("send_message", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			emptyString := ""
			eventType := trimSlash(vars["eventType"])
			return SendEvent(req, device, rsAPI, caches, vars["roomID"], eventType, "", &emptyString)
		})),
	).Methods(http.MethodPut, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/state/{eventType}/{stateKey}",
		httputil.MakeAuthAPI("send_message", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			stateKey := vars["stateKey"]
			return SendEvent(req, device, rsAPI, caches, vars["roomID"], vars["eventType"], "", &stateKey)
		})),
	).Methods(http.MethodPut, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/state/{eventType:[^/]+/?}",
		httputil.MakeAuthAPI("room_state", authenticator, withVars(false, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return OnIncomingStateTypeRequest(req, device, rsAPI, vars["roomID"], trimSlash(vars["eventType"]), "")
		})),
	).Methods(http.MethodGet, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/state/{eventType}/{stateKey}",
		httputil.MakeAuthAPI("room_state", authenticator, withVars(false, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return OnIncomingStateTypeRequest(req, device, rsAPI, vars["roomID"], vars["eventType"], vars["stateKey"])
		})),
	).Methods(http.MethodGet, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/redact/{eventID}/{txnID}",
		httputil.MakeAuthAPI("redact", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SendRedaction(req, device, rsAPI, store, caches, vars["roomID"], vars["eventID"], vars["txnID"])
		})),
	).Methods(http.MethodPut, http.MethodOptions)

	v3mux.Handle("/rooms/{roomID}/typing/{userID}",
		httputil.MakeAuthAPI("rooms_typing", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SendTyping(req, device, &cfg.SyncAPI, rsAPI, typing, waker, vars["roomID"], vars["userID"])
		})),
	).Methods(http.MethodPut, http.MethodOptions)
	v3mux.Handle("/rooms/{roomID}/receipt/{receiptType}/{eventID}",
		httputil.MakeAuthAPI("receipt", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SetReceipt(req, device, rsAPI, store, waker, vars["roomID"], vars["receiptType"], vars["eventID"])
		})),
	).Methods(http.MethodPost, http.MethodOptions)
	v3mux.Handle("/sendToDevice/{eventType}/{txnID}",
		httputil.MakeAuthAPI("send_to_device", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SendToDevice(req, device, store, devices, caches, waker, vars["eventType"], vars["txnID"])
		})),
	).Methods(http.MethodPut, http.MethodOptions)

	v3mux.Handle("/user/{userID}/account_data/{type}",
		httputil.MakeAuthAPI("user_account_data", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SaveAccountData(req, device, store, waker, vars["userID"], "", vars["type"])
		})),
	).Methods(http.MethodPut, http.MethodOptions)
	v3mux.Handle("/user/{userID}/rooms/{roomID}/account_data/{type}",
		httputil.MakeAuthAPI("user_account_data", authenticator, withVars(true, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return SaveAccountData(req, device, store, waker, vars["userID"], vars["roomID"], vars["type"])
		})),
	).Methods(http.MethodPut, http.MethodOptions)
	v3mux.Handle("/user/{userID}/account_data/{type}",
		httputil.MakeAuthAPI("user_account_data", authenticator, withVars(false, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return GetAccountData(req, device, store, vars["userID"], "", vars["type"])
		})),
	).Methods(http.MethodGet)
	v3mux.Handle("/user/{userID}/rooms/{roomID}/account_data/{type}",
		httputil.MakeAuthAPI("user_account_data", authenticator, withVars(false, func(req *http.Request, device *userapi.Device, vars map[string]string) util.JSONResponse {
			return GetAccountData(req, device, store, vars["userID"], vars["roomID"], vars["type"])
		})),
	).Methods(http.MethodGet)
}

func trimSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}
