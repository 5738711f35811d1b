// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
)

// MaxRequestBodyBytes caps every JSON request body read by the client API.
const MaxRequestBodyBytes = 1 << 20

// UnmarshalJSONRequest into the given interface pointer. Returns an error JSON response if
// there was a problem unmarshalling. Calling this function consumes the request body.
func UnmarshalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	body, err := io.ReadAll(io.LimitReader(req.Body, MaxRequestBodyBytes+1))
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if len(body) > MaxRequestBodyBytes {
		return &util.JSONResponse{
			Code: http.StatusRequestEntityTooLarge,
			JSON: spec.MatrixError{
				ErrCode: "M_TOO_LARGE",
				Err:     fmt.Sprintf("Request body exceeds %d bytes", MaxRequestBodyBytes),
			},
		}
	}

	return UnmarshalJSON(body, iface)
}

// UnmarshalJSON rejects invalid UTF-8, which encoding/json would otherwise accept.
func UnmarshalJSON(body []byte, iface interface{}) *util.JSONResponse {
	if !utf8.Valid(body) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Body contains invalid UTF-8"),
		}
	}

	if err := json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	return nil
}

// RoomErrorResponse maps errors returned by the room server onto client responses:
//   - ValidationError -> 400, M_BAD_JSON for content fields, M_INVALID_PARAM otherwise
//   - NotAllowedError -> 403 M_FORBIDDEN
//   - NotFoundError -> 404 M_NOT_FOUND
//   - anything else -> 500 M_UNKNOWN, logged
func RoomErrorResponse(ctx context.Context, err error) util.JSONResponse {
	var (
		validationErr  roomserverAPI.ValidationError
		notAllowedErr  roomserverAPI.NotAllowedError
		notFoundErr    roomserverAPI.NotFoundError
		persistenceErr roomserverAPI.PersistenceError
	)
	switch {
	case errors.As(err, &validationErr):
		if validationErr.Field == "content" || strings.HasPrefix(validationErr.Field, "content.") {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.BadJSON(validationErr.Error()),
			}
		}
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(validationErr.Error()),
		}
	case errors.As(err, &notAllowedErr):
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden(notAllowedErr.Msg),
		}
	case errors.As(err, &notFoundErr):
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound(notFoundErr.Msg),
		}
	case errors.As(err, &persistenceErr):
		util.GetLogger(ctx).WithError(err).Error("Failed to persist event")
	default:
		util.GetLogger(ctx).WithError(err).Error("Unexpected error handling room request")
	}
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: spec.Unknown("Internal server error"),
	}
}
