// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	roomserverAPI "github.com/element-hq/synchrotron/roomserver/api"
)

func TestUnmarshalJSONRequest(t *testing.T) {
	var into struct {
		Body string `json:"body"`
	}

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"body":"hello"}`))
	require.Nil(t, UnmarshalJSONRequest(req, &into))
	assert.Equal(t, "hello", into.Body)

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"body":`))
	res := UnmarshalJSONRequest(req, &into)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader("{\"body\":\"\xff\"}"))
	res = UnmarshalJSONRequest(req, &into)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, spec.NotJSON("Body contains invalid UTF-8"), res.JSON)

	huge := `{"body":"` + strings.Repeat("a", MaxRequestBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(huge))
	res = UnmarshalJSONRequest(req, &into)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.Code)
}

func TestRoomErrorResponse(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		err     error
		code    int
		errcode spec.MatrixErrorCode
	}{
		{
			name:    "content validation",
			err:     roomserverAPI.ValidationError{Field: "content.membership", Msg: "missing"},
			code:    http.StatusBadRequest,
			errcode: spec.ErrorBadJSON,
		},
		{
			name:    "parameter validation",
			err:     roomserverAPI.ValidationError{Field: "room_id", Msg: "empty"},
			code:    http.StatusBadRequest,
			errcode: "M_INVALID_PARAM",
		},
		{
			name:    "not allowed",
			err:     fmt.Errorf("kick: %w", roomserverAPI.NotAllowedError{Msg: "power level too low"}),
			code:    http.StatusForbidden,
			errcode: spec.ErrorForbidden,
		},
		{
			name:    "not found",
			err:     roomserverAPI.NotFoundError{Msg: "no such room"},
			code:    http.StatusNotFound,
			errcode: spec.ErrorNotFound,
		},
		{
			name:    "persistence",
			err:     roomserverAPI.PersistenceError{Err: errors.New("disk full")},
			code:    http.StatusInternalServerError,
			errcode: "M_UNKNOWN",
		},
		{
			name:    "unexpected",
			err:     errors.New("boom"),
			code:    http.StatusInternalServerError,
			errcode: "M_UNKNOWN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := RoomErrorResponse(ctx, tt.err)
			assert.Equal(t, tt.code, res.Code)
			var matrixErr spec.MatrixError
			switch e := res.JSON.(type) {
			case spec.MatrixError:
				matrixErr = e
			case *spec.MatrixError:
				matrixErr = *e
			default:
				t.Fatalf("unexpected response type %T", res.JSON)
			}
			assert.Equal(t, tt.errcode, matrixErr.ErrCode)
		})
	}
}
