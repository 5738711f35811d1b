// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	userapi "github.com/element-hq/synchrotron/userapi/api"
)

type tokenTable map[string]userapi.Device

func (t tokenTable) Authenticate(_ context.Context, token string) (*userapi.Device, error) {
	if token == "broken" {
		return nil, errors.New("token store unavailable")
	}
	dev, ok := t[token]
	if !ok {
		return nil, userapi.ErrUnknownToken
	}
	return &dev, nil
}

func whoami(req *http.Request, device *userapi.Device) util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: map[string]string{"user_id": device.UserID, "device_id": device.ID},
	}
}

func TestMakeAuthAPI(t *testing.T) {
	handler := MakeAuthAPI("test_whoami", tokenTable{
		"alice_token": {ID: "ALICE", UserID: "@alice:localhost"},
	}, whoami)

	tests := []struct {
		name    string
		header  string
		query   string
		want    int
		errcode string
	}{
		{name: "bearer header", header: "Bearer alice_token", want: http.StatusOK},
		{name: "query parameter", query: "?access_token=alice_token", want: http.StatusOK},
		{name: "no token", want: http.StatusUnauthorized, errcode: "M_MISSING_TOKEN"},
		{name: "unknown token", header: "Bearer nope", want: http.StatusUnauthorized, errcode: "M_UNKNOWN_TOKEN"},
		{name: "not bearer", header: "Basic alice_token", want: http.StatusUnauthorized, errcode: "M_MISSING_TOKEN"},
		{
			name:    "header and query",
			header:  "Bearer alice_token",
			query:   "?access_token=alice_token",
			want:    http.StatusUnauthorized,
			errcode: "M_MISSING_TOKEN",
		},
		{name: "authenticator failure", header: "Bearer broken", want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/_matrix/client/v3/whoami"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.want == http.StatusOK {
				assert.Equal(t, "@alice:localhost", body["user_id"])
				assert.Equal(t, "ALICE", body["device_id"])
			}
			if tt.errcode != "" {
				assert.Equal(t, tt.errcode, body["errcode"])
			}
		})
	}
}

func TestWrapHandlerInBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		configured BasicAuth
		user, pass string
		want       int
	}{
		{name: "unprotected", want: http.StatusOK},
		{name: "half configured is unprotected", configured: BasicAuth{Username: "metrics"}, want: http.StatusOK},
		{name: "matching credentials", configured: BasicAuth{Username: "metrics", Password: "secret"}, user: "metrics", pass: "secret", want: http.StatusOK},
		{name: "wrong password", configured: BasicAuth{Username: "metrics", Password: "secret"}, user: "metrics", pass: "guess", want: http.StatusForbidden},
		{name: "missing credentials", configured: BasicAuth{Username: "metrics", Password: "secret"}, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/metrics", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			WrapHandlerInBasicAuth(ok, tt.configured)(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func handlerSampleCount(t *testing.T, name string) uint64 {
	t.Helper()
	metrics := make(chan prometheus.Metric, 16)
	clientAPIRequestDuration.Collect(metrics)
	close(metrics)
	for metric := range metrics {
		m := &dto.Metric{}
		require.NoError(t, metric.Write(m))
		for _, label := range m.GetLabel() {
			if label.GetName() == "handler" && label.GetValue() == name {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func TestMakeHTTPAPIMetrics(t *testing.T) {
	clientAPIRequestDuration.Reset()

	noContent := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
	measured := MakeHTTPAPI("test_measured", true, noContent)
	unmeasured := MakeHTTPAPI("test_unmeasured", false, noContent)

	for i := 0; i < 3; i++ {
		measured.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://localhost/_matrix/test", nil))
		unmeasured.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://localhost/_matrix/test", nil))
	}

	assert.Equal(t, uint64(3), handlerSampleCount(t, "test_measured"))
	assert.Equal(t, uint64(0), handlerSampleCount(t, "test_unmeasured"))
}
