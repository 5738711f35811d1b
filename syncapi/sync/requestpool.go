// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/clientapi/httputil"
	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/setup/config"
	"github.com/element-hq/synchrotron/syncapi/notifier"
	"github.com/element-hq/synchrotron/syncapi/storage"
	"github.com/element-hq/synchrotron/syncapi/types"
	userapi "github.com/element-hq/synchrotron/userapi/api"
)

var validPresence = map[string]struct{}{
	"online":      {},
	"offline":     {},
	"unavailable": {},
}

// RequestPool manages HTTP long-poll connections for /sync
type RequestPool struct {
	cfg     *config.SyncAPI
	db      storage.Database
	builder *Builder
	poller  *LongPoller
}

// NewRequestPool makes a new RequestPool
func NewRequestPool(
	cfg *config.SyncAPI, db storage.Database, typing TypingReader,
	keys userapi.KeyQuerier, n notifier.Notifier,
) *RequestPool {
	return &RequestPool{
		cfg: cfg,
		db:  db,
		builder: &Builder{
			Cfg:    cfg,
			DB:     db,
			Typing: typing,
			Keys:   keys,
		},
		poller: &LongPoller{Notifier: n, MaxTimeout: cfg.MaxTimeout},
	}
}

type syncParams struct {
	since     types.StreamingToken
	hasSince  bool
	timeout   time.Duration
	fullState bool
}

func parseSyncParams(req *http.Request) (syncParams, *util.JSONResponse) {
	var p syncParams
	q := req.URL.Query()
	if since := q.Get("since"); since != "" {
		tok, err := types.NewStreamTokenFromString(since)
		if err != nil {
			return p, invalidParam(fmt.Sprintf("Invalid since: %s", err))
		}
		p.since = tok
		p.hasSince = true
	}
	if timeout := q.Get("timeout"); timeout != "" {
		ms, err := strconv.ParseInt(timeout, 10, 64)
		if err != nil || ms < 0 {
			return p, invalidParam("timeout must be a non-negative integer")
		}
		p.timeout = time.Duration(ms) * time.Millisecond
	}
	switch q.Get("full_state") {
	case "", "false":
	case "true":
		p.fullState = true
	default:
		return p, invalidParam("full_state must be true or false")
	}
	if presence := q.Get("set_presence"); presence != "" {
		if _, ok := validPresence[presence]; !ok {
			return p, invalidParam(fmt.Sprintf("Unknown set_presence %q", presence))
		}
	}
	return p, nil
}

func invalidParam(msg string) *util.JSONResponse {
	return &util.JSONResponse{
		Code: http.StatusBadRequest,
		JSON: spec.InvalidParam(msg),
	}
}

// OnIncomingSyncRequest is called when a client makes a /sync request. The
// response is written here rather than returned so that the position is
// only saved once the client has been sent it.
func (rp *RequestPool) OnIncomingSyncRequest(w http.ResponseWriter, req *http.Request, device *userapi.Device) {
	trace, ctx := internal.StartTask(req.Context(), "RequestPool.OnIncomingSyncRequest")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	trace.SetTag("device_id", device.ID)

	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
	})
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in sync: %v", r)
			logger.WithError(err).Error("Sync request panicked")
			captureException(ctx, err)
			writeJSON(w, http.StatusInternalServerError, spec.Unknown("Internal server error"))
		}
	}()

	params, errRes := parseSyncParams(req)
	if errRes != nil {
		writeJSON(w, errRes.Code, errRes.JSON)
		return
	}
	if !params.hasSince {
		tok, ok, err := rp.db.Checkpoint(ctx, device.UserID, device.ID)
		if err != nil {
			logger.WithError(err).Warn("Failed to load sync checkpoint")
		} else if ok {
			params.since = tok
		}
	}
	// A client that sent any since, even "s0" from an empty server, is
	// polling and keeps its timeout.
	timeout := params.timeout
	if (params.since.IsZero() && !params.hasSince) || params.fullState {
		timeout = 0
	}
	trace.SetTag("since", params.since.String())

	start := time.Now()
	res, err := Poll(ctx, rp.poller, device.UserID, timeout,
		func(ctx context.Context) (*types.Response, error) {
			return rp.builder.Build(ctx, BuildRequest{
				Device:    device,
				Since:     params.since,
				FullState: params.fullState,
			})
		},
		(*types.Response).HasUpdates,
	)
	if err != nil {
		logger.WithError(err).Error("Failed to build sync response")
		captureException(ctx, err)
		writeJSON(w, http.StatusInternalServerError, spec.Unknown("Internal server error"))
		return
	}
	kind := "incremental"
	if params.since.IsZero() {
		kind = "initial"
	}
	observeSyncMetrics(kind, time.Since(start), positionLag(res.NextBatch.Position, time.Now()))

	if !writeJSON(w, http.StatusOK, res) {
		return
	}
	if err = rp.db.StoreCheckpoint(context.WithoutCancel(ctx), device.UserID, device.ID, res.NextBatch); err != nil {
		logger.WithError(err).Warn("Failed to store sync checkpoint")
	}
}

// OnIncomingSlidingSyncRequest serves the windowed room list variant of
// /sync.
func (rp *RequestPool) OnIncomingSlidingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	trace, ctx := internal.StartTask(req.Context(), "RequestPool.OnIncomingSlidingSyncRequest")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)

	var body types.SlidingSyncRequest
	if errRes := httputil.UnmarshalJSONRequest(req, &body); errRes != nil {
		return *errRes
	}
	q := req.URL.Query()
	if pos := q.Get("pos"); pos != "" {
		body.Pos = pos
	}
	var since types.StreamingToken
	if body.Pos != "" {
		tok, err := types.NewStreamTokenFromString(body.Pos)
		if err != nil {
			return *invalidParam(fmt.Sprintf("Invalid pos: %s", err))
		}
		since = tok
	}
	var timeout time.Duration
	if t := q.Get("timeout"); t != "" && body.Pos != "" {
		ms, err := strconv.ParseInt(t, 10, 64)
		if err != nil || ms < 0 {
			return *invalidParam("timeout must be a non-negative integer")
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	start := time.Now()
	res, err := Poll(ctx, rp.poller, device.UserID, timeout,
		func(ctx context.Context) (*types.SlidingSyncResponse, error) {
			return rp.builder.BuildSliding(ctx, SlidingRequest{
				Device: device,
				Since:  since,
				Lists:  body.Lists,
			})
		},
		(*types.SlidingSyncResponse).HasUpdates,
	)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("Failed to build sliding sync response")
		captureException(ctx, err)
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.Unknown("Internal server error"),
		}
	}
	observeSyncMetrics("sliding", time.Since(start), positionLag(res.Pos.Position, time.Now()))
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

// writeJSON reports whether the whole body was written.
func writeJSON(w http.ResponseWriter, code int, body any) bool {
	raw, err := json.Marshal(body)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal sync response")
		w.WriteHeader(http.StatusInternalServerError)
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(raw); err != nil {
		logrus.WithError(err).Warn("Failed to write sync response")
		return false
	}
	return true
}

func captureException(ctx context.Context, err error) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}
