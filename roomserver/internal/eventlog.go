// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/synchrotron/internal"
	"github.com/element-hq/synchrotron/internal/caching"
	"github.com/element-hq/synchrotron/internal/eventutil"
	"github.com/element-hq/synchrotron/roomserver/api"
	"github.com/element-hq/synchrotron/roomserver/types"
	"github.com/element-hq/synchrotron/setup/config"
)

var appendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "synchrotron",
		Subsystem: "roomserver",
		Name:      "append_duration_seconds",
		Help:      "How long it takes to persist an event and its projections",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
	[]string{"partition"},
)

var appendErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "synchrotron",
		Subsystem: "roomserver",
		Name:      "append_errors_total",
		Help:      "Appends rejected by validation or failed in storage",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(appendDuration, appendErrors)
}

// EventLog is the single entry point for room mutations.
type EventLog struct {
	Cfg       *config.RoomServer
	DB        api.EventStore
	Cache     *caching.Caches
	Waker     api.Waker
	Evaluator api.NotificationEvaluator
	Media     api.MediaReferenceTracker
}

// Append validates the request, persists the event with its projections in
// one transaction, then runs the post-commit steps. Post-commit failures are
// logged and never surface to the caller.
func (r *EventLog) Append(ctx context.Context, req *api.AppendRequest) (*types.Event, error) {
	trace, ctx := internal.StartRegion(ctx, "EventLog.Append")
	defer trace.EndRegion()

	if err := validateAppend(req, r.Cfg.MaxContentBytes); err != nil {
		appendErrors.WithLabelValues("validation").Inc()
		return nil, err
	}

	ev := &types.Event{
		RoomID:         req.RoomID,
		Sender:         req.Sender,
		Type:           req.Type,
		StateKey:       req.StateKey,
		Content:        req.Content,
		OriginServerTS: req.OriginServerTS,
		Unsigned:       req.Unsigned,
	}
	if ev.OriginServerTS == 0 {
		ev.OriginServerTS = spec.AsTimestamp(time.Now())
	}

	partition := "timeline"
	if ev.IsState() {
		partition = "state"
	}
	start := time.Now()
	if err := r.DB.AppendEvent(ctx, ev); err != nil {
		appendErrors.WithLabelValues("persistence").Inc()
		return nil, api.PersistenceError{Err: err}
	}
	appendDuration.WithLabelValues(partition).Observe(time.Since(start).Seconds())
	trace.SetTag("event_id", ev.EventID())

	r.afterCommit(ctx, ev)
	return ev, nil
}

func (r *EventLog) afterCommit(ctx context.Context, ev *types.Event) {
	logger := logrus.WithFields(logrus.Fields{
		"room_id":  ev.RoomID,
		"event_id": ev.EventID(),
		"type":     ev.Type,
	})

	r.Cache.InvalidateRoom(ev.RoomID)

	joined, err := r.JoinedUsers(ctx, ev.RoomID)
	if err != nil {
		logger.WithError(err).Error("Failed to load joined users, only waking the membership target")
	}
	woken := make(map[string]struct{}, len(joined)+1)
	for _, userID := range joined {
		woken[userID] = struct{}{}
	}
	if ev.Type == types.MRoomMember && ev.StateKey != nil {
		woken[*ev.StateKey] = struct{}{}
	}
	for userID := range woken {
		r.Waker.Wake(userID)
	}

	if err = r.Evaluator.OnNewEvent(ctx, &api.OutputRoomEvent{
		RoomID:      ev.RoomID,
		Event:       ev,
		JoinedUsers: joined,
	}); err != nil {
		logger.WithError(err).Warn("Notification evaluator rejected event")
	}

	if refs := eventutil.MediaReferences(ev.Content); len(refs) > 0 {
		if err = r.Media.TrackReferences(ctx, ev.EventID(), refs); err != nil {
			logger.WithError(err).Warn("Failed to record media references")
		}
	}
}
