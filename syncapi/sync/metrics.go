// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	rstypes "github.com/element-hq/synchrotron/roomserver/types"
)

var syncDurationHistogram = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "sync_duration_seconds",
		Help:      "Time spent building sync responses, including any long-poll wait",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"type"},
)

var syncLagSeconds = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "sync_lag_seconds",
		Help:      "Age of the newest stream position handed out by the last sync",
	},
)

var activeLongPolls = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "synchrotron",
		Subsystem: "syncapi",
		Name:      "active_long_polls",
		Help:      "Number of sync requests currently waiting for new data",
	},
)

func init() {
	prometheus.MustRegister(syncDurationHistogram, syncLagSeconds, activeLongPolls)
}

func observeSyncMetrics(kind string, duration, lag time.Duration) {
	syncDurationHistogram.WithLabelValues(kind).Observe(duration.Seconds())
	if lag >= 0 {
		syncLagSeconds.Set(lag.Seconds())
	}
}

// positionLag is how long ago pos was allocated, or -1 when unknown.
func positionLag(pos rstypes.StreamPosition, now time.Time) time.Duration {
	if pos.IsZero() {
		return -1
	}
	ms, err := pos.Millis()
	if err != nil {
		return -1
	}
	return now.Sub(time.UnixMilli(ms))
}
