// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncd",
			Subsystem: "syncapi",
			Name:      "sync_request_duration_seconds",
			Help:      "Total time taken to answer a sync request, long-poll wait included",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)
	syncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "syncapi",
			Name:      "sync_lag_seconds",
			Help:      "Time between the wake-up that produced the last response and the response being ready",
		},
	)
)

func init() {
	_ = prometheus.Register(syncDurationHistogram)
	_ = prometheus.Register(syncLagSeconds)
}

// observeSyncMetrics records one completed sync: how long the whole poll
// took, and how long the data that answered it waited for delivery.
func observeSyncMetrics(duration, lag time.Duration) {
	syncDurationHistogram.Observe(duration.Seconds())
	syncLagSeconds.Set(lag.Seconds())
}
