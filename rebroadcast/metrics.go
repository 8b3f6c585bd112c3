// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rebroadcast

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Completed ticks, labeled full or unbroadcast.
	prometheusRebroadcastTicks *prometheus.CounterVec
	// Ticks rejected because another tick was running.
	prometheusRebroadcastTicksSkipped prometheus.Counter
	// Transactions chosen by the fee selector on the last full tick.
	prometheusRebroadcastSelected prometheus.Gauge
	// Locally originated transactions no peer has requested yet.
	prometheusRebroadcastUnbroadcast prometheus.Gauge
	// Hashes handed to the announcement queue across all peers.
	prometheusRebroadcastAnnounced prometheus.Counter
	// Time spent computing and dispatching a tick.
	prometheusRebroadcastTickDuration prometheus.Histogram
)

var prometheusMetricsInitOnce sync.Once

// initPrometheusMetrics registers the package metrics exactly once since
// registering the same collector twice panics.
func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusRebroadcastTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txrelay",
			Subsystem: "rebroadcast",
			Name:      "ticks_total",
			Help:      "Number of completed rebroadcast ticks",
		},
		[]string{"kind"},
	)

	prometheusRebroadcastTicksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txrelay",
			Subsystem: "rebroadcast",
			Name:      "ticks_skipped_total",
			Help:      "Number of ticks rejected while another tick was in progress",
		},
	)

	prometheusRebroadcastSelected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txrelay",
			Subsystem: "rebroadcast",
			Name:      "selected",
			Help:      "Number of transactions selected by fee rate on the last tick",
		},
	)

	prometheusRebroadcastUnbroadcast = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txrelay",
			Subsystem: "rebroadcast",
			Name:      "unbroadcast",
			Help:      "Number of locally originated transactions not yet requested by a peer",
		},
	)

	prometheusRebroadcastAnnounced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txrelay",
			Subsystem: "rebroadcast",
			Name:      "announced_total",
			Help:      "Number of transaction announcements queued for peers",
		},
	)

	prometheusRebroadcastTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txrelay",
			Subsystem: "rebroadcast",
			Name:      "tick_duration_seconds",
			Help:      "Duration of rebroadcast ticks",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
}
