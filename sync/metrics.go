package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inflightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statesync_inflight_requests",
		Help: "Requests currently handed out, by kind",
	}, []string{"kind"})

	queueGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statesync_queue_length",
		Help: "Queued units of work, by queue",
	}, []string{"queue"})

	resultCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_results_total",
		Help: "Ingested responses, by kind and result",
	}, []string{"kind", "result"})

	retryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_dispatch_failures_total",
		Help: "Requests returned by the dispatcher without a response, by kind",
	}, []string{"kind"})

	rangeProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statesync_range_progress_percent",
		Help: "Share of the account key space covered",
	})

	pivotNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statesync_pivot_number",
		Help: "Block number of the current pivot",
	})

	pivotUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statesync_pivot_updates_total",
		Help: "Number of pivot advances after the initial selection",
	})

	storedLeaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_stored_total",
		Help: "Verified leaves written to the store, by type",
	}, []string{"type"})

	peerBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statesync_peer_breaker_open",
		Help: "Peer circuit breaker state (1 = open, 0 = closed)",
	}, []string{"peer"})
)
