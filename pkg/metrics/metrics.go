// Package metrics exposes the Prometheus counters and gauges this
// module emits, in the promauto.NewCounterVec style used throughout
// the rest of the tracing stack this code is adapted from.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DiscardedOutOfOrder = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gputrace",
			Name:      "merger_discarded_out_of_order_total",
			Help:      "Events dropped by the merger for arriving with a timestamp older than the last emitted one",
		}, []string{"node"},
	)

	SlotPoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gputrace",
			Name:      "slotpool_exhausted_total",
			Help:      "NextReadySlot calls that found no logical slot Ready",
		}, []string{"node", "device"},
	)

	SubmissionsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gputrace",
			Name:      "submissions_emitted_total",
			Help:      "Submissions extracted by CompleteSubmits and handed to the sink",
		}, []string{"node", "device"},
	)

	SlotPoolReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gputrace",
			Name:      "slotpool_ready",
			Help:      "Logical slots currently Ready, per device",
		}, []string{"node", "device"},
	)

	SlotPoolPendingOnGPU = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gputrace",
			Name:      "slotpool_pending_on_gpu",
			Help:      "Logical slots currently PendingOnGPU, per device",
		}, []string{"node", "device"},
	)
)

// ListenAndServe starts the /metrics endpoint. It is meant to be run in
// its own goroutine and does not return under normal operation.
func ListenAndServe(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(address, mux)
}
