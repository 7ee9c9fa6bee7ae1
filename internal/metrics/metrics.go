package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hushroom_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hushroom_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Membership metrics
	RoomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hushroom_room_joins_total",
			Help: "Room joins by result",
		},
		[]string{"result"}, // "ok", "failed", "resumed"
	)

	RoomLeaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hushroom_room_leaves_total",
			Help: "Committed room leaves by trigger",
		},
		[]string{"trigger"}, // "manual", "grace", "unload", "switch", "shutdown"
	)

	LeavesCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hushroom_room_leaves_cancelled_total",
			Help: "Pending leaves cancelled by a rejoin within the grace window",
		},
	)

	LeaveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hushroom_room_leave_failures_total",
			Help: "Leave mutations that failed and were left to the reaper",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hushroom_active_sessions",
			Help: "Sessions currently joined or pending leave",
		},
	)

	// Reaper metrics
	ReaperDeletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hushroom_reaper_deletions_total",
			Help: "Empty rooms deleted by the reaper",
		},
		[]string{"source"}, // "update", "sweep"
	)
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
