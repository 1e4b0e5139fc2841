// Package telemetry holds the Prometheus metrics the core exposes,
// following wisbric-nightowl's internal/telemetry/metrics.go convention of
// package-level collectors plus an All() registration helper.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var ConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "pubsub",
		Subsystem: "connections",
		Name:      "active",
		Help:      "Number of WebSocket connections currently open on this pod.",
	},
)

var ConnectionsOpenedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pubsub",
		Subsystem: "connections",
		Name:      "opened_total",
		Help:      "Total number of WebSocket connections accepted.",
	},
)

var ConnectionsClosedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pubsub",
		Subsystem: "connections",
		Name:      "closed_total",
		Help:      "Total number of WebSocket connections closed, by close code reason.",
	},
	[]string{"reason"},
)

var InvalidateSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pubsub",
		Subsystem: "fanout",
		Name:      "invalidate_sent_total",
		Help:      "Total number of INVALIDATE frames sent, by dispatch path.",
	},
	[]string{"path"},
)

var ChangeLogSkippedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pubsub",
		Subsystem: "fanout",
		Name:      "change_log_skipped_total",
		Help:      "Total number of change-log rows marked skipped (no local subscribers).",
	},
)

var ListenerReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pubsub",
		Subsystem: "listener",
		Name:      "reconnects_total",
		Help:      "Total number of successful Notify Listener reconnects.",
	},
)

var ListenerState = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "pubsub",
		Subsystem: "listener",
		Name:      "state",
		Help:      "Notify Listener state machine position (0=Idle,1=Connecting,2=Listening,3=Disconnected).",
	},
)

var PollSweepDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "pubsub",
		Subsystem: "poller",
		Name:      "sweep_duration_seconds",
		Help:      "Poll Watcher sweep duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	},
)

var PollSweepSkippedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pubsub",
		Subsystem: "poller",
		Name:      "sweep_skipped_total",
		Help:      "Total number of poll sweeps skipped due to re-entrancy.",
	},
)

// All returns every core metric for registration with a prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionsActive,
		ConnectionsOpenedTotal,
		ConnectionsClosedTotal,
		InvalidateSentTotal,
		ChangeLogSkippedTotal,
		ListenerReconnectsTotal,
		ListenerState,
		PollSweepDuration,
		PollSweepSkippedTotal,
	}
}
