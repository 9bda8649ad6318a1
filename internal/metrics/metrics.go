// Package metrics declares the Prometheus instrumentation shared across
// the agent, comet, and console binaries.
//
// Grounded on control_plane/observability/metrics.go's promauto
// package-level var idiom and its flux_* naming convention, renamed to
// jia_* and narrowed to the handful of gauges/counters/histograms
// spec.md's components actually produce -- this is ambient observability
// (SPEC_FULL.md section 10), not a spec feature, so it is intentionally
// smaller than the teacher's much larger admission-control/circuit-
// breaker metric set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BridgePendingRequests tracks in-flight Bridge requests awaiting a
	// correlated Response, per spec.md section 4.1's request/response
	// correlation table. One process runs one side of the Bridge, so a
	// single process-wide gauge needs no side label.
	BridgePendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jia_bridge_pending_requests",
		Help: "Number of Bridge requests awaiting a correlated response",
	})

	// BridgeSendDuration tracks how long Connection.Send takes end to end,
	// including the wait for the correlated Response.
	BridgeSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jia_bridge_send_duration_seconds",
		Help:    "Duration of a Bridge request/response round trip",
		Buckets: prometheus.DefBuckets,
	})

	// BridgeTimeouts counts requests that hit ErrTimeout before a Response
	// correlated.
	BridgeTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jia_bridge_timeouts_total",
		Help: "Total Bridge requests that timed out waiting for a response",
	})

	// SchedulerActiveTimers tracks the Agent-side count of live cron
	// entries (spec.md section 4.4's timer table).
	SchedulerActiveTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jia_scheduler_active_timers",
		Help: "Number of active cron timer entries on this Agent",
	})

	// SchedulerActiveSupervisors tracks the Agent-side count of
	// supervised daemon processes.
	SchedulerActiveSupervisors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jia_scheduler_active_supervisors",
		Help: "Number of actively supervised daemon processes on this Agent",
	})

	// ExecutorRuns counts every job execution by its terminal result.
	ExecutorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jia_executor_runs_total",
		Help: "Total job executions by result",
	}, []string{"result"}) // result: success, failed, killed, timeout

	// EventBusLag is set to the event stream's total length (XLEN) after
	// each consumer read (eventbus.Bus.reportLag); it counts every entry
	// still in the stream, acknowledged or not.
	EventBusLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jia_eventbus_lag",
		Help: "Total number of entries in the event stream (XLEN)",
	})

	// LeaderStatus is 1 on the node currently holding the leader lease
	// (registry.LeaderElector), 0 otherwise.
	LeaderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jia_leader_status",
		Help: "1 if this node currently holds the leader lease, 0 otherwise",
	}, []string{"node_id"})
)
