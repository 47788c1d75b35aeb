// Package metrics exposes the server's Prometheus instrumentation,
// grounded on the teacher pack's cuemby-warren/pkg/metrics convention of
// a package-level registry of named collectors wired into the places
// that produce the numbers, plus an HTTP handler for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// TasksStarted counts every scheduler task execution attempt,
	// including retries (see server.Scheduler.runTask).
	TasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moor_tasks_started_total",
		Help: "Total task execution attempts started by the scheduler.",
	})

	// TasksCompleted counts tasks that reached TaskCompleted.
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moor_tasks_completed_total",
		Help: "Total tasks that completed successfully.",
	})

	// TasksKilled counts tasks killed by exception, error, or retry
	// exhaustion.
	TasksKilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moor_tasks_killed_total",
		Help: "Total tasks killed (exception, panic, or retry exhaustion).",
	})

	// TxnConflicts counts WorldState.Txn.Commit calls that returned
	// db.ErrConflict, whether or not the task that caused them went on
	// to succeed on retry.
	TxnConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moor_txn_conflicts_total",
		Help: "Total transaction commit conflicts detected.",
	})

	// TxnRetryExhausted counts tasks killed for exceeding MaxRetries.
	TxnRetryExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moor_txn_retry_exhausted_total",
		Help: "Total tasks killed after exhausting their commit retry budget.",
	})

	// ActiveConnections tracks the number of connected sessions.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moor_active_connections",
		Help: "Current number of connected client sessions.",
	})

	// SuspendedTasks tracks tasks currently parked awaiting resume().
	SuspendedTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moor_suspended_tasks",
		Help: "Current number of suspended tasks.",
	})

	// CheckpointDurationSeconds observes how long textdump checkpoints
	// take to write.
	CheckpointDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moor_checkpoint_duration_seconds",
		Help:    "Duration of textdump checkpoint writes.",
		Buckets: prometheus.DefBuckets,
	})

	// WorkersConnected tracks the number of enrolled, currently-attached workers.
	WorkersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moor_workers_connected",
		Help: "Current number of attached workers.",
	})

	// WorkerRequestsDispatched counts worker_request() calls dispatched to a worker.
	WorkerRequestsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moor_worker_requests_dispatched_total",
		Help: "Total worker_request() calls dispatched to a worker.",
	})

	// WorkerRequestsFailed counts worker requests that ended in worker-unavailable,
	// a worker-reported error, or a ping-sweep timeout.
	WorkerRequestsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "moor_worker_requests_failed_total",
		Help: "Total worker requests that failed or timed out.",
	})
)

func init() {
	prometheus.MustRegister(
		TasksStarted, TasksCompleted, TasksKilled,
		TxnConflicts, TxnRetryExhausted,
		ActiveConnections, SuspendedTasks,
		CheckpointDurationSeconds,
		WorkersConnected, WorkerRequestsDispatched, WorkerRequestsFailed,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
