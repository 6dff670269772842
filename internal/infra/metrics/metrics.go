// Package metrics provides Prometheus metrics for TestSmith — counters
// and gauges for task outcomes, slot occupancy, heartbeat kills, and
// checkpoint activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksSucceeded tracks tasks that produced a final result.
var TasksSucceeded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "tasks_succeeded_total",
	Help:      "Total tasks that completed successfully.",
})

// TasksFailed tracks terminally failed tasks by reason.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "tasks_failed_total",
	Help:      "Total tasks that failed permanently.",
}, []string{"reason"})

// TaskRetries tracks retry attempts across all tasks.
var TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "task_retries_total",
	Help:      "Total task retry attempts.",
})

// TaskDuration tracks per-attempt backend runtime in seconds.
var TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "testsmith",
	Name:      "task_duration_seconds",
	Help:      "Backend subprocess runtime per attempt.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
})

// BatchCost tracks actual spend per batch in USD.
var BatchCost = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "batch_cost_usd_total",
	Help:      "Total backend cost across batches, in USD.",
})

// ─── Slots ──────────────────────────────────────────────────────────────────

// SlotsActive tracks registered processes by category.
var SlotsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "testsmith",
	Name:      "slots_active",
	Help:      "Currently registered processes per category.",
}, []string{"category"})

// ReservationsDenied tracks reservation denials.
var ReservationsDenied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "reservations_denied_total",
	Help:      "Total slot reservations denied at the limit.",
})

// EmergencyShutdowns tracks force-kill-everything events.
var EmergencyShutdowns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "emergency_shutdowns_total",
	Help:      "Total emergency shutdowns.",
})

// ─── Heartbeat ──────────────────────────────────────────────────────────────

// HeartbeatKills tracks processes terminated by the monitor, by cause.
var HeartbeatKills = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "heartbeat_kills_total",
	Help:      "Total processes killed by health checks or timeouts.",
}, []string{"cause"})

// ─── Checkpoints ────────────────────────────────────────────────────────────

// CheckpointsResumed tracks tasks that continued from a checkpoint.
var CheckpointsResumed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "checkpoints_resumed_total",
	Help:      "Total tasks resumed from a stored checkpoint.",
})

// CheckpointsFailed tracks checkpoints moved to the failed bucket.
var CheckpointsFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "testsmith",
	Name:      "checkpoints_failed_total",
	Help:      "Total checkpoints retired after repeated failures.",
})
