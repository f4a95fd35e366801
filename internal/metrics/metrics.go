// Package metrics provides Prometheus metrics for punchd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ingestion ──────────────────────────────────────────────────────────────

// EventsIngested counts events by outcome: inserted, duplicate, skipped, spooled.
var EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "punchd",
	Name:      "events_ingested_total",
	Help:      "Events processed by the ingest pipeline.",
}, []string{"result"})

// IngestRetries counts store retries during ingestion.
var IngestRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "punchd",
	Name:      "ingest_retries_total",
	Help:      "Store write retries during ingestion.",
})

// IngestActors tracks live per-task ingest actors.
var IngestActors = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "punchd",
	Name:      "ingest_actors",
	Help:      "Number of live per-task ingest actors.",
})

// IngestLatency tracks the time to persist one event.
var IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "punchd",
	Name:      "ingest_latency_seconds",
	Help:      "Time to persist one event, retries included.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

// ─── Validation ─────────────────────────────────────────────────────────────

// Validations counts caller-facing validations by status.
var Validations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "punchd",
	Name:      "validations_total",
	Help:      "Punch card validations by status.",
}, []string{"status"})

// Checkpoints counts checkpoints by final status.
var Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "punchd",
	Name:      "checkpoints_total",
	Help:      "Checkpoints written by status.",
}, []string{"status"})

// ─── Governor ───────────────────────────────────────────────────────────────

// Kills counts abandoned tasks by reason; cascaded kills use reason "cascade".
var Kills = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "punchd",
	Name:      "kills_total",
	Help:      "Tasks killed by the governor.",
}, []string{"reason"})

// GovernedTasks tracks running tasks by governance state.
var GovernedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "punchd",
	Name:      "governed_tasks",
	Help:      "Running tasks by governance state.",
}, []string{"state"})

// Diagnoses counts diagnoses by category.
var Diagnoses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "punchd",
	Name:      "diagnoses_total",
	Help:      "Diagnoses by category.",
}, []string{"category"})

// SignalFailures counts kill signals that could not be delivered.
var SignalFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "punchd",
	Name:      "signal_failures_total",
	Help:      "Kill signals that failed delivery.",
})
