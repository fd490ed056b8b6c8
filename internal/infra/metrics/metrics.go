// Package metrics provides Prometheus metrics for the digital twin:
// counters, gauges, and histograms for the simulator, the monitor, and the
// dashboard health score.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Simulator ──────────────────────────────────────────────────────────────

// ReadingsGenerated counts SCADA readings produced across all cycles.
var ReadingsGenerated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hydrotwin",
	Name:      "readings_generated_total",
	Help:      "Total SCADA readings generated by the simulator.",
})

// SimulatorCycleDuration tracks generation cycle duration in seconds.
var SimulatorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "hydrotwin",
	Name:      "simulator_cycle_duration_seconds",
	Help:      "Duration of one simulator generation cycle.",
	Buckets:   prometheus.DefBuckets,
})

// SimulatorCycleErrors counts cycles lost to transient store failures.
var SimulatorCycleErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hydrotwin",
	Name:      "simulator_cycle_errors_total",
	Help:      "Total simulator cycles lost to store errors.",
})

// ─── Monitor ────────────────────────────────────────────────────────────────

// ReadingsProcessed counts readings compared against the hydraulic model.
var ReadingsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hydrotwin",
	Name:      "readings_processed_total",
	Help:      "Total SCADA readings compared by the monitor.",
})

// AnomaliesDetected counts detected anomalies by severity.
var AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hydrotwin",
	Name:      "anomalies_detected_total",
	Help:      "Total anomalies detected, by severity.",
}, []string{"severity"})

// MonitorCycleDuration tracks monitoring cycle duration in seconds.
var MonitorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "hydrotwin",
	Name:      "monitor_cycle_duration_seconds",
	Help:      "Duration of one monitoring cycle.",
	Buckets:   prometheus.DefBuckets,
})

// MonitorCycleErrors counts monitoring cycles that recorded an error.
var MonitorCycleErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hydrotwin",
	Name:      "monitor_cycle_errors_total",
	Help:      "Total monitoring cycles that recorded an error.",
})

// WatermarkLag tracks seconds between wall clock and the monitor watermark.
var WatermarkLag = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "hydrotwin",
	Name:      "monitor_watermark_lag_seconds",
	Help:      "Wall-clock age of the monitor's last processed timestamp.",
})

// ─── Dashboard ──────────────────────────────────────────────────────────────

// NetworkHealthScore tracks the most recently computed health score.
var NetworkHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "hydrotwin",
	Name:      "network_health_score",
	Help:      "Most recent dashboard network health score (0-100).",
})

// ─── Retention ──────────────────────────────────────────────────────────────

// RetentionRowsPurged counts time-series rows removed by the retention job.
var RetentionRowsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hydrotwin",
	Name:      "retention_rows_purged_total",
	Help:      "Total time-series rows removed by the retention job.",
})
