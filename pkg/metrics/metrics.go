package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_samples_ingested_total",
			Help: "Total usage samples accepted into accounting",
		},
		[]string{"project"},
	)

	MetricsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_metrics_rejected_total",
			Help: "Individual sample metrics rejected by validation",
		},
		[]string{"reason"},
	)

	// Enforcement metrics
	BudgetViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_budget_violations_total",
			Help: "Budget violations (usage over hard/soft limit)",
		},
		[]string{"project", "metric", "window"},
	)

	BudgetWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_budget_warnings_total",
			Help: "Budget warnings by threshold bucket",
		},
		[]string{"project", "metric", "bucket"},
	)

	// Breaker metrics: 0=closed, 1=warning, 2=open
	BreakerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_breaker_status",
			Help: "Breaker tier per scope/metric (0 closed, 1 warning, 2 open)",
		},
		[]string{"scope", "metric"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_breaker_transitions_total",
			Help: "Breaker status transitions",
		},
		[]string{"to"},
	)

	// Throttle metrics
	ThrottleRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_throttle_rate",
			Help: "PID throttle rate per scope (0 none, 1 full)",
		},
		[]string{"scope"},
	)

	// Anomaly metrics
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_anomalies_detected_total",
			Help: "Usage anomalies flagged against rolling baselines",
		},
		[]string{"metric"},
	)

	// Rollup metrics
	RollupRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_rollup_rows_written_total",
			Help: "Rollup rows upserted per period kind",
		},
		[]string{"period"},
	)

	RollupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_rollup_row_failures_total",
			Help: "Rollup rows that failed and were skipped",
		},
		[]string{"period"},
	)

	// Alert delivery metrics
	AlertDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_alert_deliveries_total",
			Help: "Alert delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	// HTTP metrics
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

// statusValue maps a breaker status string to its gauge value.
func statusValue(status string) float64 {
	switch status {
	case "warning":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetBreakerStatus updates the breaker tier gauge for a scope/metric.
func SetBreakerStatus(scope, metric, status string) {
	BreakerStatus.WithLabelValues(scope, metric).Set(statusValue(status))
}

// SetThrottleRate updates the published throttle rate gauge.
func SetThrottleRate(scope string, rate float64) {
	ThrottleRate.WithLabelValues(scope).Set(rate)
}

// ObserveRequest records one HTTP request in the duration histogram.
func ObserveRequest(route, method string, status int, duration time.Duration) {
	RequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(duration.Seconds())
}
