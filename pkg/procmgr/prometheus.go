package procmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	// State transition metrics
	stateTransitions *prometheus.CounterVec

	// Performance metrics
	launchDuration      *prometheus.HistogramVec
	terminationDuration *prometheus.HistogramVec

	// Error metrics
	errors   *prometheus.CounterVec
	restarts *prometheus.CounterVec

	// Launch retry metrics
	launchRetries   *prometheus.CounterVec
	backoffDuration *prometheus.HistogramVec

	activeProcesses *prometheus.GaugeVec

	// Paragraph metrics
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "interpd"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_state_transitions_total",
			Help:      "Total number of interpreter process state transitions",
		},
		[]string{"setting_id", "from_state", "to_state"},
	)

	pmc.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_launch_duration_seconds",
			Help:      "Duration of interpreter launch attempts including the readiness handshake",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"setting_id", "status"},
	)

	pmc.terminationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_termination_duration_seconds",
			Help:      "Duration of interpreter termination including process table confirmation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"setting_id"},
	)

	pmc.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_errors_total",
			Help:      "Total number of interpreter process errors",
		},
		[]string{"setting_id", "error_type"},
	)

	pmc.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_restarts_total",
			Help:      "Total number of interpreter processes torn down by restart",
		},
		[]string{"setting_id"},
	)

	pmc.launchRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_retries_total",
			Help:      "Total number of retried launch attempts",
		},
		[]string{"setting_id"},
	)

	pmc.backoffDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_backoff_duration_seconds",
			Help:      "Duration of backoff delays between launch attempts",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"setting_id"},
	)

	pmc.activeProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_processes",
			Help:      "Number of live interpreter processes per setting",
		},
		[]string{"setting_id"},
	)

	pmc.executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paragraph_executions_total",
			Help:      "Total number of finished paragraph executions",
		},
		[]string{"setting_id", "status"},
	)

	pmc.executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "paragraph_execution_duration_seconds",
			Help:      "Paragraph execution latency including process start",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"setting_id"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.launchDuration,
		pmc.terminationDuration,
		pmc.errors,
		pmc.restarts,
		pmc.launchRetries,
		pmc.backoffDuration,
		pmc.activeProcesses,
		pmc.executions,
		pmc.executionDuration,
	)

	return pmc
}

// ProcessStateTransition records a state transition
func (pmc *PrometheusMetricsCollector) ProcessStateTransition(settingID string, fromState, toState ProcessState) {
	pmc.stateTransitions.WithLabelValues(
		settingID,
		fromState.String(),
		toState.String(),
	).Inc()
}

// ProcessLaunchDuration records the duration of a launch attempt
func (pmc *PrometheusMetricsCollector) ProcessLaunchDuration(settingID string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	pmc.launchDuration.WithLabelValues(
		settingID,
		status,
	).Observe(duration.Seconds())
}

// ProcessTerminationDuration records the duration of a termination operation
func (pmc *PrometheusMetricsCollector) ProcessTerminationDuration(settingID string, duration time.Duration) {
	pmc.terminationDuration.WithLabelValues(
		settingID,
	).Observe(duration.Seconds())
}

// ProcessError records a process error
func (pmc *PrometheusMetricsCollector) ProcessError(settingID string, errorType string) {
	pmc.errors.WithLabelValues(
		settingID,
		errorType,
	).Inc()
}

// ProcessRestart records a process restart
func (pmc *PrometheusMetricsCollector) ProcessRestart(settingID string) {
	pmc.restarts.WithLabelValues(
		settingID,
	).Inc()
}

// LaunchRetry records a retried launch attempt
func (pmc *PrometheusMetricsCollector) LaunchRetry(settingID string) {
	pmc.launchRetries.WithLabelValues(
		settingID,
	).Inc()
}

// LaunchBackoffDuration records the duration of a backoff delay
func (pmc *PrometheusMetricsCollector) LaunchBackoffDuration(settingID string, duration time.Duration) {
	pmc.backoffDuration.WithLabelValues(
		settingID,
	).Observe(duration.Seconds())
}

// ActiveProcesses records the number of live processes of a setting
func (pmc *PrometheusMetricsCollector) ActiveProcesses(settingID string, count int) {
	pmc.activeProcesses.WithLabelValues(settingID).Set(float64(count))
}

// ParagraphExecution records a finished paragraph
func (pmc *PrometheusMetricsCollector) ParagraphExecution(settingID, status string, duration time.Duration) {
	pmc.executions.WithLabelValues(settingID, status).Inc()
	pmc.executionDuration.WithLabelValues(settingID).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
