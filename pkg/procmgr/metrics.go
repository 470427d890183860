package procmgr

import (
	"time"
)

// MetricsCollector defines the interface for collecting interpreter process metrics.
// Labels are setting ids, never launch tokens, to keep cardinality bounded.
type MetricsCollector interface {
	// ProcessStateTransition records a state transition for a process
	ProcessStateTransition(settingID string, fromState, toState ProcessState)

	// ProcessLaunchDuration records the duration of a launch attempt
	ProcessLaunchDuration(settingID string, duration time.Duration, err error)

	// ProcessTerminationDuration records the duration of termination
	ProcessTerminationDuration(settingID string, duration time.Duration)

	// ProcessError records an error for a setting
	ProcessError(settingID string, errorType string)

	// ProcessRestart records a process torn down by restart
	ProcessRestart(settingID string)

	// LaunchRetry records a retried launch attempt
	LaunchRetry(settingID string)

	// LaunchBackoffDuration records the delay before a retried launch
	LaunchBackoffDuration(settingID string, duration time.Duration)

	// ActiveProcesses records the number of live processes of a setting
	ActiveProcesses(settingID string, count int)

	// ParagraphExecution records a finished paragraph and its final status
	ParagraphExecution(settingID, status string, duration time.Duration)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) ProcessStateTransition(settingID string, fromState, toState ProcessState) {
}
func (n *noopMetricsCollector) ProcessLaunchDuration(settingID string, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) ProcessTerminationDuration(settingID string, duration time.Duration) {}
func (n *noopMetricsCollector) ProcessError(settingID string, errorType string)                     {}
func (n *noopMetricsCollector) ProcessRestart(settingID string)                                     {}
func (n *noopMetricsCollector) LaunchRetry(settingID string)                                        {}
func (n *noopMetricsCollector) LaunchBackoffDuration(settingID string, duration time.Duration)      {}
func (n *noopMetricsCollector) ActiveProcesses(settingID string, count int)                         {}
func (n *noopMetricsCollector) ParagraphExecution(settingID, status string, duration time.Duration) {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
