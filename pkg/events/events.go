// Package events publishes interpreter lifecycle events.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Lifecycle event types
const (
	// EventStarting: a process launch began
	EventStarting = "starting"
	// EventReady: the process completed the readiness handshake
	EventReady = "ready"
	// EventLaunchFailed: launch retries were exhausted
	EventLaunchFailed = "launch_failed"
	// EventStopping: termination was requested
	EventStopping = "stopping"
	// EventStopped: the process is confirmed gone
	EventStopped = "stopped"
	// EventCrashed: the process exited unexpectedly
	EventCrashed = "crashed"
	// EventUnhealthy: the liveness probe failed
	EventUnhealthy = "unhealthy"
	// EventRestarting: a restart of the setting was requested
	EventRestarting = "restarting"
)

// Publisher reports lifecycle events to whoever watches the daemon.
//
// Metadata keys are snake_case: setting_id, group_key, pid, error.
type Publisher interface {
	// ReportLifecycleEvent sends a lifecycle event.
	// Returns error if the event could not be delivered.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// Event is the serialized form of a lifecycle event
type Event struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NoopPublisher drops every event
type NoopPublisher struct{}

// ReportLifecycleEvent does nothing
func (NoopPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return nil
}

// LogPublisher writes events to a structured logger
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher creates a publisher logging through logger
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{log: logger.With("component", "events")}
}

// ReportLifecycleEvent logs the event; crashes and failures at warn level
func (p *LogPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	level := slog.LevelInfo
	switch eventType {
	case EventCrashed, EventLaunchFailed, EventUnhealthy:
		level = slog.LevelWarn
	}

	attrs := make([]any, 0, 2+2*len(metadata))
	attrs = append(attrs, "event", eventType)
	for _, k := range sortedKeys(metadata) {
		attrs = append(attrs, k, metadata[k])
	}
	p.log.Log(ctx, level, message, attrs...)
	return nil
}

// MultiPublisher fans events out to several publishers
type MultiPublisher []Publisher

// ReportLifecycleEvent delivers to every publisher and joins their errors
func (m MultiPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	var errs []error
	for _, p := range m {
		if err := p.ReportLifecycleEvent(ctx, eventType, message, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time interface compliance checks
var (
	_ Publisher = NoopPublisher{}
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = MultiPublisher(nil)
)
