package lifecycle

import (
	"log/slog"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/events"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Manager
type Option func(*Manager)

// WithLauncher sets the process launcher
func WithLauncher(l launcher.Launcher) Option {
	return func(m *Manager) {
		m.launcher = l
	}
}

// WithProcessTable sets the OS process table used for ProcessCount
func WithProcessTable(t procmgr.ProcessTable) Option {
	return func(m *Manager) {
		m.table = t
	}
}

// WithClock sets the clock used for backoff waits and timestamps
func WithClock(c procmgr.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithPublisher sets the lifecycle event publisher
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(mc procmgr.MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = mc
	}
}

// WithTracerProvider sets the tracer provider; the global one is used otherwise
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracer = tp.Tracer(tracerName)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.log = logger
	}
}

// WithStartTimeout bounds how long Execute waits for the group lock and a
// process launch
func WithStartTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.startTimeout = d
	}
}

// WithTerminateTimeout bounds termination of one process
func WithTerminateTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.terminateTimeout = d
	}
}

// WithLaunchRetries sets how many launch attempts are made per Execute
func WithLaunchRetries(attempts int) Option {
	return func(m *Manager) {
		m.launchAttempts = attempts
	}
}

// WithRetryBackoff sets the base and max delay between launch attempts
func WithRetryBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.retryBase = base
		m.retryMax = max
	}
}

// WithProbeInterval sets the liveness probe interval; zero disables probing
func WithProbeInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.probeInterval = d
	}
}

// WithOrphanDetector runs the detector alongside the manager
func WithOrphanDetector(od *launcher.OrphanDetector) Option {
	return func(m *Manager) {
		m.orphans = od
	}
}

// WithExecutionRetention sets how many executions are kept for polling
func WithExecutionRetention(n int) Option {
	return func(m *Manager) {
		m.retention = n
	}
}
