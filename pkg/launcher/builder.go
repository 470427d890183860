package launcher

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"golang.org/x/time/rate"
)

// Builder provides a fluent interface for constructing an ExecLauncher.
//
// Usage:
//
//	l, err := launcher.NewBuilder().
//	    WithHandshakeTimeout(20 * time.Second).
//	    WithGracePeriod(3 * time.Second).
//	    WithMetricsCollector(metrics).
//	    Build()
//
// All builder methods return the builder for method chaining. The first
// invalid value is remembered and reported by Build.
type Builder struct {
	config  *Config
	table   procmgr.ProcessTable
	metrics procmgr.MetricsCollector
	logger  *slog.Logger
	dial    DialFunc
	err     error
}

// NewBuilder creates a new Builder with sensible defaults.
//
// Defaults:
//   - ListenHost: 127.0.0.1
//   - HandshakeTimeout: 10 seconds
//   - GracePeriod: 5 seconds
//   - ConfirmTimeout: 5 seconds
//   - SpawnRate: 10 per second, burst 5
func NewBuilder() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithListenHost sets the loopback address launched processes listen on.
//
// Example:
//
//	builder.WithListenHost("::1")
func (b *Builder) WithListenHost(host string) *Builder {
	if b.err != nil {
		return b
	}
	if net.ParseIP(host) == nil {
		b.err = fmt.Errorf("listen host must be an IP address, got %q", host)
		return b
	}
	b.config.ListenHost = host
	return b
}

// WithOwner sets the owner marker used by orphan sweeps. Two daemons on one
// host must use different owners.
func (b *Builder) WithOwner(owner string) *Builder {
	if b.err != nil {
		return b
	}
	if owner == "" {
		b.err = fmt.Errorf("owner cannot be empty")
		return b
	}
	b.config.Owner = owner
	return b
}

// WithHandshakeTimeout sets how long one launch attempt waits for readiness.
//
// Lower values: Faster failure detection, risk of killing slow starters
// Higher values: Tolerates heavy runtimes, slower retries
//
// Example:
//
//	builder.WithHandshakeTimeout(30 * time.Second)
func (b *Builder) WithHandshakeTimeout(timeout time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if timeout <= 0 {
		b.err = fmt.Errorf("handshake timeout must be positive, got %v", timeout)
		return b
	}
	b.config.HandshakeTimeout = timeout
	return b
}

// WithHandshakeInterval sets the delay between readiness probes
func (b *Builder) WithHandshakeInterval(interval time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if interval <= 0 {
		b.err = fmt.Errorf("handshake interval must be positive, got %v", interval)
		return b
	}
	b.config.HandshakeInterval = interval
	return b
}

// WithGracePeriod sets how long a process gets to exit after SIGTERM
// before it is killed.
//
// Example:
//
//	builder.WithGracePeriod(2 * time.Second)
func (b *Builder) WithGracePeriod(period time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if period < 0 {
		b.err = fmt.Errorf("grace period cannot be negative, got %v", period)
		return b
	}
	b.config.GracePeriod = period
	return b
}

// WithConfirmTimeout sets how long termination waits for the OS process
// table to drop the process.
func (b *Builder) WithConfirmTimeout(timeout time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if timeout <= 0 {
		b.err = fmt.Errorf("confirm timeout must be positive, got %v", timeout)
		return b
	}
	b.config.ConfirmTimeout = timeout
	return b
}

// WithSpawnRate limits process starts to perSecond, allowing burst starts
// back to back.
//
// Example:
//
//	builder.WithSpawnRate(5, 2)
func (b *Builder) WithSpawnRate(perSecond float64, burst int) *Builder {
	if b.err != nil {
		return b
	}
	if perSecond <= 0 || burst < 1 {
		b.err = fmt.Errorf("spawn rate must be positive with burst >= 1, got %v/%d", perSecond, burst)
		return b
	}
	b.config.SpawnRate = rate.Limit(perSecond)
	b.config.SpawnBurst = burst
	return b
}

// WithOutput sets where process stdout and stderr go
func (b *Builder) WithOutput(stdout, stderr io.Writer) *Builder {
	if b.err != nil {
		return b
	}
	b.config.Stdout = stdout
	b.config.Stderr = stderr
	return b
}

// WithProcessTable sets the process table used to confirm termination
func (b *Builder) WithProcessTable(table procmgr.ProcessTable) *Builder {
	b.table = table
	return b
}

// WithMetricsCollector sets the metrics collector
func (b *Builder) WithMetricsCollector(metrics procmgr.MetricsCollector) *Builder {
	b.metrics = metrics
	return b
}

// WithLogger sets the logger
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithDialFunc replaces how the launcher connects to launched processes
func (b *Builder) WithDialFunc(dial DialFunc) *Builder {
	if b.err != nil {
		return b
	}
	if dial == nil {
		b.err = fmt.Errorf("dial func cannot be nil")
		return b
	}
	b.dial = dial
	return b
}

// WithDevelopmentDefaults configures the launcher for local development.
//
// Settings:
//   - HandshakeTimeout: 5 seconds (fail fast)
//   - GracePeriod: 1 second (quick restarts)
//   - SpawnRate: 50 per second
func (b *Builder) WithDevelopmentDefaults() *Builder {
	return b.
		WithHandshakeTimeout(5*time.Second).
		WithGracePeriod(1*time.Second).
		WithSpawnRate(50, 10)
}

// WithProductionDefaults configures the launcher for production deployment.
//
// Settings:
//   - HandshakeTimeout: 30 seconds (heavy runtimes)
//   - GracePeriod: 5 seconds (let interpreters flush)
//   - SpawnRate: 5 per second (avoid launch storms after a restart)
func (b *Builder) WithProductionDefaults() *Builder {
	return b.
		WithHandshakeTimeout(30*time.Second).
		WithGracePeriod(5*time.Second).
		WithSpawnRate(5, 5)
}

// WithConfig directly sets the configuration object.
//
// Note: This replaces all previous builder settings.
func (b *Builder) WithConfig(config *Config) *Builder {
	if b.err != nil {
		return b
	}
	if config == nil {
		b.err = fmt.Errorf("config cannot be nil")
		return b
	}
	b.config = config
	return b
}

// Build creates the ExecLauncher.
//
// Example:
//
//	l, err := launcher.NewBuilder().
//	    WithGracePeriod(2 * time.Second).
//	    Build()
//	if err != nil {
//	    return fmt.Errorf("failed to build launcher: %w", err)
//	}
func (b *Builder) Build() (*ExecLauncher, error) {
	if b.err != nil {
		return nil, fmt.Errorf("builder validation failed: %w", b.err)
	}

	if err := b.validateConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l := NewExecLauncher(b.config, b.table, b.metrics, b.logger)
	if b.dial != nil {
		l.dial = b.dial
	}
	return l, nil
}

// MustBuild creates the ExecLauncher and panics on error.
func (b *Builder) MustBuild() *ExecLauncher {
	l, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build launcher: %v", err))
	}
	return l
}

// GetConfig returns the current configuration without building the launcher.
func (b *Builder) GetConfig() *Config {
	return b.config
}

// validateConfig performs final validation before building the launcher.
func (b *Builder) validateConfig() error {
	if net.ParseIP(b.config.ListenHost) == nil {
		return fmt.Errorf("listen host must be an IP address")
	}

	if b.config.Owner == "" {
		return fmt.Errorf("owner is required")
	}

	if b.config.HandshakeTimeout <= 0 || b.config.HandshakeInterval <= 0 {
		return fmt.Errorf("handshake timeout and interval must be positive")
	}

	if b.config.GracePeriod < 0 {
		return fmt.Errorf("grace period cannot be negative")
	}

	if b.config.ConfirmTimeout <= 0 || b.config.PollInterval <= 0 {
		return fmt.Errorf("confirm timeout and poll interval must be positive")
	}

	if b.config.SpawnRate <= 0 || b.config.SpawnBurst < 1 {
		return fmt.Errorf("spawn rate must be positive")
	}

	return nil
}
