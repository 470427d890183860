// Package lifecycle decides which interpreter process runs each paragraph.
//
// A Manager resolves every execution request to an interpreter group through
// the setting's binding mode, launches the group's process on first use and
// reuses it afterwards. Restart tears processes down while keeping the
// group's bindings, so the next execution relaunches lazily.
//
// Launch, restart and teardown of one group are serialized by the group lock.
// Different groups never wait on each other.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/events"
	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"github.com/jrepp/prism-interpreters/pkg/isolation"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/jrepp/prism-interpreters/pkg/settings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jrepp/prism-interpreters/pkg/lifecycle"

// ErrManagerClosed is returned by Execute after Shutdown
var ErrManagerClosed = errors.New("lifecycle manager is shut down")

// Manager owns the interpreter groups of every setting
type Manager struct {
	store     *settings.Store
	registry  *isolation.Registry
	launcher  launcher.Launcher
	table     procmgr.ProcessTable
	clock     procmgr.Clock
	publisher events.Publisher
	metrics   procmgr.MetricsCollector
	tracer    trace.Tracer
	log       *slog.Logger
	orphans   *launcher.OrphanDetector
	monitor   *HealthMonitor

	startTimeout     time.Duration
	terminateTimeout time.Duration
	launchAttempts   int
	retryBase        time.Duration
	retryMax         time.Duration
	probeInterval    time.Duration
	retention        int

	executions *executionStore

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closed    atomic.Bool
}

// target is a bound group with a RUNNING process
type target struct {
	setting settings.Setting
	group   *isolation.Group
	binding isolation.Binding
	process *procmgr.RemoteProcess
}

// NewManager creates a manager over the settings in store.
//
// Defaults: 30s start timeout, 15s terminate timeout, 3 launch attempts,
// 10s liveness probes, the OS process table and an ExecLauncher.
func NewManager(store *settings.Store, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		registry:         isolation.NewRegistry(),
		clock:            procmgr.RealClock(),
		publisher:        events.NoopPublisher{},
		metrics:          procmgr.NewNoopMetricsCollector(),
		tracer:           otel.Tracer(tracerName),
		log:              slog.Default(),
		startTimeout:     30 * time.Second,
		terminateTimeout: 15 * time.Second,
		launchAttempts:   3,
		retryBase:        200 * time.Millisecond,
		retryMax:         5 * time.Second,
		probeInterval:    10 * time.Second,
		retention:        1000,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.log = m.log.With("component", "lifecycle")
	if m.table == nil {
		m.table = procmgr.NewSystemProcessTable()
	}
	if m.launcher == nil {
		m.launcher = launcher.NewExecLauncher(nil, m.table, m.metrics, m.log)
	}
	if m.launchAttempts < 1 {
		m.launchAttempts = 1
	}

	m.executions = newExecutionStore(m.retention)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.monitor = newHealthMonitor(m, m.probeInterval)
	return m
}

// Start runs the liveness probe and, if configured, the orphan detector.
// They stop on Shutdown or when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		if m.probeInterval > 0 {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.monitor.Start(ctx)
			}()
		}
		if m.orphans != nil {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.orphans.Start(ctx)
			}()
		}
	})
}

// Execute binds the request to its group, making sure the group has a
// RUNNING process, and dispatches the paragraph asynchronously.
//
// On failure the returned handle is already in terminal ERROR state and the
// error is returned as well: ProcessStartTimeout when the start timeout
// expired, LaunchFailed when launch attempts were exhausted.
func (m *Manager) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionHandle, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Execute", trace.WithAttributes(
		attribute.String("setting_id", req.SettingID),
		attribute.String("user_id", req.UserID),
		attribute.String("note_id", req.NoteID),
		attribute.String("paragraph_id", req.ParagraphID),
	))
	defer span.End()

	h := newExecutionHandle(req, m.clock.Now())
	m.executions.add(h)

	if m.closed.Load() {
		h.fail(ErrManagerClosed, m.clock.Now())
		return h, ErrManagerClosed
	}

	t, err := m.bind(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.fail(err, m.clock.Now())
		return h, err
	}

	span.SetAttributes(
		attribute.String("group_key", t.group.ID.Key),
		attribute.Int("pid", t.process.PID),
	)
	go m.dispatch(h, t)
	return h, nil
}

// Execution returns a retained execution handle
func (m *Manager) Execution(id string) (*ExecutionHandle, bool) {
	return m.executions.get(id)
}

// bind resolves the request to its group, records the binding and returns
// the group's RUNNING process, launching it if needed
func (m *Manager) bind(ctx context.Context, req ExecutionRequest) (target, error) {
	setting, ok := m.store.Get(req.SettingID)
	if !ok {
		return target{}, launcher.SettingNotFound(req.SettingID)
	}

	binding := isolation.Resolve(setting.Mode, req.UserID, req.NoteID)
	id := isolation.GroupID{SettingID: setting.ID, Key: binding.Key}

	ctx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()

	for {
		g, created := m.registry.GetOrCreate(id, setting.Mode, binding)
		if created {
			m.log.Debug("created interpreter group", "setting_id", id.SettingID, "group_key", id.Key, "mode", setting.Mode)
		}

		if err := g.Lock(ctx); err != nil {
			return target{}, launcher.ProcessStartTimeout(setting.ID, id.Key, m.startTimeout, err)
		}
		if g.Removed() {
			// torn down while we waited; join its replacement
			g.Unlock()
			continue
		}

		g.Bind(req.NoteID, req.ParagraphID)
		p, err := m.ensureProcess(ctx, g, setting)
		g.Unlock()
		if err != nil {
			return target{}, err
		}
		return target{setting: setting, group: g, binding: binding, process: p}, nil
	}
}

// ensureProcess returns the group's RUNNING process, replacing a dead one.
// Caller holds the group lock.
func (m *Manager) ensureProcess(ctx context.Context, g *isolation.Group, setting settings.Setting) (*procmgr.RemoteProcess, error) {
	if p := g.Process(); p != nil {
		if p.State() == procmgr.ProcessStateRunning {
			return p, nil
		}

		g.Detach()
		m.log.Info("replacing dead interpreter process",
			"setting_id", setting.ID, "group_key", g.ID.Key, "pid", p.PID, "cause", p.Err())
		if err := m.terminate(ctx, p); err != nil {
			m.log.Warn("cleanup of dead interpreter process failed", "pid", p.PID, "error", err)
		}
	}

	p, err := m.launch(ctx, g, setting)
	if err != nil {
		return nil, err
	}

	g.Attach(p)
	m.watch(p)
	return p, nil
}

// launch starts a process for g, retrying failed attempts with backoff
func (m *Manager) launch(ctx context.Context, g *isolation.Group, setting settings.Setting) (*procmgr.RemoteProcess, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Launch", trace.WithAttributes(
		attribute.String("setting_id", setting.ID),
		attribute.String("group_key", g.ID.Key),
	))
	defer span.End()

	log := m.log.With("setting_id", setting.ID, "group_key", g.ID.Key)
	spec := launcher.LaunchSpec{Setting: setting, GroupKey: g.ID.Key, Isolated: g.Isolated}
	meta := map[string]string{"setting_id": setting.ID, "group_key": g.ID.Key}

	var lastErr error
	attempts := 0
	for attempts < m.launchAttempts {
		if attempts > 0 {
			delay := procmgr.ExponentialBackoff(attempts-1, m.retryBase, m.retryMax)
			m.metrics.LaunchRetry(setting.ID)
			m.metrics.LaunchBackoffDuration(setting.ID, delay)
			log.Info("retrying interpreter launch", "attempt", attempts+1, "backoff", delay)

			select {
			case <-m.clock.After(delay):
			case <-ctx.Done():
				return nil, launcher.ProcessStartTimeout(setting.ID, g.ID.Key, m.startTimeout, lastErr)
			}
		}
		attempts++

		m.publish(ctx, events.EventStarting, "launching interpreter process", meta)
		p, err := m.launcher.Launch(ctx, spec)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempts))
			m.publish(ctx, events.EventReady, "interpreter process ready", withPID(meta, p.PID))
			return p, nil
		}

		lastErr = err
		log.Warn("interpreter launch attempt failed", "attempt", attempts, "error", err)
		if ctx.Err() != nil {
			return nil, launcher.ProcessStartTimeout(setting.ID, g.ID.Key, m.startTimeout, err)
		}
		if launcher.IsErrorCode(err, launcher.ErrorCodeExecutableNotFound) {
			break
		}
	}

	err := launcher.LaunchFailed(setting.ID, g.ID.Key, attempts, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "launch failed")
	m.publish(ctx, events.EventLaunchFailed, "interpreter launch failed", withError(meta, lastErr))
	return nil, err
}

// watch reports a crash once the process dies on its own
func (m *Manager) watch(p *procmgr.RemoteProcess) {
	go func() {
		select {
		case <-p.Dead():
		case <-m.ctx.Done():
			return
		}
		if err := p.Err(); errors.Is(err, launcher.ErrProcessCrashed) {
			m.publish(m.ctx, events.EventCrashed, "interpreter process crashed",
				withError(processMeta(p), err))
		}
	}()
}

// dispatch runs the paragraph. A process that went away mid-request is
// relaunched and the request re-dispatched once.
func (m *Manager) dispatch(h *ExecutionHandle, t target) {
	ctx, span := m.tracer.Start(m.ctx, "lifecycle.Dispatch", trace.WithAttributes(
		attribute.String("execution_id", h.ID),
		attribute.String("setting_id", t.setting.ID),
		attribute.String("group_key", t.group.ID.Key),
	))
	defer span.End()

	res, err := t.process.Execute(ctx, m.request(h.Request, t.binding))
	if errors.Is(err, procmgr.ErrProcessNotRunning) && !m.closed.Load() {
		m.log.Info("interpreter process went away mid-request, re-dispatching",
			"execution_id", h.ID, "setting_id", t.setting.ID, "group_key", t.group.ID.Key)
		span.AddEvent("redispatch")

		t, err = m.bind(ctx, h.Request)
		if err == nil {
			res, err = t.process.Execute(ctx, m.request(h.Request, t.binding))
		}
	}

	if err != nil {
		if m.closed.Load() {
			err = ErrManagerClosed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.fail(err, m.clock.Now())
	} else {
		h.complete(res, m.clock.Now())
	}
	m.metrics.ParagraphExecution(h.Request.SettingID, string(h.Status()), m.clock.Now().Sub(h.CreatedAt))
}

func (m *Manager) request(req ExecutionRequest, binding isolation.Binding) *interpreter.Request {
	return &interpreter.Request{
		Session:     binding.Session,
		NoteID:      req.NoteID,
		ParagraphID: req.ParagraphID,
		Payload:     req.Payload,
	}
}

// terminate stops p, bounded by the terminate timeout. Every failure is
// reported as ProcessTerminationTimeout with the pids still present.
func (m *Manager) terminate(ctx context.Context, p *procmgr.RemoteProcess) error {
	meta := processMeta(p)
	m.publish(ctx, events.EventStopping, "terminating interpreter process", meta)

	tctx, cancel := context.WithTimeout(ctx, m.terminateTimeout)
	defer cancel()

	if err := m.launcher.Terminate(tctx, p); err != nil {
		if !launcher.IsErrorCode(err, launcher.ErrorCodeProcessTerminationTimeout) {
			err = launcher.ProcessTerminationTimeout(p.SettingID, []int{p.PID}, err)
		}
		m.metrics.ProcessError(p.SettingID, "termination_timeout")
		return err
	}

	m.publish(ctx, events.EventStopped, "interpreter process terminated", meta)
	return nil
}

func (m *Manager) publish(ctx context.Context, eventType, message string, meta map[string]string) {
	if err := m.publisher.ReportLifecycleEvent(ctx, eventType, message, meta); err != nil {
		m.log.Warn("failed to publish lifecycle event", "event", eventType, "error", err)
	}
}

// Shutdown terminates every process and stops background loops.
// Executions still running fail with ErrManagerClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.log.Info("shutting down lifecycle manager")
	m.monitor.Stop()
	if m.orphans != nil {
		m.orphans.Stop()
	}

	_, err := m.teardown(ctx, "", m.registry.List(""), true)
	m.cancel()
	m.wg.Wait()
	return err
}

func processMeta(p *procmgr.RemoteProcess) map[string]string {
	return map[string]string{
		"setting_id": p.SettingID,
		"group_key":  p.GroupKey,
		"pid":        strconv.Itoa(p.PID),
	}
}

func withPID(meta map[string]string, pid int) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["pid"] = strconv.Itoa(pid)
	return out
}

func withError(meta map[string]string, err error) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}
