package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/events"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/jrepp/prism-interpreters/pkg/procmgr"
)

// HealthCheck represents the health of every interpreter process
type HealthCheck struct {
	TotalGroups      int                                 `json:"total_groups"`
	RunningProcesses int                                 `json:"running_processes"`
	DeadProcesses    int                                 `json:"dead_processes"`
	Unhealthy        int                                 `json:"unhealthy"`
	Processes        map[procmgr.ProcessID]ProcessHealth `json:"processes"`
}

// ProcessHealth represents the health of one interpreter process
type ProcessHealth struct {
	SettingID     string        `json:"setting_id"`
	GroupKey      string        `json:"group_key"`
	State         string        `json:"state"`
	Healthy       bool          `json:"healthy"`
	Uptime        time.Duration `json:"uptime"`
	ProbeFailures int           `json:"probe_failures"`
}

// HealthMonitor periodically pings RUNNING processes. A process failing
// failureThreshold consecutive probes is marked DEAD as crashed; the next
// Execute against its group relaunches it.
type HealthMonitor struct {
	m                *Manager
	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int
	log              *slog.Logger

	mu       sync.Mutex
	failures map[procmgr.ProcessID]int
	reported map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newHealthMonitor(m *Manager, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		m:                m,
		interval:         interval,
		probeTimeout:     2 * time.Second,
		failureThreshold: 3,
		log:              m.log.With("subcomponent", "health"),
		failures:         make(map[procmgr.ProcessID]int),
		reported:         make(map[string]bool),
		stopCh:           make(chan struct{}),
	}
}

// Start runs the probe loop until Stop is called or ctx is done
func (hm *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.log.Info("health monitor started", "interval", hm.interval)
	for {
		select {
		case <-ticker.C:
			hm.probe(ctx)
		case <-hm.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the probe loop
func (hm *HealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopCh) })
}

// probe pings every RUNNING process once and updates the active gauges
func (hm *HealthMonitor) probe(ctx context.Context) {
	active := make(map[string]int)
	seen := make(map[procmgr.ProcessID]bool)

	for _, g := range hm.m.registry.List("") {
		p := g.Process()
		if p == nil || p.State() != procmgr.ProcessStateRunning {
			continue
		}
		seen[p.ID] = true

		pctx, cancel := context.WithTimeout(ctx, hm.probeTimeout)
		err := p.Ping(pctx)
		cancel()

		if err == nil {
			hm.reset(p.ID)
			active[p.SettingID]++
			continue
		}
		if errors.Is(err, procmgr.ErrProcessNotRunning) {
			continue
		}
		if hm.fail(ctx, p, err) {
			active[p.SettingID]++
		}
	}

	hm.mu.Lock()
	for id := range hm.failures {
		if !seen[id] {
			delete(hm.failures, id)
		}
	}
	for settingID := range hm.reported {
		if _, ok := active[settingID]; !ok {
			hm.m.metrics.ActiveProcesses(settingID, 0)
			delete(hm.reported, settingID)
		}
	}
	for settingID, n := range active {
		hm.m.metrics.ActiveProcesses(settingID, n)
		hm.reported[settingID] = true
	}
	hm.mu.Unlock()
}

// fail records a failed probe and reports whether the process is still
// considered alive
func (hm *HealthMonitor) fail(ctx context.Context, p *procmgr.RemoteProcess, err error) bool {
	hm.mu.Lock()
	hm.failures[p.ID]++
	n := hm.failures[p.ID]
	hm.mu.Unlock()

	meta := withError(processMeta(p), err)
	meta["failures"] = strconv.Itoa(n)
	hm.m.publish(ctx, events.EventUnhealthy, "interpreter process failed liveness probe", meta)

	if n < hm.failureThreshold {
		return true
	}

	hm.log.Warn("interpreter process unresponsive, marking dead",
		"setting_id", p.SettingID, "group_key", p.GroupKey, "pid", p.PID, "failures", n)
	hm.m.metrics.ProcessError(p.SettingID, "unresponsive")
	p.MarkDead(launcher.ProcessCrashed(p.SettingID, p.PID, err))
	hm.reset(p.ID)
	return false
}

func (hm *HealthMonitor) reset(id procmgr.ProcessID) {
	hm.mu.Lock()
	delete(hm.failures, id)
	hm.mu.Unlock()
}

func (hm *HealthMonitor) failureCount(id procmgr.ProcessID) int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.failures[id]
}

// Probe runs one liveness probe over every RUNNING process
func (m *Manager) Probe(ctx context.Context) {
	m.monitor.probe(ctx)
}

// Health returns the current health of every group's process
func (m *Manager) Health() HealthCheck {
	groups := m.registry.List("")
	health := HealthCheck{
		TotalGroups: len(groups),
		Processes:   make(map[procmgr.ProcessID]ProcessHealth),
	}

	for _, g := range groups {
		p := g.Process()
		if p == nil {
			continue
		}

		state := p.State()
		failures := m.monitor.failureCount(p.ID)
		switch state {
		case procmgr.ProcessStateRunning:
			health.RunningProcesses++
		case procmgr.ProcessStateDead:
			health.DeadProcesses++
		}

		healthy := state == procmgr.ProcessStateRunning && failures == 0
		if !healthy {
			health.Unhealthy++
		}

		health.Processes[p.ID] = ProcessHealth{
			SettingID:     p.SettingID,
			GroupKey:      p.GroupKey,
			State:         state.String(),
			Healthy:       healthy,
			Uptime:        p.Uptime(),
			ProbeFailures: failures,
		}
	}
	return health
}
