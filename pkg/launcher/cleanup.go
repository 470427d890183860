package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/procmgr"
)

// TrackedFunc returns the launch tokens of processes that are still owned
type TrackedFunc func() map[procmgr.ProcessID]bool

// OrphanDetector finds and cleans up orphaned interpreter processes: live
// processes carrying our owner marker whose launch token nobody tracks. They
// are left behind by a failed termination or a daemon crash.
type OrphanDetector struct {
	table         procmgr.ProcessTable
	tracked       TrackedFunc
	owner         string
	checkInterval time.Duration
	gracePeriod   time.Duration
	pollInterval  time.Duration
	log           *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOrphanDetector creates a new orphan detector
func NewOrphanDetector(table procmgr.ProcessTable, tracked TrackedFunc, owner string, checkInterval time.Duration, logger *slog.Logger) *OrphanDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrphanDetector{
		table:         table,
		tracked:       tracked,
		owner:         owner,
		checkInterval: checkInterval,
		gracePeriod:   5 * time.Second,
		pollInterval:  100 * time.Millisecond,
		log:           logger.With("component", "orphan-detector"),
		stopCh:        make(chan struct{}),
	}
}

// WithGracePeriod sets how long an orphan gets to exit after SIGTERM
func (od *OrphanDetector) WithGracePeriod(d time.Duration) *OrphanDetector {
	od.gracePeriod = d
	return od
}

// Start runs the detection loop until Stop is called or ctx is done
func (od *OrphanDetector) Start(ctx context.Context) {
	ticker := time.NewTicker(od.checkInterval)
	defer ticker.Stop()

	od.log.Info("orphan detector started", "check_interval", od.checkInterval)

	for {
		select {
		case <-ticker.C:
			if _, err := od.Sweep(ctx); err != nil {
				od.log.Warn("orphan sweep failed", "error", err)
			}

		case <-od.stopCh:
			od.log.Info("orphan detector stopped")
			return

		case <-ctx.Done():
			od.log.Info("orphan detector stopped (context cancelled)")
			return
		}
	}
}

// Stop stops the detection loop
func (od *OrphanDetector) Stop() {
	od.stopOnce.Do(func() { close(od.stopCh) })
}

// Sweep terminates every orphan once and returns the pids it terminated
func (od *OrphanDetector) Sweep(ctx context.Context) ([]int, error) {
	orphans, err := od.find(ctx)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	od.log.Warn("found orphaned interpreter processes", "pids", orphans)

	var (
		killed []int
		errs   []error
	)
	for _, pid := range orphans {
		if err := od.terminate(ctx, pid); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
			continue
		}
		killed = append(killed, pid)
	}
	return killed, errors.Join(errs...)
}

func (od *OrphanDetector) find(ctx context.Context) ([]int, error) {
	owners, err := od.table.EnvValues(ctx, EnvOwner)
	if err != nil {
		return nil, fmt.Errorf("scan owner markers: %w", err)
	}
	tokens, err := od.table.EnvValues(ctx, EnvLaunchToken)
	if err != nil {
		return nil, fmt.Errorf("scan launch tokens: %w", err)
	}

	tracked := od.tracked()
	var orphans []int
	for pid, owner := range owners {
		if owner != od.owner {
			continue
		}
		token, ok := tokens[pid]
		if !ok || tracked[procmgr.ProcessID(token)] {
			continue
		}
		orphans = append(orphans, pid)
	}
	sort.Ints(orphans)
	return orphans, nil
}

// terminate sends SIGTERM, waits the grace period, then SIGKILL
func (od *OrphanDetector) terminate(ctx context.Context, pid int) error {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	graceCtx, cancel := context.WithTimeout(ctx, od.gracePeriod)
	remaining, _ := procmgr.WaitGone(graceCtx, od.table, []int{pid}, od.pollInterval)
	cancel()
	if len(remaining) == 0 {
		return nil
	}

	od.log.Warn("orphan did not exit gracefully, force killing", "pid", pid)
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("force kill: %w", err)
	}

	killCtx, cancel := context.WithTimeout(ctx, od.gracePeriod)
	defer cancel()
	if remaining, err := procmgr.WaitGone(killCtx, od.table, []int{pid}, od.pollInterval); len(remaining) > 0 {
		return fmt.Errorf("still present after SIGKILL: %w", err)
	}
	return nil
}
