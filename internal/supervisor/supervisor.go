// Package supervisor runs the periodic reconciliation jobs of the farm:
// reaping broken, stale and stuck devices, keeping warm pools topped up and
// sweeping liveness.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"devicefarm/internal/config"
	"devicefarm/internal/device"
	"devicefarm/internal/monitor"
	"devicefarm/internal/pool"

	"golang.org/x/sync/errgroup"
)

const (
	sweepConcurrency = 8
	sweepTimeout     = 2 * time.Minute

	// minJobInterval 防止配置为 0 时循环空转
	minJobInterval = 10 * time.Millisecond
)

type job struct {
	name     string
	interval func(cfg *config.FarmConfig) time.Duration
	run      func(ctx context.Context)
}

type Supervisor struct {
	registry pool.IRegistry
	config   *config.Store
	logger   *slog.Logger
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(registry pool.IRegistry, store *config.Store, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		config:   store,
		logger:   logger.With("component", "supervisor"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (s *Supervisor) jobs() []job {
	return []job{
		{"broken-reaper", func(c *config.FarmConfig) time.Duration { return c.Monitors.BrokenDevices() },
			func(context.Context) { s.ReapBroken() }},
		{"stale-lease-reaper", func(c *config.FarmConfig) time.Duration { return c.Monitors.BusyDevices() },
			func(context.Context) { s.ReapStaleLeases() }},
		{"creating-reaper", func(c *config.FarmConfig) time.Duration { return c.Monitors.CreatingDevices() },
			func(context.Context) { s.ReapStuckCreating() }},
		{"warm-pool-keeper", func(c *config.FarmConfig) time.Duration { return c.Monitors.DeviceNeedToCreate() },
			func(context.Context) { s.KeepWarm() }},
		{"surplus-trimmer", func(c *config.FarmConfig) time.Duration { return c.Monitors.DeviceNeedToDelete() },
			func(context.Context) { s.TrimSurplus() }},
		{"health-sweep", func(c *config.FarmConfig) time.Duration { return c.Monitors.DevicePool() },
			func(ctx context.Context) { s.SweepHealth(ctx) }},
	}
}

// Start launches every job loop and returns immediately.
func (s *Supervisor) Start() {
	for _, j := range s.jobs() {
		s.wg.Go(func() { s.loop(j) })
	}
	s.logger.Info("Supervisor started")
}

// Stop 停止所有循环并等待正在运行的任务结束
func (s *Supervisor) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
	s.logger.Info("Supervisor stopped")
}

// loop re-reads the interval after every run so config swaps apply on the
// next tick.
func (s *Supervisor) loop(j job) {
	timer := time.NewTimer(s.nextInterval(j))
	defer timer.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			s.runJob(ctx, j)
			timer.Reset(s.nextInterval(j))
		}
	}
}

func (s *Supervisor) nextInterval(j job) time.Duration {
	return max(j.interval(s.config.Get()), minJobInterval)
}

func (s *Supervisor) runJob(ctx context.Context, j job) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Supervisor job panicked", "job", j.name, "panic", rec)
		}
	}()
	j.run(ctx)
}

// ReapBroken removes every BROKEN device.
func (s *Supervisor) ReapBroken() []string {
	removed := s.registry.RemoveDeviceInState(0, device.StateBroken)
	s.recordRemoved("broken", removed)
	return removed
}

// ReapStaleLeases removes BUSY devices whose lease outlived busyDeviceTimeout.
func (s *Supervisor) ReapStaleLeases() []string {
	timeout := s.config.Get().BusyDeviceTimeoutSec
	now := s.now().Unix()

	removed := s.registry.RemoveMatching(0, func(p pool.PoolDevice) bool {
		return p.Status == pool.StatusBusy && now-p.StatusTimestampSec > timeout
	})
	s.recordRemoved("stale_lease", removed)
	return removed
}

// ReapStuckCreating removes devices still CREATING one poll interval after
// the creating timeout.
func (s *Supervisor) ReapStuckCreating() []string {
	cfg := s.config.Get()
	grace := int64((cfg.Emulator.BootPollInterval() + time.Second - 1) / time.Second)
	limit := cfg.CreatingDeviceTimeoutSec + grace
	now := s.now().Unix()

	removed := s.registry.RemoveMatching(0, func(p pool.PoolDevice) bool {
		return p.Device.State == device.StateCreating && now-p.Device.StateTimestampSec > limit
	})
	s.recordRemoved("creating_timeout", removed)
	return removed
}

// KeepWarm grows every group below its keep-alive minimum. At most
// maxDeviceCreationBatchSize devices are started per run.
func (s *Supervisor) KeepWarm() int {
	cfg := s.config.Get()
	budget := cfg.MaxDeviceCreationBatchSize
	started := 0

	for _, group := range sortedGroups(cfg.KeepAliveDevices) {
		if budget <= 0 {
			break
		}
		have := s.registry.Count(pool.And(pool.InGroup(group), notBroken))
		short := cfg.KeepAliveDevices[group] - have
		if short <= 0 {
			continue
		}

		created, err := s.registry.Grow(min(short, budget), device.Info{GroupID: group, Name: "KeepAlive " + group}, pool.StatusFree)
		if err != nil {
			if errors.Is(err, pool.ErrNoCapacity) {
				s.logger.Debug("No capacity to keep group warm", "group_id", group, "missing", short)
				break
			}
			s.logger.Error("Failed to grow warm pool", "group_id", group, "error", err)
			continue
		}
		budget -= len(created)
		started += len(created)
		s.logger.Info("Warm pool grown", "group_id", group, "started", len(created), "missing", short)
	}
	return started
}

// TrimSurplus removes idle devices of a group beyond its keep-alive minimum.
// Groups without an entry have a minimum of zero.
func (s *Supervisor) TrimSurplus() []string {
	cfg := s.config.Get()

	groups := make(map[string]struct{})
	for _, pd := range s.registry.All() {
		groups[pd.GroupID()] = struct{}{}
	}

	var removed []string
	for group := range groups {
		have := s.registry.Count(pool.And(pool.InGroup(group), notBroken))
		surplus := have - cfg.KeepAliveDevices[group]
		if surplus <= 0 {
			continue
		}
		removed = append(removed, s.registry.RemoveMatching(surplus, pool.And(
			pool.InGroup(group),
			pool.InStatus(pool.StatusFree),
			pool.InState(device.StateReady),
		))...)
	}
	s.recordRemoved("surplus", removed)
	return removed
}

// SweepHealth probes every READY device and returns how many broke.
func (s *Supervisor) SweepHealth(ctx context.Context) int {
	var targets []string
	for _, pd := range s.registry.All() {
		if pd.Device.State == device.StateReady {
			targets = append(targets, pd.ID())
		}
	}
	if len(targets) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		broken int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range targets {
		g.Go(func() error {
			pd, err := s.registry.IsAlive(gctx, id)
			if err != nil {
				// 设备在探测期间被移除
				return nil
			}
			if pd.Device.State == device.StateBroken {
				mu.Lock()
				broken++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if broken > 0 {
		s.logger.Warn("Health sweep found broken devices", "probed", len(targets), "broken", broken)
	}
	return broken
}

func (s *Supervisor) recordRemoved(reason string, ids []string) {
	if len(ids) == 0 {
		return
	}
	monitor.DevicesRemoved.WithLabelValues(reason).Add(float64(len(ids)))
	s.logger.Info("Devices reaped", "reason", reason, "count", len(ids), "ids", ids)
}

func notBroken(p pool.PoolDevice) bool {
	return p.Device.State != device.StateBroken
}

func sortedGroups(m map[string]int) []string {
	groups := make([]string, 0, len(m))
	for g := range m {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}
