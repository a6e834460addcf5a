package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"devicefarm/internal/config"
	"devicefarm/internal/device"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

var _ device.Backend = (*Backend)(nil)

const probeTimeout = 15 * time.Second

type tracked struct {
	device    device.Device
	container *AndroidContainer
	ports     []int
}

// Backend runs every device as an Android emulator container on the local
// docker daemon.
type Backend struct {
	client client.APIClient
	config *config.Store
	ports  *device.PortAllocator
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]*tracked
}

func NewBackend(cli client.APIClient, store *config.Store, ports *device.PortAllocator, logger *slog.Logger) *Backend {
	return &Backend{
		client:  cli,
		config:  store,
		ports:   ports,
		logger:  logger.With("component", "emulator-backend"),
		devices: make(map[string]*tracked),
	}
}

func (b *Backend) CreateDevice(ctx context.Context, d device.Device) (device.Device, error) {
	cfg := b.config.Get()

	img, ok := cfg.Emulator.ImageFor(d.Info.GroupID)
	if !ok {
		return d, fmt.Errorf("%w: %q", device.ErrUnknownGroup, d.Info.GroupID)
	}

	ports, err := b.ports.Allocate(2)
	if err != nil {
		return d, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.CreatingDeviceTimeout())
	defer cancel()

	ctr := NewAndroidContainer(b.client, ContainerConfig{
		DeviceID: d.ID,
		GroupID:  d.Info.GroupID,
		Image:    img,
		Params:   cfg.Emulator.Params,
		Env:      cfg.Emulator.Environments,
		AdbPort:  ports[0],
		GRPCPort: ports[1],
	}, b.logger)

	if err := ctr.Start(ctx); err != nil {
		b.ports.Release(ports...)
		return d, err
	}

	d.Connection = &device.ConnectionInfo{
		IP:          cfg.Emulator.Host,
		AdbPort:     ports[0],
		GRPCPort:    ports[1],
		DockerImage: img,
	}
	d.Handle = ctr.ID

	b.mu.Lock()
	b.devices[d.ID] = &tracked{device: d, container: ctr, ports: ports}
	b.mu.Unlock()

	if b.waitForBoot(ctx, d, ctr, cfg) {
		d.State = device.StateReady
		b.logger.Info("Device booted", "device_id", d.ID, "adb_port", ports[0])
	} else {
		// 容器保留，由 broken 回收器删除
		d.State = device.StateBroken
		b.logger.Warn("Device failed to boot", "device_id", d.ID, "timeout", cfg.CreatingDeviceTimeout())
	}
	d.StateTimestampSec = time.Now().Unix()

	b.mu.Lock()
	if t, ok := b.devices[d.ID]; ok {
		t.device = d
	}
	b.mu.Unlock()

	return d, nil
}

func (b *Backend) waitForBoot(ctx context.Context, d device.Device, ctr *AndroidContainer, cfg *config.FarmConfig) bool {
	ticker := time.NewTicker(cfg.Emulator.BootPollInterval())
	defer ticker.Stop()

	grpcTarget := net.JoinHostPort(cfg.Emulator.Host, strconv.Itoa(d.Connection.GRPCPort))

	for {
		if !b.isTracked(d.ID) {
			return false
		}
		if b.probe(ctx, ctr, cfg.Emulator.AdbPath) {
			if !cfg.Emulator.CheckGRPC || b.probeGRPC(ctx, grpcTarget) {
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (b *Backend) probe(ctx context.Context, ctr *AndroidContainer, adbPath string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, err := ctr.Exec(ctx, sdcardProbeCmd(adbPath))
	if err != nil {
		b.logger.Debug("Boot probe failed", "device_id", ctr.Config.DeviceID, "error", err)
		return false
	}
	return bootCompleted(res.Output())
}

func (b *Backend) probeGRPC(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return grpcReachable(ctx, target)
}

func (b *Backend) isTracked(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.devices[id]
	return ok
}

func (b *Backend) DeleteDevice(ctx context.Context, id string) error {
	b.mu.Lock()
	t, ok := b.devices[id]
	delete(b.devices, id)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	defer b.ports.Release(t.ports...)

	if err := t.container.Remove(ctx); err != nil && !errors.Is(err, ErrContainerNotFound) {
		b.logger.Error("Failed to remove container", "device_id", id, "error", err)
		return err
	}
	return nil
}

func (b *Backend) IsDeviceAlive(ctx context.Context, id string) bool {
	b.mu.Lock()
	t, ok := b.devices[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	if !t.container.IsRunning(ctx) {
		return false
	}
	return b.probe(ctx, t.container, b.config.Get().Emulator.AdbPath)
}

func (b *Backend) Devices() []device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]device.Device, 0, len(b.devices))
	for _, t := range b.devices {
		out = append(out, t.device)
	}
	return out
}

// PruneOrphans removes containers labelled as ours that no live backend
// tracks, e.g. left over from a crashed process.
func (b *Backend) PruneOrphans(ctx context.Context) (int, error) {
	list, err := b.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if b.isTracked(c.Labels[deviceIDLabel]) {
			continue
		}
		if err := b.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("Failed to remove orphan container", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("Removed orphan containers", "count", removed)
	}
	return removed, nil
}
