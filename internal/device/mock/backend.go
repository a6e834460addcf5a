// Package mock is an in-memory device backend for mock mode and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devicefarm/internal/device"
)

var _ device.Backend = (*Backend)(nil)

var ErrCreateFailed = errors.New("mock device creation failed")

type entry struct {
	device device.Device
	ports  []int
	alive  bool
}

type Backend struct {
	ports  *device.PortAllocator
	logger *slog.Logger

	// BootDelay simulates emulator boot time.
	BootDelay time.Duration

	mu         sync.Mutex
	devices    map[string]*entry
	failGroups map[string]bool
	brokenOnly map[string]bool
	deleted    []string
}

func NewBackend(ports *device.PortAllocator, logger *slog.Logger) *Backend {
	return &Backend{
		ports:      ports,
		logger:     logger.With("component", "mock-backend"),
		devices:    make(map[string]*entry),
		failGroups: make(map[string]bool),
		brokenOnly: make(map[string]bool),
	}
}

// FailCreate makes every later creation in the group return an error.
func (b *Backend) FailCreate(groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failGroups[groupID] = true
}

// BootBroken makes later devices in the group come up BROKEN.
func (b *Backend) BootBroken(groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.brokenOnly[groupID] = true
}

// Kill makes the device fail its next liveness probe.
func (b *Backend) Kill(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.devices[id]; ok {
		e.alive = false
	}
}

// Deleted returns the ids passed to DeleteDevice for tracked devices.
func (b *Backend) Deleted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

func (b *Backend) CreateDevice(ctx context.Context, d device.Device) (device.Device, error) {
	b.mu.Lock()
	fail := b.failGroups[d.Info.GroupID]
	broken := b.brokenOnly[d.Info.GroupID]
	b.mu.Unlock()

	if fail {
		return d, fmt.Errorf("%w: group %q", ErrCreateFailed, d.Info.GroupID)
	}

	ports, err := b.ports.Allocate(2)
	if err != nil {
		return d, err
	}

	if b.BootDelay > 0 {
		select {
		case <-time.After(b.BootDelay):
		case <-ctx.Done():
			b.ports.Release(ports...)
			return d, ctx.Err()
		}
	}

	d.Connection = &device.ConnectionInfo{
		IP:          "127.0.0.1",
		AdbPort:     ports[0],
		GRPCPort:    ports[1],
		DockerImage: "mock/" + d.Info.GroupID,
	}
	d.State = device.StateReady
	if broken {
		d.State = device.StateBroken
	}
	d.StateTimestampSec = time.Now().Unix()

	b.mu.Lock()
	b.devices[d.ID] = &entry{device: d, ports: ports, alive: !broken}
	b.mu.Unlock()

	b.logger.Debug("Mock device created", "device_id", d.ID, "state", d.State)
	return d, nil
}

func (b *Backend) DeleteDevice(_ context.Context, id string) error {
	b.mu.Lock()
	e, ok := b.devices[id]
	if ok {
		delete(b.devices, id)
		b.deleted = append(b.deleted, id)
	}
	b.mu.Unlock()

	if ok {
		b.ports.Release(e.ports...)
	}
	return nil
}

func (b *Backend) IsDeviceAlive(_ context.Context, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.devices[id]
	return ok && e.alive
}

func (b *Backend) Devices() []device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]device.Device, 0, len(b.devices))
	for _, e := range b.devices {
		out = append(out, e.device)
	}
	return out
}
