package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"devicefarm/internal/config"
	"devicefarm/internal/device"
	"devicefarm/internal/eventbus"
)

const waitTimeout = 5 * time.Second

type fakeBackend struct {
	mu         sync.Mutex
	gate       chan struct{}
	failGroup  string
	panicGroup string
	dead       map[string]bool
	checks     map[string]int
	deleted    []string
	nextPort   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{dead: make(map[string]bool), checks: make(map[string]int), nextPort: 40000}
}

func (f *fakeBackend) CreateDevice(ctx context.Context, d device.Device) (device.Device, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return d, ctx.Err()
		}
	}

	switch d.Info.GroupID {
	case f.failGroup:
		return d, errors.New("no image")
	case f.panicGroup:
		panic("backend exploded")
	}

	f.mu.Lock()
	port := f.nextPort
	f.nextPort += 2
	f.mu.Unlock()

	d.State = device.StateReady
	d.Connection = &device.ConnectionInfo{IP: "127.0.0.1", AdbPort: port, GRPCPort: port + 1, DockerImage: "img"}
	return d, nil
}

func (f *fakeBackend) DeleteDevice(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) IsDeviceAlive(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[id]++
	return !f.dead[id]
}

func (f *fakeBackend) Devices() []device.Device { return nil }

func (f *fakeBackend) kill(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[id] = true
}

func (f *fakeBackend) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deleted)
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(_ context.Context, ev eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) types(deviceID string) []eventbus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []eventbus.EventType
	for _, ev := range b.events {
		if ev.DeviceID == deviceID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, backend device.Backend, maxDevices int) *Registry {
	t.Helper()

	farm := config.DefaultFarm()
	farm.MaxDevicesAmount = maxDevices
	r := NewRegistry(backend, config.NewStore(farm), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func allInState(r *Registry, state device.State) func() bool {
	return func() bool {
		for _, pd := range r.All() {
			if pd.Device.State != state {
				return false
			}
		}
		return true
	}
}

func ids(pds []PoolDevice) []string {
	out := make([]string, len(pds))
	for i, pd := range pds {
		out[i] = pd.ID()
	}
	return out
}

func TestCreate_PlaceholdersThenReady(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	r := newTestRegistry(t, backend, 10)

	created, err := r.Create(3, device.Info{GroupID: "g"}, StatusFree)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("Create() returned %d devices, want 3", len(created))
	}

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d devices, want 3", len(all))
	}
	for _, pd := range all {
		if pd.Device.State != device.StateCreating {
			t.Errorf("device %s state = %s, want CREATING", pd.ID(), pd.Device.State)
		}
	}

	close(backend.gate)
	waitFor(t, "devices to become READY", allInState(r, device.StateReady))

	for _, pd := range r.All() {
		if pd.Device.Connection == nil {
			t.Errorf("READY device %s has no connection info", pd.ID())
		}
	}
}

func TestCreate_FailuresBecomeBroken(t *testing.T) {
	backend := newFakeBackend()
	backend.failGroup = "bad"
	backend.panicGroup = "boom"
	r := newTestRegistry(t, backend, 10)

	if _, err := r.Create(1, device.Info{GroupID: "bad"}, StatusFree); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create(1, device.Info{GroupID: "boom"}, StatusFree); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	waitFor(t, "devices to become BROKEN", allInState(r, device.StateBroken))
	for _, pd := range r.All() {
		if pd.Device.Connection != nil {
			t.Errorf("failed device %s has connection info", pd.ID())
		}
	}
}

func TestCreate_InvalidAmount(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 10)

	if _, err := r.Create(-1, device.Info{GroupID: "g"}, StatusFree); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Create(-1) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := r.Acquire(0, "g", "c"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Acquire(0) error = %v, want ErrInvalidAmount", err)
	}
}

func TestAcquire_ConcurrentCallersNeverShareDevice(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 10)
	if _, err := r.Create(10, device.Info{GroupID: "g"}, StatusFree); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitFor(t, "devices to become READY", allInState(r, device.StateReady))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		owners   = make(map[string]string)
		failures int
	)
	for i := range 30 {
		client := fmt.Sprintf("client-%d", i)
		wg.Go(func() {
			got, err := r.Acquire(1, "g", client)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, ErrNoCapacity) {
					t.Errorf("Acquire() error = %v", err)
				}
				failures++
				return
			}
			for _, pd := range got {
				if prev, ok := owners[pd.ID()]; ok {
					t.Errorf("device %s handed to %s and %s", pd.ID(), prev, client)
				}
				owners[pd.ID()] = client
			}
		})
	}
	wg.Wait()

	if len(owners) != 10 {
		t.Errorf("%d devices acquired, want 10", len(owners))
	}
	if failures != 20 {
		t.Errorf("%d acquisitions failed, want 20", failures)
	}
}

func TestAcquire_ReleaseThenReacquire(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 1)
	if _, err := r.Create(1, device.Info{GroupID: "g"}, StatusFree); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitFor(t, "device to become READY", allInState(r, device.StateReady))

	first, err := r.Acquire(1, "g", "client1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := r.Acquire(1, "g", "client2"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("Acquire() on a leased pool error = %v, want ErrNoCapacity", err)
	}

	r.Release(first[0].ID())
	pd, _ := r.Get(first[0].ID())
	if pd.Status != StatusFree || pd.UserAgent != "" || pd.StatusTimestampSec != 0 {
		t.Fatalf("Release() left %+v", pd)
	}

	second, err := r.Acquire(1, "g", "client2")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	if second[0].ID() != first[0].ID() {
		t.Errorf("reacquired %s, want %s", second[0].ID(), first[0].ID())
	}
	if second[0].UserAgent != "client2" {
		t.Errorf("UserAgent = %q, want client2", second[0].UserAgent)
	}
}

func TestAcquire_CapacityBounded(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 3)

	got, err := r.Acquire(5, "g", "client")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Acquire(5) returned %d devices, want 3", len(got))
	}
	if r.Count(nil) != 3 {
		t.Errorf("registry size = %d, want 3", r.Count(nil))
	}

	if _, err := r.Acquire(5, "g", "other"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Acquire() on a full farm error = %v, want ErrNoCapacity", err)
	}
}

func TestAcquire_HugeAmountBoundedByCapacity(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 3)

	got, err := r.Acquire(1<<40, "g", "client")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Acquire(1<<40) returned %d devices, want 3", len(got))
	}

	if _, err := r.Acquire(1<<40, "g", "client"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Acquire() on a full farm error = %v, want ErrNoCapacity", err)
	}
}

func TestAcquire_TwoClientScenario(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, backend, 2)

	got, err := r.Acquire(2, "g", "client1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Acquire(2) returned %d devices, want 2", len(got))
	}
	for _, pd := range got {
		if pd.Status != StatusBusy || pd.UserAgent != "client1" {
			t.Errorf("device %s = %s/%q, want BUSY/client1", pd.ID(), pd.Status, pd.UserAgent)
		}
		if pd.Device.Info.Name != "AutoLaunched g" {
			t.Errorf("device name = %q", pd.Device.Info.Name)
		}
	}

	waitFor(t, "devices to become READY", allInState(r, device.StateReady))
	for _, pd := range r.All() {
		if pd.Status != StatusBusy {
			t.Errorf("device %s lost its lease while booting: %s", pd.ID(), pd.Status)
		}
	}

	if _, err := r.Acquire(1, "g", "client2"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Acquire() error = %v, want ErrNoCapacity", err)
	}
}

func TestAcquire_OtherGroupNotEligible(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 1)
	if _, err := r.Create(1, device.Info{GroupID: "a"}, StatusFree); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitFor(t, "device to become READY", allInState(r, device.StateReady))

	if _, err := r.Acquire(1, "b", "client"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Acquire() error = %v, want ErrNoCapacity", err)
	}
}

func TestBlockUnblock(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 1)
	created, _ := r.Create(1, device.Info{GroupID: "g"}, StatusFree)
	id := created[0].ID()
	waitFor(t, "device to become READY", allInState(r, device.StateReady))

	if err := r.Block(id, "flaky camera"); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if _, err := r.Acquire(1, "g", "client"); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("Acquire() of a blocked device error = %v, want ErrNoCapacity", err)
	}

	r.Release(id)
	if pd, _ := r.Get(id); pd.Status != StatusBlocked {
		t.Fatalf("Release() unblocked the device: %s", pd.Status)
	}

	if err := r.Unblock(id); err != nil {
		t.Fatalf("Unblock() error = %v", err)
	}
	got, err := r.Acquire(1, "g", "client")
	if err != nil {
		t.Fatalf("Acquire() after unblock error = %v", err)
	}
	if got[0].ID() != id {
		t.Errorf("acquired %s, want %s", got[0].ID(), id)
	}

	if err := r.Block(id, ""); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Block() of a leased device error = %v, want ErrDeviceBusy", err)
	}
	if err := r.Block("missing", ""); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Block() of unknown id error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRemove_ImmediatelyAbsent(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, backend, 5)
	created, _ := r.Create(2, device.Info{GroupID: "g"}, StatusFree)
	waitFor(t, "devices to become READY", allInState(r, device.StateReady))

	id := created[0].ID()
	r.Remove(id)

	if slices.Contains(ids(r.All()), id) {
		t.Fatalf("removed device %s still listed", id)
	}
	if _, err := r.Get(id); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() error = %v, want ErrDeviceNotFound", err)
	}
	waitFor(t, "backend teardown", func() bool { return slices.Contains(backend.deletedIDs(), id) })
}

func TestIdempotentCleanup(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, backend, 5)
	created, _ := r.Create(2, device.Info{GroupID: "g"}, StatusFree)
	waitFor(t, "devices to become READY", allInState(r, device.StateReady))

	got, err := r.Acquire(1, "g", "client")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	r.Release(got[0].ID())
	before := r.All()
	r.Release(got[0].ID())
	r.Release("missing")
	if after := r.All(); !slices.Equal(ids(before), ids(after)) || after[0].Status != before[0].Status {
		t.Errorf("second Release() changed state: %+v -> %+v", before, after)
	}

	r.Remove(created[1].ID())
	r.Remove(created[1].ID())
	r.Remove("missing")
	if n := r.Count(nil); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestRemoveDeviceInStatus_RegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, newFakeBackend(), 10)
	created, _ := r.Create(4, device.Info{GroupID: "g"}, StatusFree)
	r.Create(1, device.Info{GroupID: "other"}, StatusFree)
	waitFor(t, "devices to become READY", allInState(r, device.StateReady))

	removed := r.RemoveDeviceInStatus(2, "g", StatusFree)
	want := []string{created[0].ID(), created[1].ID()}
	if !slices.Equal(removed, want) {
		t.Errorf("RemoveDeviceInStatus() = %v, want %v", removed, want)
	}

	removed = r.RemoveDeviceInStatus(0, "g", StatusFree)
	if len(removed) != 2 {
		t.Errorf("RemoveDeviceInStatus(0) removed %d, want 2", len(removed))
	}
	if n := r.Count(InGroup("other")); n != 1 {
		t.Errorf("other group lost devices: %d", n)
	}
}

func TestIsAlive(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	r := newTestRegistry(t, backend, 5)

	if _, err := r.IsAlive(context.Background(), "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("IsAlive() error = %v, want ErrDeviceNotFound", err)
	}

	created, _ := r.Create(1, device.Info{GroupID: "g"}, StatusFree)
	id := created[0].ID()

	pd, err := r.IsAlive(context.Background(), id)
	if err != nil || pd.Device.State != device.StateCreating {
		t.Fatalf("IsAlive() on a booting device = %s, %v", pd.Device.State, err)
	}

	close(backend.gate)
	waitFor(t, "device to become READY", allInState(r, device.StateReady))

	if pd, _ := r.IsAlive(context.Background(), id); pd.Device.State != device.StateReady {
		t.Fatalf("IsAlive() on a healthy device = %s", pd.Device.State)
	}

	r.now = func() time.Time { return time.Unix(2_000_000_000, 0) }
	backend.kill(id)
	pd, err = r.IsAlive(context.Background(), id)
	if err != nil {
		t.Fatalf("IsAlive() error = %v", err)
	}
	if pd.Device.State != device.StateBroken || pd.Device.StateTimestampSec != 2_000_000_000 {
		t.Errorf("IsAlive() on a dead device = %s@%d", pd.Device.State, pd.Device.StateTimestampSec)
	}

	// BROKEN is still checked but never changes again.
	r.now = func() time.Time { return time.Unix(2_000_000_100, 0) }
	backend.mu.Lock()
	before := backend.checks[id]
	backend.mu.Unlock()
	pd, err = r.IsAlive(context.Background(), id)
	if err != nil {
		t.Fatalf("IsAlive() error = %v", err)
	}
	if pd.Device.State != device.StateBroken || pd.Device.StateTimestampSec != 2_000_000_000 {
		t.Errorf("IsAlive() on a broken device = %s@%d", pd.Device.State, pd.Device.StateTimestampSec)
	}
	backend.mu.Lock()
	after := backend.checks[id]
	backend.mu.Unlock()
	if after != before+1 {
		t.Errorf("broken device checked %d times, want 1", after-before)
	}

	if removed := r.RemoveDeviceInState(0, device.StateBroken); len(removed) != 1 {
		t.Errorf("RemoveDeviceInState() removed %v", removed)
	}
}

func TestRemoveWhileProvisioning(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	r := newTestRegistry(t, backend, 5)

	created, _ := r.Create(1, device.Info{GroupID: "g"}, StatusFree)
	id := created[0].ID()
	r.Remove(id)
	close(backend.gate)

	waitFor(t, "late teardown", func() bool {
		n := 0
		for _, d := range backend.deletedIDs() {
			if d == id {
				n++
			}
		}
		return n >= 2
	})
	if r.Count(nil) != 0 {
		t.Errorf("removed device came back: %+v", r.All())
	}
}

func TestEventsPublished(t *testing.T) {
	bus := &recordingBus{}
	farm := config.DefaultFarm()
	farm.MaxDevicesAmount = 1
	r := NewRegistry(newFakeBackend(), config.NewStore(farm), bus, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := r.Acquire(1, "g", "client")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	id := got[0].ID()
	waitFor(t, "device to become READY", allInState(r, device.StateReady))
	r.Release(id)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	want := []eventbus.EventType{
		eventbus.EventDeviceCreated,
		eventbus.EventDeviceAcquired,
		eventbus.EventDeviceReady,
		eventbus.EventDeviceReleased,
		eventbus.EventDeviceRemoved,
	}
	if got := bus.types(id); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestShutdown(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, backend, 5)
	r.Create(3, device.Info{GroupID: "g"}, StatusFree)
	waitFor(t, "devices to become READY", allInState(r, device.StateReady))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if n := len(backend.deletedIDs()); n != 3 {
		t.Errorf("backend deleted %d devices, want 3", n)
	}
	if _, err := r.Acquire(1, "g", "client"); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after shutdown error = %v, want ErrClosed", err)
	}
	if err := r.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
