package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"devicefarm/internal/config"
	"devicefarm/internal/device"
	"devicefarm/internal/eventbus"
	"devicefarm/internal/monitor"

	"github.com/google/uuid"
)

var _ IRegistry = (*Registry)(nil)

const (
	teardownTimeout = 2 * time.Minute
	publishTimeout  = 2 * time.Second
	eventBuffer     = 1024
)

// Registry is the single source of truth for pooled devices. One mutex
// guards the ordered device list; backend calls never run under it.
type Registry struct {
	mu      sync.Mutex
	devices []*PoolDevice
	closed  bool

	backend device.Backend
	config  *config.Store
	events  eventbus.Publisher
	logger  *slog.Logger

	now   func() time.Time
	newID func() string

	// provisioning 使用 ctx，Shutdown 时取消
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	eventCh    chan eventbus.Event
	stopEvents chan struct{}
	eventsDone chan struct{}
}

func NewRegistry(backend device.Backend, store *config.Store, publisher eventbus.Publisher, logger *slog.Logger) *Registry {
	if publisher == nil {
		publisher = eventbus.NopBus{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		devices:    make([]*PoolDevice, 0),
		backend:    backend,
		config:     store,
		events:     publisher,
		logger:     logger.With("component", "device-registry"),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		ctx:        ctx,
		cancel:     cancel,
		eventCh:    make(chan eventbus.Event, eventBuffer),
		stopEvents: make(chan struct{}),
		eventsDone: make(chan struct{}),
	}

	go r.publishLoop()
	return r
}

func (r *Registry) nowSec() int64 {
	return r.now().Unix()
}

func (r *Registry) All() []PoolDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.devices)
}

func (r *Registry) Count(pred Predicate) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pred == nil {
		return len(r.devices)
	}
	n := 0
	for _, pd := range r.devices {
		if pred(*pd) {
			n++
		}
	}
	return n
}

func (r *Registry) Get(id string) (PoolDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return PoolDevice{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return *r.devices[idx], nil
}

// Create registers amount placeholders and provisions them in the
// background. The capacity limit is not checked; use Grow for that.
func (r *Registry) Create(amount int, info device.Info, status Status) ([]PoolDevice, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if amount == 0 {
		return []PoolDevice{}, nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	created := r.createLocked(amount, info, status)
	out := snapshot(created)
	events := r.eventsFor(eventbus.EventDeviceCreated, created)
	r.mu.Unlock()

	r.emit(events...)
	r.launch(out)
	return out, nil
}

// Grow creates up to amount devices without exceeding maxDevicesAmount.
func (r *Registry) Grow(amount int, info device.Info, status Status) ([]PoolDevice, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	created := r.growLocked(amount, info, status)
	out := snapshot(created)
	events := r.eventsFor(eventbus.EventDeviceCreated, created)
	r.mu.Unlock()

	if len(out) == 0 {
		return nil, ErrNoCapacity
	}

	r.emit(events...)
	r.launch(out)
	return out, nil
}

// Acquire leases up to amount devices of groupID. Eligible devices are taken
// in registration order; any shortfall is started within capacity and leased
// immediately while still CREATING.
func (r *Registry) Acquire(amount int, groupID, userAgent string) ([]PoolDevice, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	// amount 来自调用方，不能直接用作容量
	acquired := make([]*PoolDevice, 0, min(amount, len(r.devices)))
	for _, pd := range r.devices {
		if len(acquired) == amount {
			break
		}
		if pd.Eligible(groupID) {
			acquired = append(acquired, pd)
		}
	}

	var started []*PoolDevice
	if len(acquired) < amount {
		info := device.Info{GroupID: groupID, Name: "AutoLaunched " + groupID}
		started = r.growLocked(amount-len(acquired), info, StatusFree)
		acquired = append(acquired, started...)
	}

	if len(acquired) == 0 {
		r.mu.Unlock()
		monitor.PoolAcquisitions.WithLabelValues("no_capacity").Inc()
		return nil, fmt.Errorf("%w: group %q", ErrNoCapacity, groupID)
	}

	now := r.nowSec()
	for _, pd := range acquired {
		pd.Status = StatusBusy
		pd.UserAgent = userAgent
		pd.StatusTimestampSec = now
	}

	out := snapshot(acquired)
	pending := snapshot(started)
	events := append(
		r.eventsFor(eventbus.EventDeviceCreated, started),
		r.eventsFor(eventbus.EventDeviceAcquired, acquired)...,
	)
	r.mu.Unlock()

	r.emit(events...)
	r.launch(pending)

	result := "ok"
	if len(out) < amount {
		result = "partial"
	}
	monitor.PoolAcquisitions.WithLabelValues(result).Inc()
	monitor.PoolAcquiredDevices.Add(float64(len(out)))

	r.logger.Info("Devices acquired",
		"group_id", groupID,
		"requested", amount,
		"acquired", len(out),
		"started", len(pending),
		"user_agent", userAgent,
	)
	return out, nil
}

// Release returns leased devices to the pool. Unknown ids are ignored.
// BLOCKED devices stay BLOCKED: only Unblock lifts an administrative block,
// so releasing one is a no-op rather than a reset to FREE.
func (r *Registry) Release(ids ...string) {
	r.mu.Lock()
	var events []eventbus.Event
	for _, id := range ids {
		idx := r.indexOf(id)
		if idx < 0 {
			continue
		}
		if ev, ok := r.releaseLocked(r.devices[idx]); ok {
			events = append(events, ev)
		}
	}
	r.mu.Unlock()

	r.emit(events...)
}

func (r *Registry) ReleaseAll(groupID string) {
	r.mu.Lock()
	var events []eventbus.Event
	for _, pd := range r.devices {
		if pd.GroupID() != groupID {
			continue
		}
		if ev, ok := r.releaseLocked(pd); ok {
			events = append(events, ev)
		}
	}
	r.mu.Unlock()

	r.emit(events...)
}

func (r *Registry) releaseLocked(pd *PoolDevice) (eventbus.Event, bool) {
	if pd.Status == StatusBlocked {
		return eventbus.Event{}, false
	}
	wasBusy := pd.Status == StatusBusy
	pd.Status = StatusFree
	pd.UserAgent = ""
	pd.StatusTimestampSec = 0
	if !wasBusy {
		return eventbus.Event{}, false
	}
	return r.eventFor(eventbus.EventDeviceReleased, pd), true
}

func (r *Registry) Remove(id string) {
	r.RemoveMatching(1, func(p PoolDevice) bool { return p.Device.ID == id })
}

func (r *Registry) RemoveAll(groupID string) []string {
	return r.RemoveMatching(0, InGroup(groupID))
}

func (r *Registry) RemoveDeviceInStatus(amount int, groupID string, status Status) []string {
	return r.RemoveMatching(amount, And(InGroup(groupID), InStatus(status)))
}

func (r *Registry) RemoveDeviceInState(amount int, state device.State) []string {
	return r.RemoveMatching(amount, InState(state))
}

// RemoveMatching removes up to amount matching devices in registration order
// (amount <= 0 removes all of them) and tears them down in the background.
func (r *Registry) RemoveMatching(amount int, pred Predicate) []string {
	r.mu.Lock()
	kept := r.devices[:0:0]
	var removed []*PoolDevice
	for _, pd := range r.devices {
		if (amount <= 0 || len(removed) < amount) && pred(*pd) {
			removed = append(removed, pd)
			continue
		}
		kept = append(kept, pd)
	}
	if len(removed) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.devices = kept
	r.tasks.Add(len(removed))
	events := r.eventsFor(eventbus.EventDeviceRemoved, removed)
	r.mu.Unlock()

	ids := make([]string, len(removed))
	for i, pd := range removed {
		ids[i] = pd.Device.ID
		go r.teardown(pd.Device.ID)
	}
	r.emit(events...)

	r.logger.Info("Devices removed", "count", len(ids), "ids", ids)
	return ids
}

// Block takes a FREE device out of rotation.
func (r *Registry) Block(id, description string) error {
	r.mu.Lock()
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	pd := r.devices[idx]
	if pd.Status == StatusBusy {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s held by %q", ErrDeviceBusy, id, pd.UserAgent)
	}
	pd.Description = description
	if pd.Status == StatusBlocked {
		r.mu.Unlock()
		return nil
	}
	pd.Status = StatusBlocked
	pd.StatusTimestampSec = r.nowSec()
	ev := r.eventFor(eventbus.EventDeviceBlocked, pd)
	r.mu.Unlock()

	r.emit(ev)
	return nil
}

func (r *Registry) Unblock(id string) error {
	r.mu.Lock()
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	pd := r.devices[idx]
	if pd.Status != StatusBlocked {
		r.mu.Unlock()
		return nil
	}
	pd.Status = StatusFree
	pd.Description = ""
	pd.StatusTimestampSec = 0
	ev := r.eventFor(eventbus.EventDeviceUnblocked, pd)
	r.mu.Unlock()

	r.emit(ev)
	return nil
}

// IsAlive probes a device and marks it BROKEN when a READY device fails the
// probe. CREATING devices are returned without probing.
func (r *Registry) IsAlive(ctx context.Context, id string) (PoolDevice, error) {
	r.mu.Lock()
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return PoolDevice{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	entry := r.devices[idx]
	if entry.Device.State.IsPreparing() {
		out := *entry
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	alive := r.probe(ctx, id)

	r.mu.Lock()
	idx = r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return PoolDevice{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	pd := r.devices[idx]
	var events []eventbus.Event
	if !alive && pd == entry && pd.Device.State == device.StateReady {
		pd.Device.State = device.StateBroken
		pd.Device.StateTimestampSec = r.nowSec()
		events = append(events, r.eventFor(eventbus.EventDeviceBroken, pd))
	}
	out := *pd
	r.mu.Unlock()

	if len(events) > 0 {
		monitor.LivenessFailures.Inc()
		r.logger.Warn("Device failed liveness probe", "device_id", id, "group_id", out.GroupID())
		r.emit(events...)
	}
	return out, nil
}

func (r *Registry) probe(ctx context.Context, id string) (alive bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Backend panicked during liveness probe", "device_id", id, "panic", rec)
			alive = false
		}
	}()
	return r.backend.IsDeviceAlive(ctx, id)
}

// Shutdown stops accepting work, cancels provisioning and removes every
// device. It waits for backend teardown until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	removed := r.devices
	r.devices = nil
	r.tasks.Add(len(removed))
	events := r.eventsFor(eventbus.EventDeviceRemoved, removed)
	r.mu.Unlock()

	r.logger.Info("Shutting down device registry", "devices", len(removed))
	r.cancel()
	for _, pd := range removed {
		go r.teardown(pd.Device.ID)
	}
	r.emit(events...)

	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("device teardown did not finish: %w", ctx.Err())
	}

	close(r.stopEvents)
	select {
	case <-r.eventsDone:
	case <-ctx.Done():
	}
	return err
}

// indexOf 需持有 r.mu
func (r *Registry) indexOf(id string) int {
	for i, pd := range r.devices {
		if pd.Device.ID == id {
			return i
		}
	}
	return -1
}

func (r *Registry) createLocked(amount int, info device.Info, status Status) []*PoolDevice {
	if status == "" {
		status = StatusFree
	}

	now := r.nowSec()
	var created []*PoolDevice
	for range amount {
		pd := &PoolDevice{
			Device: device.Placeholder(r.newID(), info, now),
			Status: status,
		}
		if status != StatusFree {
			pd.StatusTimestampSec = now
		}
		created = append(created, pd)
	}
	r.devices = append(r.devices, created...)
	r.tasks.Add(len(created))

	r.logger.Info("Devices registered", "group_id", info.GroupID, "count", amount)
	return created
}

func (r *Registry) growLocked(amount int, info device.Info, status Status) []*PoolDevice {
	room := r.config.Get().MaxDevicesAmount - len(r.devices)
	if room <= 0 {
		return nil
	}
	return r.createLocked(min(amount, room), info, status)
}

// launch starts one provisioning goroutine per device. The matching
// tasks.Add already happened under the lock.
func (r *Registry) launch(pending []PoolDevice) {
	for _, pd := range pending {
		go r.provision(pd.Device)
	}
}

func (r *Registry) provision(d device.Device) {
	defer r.tasks.Done()

	start := time.Now()
	result := r.createOnBackend(d)
	monitor.ProvisioningDuration.
		WithLabelValues(strings.ToLower(string(result.State))).
		Observe(time.Since(start).Seconds())

	r.mu.Lock()
	idx := r.indexOf(d.ID)
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Info("Device removed while provisioning, tearing down", "device_id", d.ID)
		r.deleteOnBackend(d.ID)
		return
	}
	pd := r.devices[idx]
	result.StateTimestampSec = r.nowSec()
	pd.Device = result
	evType := eventbus.EventDeviceReady
	if result.State == device.StateBroken {
		evType = eventbus.EventDeviceBroken
	}
	ev := r.eventFor(evType, pd)
	r.mu.Unlock()

	r.emit(ev)
	r.logger.Info("Device provisioned",
		"device_id", d.ID,
		"group_id", d.Info.GroupID,
		"state", result.State,
		"duration", time.Since(start),
	)
}

func (r *Registry) createOnBackend(d device.Device) (out device.Device) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Backend panicked while creating device", "device_id", d.ID, "panic", rec)
			out = brokenPlaceholder(d)
		}
	}()

	res, err := r.backend.CreateDevice(r.ctx, d)
	if err != nil {
		r.logger.Error("Failed to create device", "device_id", d.ID, "group_id", d.Info.GroupID, "error", err)
		return brokenPlaceholder(d)
	}

	res.ID = d.ID
	res.Info = d.Info
	if res.State != device.StateReady && res.State != device.StateBroken {
		r.logger.Warn("Backend returned unfinished device", "device_id", d.ID, "state", res.State)
		res.State = device.StateBroken
	}
	return res
}

func brokenPlaceholder(d device.Device) device.Device {
	d.State = device.StateBroken
	d.Connection = nil
	d.Handle = nil
	return d
}

func (r *Registry) teardown(id string) {
	defer r.tasks.Done()
	r.deleteOnBackend(id)
}

func (r *Registry) deleteOnBackend(id string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Backend panicked while deleting device", "device_id", id, "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := r.backend.DeleteDevice(ctx, id); err != nil {
		r.logger.Error("Failed to delete device", "device_id", id, "error", err)
	}
}

func (r *Registry) eventFor(t eventbus.EventType, pd *PoolDevice) eventbus.Event {
	return eventbus.Event{
		Type:      t,
		DeviceID:  pd.Device.ID,
		GroupID:   pd.Device.Info.GroupID,
		Payload:   *pd,
		Timestamp: r.now(),
	}
}

func (r *Registry) eventsFor(t eventbus.EventType, pds []*PoolDevice) []eventbus.Event {
	events := make([]eventbus.Event, 0, len(pds))
	for _, pd := range pds {
		events = append(events, r.eventFor(t, pd))
	}
	return events
}

// emit never blocks; events are dropped when the buffer is full.
func (r *Registry) emit(events ...eventbus.Event) {
	for _, ev := range events {
		select {
		case r.eventCh <- ev:
		default:
			r.logger.Warn("Event buffer full, dropping event", "type", ev.Type, "device_id", ev.DeviceID)
		}
	}
}

func (r *Registry) publishLoop() {
	defer close(r.eventsDone)
	for {
		select {
		case ev := <-r.eventCh:
			r.publish(ev)
		case <-r.stopEvents:
			for {
				select {
				case ev := <-r.eventCh:
					r.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) publish(ev eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Warn("Failed to publish event", "type", ev.Type, "device_id", ev.DeviceID, "error", err)
	}
}

func snapshot(pds []*PoolDevice) []PoolDevice {
	out := make([]PoolDevice, len(pds))
	for i, pd := range pds {
		out[i] = *pd
	}
	return out
}
