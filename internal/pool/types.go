package pool

import "devicefarm/internal/device"

type Status string

const (
	StatusFree    Status = "FREE"
	StatusBusy    Status = "BUSY"
	StatusBlocked Status = "BLOCKED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusBusy, StatusBlocked:
		return true
	}
	return false
}

// PoolDevice is a device plus its lease state. StatusTimestampSec is 0 while
// the device is FREE.
type PoolDevice struct {
	Device             device.Device `json:"device"`
	Status             Status        `json:"status"`
	StatusTimestampSec int64         `json:"status_timestamp_sec"`
	UserAgent          string        `json:"user_agent,omitempty"`
	Description        string        `json:"description,omitempty"`
}

func (p PoolDevice) ID() string {
	return p.Device.ID
}

func (p PoolDevice) GroupID() string {
	return p.Device.Info.GroupID
}

// Eligible reports whether the device can be leased to a client of groupID.
func (p PoolDevice) Eligible(groupID string) bool {
	return p.Device.Info.GroupID == groupID &&
		p.Device.State == device.StateReady &&
		p.Status == StatusFree
}

// Predicate selects pooled devices.
type Predicate func(PoolDevice) bool

func InGroup(groupID string) Predicate {
	return func(p PoolDevice) bool { return p.Device.Info.GroupID == groupID }
}

func InState(state device.State) Predicate {
	return func(p PoolDevice) bool { return p.Device.State == state }
}

func InStatus(status Status) Predicate {
	return func(p PoolDevice) bool { return p.Status == status }
}

// And matches when every predicate matches. Nil predicates are ignored.
func And(preds ...Predicate) Predicate {
	return func(p PoolDevice) bool {
		for _, pred := range preds {
			if pred != nil && !pred(p) {
				return false
			}
		}
		return true
	}
}
