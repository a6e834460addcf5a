package device

import "context"

type Backend interface {
	// CreateDevice provisions resources for a registered placeholder and
	// blocks until the unit boots or the creating timeout elapses. The
	// returned device is READY or BROKEN. An error means nothing usable was
	// provisioned.
	CreateDevice(ctx context.Context, d Device) (Device, error)

	// DeleteDevice tears down the device. Unknown ids are not an error.
	DeleteDevice(ctx context.Context, id string) error

	// IsDeviceAlive is a single bounded probe; unknown ids and inconclusive
	// probes report false.
	IsDeviceAlive(ctx context.Context, id string) bool

	Devices() []Device
}
