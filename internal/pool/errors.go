package pool

import "errors"

var (
	// ErrNoCapacity is retryable: nothing eligible and the farm is full.
	ErrNoCapacity = errors.New("no free device and no capacity to create one")

	ErrDeviceNotFound = errors.New("device not found")

	ErrInvalidAmount = errors.New("amount must be positive")

	ErrDeviceBusy = errors.New("device is leased")

	ErrClosed = errors.New("registry is shut down")
)
