package pool

import (
	"context"

	"devicefarm/internal/device"
)

type IRegistry interface {
	All() []PoolDevice
	Count(pred Predicate) int
	Get(id string) (PoolDevice, error)

	Create(amount int, info device.Info, status Status) ([]PoolDevice, error)
	Grow(amount int, info device.Info, status Status) ([]PoolDevice, error)
	Acquire(amount int, groupID, userAgent string) ([]PoolDevice, error)

	Release(ids ...string)
	ReleaseAll(groupID string)

	Remove(id string)
	RemoveAll(groupID string) []string
	RemoveDeviceInStatus(amount int, groupID string, status Status) []string
	RemoveDeviceInState(amount int, state device.State) []string
	RemoveMatching(amount int, pred Predicate) []string

	Block(id, description string) error
	Unblock(id string) error
	IsAlive(ctx context.Context, id string) (PoolDevice, error)

	Shutdown(ctx context.Context) error
}
