package device

import "errors"

var (
	ErrNoFreePort = errors.New("no free port in configured range")

	ErrUnknownGroup = errors.New("no image configured for device group")
)
