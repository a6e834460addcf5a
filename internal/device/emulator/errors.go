package emulator

import "errors"

var (
	ErrContainerNotFound = errors.New("container not found")

	ErrContainerStartFailed = errors.New("failed to start container")

	ErrExecFailed = errors.New("exec failed")

	ErrImagePullFailed = errors.New("failed to pull image")
)
