package emulator

import "time"

const (
	// 容器内 adb 与 emulator gRPC 端口
	adbContainerPort  = "5555/tcp"
	grpcContainerPort = "8554/tcp"

	managedByLabel = "managed_by"
	managedByValue = "device-farm"
	deviceIDLabel  = "device_id"
	groupIDLabel   = "group_id"

	kvmDevice = "/dev/kvm"
)

type ContainerConfig struct {
	DeviceID string
	GroupID  string
	Image    string
	Params   string
	Env      map[string]string
	HostIP   string
	AdbPort  int
	GRPCPort int
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output is what the boot probe inspects; the exit code is not trusted.
func (r *ExecResult) Output() string {
	return r.Stdout + r.Stderr
}

func ContainerName(deviceID string) string {
	return "device-farm-" + deviceID
}
