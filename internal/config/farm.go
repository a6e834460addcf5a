package config

import (
	"fmt"
	"maps"
	"time"
)

type FarmMode string

const (
	FarmModeLocal    FarmMode = "LOCAL"
	FarmModeMultiple FarmMode = "MULTIPLE"
)

// FarmConfig is the hot-swappable part of the configuration. A published
// snapshot is never modified; use Clone to derive a new one.
type FarmConfig struct {
	Mode                       FarmMode       `yaml:"mode" json:"farm_mode"`
	MaxDevicesAmount           int            `yaml:"max_devices_amount" json:"max_devices_amount"`
	MaxDeviceCreationBatchSize int            `yaml:"max_device_creation_batch_size" json:"max_device_creation_batch_size"`
	KeepAliveDevices           map[string]int `yaml:"keep_alive_devices" json:"keep_alive_devices"`
	BusyDeviceTimeoutSec       int64          `yaml:"busy_device_timeout_sec" json:"busy_device_timeout_sec"`
	CreatingDeviceTimeoutSec   int64          `yaml:"creating_device_timeout_sec" json:"creating_device_timeout_sec"`
	StartPort                  int            `yaml:"start_port" json:"start_port"`
	EndPort                    int            `yaml:"end_port" json:"end_port"`
	IsMock                     bool           `yaml:"mock" json:"is_mock"`
	Emulator                   EmulatorConfig `yaml:"emulator" json:"emulator"`
	Monitors                   MonitorConfig  `yaml:"monitors" json:"monitors"`
}

type EmulatorConfig struct {
	Images         map[string]string `yaml:"images" json:"images"` // group_id -> docker image
	DefaultImage   string            `yaml:"default_image" json:"default_image"`
	AdbPath        string            `yaml:"adb_path" json:"adb_path"` // adb 所在目录（容器内）
	Params         string            `yaml:"params" json:"params"`     // 透传给 EMULATOR_PARAMS
	Environments   map[string]string `yaml:"environments" json:"environments"`
	Host           string            `yaml:"host" json:"host"` // 写入 ConnectionInfo 的地址
	BootPollMillis int64             `yaml:"boot_poll_ms" json:"boot_poll_ms"`
	CheckGRPC      bool              `yaml:"check_grpc" json:"check_grpc"`
}

// MonitorConfig holds poll intervals in milliseconds.
type MonitorConfig struct {
	DevicePoolMs         int64 `yaml:"device_pool_ms" json:"device_pool_ms"`
	BusyDevicesMs        int64 `yaml:"busy_devices_ms" json:"busy_devices_ms"`
	CreatingDevicesMs    int64 `yaml:"creating_devices_ms" json:"creating_devices_ms"`
	DeviceNeedToDeleteMs int64 `yaml:"device_need_to_delete_ms" json:"device_need_to_delete_ms"`
	DeviceNeedToCreateMs int64 `yaml:"device_need_to_create_ms" json:"device_need_to_create_ms"`
	BrokenDevicesMs      int64 `yaml:"broken_devices_ms" json:"broken_devices_ms"`
	ServerMs             int64 `yaml:"server_ms" json:"server_ms"`
	ServerAliveTimeoutS  int64 `yaml:"server_alive_timeout_sec" json:"server_alive_timeout_sec"`
}

func DefaultFarm() FarmConfig {
	return FarmConfig{
		Mode:                       FarmModeMultiple,
		MaxDevicesAmount:           0,
		MaxDeviceCreationBatchSize: 10,
		KeepAliveDevices:           map[string]int{},
		BusyDeviceTimeoutSec:       30 * 60,
		CreatingDeviceTimeoutSec:   10 * 60,
		StartPort:                  0,
		EndPort:                    65534,
		Emulator: EmulatorConfig{
			Images:         map[string]string{},
			AdbPath:        "/android/sdk/platform-tools",
			Environments:   map[string]string{},
			Host:           "127.0.0.1",
			BootPollMillis: 1000,
		},
		Monitors: MonitorConfig{
			DevicePoolMs:         5_000,
			BusyDevicesMs:        5_000,
			CreatingDevicesMs:    5_000,
			DeviceNeedToDeleteMs: 5_000,
			DeviceNeedToCreateMs: 5_000,
			BrokenDevicesMs:      30_000,
			ServerMs:             5_000,
			ServerAliveTimeoutS:  30,
		},
	}
}

func (f FarmConfig) Validate() error {
	switch f.Mode {
	case FarmModeLocal, FarmModeMultiple:
	default:
		return fmt.Errorf("%w: unknown farm mode %q", ErrInvalidConfig, f.Mode)
	}
	if f.MaxDevicesAmount < 0 {
		return fmt.Errorf("%w: max_devices_amount must not be negative", ErrInvalidConfig)
	}
	if f.MaxDeviceCreationBatchSize <= 0 {
		return fmt.Errorf("%w: max_device_creation_batch_size must be positive", ErrInvalidConfig)
	}
	if f.BusyDeviceTimeoutSec <= 0 || f.CreatingDeviceTimeoutSec <= 0 {
		return fmt.Errorf("%w: device timeouts must be positive", ErrInvalidConfig)
	}
	if f.StartPort < 0 || f.EndPort > 65535 || f.StartPort > f.EndPort {
		return fmt.Errorf("%w: bad port range [%d, %d]", ErrInvalidConfig, f.StartPort, f.EndPort)
	}
	for group, n := range f.KeepAliveDevices {
		if n < 0 {
			return fmt.Errorf("%w: keep_alive_devices[%s] is negative", ErrInvalidConfig, group)
		}
	}
	if f.Emulator.BootPollMillis <= 0 {
		return fmt.Errorf("%w: emulator.boot_poll_ms must be positive", ErrInvalidConfig)
	}
	return f.Monitors.Validate()
}

// Validate rejects non-positive poll intervals; a zero interval would make
// the supervisor loops spin.
func (m MonitorConfig) Validate() error {
	intervals := []struct {
		name string
		ms   int64
	}{
		{"device_pool_ms", m.DevicePoolMs},
		{"busy_devices_ms", m.BusyDevicesMs},
		{"creating_devices_ms", m.CreatingDevicesMs},
		{"device_need_to_delete_ms", m.DeviceNeedToDeleteMs},
		{"device_need_to_create_ms", m.DeviceNeedToCreateMs},
		{"broken_devices_ms", m.BrokenDevicesMs},
	}
	for _, iv := range intervals {
		if iv.ms <= 0 {
			return fmt.Errorf("%w: monitors.%s must be positive", ErrInvalidConfig, iv.name)
		}
	}
	return nil
}

// Clone returns a deep copy safe to modify.
func (f FarmConfig) Clone() FarmConfig {
	out := f
	out.KeepAliveDevices = maps.Clone(f.KeepAliveDevices)
	out.Emulator.Images = maps.Clone(f.Emulator.Images)
	out.Emulator.Environments = maps.Clone(f.Emulator.Environments)
	return out
}

func (f FarmConfig) BusyDeviceTimeout() time.Duration {
	return time.Duration(f.BusyDeviceTimeoutSec) * time.Second
}

func (f FarmConfig) CreatingDeviceTimeout() time.Duration {
	return time.Duration(f.CreatingDeviceTimeoutSec) * time.Second
}

func (e EmulatorConfig) BootPollInterval() time.Duration {
	return time.Duration(e.BootPollMillis) * time.Millisecond
}

// ImageFor resolves the docker image of a device group.
func (e EmulatorConfig) ImageFor(groupID string) (string, bool) {
	if img, ok := e.Images[groupID]; ok && img != "" {
		return img, true
	}
	if e.DefaultImage != "" {
		return e.DefaultImage, true
	}
	return "", false
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (m MonitorConfig) DevicePool() time.Duration         { return millis(m.DevicePoolMs) }
func (m MonitorConfig) BusyDevices() time.Duration        { return millis(m.BusyDevicesMs) }
func (m MonitorConfig) CreatingDevices() time.Duration    { return millis(m.CreatingDevicesMs) }
func (m MonitorConfig) DeviceNeedToDelete() time.Duration { return millis(m.DeviceNeedToDeleteMs) }
func (m MonitorConfig) DeviceNeedToCreate() time.Duration { return millis(m.DeviceNeedToCreateMs) }
func (m MonitorConfig) BrokenDevices() time.Duration      { return millis(m.BrokenDevicesMs) }
