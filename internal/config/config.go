package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Farm    FarmConfig    `yaml:"farm"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig 为空 Addr 时不发布设备事件
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from the YAML file named by FARM_CONFIG (if any),
// then applies environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("FARM_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load without the FARM_CONFIG lookup.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Farm: DefaultFarm(),
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Addr = getEnv("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.ReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getIntEnv("REDIS_DB", cfg.Redis.DB)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	f := &cfg.Farm
	f.Mode = FarmMode(getEnv("FARM_MODE", string(f.Mode)))
	f.MaxDevicesAmount = getIntEnv("FARM_MAX_DEVICES", f.MaxDevicesAmount)
	f.MaxDeviceCreationBatchSize = getIntEnv("FARM_MAX_CREATION_BATCH", f.MaxDeviceCreationBatchSize)
	f.BusyDeviceTimeoutSec = int64(getIntEnv("FARM_BUSY_TIMEOUT_SEC", int(f.BusyDeviceTimeoutSec)))
	f.CreatingDeviceTimeoutSec = int64(getIntEnv("FARM_CREATING_TIMEOUT_SEC", int(f.CreatingDeviceTimeoutSec)))
	f.StartPort = getIntEnv("FARM_START_PORT", f.StartPort)
	f.EndPort = getIntEnv("FARM_END_PORT", f.EndPort)
	f.IsMock = getBoolEnv("FARM_MOCK", f.IsMock)
	f.KeepAliveDevices = getIntMapEnv("FARM_KEEP_ALIVE", f.KeepAliveDevices)

	f.Emulator.DefaultImage = getEnv("FARM_DEFAULT_IMAGE", f.Emulator.DefaultImage)
	f.Emulator.AdbPath = getEnv("FARM_ADB_PATH", f.Emulator.AdbPath)
	f.Emulator.Params = getEnv("FARM_EMULATOR_PARAMS", f.Emulator.Params)
	f.Emulator.Host = getEnv("FARM_HOST", f.Emulator.Host)
	f.Emulator.CheckGRPC = getBoolEnv("FARM_CHECK_GRPC", f.Emulator.CheckGRPC)
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	return c.Farm.Validate()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getIntMapEnv parses "group_a=2,group_b=1". Malformed input keeps the default.
func getIntMapEnv(key string, defaultVal map[string]int) map[string]int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	out := make(map[string]int)
	for _, pair := range strings.Split(val, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return defaultVal
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		out[strings.TrimSpace(k)] = n
	}
	return out
}
