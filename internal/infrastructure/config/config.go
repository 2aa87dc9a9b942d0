package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Device backends.
const (
	BackendSim    = "sim"
	BackendDevMem = "devmem"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Device    DeviceConfig
	Library   LibraryConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP and health server configuration.
type ServerConfig struct {
	Port     string `envconfig:"PORT" default:"8000"`
	Host     string `envconfig:"HOST" default:"0.0.0.0"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"50051"`
}

// DeviceConfig selects and tunes the coprocessor backend.
type DeviceConfig struct {
	Backend        string        `envconfig:"DEVICE_BACKEND" default:"sim"`
	DevMemPath     string        `envconfig:"DEVMEM_PATH" default:"/dev/mem"`
	PlatformFile   string        `envconfig:"PLATFORM_FILE"`
	HandoffTimeout time.Duration `envconfig:"HANDOFF_TIMEOUT" default:"2s"`
	HaltTimeout    time.Duration `envconfig:"HALT_TIMEOUT" default:"2s"`
	Poll           time.Duration `envconfig:"HANDOFF_POLL" default:"100us"`
}

// LibraryConfig holds the kernel library and boot behaviour.
type LibraryConfig struct {
	Dir           string `envconfig:"LIBRARY_DIR" default:"./kernels"`
	StartupKernel string `envconfig:"STARTUP_KERNEL"`
	StartupSymbol string `envconfig:"STARTUP_SYMBOL" default:"run"`
	IdleOnBoot    bool   `envconfig:"IDLE_ON_BOOT" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     "8000",
			Host:     "0.0.0.0",
			GRPCPort: "50051",
		},
		Device: DeviceConfig{
			Backend:        BackendSim,
			DevMemPath:     "/dev/mem",
			HandoffTimeout: 2 * time.Second,
			HaltTimeout:    2 * time.Second,
			Poll:           100 * time.Microsecond,
		},
		Library: LibraryConfig{
			Dir:           "./kernels",
			StartupSymbol: "run",
			IdleOnBoot:    true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case BackendSim, BackendDevMem:
	default:
		return fmt.Errorf("unknown device backend %q", c.Device.Backend)
	}
	if c.Device.HandoffTimeout <= 0 || c.Device.HaltTimeout <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate limit must be positive when enabled")
	}
	return nil
}
