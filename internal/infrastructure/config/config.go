package config

import (
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration.
type Config struct {
	Kernel  KernelConfig
	Boot    BootConfig
	Server  ServerConfig
	Logging LogConfig
}

// KernelConfig holds simulated machine configuration.
type KernelConfig struct {
	MaxEnvs      int     `envconfig:"KERNEL_NENV" default:"1024"`
	Pages        int     `envconfig:"KERNEL_NPAGES" default:"8192"`
	Quantum      int     `envconfig:"KERNEL_QUANTUM" default:"0"`
	DispatchRate float64 `envconfig:"KERNEL_DISPATCH_RATE" default:"0"`
	Idle         bool    `envconfig:"KERNEL_IDLE" default:"false"`
}

// BootConfig holds file system and boot program configuration.
type BootConfig struct {
	Image    string `envconfig:"BOOT_IMAGE"`
	Include  string `envconfig:"BOOT_INCLUDE" default:"**"`
	Manifest string `envconfig:"BOOT_MANIFEST"`
	Init     string `envconfig:"BOOT_INIT" default:"/bin/init"`
}

// ServerConfig holds status server configuration.
type ServerConfig struct {
	Enabled bool   `envconfig:"STATUS_ENABLED" default:"false"`
	Host    string `envconfig:"STATUS_HOST" default:"127.0.0.1"`
	Port    string `envconfig:"STATUS_PORT" default:"8070"`
	// requests per second across all clients; 0 disables limiting
	RateLimit   int      `envconfig:"STATUS_RPS" default:"50"`
	Burst       int      `envconfig:"STATUS_BURST" default:"100"`
	CORSOrigins []string `envconfig:"STATUS_CORS_ORIGINS" default:"*"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

const (
	// ids carry 10 index bits
	maxEnvs = 1024
	// a pipe close check takes four system calls and must fit in one quantum
	minQuantum = 8
)

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
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
		Kernel: KernelConfig{
			MaxEnvs: 1024,
			Pages:   8192,
		},
		Boot: BootConfig{
			Include: "**",
			Init:    "/bin/init",
		},
		Server: ServerConfig{
			Enabled:     false,
			Host:        "127.0.0.1",
			Port:        "8070",
			RateLimit:   50,
			Burst:       100,
			CORSOrigins: []string{"*"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate rejects configurations the kernel cannot boot with.
func (c *Config) Validate() error {
	var errs []error
	if c.Kernel.MaxEnvs < 2 || c.Kernel.MaxEnvs > maxEnvs {
		errs = append(errs, fmt.Errorf("KERNEL_NENV must be in [2, %d], got %d", maxEnvs, c.Kernel.MaxEnvs))
	}
	if c.Kernel.Pages < 16 {
		errs = append(errs, fmt.Errorf("KERNEL_NPAGES must be at least 16, got %d", c.Kernel.Pages))
	}
	if c.Kernel.Quantum != 0 && c.Kernel.Quantum < minQuantum {
		errs = append(errs, fmt.Errorf("KERNEL_QUANTUM must be 0 or at least %d, got %d", minQuantum, c.Kernel.Quantum))
	}
	if c.Kernel.DispatchRate < 0 {
		errs = append(errs, fmt.Errorf("KERNEL_DISPATCH_RATE must not be negative, got %g", c.Kernel.DispatchRate))
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.Burst < 1) {
		errs = append(errs, fmt.Errorf("STATUS_RPS must not be negative and needs STATUS_BURST >= 1, got %d/%d", c.Server.RateLimit, c.Server.Burst))
	}
	if c.Boot.Init == "" || c.Boot.Init[0] != '/' {
		errs = append(errs, fmt.Errorf("BOOT_INIT must be an absolute path, got %q", c.Boot.Init))
	}
	return errors.Join(errs...)
}
