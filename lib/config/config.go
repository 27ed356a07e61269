// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path from.
const EnvironmentVariable = "RENDEZVOUS_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local runs and tests.
	Development Environment = "development"
	// Production is for unattended runs whose logs are collected.
	Production Environment = "production"
)

// Kernel backends.
const (
	BackendSim  = "sim"
	BackendUnix = "unix"
)

// defaultUnix reports whether the unix backend exists on this platform.
const defaultUnix = runtime.GOOS == "linux"

// Log formats. FormatAuto picks text on a terminal and JSON otherwise.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Config is the master configuration for the rendezvous binary.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment" json:"environment"`

	// Kernel selects and tunes the capability backend.
	Kernel KernelConfig `yaml:"kernel" json:"kernel"`

	// Rendezvous configures the capability exchange.
	Rendezvous RendezvousConfig `yaml:"rendezvous" json:"rendezvous"`

	// Region configures the shared memory region.
	Region RegionConfig `yaml:"region" json:"region"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty" json:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Kernel     *KernelConfig     `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Rendezvous *RendezvousConfig `yaml:"rendezvous,omitempty" json:"rendezvous,omitempty"`
	Region     *RegionConfig     `yaml:"region,omitempty" json:"region,omitempty"`
	Logging    *LoggingConfig    `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// KernelConfig selects the capability backend.
type KernelConfig struct {
	// Backend is "sim" (in-memory, replicas on goroutines) or "unix"
	// (Linux descriptors, replicas as re-executed processes).
	// Default: unix on Linux, sim elsewhere.
	Backend string `yaml:"backend" json:"backend"`

	// PageSize is the simulated page size in bytes. Ignored by the unix
	// backend, which uses the system page size.
	// Default: 4096
	PageSize uint64 `yaml:"page_size" json:"page_size"`

	// MemoryLimit caps simulated allocation, as a byte size string
	// ("64 MiB"). Empty means no limit. Ignored by the unix backend.
	MemoryLimit string `yaml:"memory_limit" json:"memory_limit"`
}

// RendezvousConfig configures the capability exchange.
type RendezvousConfig struct {
	// ReceiveTimeout bounds each protocol receive, as a Go duration.
	// Default: 10s
	ReceiveTimeout string `yaml:"receive_timeout" json:"receive_timeout"`
}

// RegionConfig configures the shared region.
type RegionConfig struct {
	// Size is the requested region size as a byte size string ("8000"
	// or "8 KiB"). It is rounded up to the page size.
	// Default: 8000
	Size string `yaml:"size" json:"size"`

	// Sentinel is the word written to the start of the region.
	// Default: 42
	Sentinel uint32 `yaml:"sentinel" json:"sentinel"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level" json:"level"`

	// Format is auto, text or json.
	// Default: auto (development), json (production)
	Format string `yaml:"format" json:"format"`
}

// Default returns the default configuration. The binary runs on it
// when no config file is named.
func Default() *Config {
	backend := BackendSim
	if defaultUnix {
		backend = BackendUnix
	}
	return &Config{
		Environment: Development,
		Kernel: KernelConfig{
			Backend:  backend,
			PageSize: 4096,
		},
		Rendezvous: RendezvousConfig{
			ReceiveTimeout: "10s",
		},
		Region: RegionConfig{
			Size:     "8000",
			Sentinel: 42,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: FormatAuto,
		},
	}
}

// Load loads configuration from the RENDEZVOUS_CONFIG environment
// variable. It fails when the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your rendezvous.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, on top of
// [Default], and applies the environment overrides. The result is not
// validated; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	return cfg, nil
}

// loadFile merges one configuration file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: logs go to a collector.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: FormatJSON},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Kernel != nil {
		if overrides.Kernel.Backend != "" {
			c.Kernel.Backend = overrides.Kernel.Backend
		}
		if overrides.Kernel.PageSize != 0 {
			c.Kernel.PageSize = overrides.Kernel.PageSize
		}
		if overrides.Kernel.MemoryLimit != "" {
			c.Kernel.MemoryLimit = overrides.Kernel.MemoryLimit
		}
	}

	if overrides.Rendezvous != nil && overrides.Rendezvous.ReceiveTimeout != "" {
		c.Rendezvous.ReceiveTimeout = overrides.Rendezvous.ReceiveTimeout
	}

	if overrides.Region != nil {
		if overrides.Region.Size != "" {
			c.Region.Size = overrides.Region.Size
		}
		if overrides.Region.Sentinel != 0 {
			c.Region.Sentinel = overrides.Region.Sentinel
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}
}

// ReceiveTimeout parses Rendezvous.ReceiveTimeout.
func (c *Config) ReceiveTimeout() (time.Duration, error) {
	timeout, err := time.ParseDuration(c.Rendezvous.ReceiveTimeout)
	if err != nil {
		return 0, fmt.Errorf("rendezvous.receive_timeout: %w", err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("rendezvous.receive_timeout must be positive, got %s", timeout)
	}
	return timeout, nil
}

// RegionSize parses Region.Size.
func (c *Config) RegionSize() (uint64, error) {
	size, err := humanize.ParseBytes(c.Region.Size)
	if err != nil {
		return 0, fmt.Errorf("region.size: %w", err)
	}
	if size == 0 {
		return 0, fmt.Errorf("region.size must be positive")
	}
	return size, nil
}

// MemoryLimit parses Kernel.MemoryLimit. Zero means no limit.
func (c *Config) MemoryLimit() (uint64, error) {
	if c.Kernel.MemoryLimit == "" {
		return 0, nil
	}
	limit, err := humanize.ParseBytes(c.Kernel.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("kernel.memory_limit: %w", err)
	}
	return limit, nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Validate checks the configuration for errors and reports all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	backends := []string{BackendSim, BackendUnix}
	if !slices.Contains(backends, c.Kernel.Backend) {
		errs = append(errs, fmt.Errorf("kernel.backend must be one of: %v", backends))
	}
	if c.Kernel.Backend == BackendUnix && !defaultUnix {
		errs = append(errs, fmt.Errorf("kernel.backend unix is only available on linux"))
	}
	if pageSize := c.Kernel.PageSize; pageSize == 0 || pageSize&(pageSize-1) != 0 {
		errs = append(errs, fmt.Errorf("kernel.page_size must be a power of two, got %d", pageSize))
	}
	if _, err := c.MemoryLimit(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.ReceiveTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RegionSize(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	formats := []string{FormatAuto, FormatText, FormatJSON}
	if !slices.Contains(formats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", formats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
