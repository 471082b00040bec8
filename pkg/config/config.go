package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/caravan/pkg/types"
)

// RouteConfig is one static route entry.
type RouteConfig struct {
	Dest uint64 `yaml:"dest"`
	Mask uint64 `yaml:"mask"`
}

// CLAConfig declares one convergence-layer adapter.
type CLAConfig struct {
	Type   string        `yaml:"type"` // currently "udp"
	Local  string        `yaml:"local"`
	Remote string        `yaml:"remote"`
	Routes []RouteConfig `yaml:"routes"`
}

// OffloadConfig selects and parameterizes the offload backend.
type OffloadConfig struct {
	Backend       string `yaml:"backend"` // "", "file" or "bolt"
	BaseDirectory string `yaml:"base_directory"`
	DatabasePath  string `yaml:"database_path"`
}

// Config is the agent configuration loaded from YAML.
type Config struct {
	Node         uint64 `yaml:"node"`
	CacheService uint64 `yaml:"cache_service"`

	PoolBlocks    int    `yaml:"pool_blocks"`
	MaxInterfaces int    `yaml:"max_interfaces"`
	QueueDepth    uint32 `yaml:"queue_depth"`

	MaintenanceIntervalMS int `yaml:"maintenance_interval_ms"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	MetricsAddr string `yaml:"metrics_addr"`

	Offload OffloadConfig `yaml:"offload"`
	CLAs    []CLAConfig   `yaml:"clas"`
}

// Default returns the configuration used when a field is unset.
func Default() Config {
	return Config{
		CacheService:          64,
		PoolBlocks:            4096,
		MaxInterfaces:         32,
		QueueDepth:            64,
		MaintenanceIntervalMS: 250,
		LogLevel:              "info",
		MetricsAddr:           ":9465",
	}
}

// Load reads a YAML config file, fills defaults, and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot run.
func (c *Config) Validate() error {
	if c.Node == 0 {
		return fmt.Errorf("%w: node number must be set", types.ErrInvalidArgument)
	}
	if c.PoolBlocks < 16 {
		return fmt.Errorf("%w: pool_blocks %d is too small", types.ErrInvalidArgument, c.PoolBlocks)
	}
	if c.QueueDepth == 0 {
		return fmt.Errorf("%w: queue_depth must be nonzero", types.ErrInvalidArgument)
	}
	for _, cla := range c.CLAs {
		if cla.Type != "udp" {
			return fmt.Errorf("%w: cla type %q", types.ErrInvalidArgument, cla.Type)
		}
	}
	switch c.Offload.Backend {
	case "", "file", "bolt":
	default:
		return fmt.Errorf("%w: offload backend %q", types.ErrInvalidArgument, c.Offload.Backend)
	}
	return nil
}
