// Package config handles parsing and validation of natsim configuration files.
package config

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/igjeong/natsim/nat"
	"github.com/igjeong/natsim/sim"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "natsim.yaml"

// Storage backends.
const (
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// SimulatorConfig holds the traffic simulator settings.
type SimulatorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ReuseProbability float64       `yaml:"reuse_probability"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	Seed             uint64        `yaml:"seed,omitempty"` // 0 picks a random seed
}

// StorageConfig selects where the translation table lives.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// IPCConfig holds the control server settings.
type IPCConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig holds the metrics endpoint settings. An empty address
// disables the endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Config holds the complete configuration for natsim.
type Config struct {
	ExternalIP         netip.Addr   `yaml:"-"`
	ExternalIPStr      string       `yaml:"external_ip"`
	InternalNetwork    netip.Prefix `yaml:"-"`
	InternalNetworkStr string       `yaml:"internal_network"`
	UserInternalIP     netip.Addr   `yaml:"-"`
	UserInternalIPStr  string       `yaml:"user_internal_ip"`

	InitialTTL     int                  `yaml:"initial_ttl"`
	TickInterval   time.Duration        `yaml:"tick_interval"`
	ExpiryMode     nat.ExpiryMode       `yaml:"expiry_mode"`
	PortAllocation nat.AllocationPolicy `yaml:"port_allocation"`
	PortFloor      uint16               `yaml:"port_floor"`
	ReloadInterval time.Duration        `yaml:"reload_interval"`

	Simulator SimulatorConfig `yaml:"simulator"`
	Storage   StorageConfig   `yaml:"storage"`
	IPC       IPCConfig       `yaml:"ipc"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		ExternalIPStr:      "203.0.113.1",
		InternalNetworkStr: sim.DefaultInternalNetwork.String(),
		UserInternalIPStr:  "192.168.10.100",
		InitialTTL:         nat.DefaultInitialTTL,
		TickInterval:       time.Second,
		ExpiryMode:         nat.ExpiryDeferred,
		PortAllocation:     nat.AllocationMonotonic,
		PortFloor:          nat.DefaultPortFloor,
		ReloadInterval:     2 * time.Second,
		Simulator: SimulatorConfig{
			Enabled:          true,
			ReuseProbability: sim.DefaultReuseProbability,
			SessionTTL:       sim.DefaultSessionTTL,
		},
		Storage: StorageConfig{
			Backend: BackendLevelDB,
			Path:    "nat_table.db",
		},
		IPC: IPCConfig{
			Addr: "127.0.0.1:47847",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9847",
		},
	}
	if err := cfg.resolve(); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// LoadWithEnv loads path and applies NATSIM_* environment overrides.
func LoadWithEnv(ctx context.Context, path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses configuration from YAML data. Fields missing from data keep
// their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) resolve() error {
	ip, err := netip.ParseAddr(c.ExternalIPStr)
	if err != nil {
		return fmt.Errorf("invalid external_ip: %s", c.ExternalIPStr)
	}
	if !ip.Is4() {
		return fmt.Errorf("external_ip must be IPv4: %s", c.ExternalIPStr)
	}
	c.ExternalIP = ip

	network, err := netip.ParsePrefix(c.InternalNetworkStr)
	if err != nil {
		return fmt.Errorf("invalid internal_network: %w", err)
	}
	if !network.Addr().Is4() {
		return fmt.Errorf("internal_network must be IPv4: %s", c.InternalNetworkStr)
	}
	c.InternalNetwork = network.Masked()

	ip, err = netip.ParseAddr(c.UserInternalIPStr)
	if err != nil {
		return fmt.Errorf("invalid user_internal_ip: %s", c.UserInternalIPStr)
	}
	if !ip.Is4() {
		return fmt.Errorf("user_internal_ip must be IPv4: %s", c.UserInternalIPStr)
	}
	c.UserInternalIP = ip

	return nil
}

// Validate performs additional validation on the configuration.
func (c *Config) Validate() error {
	if c.InternalNetwork.Contains(c.ExternalIP) {
		return fmt.Errorf("external_ip (%s) should not be within internal_network (%s)", c.ExternalIP, c.InternalNetwork)
	}
	if !c.InternalNetwork.Contains(c.UserInternalIP) {
		return fmt.Errorf("user_internal_ip (%s) must be within internal_network (%s)", c.UserInternalIP, c.InternalNetwork)
	}
	if c.InitialTTL <= 0 {
		return fmt.Errorf("initial_ttl must be positive: %d", c.InitialTTL)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive: %v", c.TickInterval)
	}
	if c.ReloadInterval <= 0 {
		return fmt.Errorf("reload_interval must be positive: %v", c.ReloadInterval)
	}
	switch c.ExpiryMode {
	case nat.ExpiryDeferred, nat.ExpiryImmediate:
	default:
		return fmt.Errorf("invalid expiry_mode %q (must be '%s' or '%s')", c.ExpiryMode, nat.ExpiryDeferred, nat.ExpiryImmediate)
	}
	if _, err := nat.NewAllocator(c.PortAllocation, c.PortFloor); err != nil {
		return fmt.Errorf("invalid port allocation: %w", err)
	}
	if err := c.SimulatorConfig().Validate(); err != nil {
		return fmt.Errorf("invalid simulator settings: %w", err)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", BackendLevelDB)
		}
	default:
		return fmt.Errorf("invalid storage.backend %q (must be '%s' or '%s')", c.Storage.Backend, BackendLevelDB, BackendMemory)
	}
	if c.IPC.Addr == "" {
		return fmt.Errorf("ipc.addr is required")
	}
	return nil
}

// SimulatorConfig returns the settings the traffic simulator is built from.
func (c *Config) SimulatorConfig() sim.Config {
	return sim.Config{
		ExternalIP:       c.ExternalIP,
		InternalNetwork:  c.InternalNetwork,
		InitialTTL:       c.InitialTTL,
		ReuseProbability: c.Simulator.ReuseProbability,
		SessionTTL:       c.Simulator.SessionTTL,
	}
}

// envOverrides lists the settings that can be overridden from the
// environment. It is filled from the current settings first; envconfig
// replaces only the fields whose variable is set and non-empty.
type envOverrides struct {
	ExternalIP       string         `env:"NATSIM_EXTERNAL_IP,overwrite"`
	InitialTTL       int            `env:"NATSIM_INITIAL_TTL,overwrite"`
	TickInterval     time.Duration  `env:"NATSIM_TICK_INTERVAL,overwrite"`
	ExpiryMode       nat.ExpiryMode `env:"NATSIM_EXPIRY_MODE,overwrite"`
	ReuseProbability float64        `env:"NATSIM_REUSE_PROBABILITY,overwrite"`
	StorageBackend   string         `env:"NATSIM_STORAGE_BACKEND,overwrite"`
	StoragePath      string         `env:"NATSIM_STORAGE_PATH,overwrite"`
	IPCAddr          string         `env:"NATSIM_IPC_ADDR,overwrite"`
	MetricsAddr      string         `env:"NATSIM_METRICS_ADDR,overwrite"`
}

// ApplyEnv overrides settings from NATSIM_* environment variables.
func (c *Config) ApplyEnv(ctx context.Context) error {
	env := envOverrides{
		ExternalIP:       c.ExternalIPStr,
		InitialTTL:       c.InitialTTL,
		TickInterval:     c.TickInterval,
		ExpiryMode:       c.ExpiryMode,
		ReuseProbability: c.Simulator.ReuseProbability,
		StorageBackend:   c.Storage.Backend,
		StoragePath:      c.Storage.Path,
		IPCAddr:          c.IPC.Addr,
		MetricsAddr:      c.Metrics.Addr,
	}
	if err := envconfig.Process(ctx, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	c.ExternalIPStr = env.ExternalIP
	c.InitialTTL = env.InitialTTL
	c.TickInterval = env.TickInterval
	c.ExpiryMode = env.ExpiryMode
	c.Simulator.ReuseProbability = env.ReuseProbability
	c.Storage.Backend = env.StorageBackend
	c.Storage.Path = env.StoragePath
	c.IPC.Addr = env.IPCAddr
	c.Metrics.Addr = env.MetricsAddr
	return c.resolve()
}
