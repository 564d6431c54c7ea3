package engine

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative runtime configuration for a host process:
// scheduler cadence, lease window and renewal cadence, batch size and
// dispatch concurrency, and the SQLite backend's connection target,
// generalized from flow/config.go's FlowSet/yaml.v3 loading pattern.
type Config struct {
	HostID                 string        `json:"host_id" yaml:"host_id"`
	PollInterval           time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	LeaseDuration          time.Duration `json:"lease_duration,omitempty" yaml:"lease_duration,omitempty"`
	LeaseRenewalInterval   time.Duration `json:"lease_renewal_interval,omitempty" yaml:"lease_renewal_interval,omitempty"`
	BatchSize              int           `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	MaxInputSize           int           `json:"max_input_size,omitempty" yaml:"max_input_size,omitempty"`
	MaxConcurrentInstances int           `json:"max_concurrent_instances,omitempty" yaml:"max_concurrent_instances,omitempty"`

	Store StoreConfig `json:"store" yaml:"store"`

	Sweeper SweeperConfig `json:"sweeper,omitempty" yaml:"sweeper,omitempty"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// StoreConfig selects and configures the Store backend.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory" | "sqlite"
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty"`
}

// SweeperConfig configures the cron-driven maintenance sweep.
type SweeperConfig struct {
	Schedule      string        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	RetentionAge  time.Duration `json:"retention_age,omitempty" yaml:"retention_age,omitempty"`
	PurgeCascade  bool          `json:"purge_cascade,omitempty" yaml:"purge_cascade,omitempty"`
}

// Validate checks required fields and applies the same well-formedness
// rules flow/config.go's FlowSet.Validate() applies to its own definitions.
func (c Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver sqlite")
		}
	case "":
		return fmt.Errorf("store.driver is required (memory|sqlite)")
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	if c.Sweeper.Schedule != "" && c.Sweeper.RetentionAge <= 0 {
		return fmt.Errorf("sweeper.retention_age is required when sweeper.schedule is set")
	}
	if c.LeaseDuration > 0 {
		if c.LeaseRenewalInterval > 0 && c.LeaseRenewalInterval >= c.LeaseDuration {
			return fmt.Errorf("lease_renewal_interval must be less than lease_duration")
		}
		if c.PollInterval > 0 && c.PollInterval >= c.LeaseDuration {
			return fmt.Errorf("poll_interval must be less than lease_duration")
		}
	}
	if c.MaxConcurrentInstances < 0 {
		return fmt.Errorf("max_concurrent_instances must not be negative")
	}
	return nil
}

// ParseConfig parses YAML (or JSON, which yaml.v3 also accepts) into a
// Config, applying defaults and validating the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func defaultConfig() Config {
	return Config{
		HostID:                 "durable-host-1",
		PollInterval:           500 * time.Millisecond,
		LeaseDuration:          30 * time.Second,
		LeaseRenewalInterval:   15 * time.Second,
		BatchSize:              50,
		MaxConcurrentInstances: 10,
		Store:                  StoreConfig{Driver: "memory"},
		LogLevel:               "info",
	}
}

// MarshalConfig renders cfg as YAML, useful for generating a starter file.
func MarshalConfig(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
