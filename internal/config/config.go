// Package config decodes the agent's HCL configuration file, the way
// Nomad's own agent config layer does: parse to an hcl.ast, decode into
// a plain struct via mapstructure, then apply defaults and validate.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"
)

// Config is the agent's top-level configuration (§1, §4.1, §5).
type Config struct {
	// LogLevel is passed straight through to hclog.
	LogLevel string `hcl:"log_level" mapstructure:"log_level"`

	// PortRangeMin/Max bound the dynamic service-port allocator (§4.1).
	PortRangeMin int `hcl:"port_range_min" mapstructure:"port_range_min"`
	PortRangeMax int `hcl:"port_range_max" mapstructure:"port_range_max"`

	// TaskLaunchTimeoutSeconds bounds how long a task may stay STAGING
	// before the scheduler loop kills it (§5).
	TaskLaunchTimeoutSeconds int `hcl:"task_launch_timeout" mapstructure:"task_launch_timeout"`

	// StoreTimeoutSeconds bounds every key-value store RPC (§5, zkTimeoutDuration).
	StoreTimeoutSeconds int `hcl:"store_timeout" mapstructure:"store_timeout"`

	// ReconcileIntervalSeconds is the period of the periodic
	// reconcileTasks() sweep (§4.8).
	ReconcileIntervalSeconds int `hcl:"reconcile_interval" mapstructure:"reconcile_interval"`

	// DefaultAcceptedResourceRoles, when true, makes an app with no
	// declared acceptedResourceRoles accept any offer role instead of
	// only the default role (§4.3 step 1, the matcher's global flag).
	DefaultAcceptedResourceRoles bool `hcl:"default_accepted_resource_roles" mapstructure:"default_accepted_resource_roles"`

	// StoreAddrs is the list of key-value store endpoints.
	StoreAddrs []string `hcl:"store_addrs" mapstructure:"store_addrs"`

	// MasterAddr is the resource master's advertised address.
	MasterAddr string `hcl:"master_addr" mapstructure:"master_addr"`
}

// Default returns a Config populated with this core's defaults.
func Default() *Config {
	return &Config{
		LogLevel:                     "INFO",
		PortRangeMin:                 10000,
		PortRangeMax:                 20000,
		TaskLaunchTimeoutSeconds:     300,
		StoreTimeoutSeconds:          10,
		ReconcileIntervalSeconds:     30,
		DefaultAcceptedResourceRoles: false,
	}
}

// Parse decodes raw HCL bytes into a Config, merged over Default().
func Parse(raw []byte) (*Config, error) {
	root, err := hcl.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parsing hcl: %w", err)
	}

	var m map[string]interface{}
	if err := hcl.DecodeObject(&m, root); err != nil {
		return nil, fmt.Errorf("config: decoding hcl object: %w", err)
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("config: constructing decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("config: decoding into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants a loaded Config must satisfy.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.PortRangeMin <= 0 || c.PortRangeMax <= 0 || c.PortRangeMin > c.PortRangeMax {
		result = multierror.Append(result, fmt.Errorf("config: invalid port range [%d, %d]", c.PortRangeMin, c.PortRangeMax))
	}
	if c.TaskLaunchTimeoutSeconds <= 0 {
		result = multierror.Append(result, fmt.Errorf("config: task_launch_timeout must be positive"))
	}
	if c.StoreTimeoutSeconds <= 0 {
		result = multierror.Append(result, fmt.Errorf("config: store_timeout must be positive"))
	}
	if c.ReconcileIntervalSeconds <= 0 {
		result = multierror.Append(result, fmt.Errorf("config: reconcile_interval must be positive"))
	}
	return result.ErrorOrNil()
}

// TaskLaunchTimeout returns TaskLaunchTimeoutSeconds as a duration.
func (c *Config) TaskLaunchTimeout() time.Duration {
	return time.Duration(c.TaskLaunchTimeoutSeconds) * time.Second
}

// StoreTimeout returns StoreTimeoutSeconds as a duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// ReconcileInterval returns ReconcileIntervalSeconds as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}
