// Package config loads taskflow configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the TASKFLOW_CONFIG environment variable. Without either, defaults are
// used. The file may carry development and production sections that
// override base values when the environment matches. TASKFLOW_DATABASE_URL,
// when set, replaces storage.dsn.
package config

import (
	"errors"
	"fmt"
	"os"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/validation"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigEnv names the environment variable holding the config file path
	ConfigEnv = "TASKFLOW_CONFIG"
	// DatabaseURLEnv overrides storage.dsn
	DatabaseURLEnv = "TASKFLOW_DATABASE_URL"

	// MaxParallelLimit caps max_parallel_enables
	MaxParallelLimit = 64
)

// Environment is the deployment type
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the taskflow configuration
type Config struct {
	Environment   Environment         `yaml:"environment"`
	Storage       StorageConfig       `yaml:"storage"`
	Events        EventsConfig        `yaml:"events"`
	Dependencies  DependenciesConfig  `yaml:"dependencies"`
	Notifications NotificationsConfig `yaml:"notifications"`
	HTTP          HTTPConfig          `yaml:"http"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace
type Overrides struct {
	Storage      *StorageConfig      `yaml:"storage,omitempty"`
	Events       *EventsConfig       `yaml:"events,omitempty"`
	Dependencies *DependenciesConfig `yaml:"dependencies,omitempty"`
	HTTP         *HTTPConfig         `yaml:"http,omitempty"`
}

// StorageConfig selects the storage collaborator
type StorageConfig struct {
	// Driver is memory, sqlite or postgres
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres
	DSN string `yaml:"dsn"`
}

// EventsConfig tunes the event bus
type EventsConfig struct {
	MaxListeners int `yaml:"max_listeners"`
}

// DependenciesConfig tunes readiness and batch enabling
type DependenciesConfig struct {
	// RequiredSatisfiedBy is the prerequisite status that satisfies a
	// required edge: completed or in_progress
	RequiredSatisfiedBy string `yaml:"required_satisfied_by"`
	MaxParallelEnables  int    `yaml:"max_parallel_enables"`
}

// NotificationsConfig tunes the notification collaborator
type NotificationsConfig struct {
	Dedupe         bool `yaml:"dedupe"`
	DedupeCapacity int  `yaml:"dedupe_capacity"`
}

// HTTPConfig configures the admin server
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Environment: Development,
		Storage: StorageConfig{
			Driver: DriverSQLite,
			DSN:    "taskflow.db",
		},
		Events: EventsConfig{
			MaxListeners: 20,
		},
		Dependencies: DependenciesConfig{
			RequiredSatisfiedBy: string(graph.RequireCompleted),
			MaxParallelEnables:  8,
		},
		Notifications: NotificationsConfig{
			Dedupe:         true,
			DedupeCapacity: 4096,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

// Load resolves the config file from path or TASKFLOW_CONFIG and loads it.
// With neither set the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads and validates the configuration at path
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, taskerrors.NewConfigError("config", path, err.Error())
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, taskerrors.NewConfigError("config", path, fmt.Sprintf("invalid YAML: %v", err))
	}
	cfg.applyEnvironmentOverrides()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Storage != nil {
		if overrides.Storage.Driver != "" {
			c.Storage.Driver = overrides.Storage.Driver
		}
		if overrides.Storage.DSN != "" {
			c.Storage.DSN = overrides.Storage.DSN
		}
	}
	if overrides.Events != nil && overrides.Events.MaxListeners > 0 {
		c.Events.MaxListeners = overrides.Events.MaxListeners
	}
	if overrides.Dependencies != nil {
		if overrides.Dependencies.RequiredSatisfiedBy != "" {
			c.Dependencies.RequiredSatisfiedBy = overrides.Dependencies.RequiredSatisfiedBy
		}
		if overrides.Dependencies.MaxParallelEnables > 0 {
			c.Dependencies.MaxParallelEnables = overrides.Dependencies.MaxParallelEnables
		}
	}
	if overrides.HTTP != nil && overrides.HTTP.Listen != "" {
		c.HTTP.Listen = overrides.HTTP.Listen
	}
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(DatabaseURLEnv); dsn != "" {
		c.Storage.DSN = dsn
	}
}

// Policy returns the parsed required-edge policy
func (c *Config) Policy() graph.RequiredPolicy {
	policy, err := graph.ParseRequiredPolicy(c.Dependencies.RequiredSatisfiedBy)
	if err != nil {
		return graph.RequireCompleted
	}
	return policy
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, taskerrors.NewConfigError("environment", string(c.Environment), "must be development or production"))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, taskerrors.NewConfigError("storage.dsn", "", "required for driver "+c.Storage.Driver))
		}
	default:
		errs = append(errs, taskerrors.NewConfigError("storage.driver", c.Storage.Driver, "must be memory, sqlite or postgres"))
	}

	if _, err := graph.ParseRequiredPolicy(c.Dependencies.RequiredSatisfiedBy); err != nil {
		errs = append(errs, taskerrors.NewConfigError("dependencies.required_satisfied_by", c.Dependencies.RequiredSatisfiedBy, err.Error()))
	}
	if err := validation.ValidateConcurrency(c.Dependencies.MaxParallelEnables, MaxParallelLimit); err != nil {
		errs = append(errs, taskerrors.NewConfigError("dependencies.max_parallel_enables", fmt.Sprint(c.Dependencies.MaxParallelEnables), err.Error()))
	}
	if c.Events.MaxListeners < 1 {
		errs = append(errs, taskerrors.NewConfigError("events.max_listeners", fmt.Sprint(c.Events.MaxListeners), "must be positive"))
	}
	if c.Notifications.DedupeCapacity < 0 {
		errs = append(errs, taskerrors.NewConfigError("notifications.dedupe_capacity", fmt.Sprint(c.Notifications.DedupeCapacity), "cannot be negative"))
	}

	return errors.Join(errs...)
}
