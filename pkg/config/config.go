package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/nick-mccoy/tap-postgres/pkg/catalog"
)

// Config holds all configuration for tap-postgres.
// Configuration can come from YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (the database password) must only come from environment variables.
type Config struct {
	// Cluster connection descriptor.
	Host     string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User     string `yaml:"user" env:"PGUSER"`
	Password string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"PGDATABASE" env-default:"postgres"`
	SSLMode  string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	// DefaultReplicationMethod applies to every stream without a
	// replication-method override in the catalog.
	DefaultReplicationMethod string `yaml:"default_replication_method" env:"DEFAULT_REPLICATION_METHOD" env-default:"FULL_TABLE"`

	// ReplicationSlot is the logical replication slot read by log-based
	// extraction.
	ReplicationSlot string `yaml:"replication_slot" env:"REPLICATION_SLOT" env-default:"tap_postgres"`
}

// Load reads config.yaml (when present) with environment variable overrides
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and that the default replication method
// names a supported strategy.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	if c.Password == "" {
		return errors.New("password is required (set PGPASSWORD)")
	}
	if _, err := catalog.ParseReplicationMethod(c.DefaultReplicationMethod); err != nil {
		return fmt.Errorf("default_replication_method: %w", err)
	}
	return nil
}

// ReplicationMethod returns the validated default replication method.
func (c *Config) ReplicationMethod() catalog.ReplicationMethod {
	method, err := catalog.ParseReplicationMethod(c.DefaultReplicationMethod)
	if err != nil {
		// Validate rejects unknown methods before this is reachable.
		return catalog.ReplicationFullTable
	}
	return method
}
