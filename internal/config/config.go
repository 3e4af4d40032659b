// Package config loads the maasd server configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the maasd process configuration. Precedence, lowest to
// highest: built-in defaults, YAML file, MAAS_* environment variables.
type Config struct {
	// HTTPAddr is the listen address of the HTTP server.
	HTTPAddr string `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	// Debug enables request/response body logging and the debug mounts.
	Debug bool `yaml:"debug" envconfig:"DEBUG"`
	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8800",
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	// Environment wins over the file.
	if err := envconfig.Process("maas", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}
