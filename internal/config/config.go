// Package config loads the YAML configuration consumed by the cmd tools.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the on-disk configuration for the operator tools. Paths inside
// the data directory follow the persisted-state layout of the core.
type Config struct {
	DataDir       string `yaml:"dataDir"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	LogLevel      string `yaml:"logLevel"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Load reads and parses the YAML file at path, filling in defaults for
// unset fields. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
