// Package config loads the daemon configuration from a YAML file with
// sensible defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	DataPath      string `yaml:"dataPath"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	TickMillis    int    `yaml:"tickMillis"`
	LogLevel      string `yaml:"logLevel"`
}

// Load reads the configuration file at path. A missing file yields the
// defaults; a malformed one is an error.
func Load(path string) (Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if config.DataPath == "" {
		config.DataPath = "./data"
	}
	if config.MinimumFreeGB == 0 {
		config.MinimumFreeGB = 1
	}
	if config.TickMillis == 0 {
		config.TickMillis = 250
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return config, nil
}

// TickInterval returns the configured delegated-executor cadence.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}
