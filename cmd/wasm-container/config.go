package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.
type Config struct {
	Addr        string        `yaml:"addr"`
	LogLevel    string        `yaml:"log_level"`
	ImageDir    string        `yaml:"image_dir"`
	HostProxies bool          `yaml:"host_proxies"`
	StopGrace   time.Duration `yaml:"stop_grace"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8080",
		LogLevel:    "info",
		HostProxies: true,
		StopGrace:   10 * time.Second,
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
