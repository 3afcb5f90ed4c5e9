// Package config loads a STOQ endpoint's static settings from a JSON file,
// the way moto's setting.go loaded relay rules: read at startup, reloadable
// at runtime, env var overrides the path.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// EndpointConfig is the on-disk shape of a STOQ endpoint's configuration.
type EndpointConfig struct {
	Log struct {
		Level string `json:"level"`
		Path  string `json:"path"`
	} `json:"log"`

	Listen string `json:"listen"` // "[addr]:port", IPv6 only

	Falcon struct {
		Mode string `json:"mode"` // "off" or "hybrid"
		Size string `json:"size"` // "512" or "1024"
	} `json:"falcon"`

	PoolMaxPerEndpoint int `json:"pool_max_per_endpoint"`
	IdleEvictSeconds   int `json:"idle_evict_seconds"`
}

// GlobalCfg is the process-wide active configuration, populated by Load.
var GlobalCfg *EndpointConfig

// defaultConfigPath is overridden by the STOQ_CONFIG environment variable.
const defaultConfigPath = "config/endpoint.json"

// Load reads and validates the endpoint configuration at path, or at
// STOQ_CONFIG / defaultConfigPath if path is empty, and stores it as
// GlobalCfg.
func Load(path string) (*EndpointConfig, error) {
	if path == "" {
		path = os.Getenv("STOQ_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg EndpointConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	GlobalCfg = &cfg
	return &cfg, nil
}

func (c *EndpointConfig) verify() error {
	if c.Listen == "" {
		return fmt.Errorf("missing listen address")
	}
	switch c.Falcon.Mode {
	case "", "off", "hybrid":
	default:
		return fmt.Errorf("unknown falcon mode %q", c.Falcon.Mode)
	}
	if c.PoolMaxPerEndpoint < 0 {
		return fmt.Errorf("pool_max_per_endpoint must be non-negative")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}
