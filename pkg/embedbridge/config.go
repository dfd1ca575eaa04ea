// Copyright 2025-2026 Aiku AI

package embedbridge

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the embedded session bridge configuration.
type Config struct {
	// ListenAddr is the address the bridge HTTP server listens on.
	ListenAddr string `yaml:"listen_addr"`
	// HostOrigin is the browser origin of the host page. Messages from any
	// other origin are dropped and websocket upgrades are refused.
	HostOrigin string `yaml:"host_origin"`
	// HomeserverURL is an optional default homeserver for login commands
	// that omit homeserverUrl.
	HomeserverURL string `yaml:"homeserver_url"`
	// StorePath is the SQLite file holding session credentials and the
	// encrypted account cache.
	StorePath string `yaml:"store_path"`
	// CachePassphrase protects the local account cache at rest. Can also
	// be supplied via EMBED_BRIDGE_CACHE_PASSPHRASE.
	CachePassphrase string `yaml:"cache_passphrase"`
	// DeviceDisplayName is registered with the homeserver on password login.
	DeviceDisplayName string `yaml:"device_display_name"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads and validates the config file at path. Environment
// overrides are applied after parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EMBED_BRIDGE_CACHE_PASSPHRASE"); v != "" {
		c.CachePassphrase = v
	}
	if v := os.Getenv("EMBED_BRIDGE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":29340"
	}
	if c.StorePath == "" {
		c.StorePath = "./embed-bridge.db"
	}
	if c.DeviceDisplayName == "" {
		c.DeviceDisplayName = "Embedded Chat Frame"
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.HostOrigin == "" {
		return fmt.Errorf("config: host_origin is required")
	}
	if c.CachePassphrase == "" {
		return fmt.Errorf("config: cache_passphrase is required (or set EMBED_BRIDGE_CACHE_PASSPHRASE)")
	}
	return nil
}
