// Package config holds the daemon configuration types, loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Compactd configures the UDP rendezvous daemon.
type Compactd struct {
	// Listen is the main socket bind address, e.g. ":7300".
	Listen string `yaml:"listen"`
	// ProbeListen optionally binds the NAT-probe socket. Empty disables
	// NAT-type probing.
	ProbeListen string `yaml:"probe_listen"`
	// MaxPeers caps the registration table. 0 selects a default.
	MaxPeers int `yaml:"max_peers"`
	// MetricsListen exposes Prometheus metrics over HTTP. Empty disables.
	MetricsListen string `yaml:"metrics_listen"`
	Debug         bool   `yaml:"debug"`
}

// Relayd configures the TCP rendezvous daemon.
type Relayd struct {
	Listen string `yaml:"listen"`
	// ClientTimeoutSec drops connections idle beyond it. 0 selects 60.
	ClientTimeoutSec int `yaml:"client_timeout_sec"`
	// MaxCached bounds cached offers per offline target. 0 selects 64.
	MaxCached     int    `yaml:"max_cached"`
	MetricsListen string `yaml:"metrics_listen"`
	Debug         bool   `yaml:"debug"`
}

// Kvd configures the HTTP key/value signaling daemon.
type Kvd struct {
	Listen string `yaml:"listen"`
	// Token, when set, is required as a Bearer token on every request.
	Token string `yaml:"token"`
	// Redis switches the backing store from in-memory to Redis
	// ("host:port"). Empty keeps the in-memory store.
	Redis         string `yaml:"redis"`
	RedisPassword string `yaml:"redis_password"`
	Debug         bool   `yaml:"debug"`
}

// Load reads a YAML config file into out. A missing path leaves out at
// its zero value so flags and defaults apply.
func Load(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
