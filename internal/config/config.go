// Package config loads the daemon's JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"meshchat/internal/identity"
)

type Config struct {
	// DataDir holds the identity keys, the sealed state snapshot and logs.
	DataDir string `json:"data_dir"`
	// ServerName is the human-readable name announced in the handshake.
	ServerName string `json:"server_name"`
	// ListenAddr is the UDP address the federation listener binds.
	ListenAddr string `json:"listen_addr"`

	// Peers is the allowlist. Only endpoints named here are ever spoken to,
	// inbound or outbound.
	Peers []PeerConfig `json:"peers"`

	// MetricsFile, when set, gets a JSON counter snapshot on a cadence.
	MetricsFile string `json:"metrics_file,omitempty"`

	MaxConnsPerIP  int `json:"max_conns_per_ip,omitempty"`
	EventRateLimit int `json:"event_rate_limit,omitempty"`

	ReconcileIntervalSec int `json:"reconcile_interval_sec,omitempty"`
	CompactIntervalMin   int `json:"compact_interval_min,omitempty"`
}

type PeerConfig struct {
	// EndpointID is the hex endpoint ID the peer's transport key must
	// derive to.
	EndpointID string `json:"endpoint_id"`
	// Addr is the dial target. Empty means accept-only: we never dial but
	// will admit the peer inbound.
	Addr string `json:"addr,omitempty"`
	// Trust is "full", "relay" or "readonly". Defaults to full.
	Trust string `json:"trust,omitempty"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:7300"
	}
	if c.MaxConnsPerIP == 0 {
		c.MaxConnsPerIP = 4
	}
	if c.EventRateLimit == 0 {
		c.EventRateLimit = 100
	}
	if c.ReconcileIntervalSec == 0 {
		c.ReconcileIntervalSec = 60
	}
	if c.CompactIntervalMin == 0 {
		c.CompactIntervalMin = 30
	}
}

// Validate refuses configurations that would run open or dial blind.
// Misconfiguration is a startup failure, not a runtime surprise.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("config: server_name is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Peers {
		if p.EndpointID == "" {
			return fmt.Errorf("config: peers[%d] has no endpoint_id", i)
		}
		if _, err := identity.Parse(p.EndpointID); err != nil {
			return fmt.Errorf("config: peers[%d] endpoint_id: %w", i, err)
		}
		if seen[p.EndpointID] {
			return fmt.Errorf("config: duplicate peer endpoint_id %s", p.EndpointID)
		}
		seen[p.EndpointID] = true
		switch p.Trust {
		case "", "full", "relay", "readonly":
		default:
			return fmt.Errorf("config: peers[%d] trust %q is not full/relay/readonly", i, p.Trust)
		}
	}
	return nil
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

func (c *Config) CompactInterval() time.Duration {
	return time.Duration(c.CompactIntervalMin) * time.Minute
}
