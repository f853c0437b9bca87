package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
)

// Peer names one remote node and its transport address.
type Peer struct {
	NodeID  uint16 `yaml:"node_id"`
	Address string `yaml:"address"`
}

// Config is a node's startup configuration.
type Config struct {
	NodeID     uint16 `yaml:"node_id"`
	ListenAddr string `yaml:"listen_addr"`
	Peers      []Peer `yaml:"peers"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	Metrics   string `yaml:"metrics_addr"`
	TracePath string `yaml:"trace_path"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{
		ListenAddr: ":7600",
		LogLevel:   string(log.InfoLevel),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	switch log.Level(c.LogLevel) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}

	seen := make(map[uint16]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if p.NodeID == c.NodeID {
			return fmt.Errorf("peer list contains the local node %d", c.NodeID)
		}
		if _, ok := seen[p.NodeID]; ok {
			return fmt.Errorf("duplicate peer node %d", p.NodeID)
		}
		if p.Address == "" {
			return fmt.Errorf("peer %d has no address", p.NodeID)
		}
		seen[p.NodeID] = struct{}{}
	}
	return nil
}

// PeerAddresses returns the peer table keyed by node id.
func (c *Config) PeerAddresses() map[types.NodeID]string {
	out := make(map[types.NodeID]string, len(c.Peers))
	for _, p := range c.Peers {
		out[types.NodeID(p.NodeID)] = p.Address
	}
	return out
}
