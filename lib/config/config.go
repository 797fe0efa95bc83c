// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration shared by the syncpad client
// and relay binaries. Zero values fall back to the defaults below.
type Config struct {
	// Relay configures the connection to the signaling relay.
	Relay RelayConfig `yaml:"relay"`

	// Session configures the local participant.
	Session SessionConfig `yaml:"session"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// RelayConfig describes the signaling relay endpoint.
type RelayConfig struct {
	// URL is the websocket endpoint of the relay, e.g.
	// "ws://localhost:7350/relay".
	URL string `yaml:"url"`

	// ListenAddress is the bind address for the relay server binary.
	ListenAddress string `yaml:"listen_address"`
}

// SessionConfig describes local participant defaults.
type SessionConfig struct {
	// DefaultMaxPeers is the room capacity assumed when no host
	// capacity hint is resolvable from presence.
	DefaultMaxPeers int `yaml:"default_max_peers"`

	// DisplayName is the participant name shown in awareness state.
	DisplayName string `yaml:"display_name"`

	// Color is the participant cursor color (any CSS color string;
	// the engine treats it as opaque).
	Color string `yaml:"color"`

	// ICEServers lists STUN/TURN URLs for connection establishment.
	// Empty means host candidates only, which is sufficient for
	// same-LAN use and tests.
	ICEServers []string `yaml:"ice_servers"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			URL:           "ws://localhost:7350/relay",
			ListenAddress: ":7350",
		},
		Session: SessionConfig{
			DefaultMaxPeers: 4,
			DisplayName:     "anonymous",
			Color:           "#4f86f7",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a config file. Fields absent from the file
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c Config) Validate() error {
	if c.Session.DefaultMaxPeers < 2 {
		return fmt.Errorf("session.default_max_peers must be at least 2, got %d", c.Session.DefaultMaxPeers)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
