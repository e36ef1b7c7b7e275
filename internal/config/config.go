// Package config loads the station daemon configuration: defaults,
// overridden by an optional YAML file, overridden by environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportNATS  = "nats"
	TransportRelay = "relay"
	TransportNone  = "none"
)

// Config is the full daemon configuration.
type Config struct {
	// NodeID identifies this peer. Generated when empty.
	NodeID string `yaml:"node_id"`
	// Alias is the operator name used for automatic login. Empty means
	// the peer starts logged out.
	Alias string `yaml:"alias"`
	// Secret pairs with Alias for automatic login.
	Secret string `yaml:"secret"`

	// Transport selects the replication backend: nats, relay, or none.
	Transport string `yaml:"transport"`
	// NATSURL is the NATS server address for the nats transport.
	NATSURL string `yaml:"nats_url"`
	// RelayURL is the websocket relay address for the relay transport.
	RelayURL string `yaml:"relay_url"`
	// Subject namespaces the replication channel so stations can share
	// one broker.
	Subject string `yaml:"subject"`

	// JournalPath is the sqlite journal file. Empty disables persistence.
	JournalPath string `yaml:"journal_path"`

	// ActiveCeiling overrides the task queue ceiling. Zero keeps the
	// engine default.
	ActiveCeiling int `yaml:"active_ceiling"`
}

// Default returns the configuration a bare peer starts with.
func Default() Config {
	return Config{
		Transport:   TransportNone,
		NATSURL:     "nats://127.0.0.1:4222",
		RelayURL:    "ws://127.0.0.1:8089/sync",
		Subject:     "swan.deltas",
		JournalPath: "swanstation.db",
	}
}

// Load builds the configuration from defaults, the YAML file at path when
// one is given, and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("SWAN_NODE_ID", c.NodeID)
	c.Alias = getEnv("SWAN_ALIAS", c.Alias)
	c.Secret = getEnv("SWAN_SECRET", c.Secret)
	c.Transport = getEnv("SWAN_TRANSPORT", c.Transport)
	c.NATSURL = getEnv("SWAN_NATS_URL", c.NATSURL)
	c.RelayURL = getEnv("SWAN_RELAY_URL", c.RelayURL)
	c.Subject = getEnv("SWAN_SUBJECT", c.Subject)
	c.JournalPath = getEnv("SWAN_JOURNAL_PATH", c.JournalPath)
	c.ActiveCeiling = getEnvInt("SWAN_ACTIVE_CEILING", c.ActiveCeiling)
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportNATS, TransportRelay, TransportNone:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Subject == "" {
		return fmt.Errorf("subject must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
