// ABOUTME: TOML configuration for the delivery daemon
// ABOUTME: Env var expansion so API keys stay out of the file

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type daemonConfig struct {
	Server  serverSection  `toml:"server"`
	Runtime runtimeSection `toml:"runtime"`
	Deliver deliverSection `toml:"deliver"`
	Logging loggingSection `toml:"logging"`
}

type serverSection struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

type runtimeSection struct {
	URL string `toml:"url"`
}

type deliverSection struct {
	TrustedAgents     []string `toml:"trusted_agents"`
	ReplyTimeout      duration `toml:"reply_timeout"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
}

type loggingSection struct {
	Level string `toml:"level"`
}

// duration lets TOML values like "5m" parse into time.Duration.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = duration(parsed)
	return nil
}

func loadConfig(path string) (*daemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	cfg := &daemonConfig{
		Deliver: deliverSection{
			ReplyTimeout:      duration(5 * time.Minute),
			HeartbeatInterval: duration(25 * time.Second),
		},
		Logging: loggingSection{Level: "info"},
	}
	if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}
	if cfg.Server.APIKey == "" {
		return nil, fmt.Errorf("server.api_key is required")
	}
	if cfg.Runtime.URL == "" {
		return nil, fmt.Errorf("runtime.url is required")
	}
	return cfg, nil
}
