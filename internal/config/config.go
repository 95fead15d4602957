// ABOUTME: Server configuration loaded from YAML with ${VAR} expansion
// ABOUTME: Defaults, duration parsing, and validation for every section

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Broker     BrokerConfig     `yaml:"broker"`
	Push       PushConfig       `yaml:"push"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EncryptionConfig holds the at-rest key, base64-encoded 32 bytes.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// BrokerConfig tunes the connection handshake.
type BrokerConfig struct {
	CodeTTL       Duration `yaml:"code_ttl"`
	MaxPending    int      `yaml:"max_pending"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// PushConfig tunes websocket liveness.
type PushConfig struct {
	Enabled      bool     `yaml:"enabled"`
	PingInterval Duration `yaml:"ping_interval"`
	PingTimeout  Duration `yaml:"ping_timeout"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with every knob at its default.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{ListenAddr: ":8480"},
		Database: DatabaseConfig{Path: "data/mailbox.db"},
		Broker: BrokerConfig{
			CodeTTL:       Duration(time.Hour),
			MaxPending:    3,
			SweepInterval: Duration(10 * time.Minute),
		},
		Push: PushConfig{
			Enabled:      true,
			PingInterval: Duration(30 * time.Second),
			PingTimeout:  Duration(90 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path, expands ${VAR} references against the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required (generate one with 'mailbox-server init')")
	}
	if c.Broker.MaxPending <= 0 {
		return fmt.Errorf("broker.max_pending must be positive")
	}
	if c.Broker.CodeTTL.Std() <= 0 {
		return fmt.Errorf("broker.code_ttl must be positive")
	}
	if c.Push.Enabled && c.Push.PingTimeout.Std() <= c.Push.PingInterval.Std() {
		return fmt.Errorf("push.ping_timeout must exceed push.ping_interval")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
