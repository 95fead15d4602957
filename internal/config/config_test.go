// ABOUTME: Tests for server configuration loading
// ABOUTME: Covers env expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
server:
  listen_addr: ":9000"
database:
  path: /tmp/mailbox.db
encryption:
  key: dGVzdC1rZXktdGVzdC1rZXktdGVzdC1rZXktdGVzdCE=
broker:
  code_ttl: 30m
  max_pending: 5
push:
  ping_interval: 20s
  ping_timeout: 60s
logging:
  level: debug
  format: json
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "/tmp/mailbox.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Minute, cfg.Broker.CodeTTL.Std())
	assert.Equal(t, 5, cfg.Broker.MaxPending)
	assert.Equal(t, 20*time.Second, cfg.Push.PingInterval.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
encryption:
  key: dGVzdC1rZXktdGVzdC1rZXktdGVzdC1rZXktdGVzdCE=
`))
	require.NoError(t, err)

	assert.Equal(t, ":8480", cfg.Server.ListenAddr)
	assert.Equal(t, time.Hour, cfg.Broker.CodeTTL.Std())
	assert.Equal(t, 3, cfg.Broker.MaxPending)
	assert.True(t, cfg.Push.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("MAILBOX_TEST_KEY", "ZnJvbS1lbnYtZnJvbS1lbnYtZnJvbS1lbnYtZnJvbSE=")
	t.Setenv("MAILBOX_TEST_DB", "/var/lib/mailbox/prod.db")

	cfg, err := Load(writeConfig(t, `
database:
  path: ${MAILBOX_TEST_DB}
encryption:
  key: ${MAILBOX_TEST_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mailbox/prod.db", cfg.Database.Path)
	assert.Equal(t, "ZnJvbS1lbnYtZnJvbS1lbnYtZnJvbS1lbnYtZnJvbSE=", cfg.Encryption.Key)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing key", func(c *Config) { c.Encryption.Key = "" }, "encryption.key"},
		{"empty addr", func(c *Config) { c.Server.ListenAddr = "" }, "listen_addr"},
		{"bad max pending", func(c *Config) { c.Broker.MaxPending = 0 }, "max_pending"},
		{"timeout below interval", func(c *Config) {
			c.Push.PingInterval = Duration(time.Minute)
			c.Push.PingTimeout = Duration(time.Second)
		}, "ping_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Encryption.Key = "x"
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
encryption:
  key: x
broker:
  code_ttl: not-a-duration
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	assert.Error(t, err)
}
