package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:    ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database:  DatabaseConfig{Driver: "memory"},
		Blocklist: BlocklistConfig{MaxIPs: 100, BlockDays: 30, Region: "us-east-1", SweepInterval: time.Hour, IngestWorkers: 2},
		Mirror:    MirrorConfig{Driver: "file", FileDir: "mirrors"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAXIPS", "")
	t.Setenv("BLOCKDAYS", "")
	os.Unsetenv("MAXIPS")
	os.Unsetenv("BLOCKDAYS")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), cfg.Blocklist.MaxIPs)
	assert.Equal(t, 30, cfg.Blocklist.BlockDays)
	assert.Equal(t, 24*time.Hour, cfg.Blocklist.SweepInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAXIPS", "2")
	t.Setenv("BLOCKDAYS", "7")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("IPSETIDR", "blocklist|abc|REGIONAL")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.Blocklist.MaxIPs)
	assert.Equal(t, 7, cfg.Blocklist.BlockDays)
	assert.Equal(t, 15*time.Minute, cfg.Blocklist.SweepInterval)
	assert.Equal(t, "blocklist|abc|REGIONAL", cfg.Mirror.RegionalRef)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ENVIRONMENT=staging-envfile\n"), 0644))
	t.Setenv("ENVIRONMENT", "")
	os.Unsetenv("ENVIRONMENT")
	t.Cleanup(func() { os.Unsetenv("ENVIRONMENT") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging-envfile", cfg.Blocklist.Environment)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown db driver", func(c *Config) { c.Database.Driver = "mongo" }, true},
		{"sqlite without dsn", func(c *Config) { c.Database.Driver = "sqlite3" }, true},
		{"zero maxips", func(c *Config) { c.Blocklist.MaxIPs = 0 }, true},
		{"zero blockdays", func(c *Config) { c.Blocklist.BlockDays = 0 }, true},
		{"unknown mirror driver", func(c *Config) { c.Mirror.Driver = "iptables" }, true},
		{"tailscale without credentials", func(c *Config) { c.Mirror.Driver = "tailscale" }, true},
		{"tailscale with oauth", func(c *Config) {
			c.Mirror.Driver = "tailscale"
			c.Tailscale.OAuthClientID = "id"
			c.Tailscale.OAuthClientSecret = "secret"
		}, false},
		{"malformed mirror ref", func(c *Config) { c.Mirror.GlobalRef = "only-a-name" }, true},
		{"ref equal to region means auto-create", func(c *Config) { c.Mirror.GlobalRef = "us-east-1" }, false},
		{"oidc without client id", func(c *Config) { c.OIDC.IssuerURL = "https://issuer.example.com" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
