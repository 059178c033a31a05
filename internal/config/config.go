package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Blocklist BlocklistConfig
	Mirror    MirrorConfig
	Tailscale TailscaleConfig
	Auth      AuthConfig
	OIDC      OIDCConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8080"`
}

// DatabaseConfig holds database configuration. For redis the DSN is a
// redis:// URL.
type DatabaseConfig struct {
	Driver    string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN       string `env:"DB_DSN" envDefault:"data/blocklist.db"`
	PageSize  int    `env:"DB_PAGE_SIZE" envDefault:"500"`
	Namespace string `env:"DB_NAMESPACE" envDefault:"blocklist"`
}

// BlocklistConfig holds the admission and retention settings.
type BlocklistConfig struct {
	MaxIPs        int64         `env:"MAXIPS" envDefault:"10000"`
	BlockDays     int           `env:"BLOCKDAYS" envDefault:"30"`
	Environment   string        `env:"ENVIRONMENT" envDefault:"dev"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"24h"`
	IngestWorkers int           `env:"INGEST_WORKERS" envDefault:"8"`
}

// MirrorConfig selects the mirror driver and any pre-existing artifacts.
// A ref that is empty or equal to REGION is created on bootstrap.
type MirrorConfig struct {
	Driver      string `env:"MIRROR_DRIVER" envDefault:"file"`
	GlobalRef   string `env:"IPSETIDG"`
	RegionalRef string `env:"IPSETIDR"`
	FileDir     string `env:"MIRROR_FILE_DIR" envDefault:"data/mirrors"`
}

// TailscaleConfig holds Tailscale API configuration.
type TailscaleConfig struct {
	Tailnet           string `env:"TAILSCALE_TAILNET"`
	APIKey            string `env:"TAILSCALE_API_KEY"`
	OAuthClientID     string `env:"TAILSCALE_OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"TAILSCALE_OAUTH_CLIENT_SECRET"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	BootstrapAPIKey string `env:"BOOTSTRAP_API_KEY"`
}

// OIDCConfig enables bearer ID tokens from an OIDC issuer as an alternative
// to API keys.
type OIDCConfig struct {
	IssuerURL      string `env:"OIDC_ISSUER_URL"`
	ClientID       string `env:"OIDC_CLIENT_ID"`
	AllowedDomains string `env:"OIDC_ALLOWED_DOMAINS"`
}

// Enabled reports whether OIDC bearer tokens are accepted.
func (c *OIDCConfig) Enabled() bool {
	return c.IssuerURL != ""
}

// GetAllowedDomains returns the allowed domains as a slice.
func (c *OIDCConfig) GetAllowedDomains() []string {
	if c.AllowedDomains == "" {
		return nil
	}
	domains := strings.Split(c.AllowedDomains, ",")
	for i := range domains {
		domains[i] = strings.TrimSpace(domains[i])
	}
	return domains
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
	File   string `env:"LOG_FILE"`
}

// Load loads configuration from environment variables, after reading an
// optional .env file.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !isMissingFile(err) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Blocklist); err != nil {
		return nil, fmt.Errorf("parsing blocklist config: %w", err)
	}
	if err := env.Parse(&cfg.Mirror); err != nil {
		return nil, fmt.Errorf("parsing mirror config: %w", err)
	}
	if err := env.Parse(&cfg.Tailscale); err != nil {
		return nil, fmt.Errorf("parsing tailscale config: %w", err)
	}
	if err := env.Parse(&cfg.Auth); err != nil {
		return nil, fmt.Errorf("parsing auth config: %w", err)
	}
	if err := env.Parse(&cfg.OIDC); err != nil {
		return nil, fmt.Errorf("parsing oidc config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("DB_DRIVER must be one of sqlite3, postgres, redis, memory (got %q)", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required for driver %s", c.Database.Driver)
	}

	if c.Blocklist.MaxIPs < 1 {
		return fmt.Errorf("MAXIPS must be at least 1")
	}
	if c.Blocklist.BlockDays < 1 {
		return fmt.Errorf("BLOCKDAYS must be at least 1")
	}
	if c.Blocklist.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Blocklist.IngestWorkers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1")
	}

	switch c.Mirror.Driver {
	case "wafv2":
		if c.Blocklist.Region == "" {
			return fmt.Errorf("REGION is required for the wafv2 mirror driver")
		}
	case "tailscale":
		hasOAuth := c.Tailscale.OAuthClientID != "" && c.Tailscale.OAuthClientSecret != ""
		if c.Tailscale.APIKey == "" && !hasOAuth {
			return fmt.Errorf("TAILSCALE_API_KEY or TAILSCALE_OAUTH_CLIENT_ID/SECRET is required for the tailscale mirror driver")
		}
	case "file":
		if c.Mirror.FileDir == "" {
			return fmt.Errorf("MIRROR_FILE_DIR is required for the file mirror driver")
		}
	default:
		return fmt.Errorf("MIRROR_DRIVER must be one of wafv2, tailscale, file (got %q)", c.Mirror.Driver)
	}
	for name, ref := range map[string]string{"IPSETIDG": c.Mirror.GlobalRef, "IPSETIDR": c.Mirror.RegionalRef} {
		if c.AutoCreate(ref) {
			continue
		}
		if _, err := domain.ParseMirrorRef(ref); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.OIDC.Enabled() && c.OIDC.ClientID == "" {
		return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER_URL is set")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of text, json, logfmt (got %q)", c.Log.Format)
	}

	return nil
}

// AutoCreate reports whether a configured mirror ref asks for the artifact to
// be created on bootstrap.
func (c *Config) AutoCreate(ref string) bool {
	ref = strings.TrimSpace(ref)
	return ref == "" || ref == c.Blocklist.Region
}
