// Package config loads the YAML configuration of the management server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = 8317
	DefaultMaxTraceRecords   = 100
	DefaultQuotaPollInterval = 3 * time.Minute
	DefaultQuotaTimeout      = 20 * time.Second
	DefaultQuotaConcurrency  = 5
	DefaultCloakMaxSessions  = 5
	DefaultCloakRotation     = 6 * time.Hour
	DefaultKiroRegion        = "us-east-1"

	managementPasswordEnv = "MANAGEMENT_PASSWORD"
)

// Config is the root configuration document.
type Config struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`

	LoggingToFile  bool   `yaml:"logging-to-file"`
	LogsDir        string `yaml:"logs-dir"`
	LogsMaxSizeMB  int    `yaml:"logs-max-size-mb"`
	LogsMaxBackups int    `yaml:"logs-max-backups"`
	LogsMaxAgeDays int    `yaml:"logs-max-age-days"`

	AuthDir  string `yaml:"auth-dir"`
	QuotaDir string `yaml:"quota-dir"`
	ProxyURL string `yaml:"proxy-url"`

	RemoteManagement RemoteManagement      `yaml:"remote-management"`
	MasqueradeTrace  MasqueradeTraceConfig `yaml:"masquerade-trace"`
	Cloak            CloakConfig           `yaml:"cloak"`
	Quota            QuotaConfig           `yaml:"quota"`
	Kiro             KiroConfig            `yaml:"kiro"`
	OAuth            OAuthConfig           `yaml:"oauth"`
	AuthStore        AuthStoreConfig       `yaml:"auth-store"`
	Routing          RoutingConfig         `yaml:"routing"`

	// managementPlaintext is true when the secret came from the environment.
	managementPlaintext bool
}

// RoutingConfig selects how a credential is chosen among several of one provider.
type RoutingConfig struct {
	// Strategy is round-robin, fill-first or quota-weighted.
	Strategy string `yaml:"strategy"`
}

// RemoteManagement guards the /v0/management routes.
type RemoteManagement struct {
	AllowRemote bool   `yaml:"allow-remote"`
	SecretKey   string `yaml:"secret-key"`
}

// MasqueradeTraceConfig controls the in-memory masquerade trace buffer.
type MasqueradeTraceConfig struct {
	Enable     bool `yaml:"enable"`
	MaxRecords int  `yaml:"max-records"`
}

// CloakConfig controls how outbound requests are anonymized.
type CloakConfig struct {
	// Mode is "auto", "always" or "never".
	Mode             string        `yaml:"mode"`
	MaxSessions      int           `yaml:"max-sessions"`
	RotationInterval time.Duration `yaml:"rotation-interval"`
	UserAgent        string        `yaml:"user-agent"`
	StripHeaders     []string      `yaml:"strip-headers"`
}

// QuotaConfig controls the background quota poller.
type QuotaConfig struct {
	Disable        bool          `yaml:"disable"`
	PollInterval   time.Duration `yaml:"poll-interval"`
	RequestTimeout time.Duration `yaml:"request-timeout"`
	MaxConcurrency int           `yaml:"max-concurrency"`
}

// KiroConfig holds Kiro endpoints; empty values use the public defaults.
type KiroConfig struct {
	Region               string `yaml:"region"`
	UsageEndpoint        string `yaml:"usage-endpoint"`
	SocialRefreshURL     string `yaml:"social-refresh-endpoint"`
	OIDCEndpointTemplate string `yaml:"oidc-endpoint-template"`
	UTLS                 bool   `yaml:"utls"`
}

// OAuthConfig lists overrides for OAuth login providers keyed by provider name.
type OAuthConfig struct {
	CallbackBase string                   `yaml:"callback-base"`
	Providers    map[string]OAuthProvider `yaml:"providers"`
}

// OAuthProvider overrides a provider's OAuth client.
type OAuthProvider struct {
	ClientID     string   `yaml:"client-id"`
	ClientSecret string   `yaml:"client-secret"`
	AuthURL      string   `yaml:"auth-url"`
	TokenURL     string   `yaml:"token-url"`
	Scopes       []string `yaml:"scopes"`
}

// AuthStoreConfig selects where credentials are persisted.
type AuthStoreConfig struct {
	// Type is "file", "postgres" or "object".
	Type      string `yaml:"type"`
	DSN       string `yaml:"dsn"`
	Table     string `yaml:"table"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	UseSSL    bool   `yaml:"use-ssl"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the configuration file at path; the file must exist.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the configuration file at path. When optional is
// true a missing file yields the defaults. A .env file next to the config is
// loaded into the environment first.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	if path != "" {
		envPath := filepath.Join(filepath.Dir(path), ".env")
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("config: failed to load %s", envPath)
		}
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s failed: %w", path, err)
		}
	case optional && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s failed: %w", path, err)
	}

	if envSecret := strings.TrimSpace(os.Getenv(managementPasswordEnv)); envSecret != "" {
		cfg.RemoteManagement.SecretKey = envSecret
		cfg.managementPlaintext = true
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.AuthDir == "" {
		c.AuthDir = "~/.cli-proxy-api"
	}
	c.AuthDir = expandHome(c.AuthDir)
	if c.QuotaDir == "" {
		c.QuotaDir = filepath.Join(c.AuthDir, "quota")
	}
	c.QuotaDir = expandHome(c.QuotaDir)
	if c.LogsDir == "" {
		c.LogsDir = "logs"
	}
	if c.LogsMaxSizeMB <= 0 {
		c.LogsMaxSizeMB = 10
	}
	if c.MasqueradeTrace.MaxRecords <= 0 {
		c.MasqueradeTrace.MaxRecords = DefaultMaxTraceRecords
	}
	c.Cloak.Mode = strings.ToLower(strings.TrimSpace(c.Cloak.Mode))
	if c.Cloak.Mode == "" {
		c.Cloak.Mode = "auto"
	}
	if c.Cloak.MaxSessions <= 0 {
		c.Cloak.MaxSessions = DefaultCloakMaxSessions
	}
	if c.Cloak.RotationInterval <= 0 {
		c.Cloak.RotationInterval = DefaultCloakRotation
	}
	if c.Quota.PollInterval <= 0 {
		c.Quota.PollInterval = DefaultQuotaPollInterval
	}
	if c.Quota.RequestTimeout <= 0 {
		c.Quota.RequestTimeout = DefaultQuotaTimeout
	}
	if c.Quota.MaxConcurrency <= 0 {
		c.Quota.MaxConcurrency = DefaultQuotaConcurrency
	}
	if c.Kiro.Region == "" {
		c.Kiro.Region = DefaultKiroRegion
	}
	c.AuthStore.Type = strings.ToLower(strings.TrimSpace(c.AuthStore.Type))
	if c.AuthStore.Type == "" {
		c.AuthStore.Type = "file"
	}
	if c.AuthStore.Table == "" {
		c.AuthStore.Table = "auth_store"
	}
	c.Routing.Strategy = strings.ToLower(strings.TrimSpace(c.Routing.Strategy))
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = "round-robin"
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	switch c.Cloak.Mode {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("config: invalid cloak.mode %q (want auto, always or never)", c.Cloak.Mode)
	}
	switch c.AuthStore.Type {
	case "file":
	case "postgres":
		if strings.TrimSpace(c.AuthStore.DSN) == "" {
			return errors.New("config: auth-store.dsn is required for postgres")
		}
	case "object":
		if strings.TrimSpace(c.AuthStore.Endpoint) == "" || strings.TrimSpace(c.AuthStore.Bucket) == "" {
			return errors.New("config: auth-store.endpoint and auth-store.bucket are required for object storage")
		}
	default:
		return fmt.Errorf("config: invalid auth-store.type %q", c.AuthStore.Type)
	}
	switch c.Routing.Strategy {
	case "round-robin", "fill-first", "quota-weighted":
	default:
		return fmt.Errorf("config: invalid routing.strategy %q (want round-robin, fill-first or quota-weighted)", c.Routing.Strategy)
	}
	if c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// isBcryptHash reports whether s already looks like a bcrypt hash.
func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
