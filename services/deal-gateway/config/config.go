package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig controls bearer-token verification for gateway routes.
type AuthConfig struct {
	Alg              string        `yaml:"alg"`
	Issuer           string        `yaml:"issuer"`
	Audience         []string      `yaml:"audience"`
	ClockSkew        time.Duration `yaml:"clockSkew"`
	HSSecretEnv      string        `yaml:"hsSecretEnv"`
	RSAPublicKeyFile string        `yaml:"rsaPublicKeyFile"`
	RoleClaim        string        `yaml:"roleClaim"`
	TenantClaim      string        `yaml:"tenantClaim"`
}

// RateLimitConfig throttles a named route group.
type RateLimitConfig struct {
	Group             string  `yaml:"group"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// ObservabilityConfig controls request tracing, metrics, and access logging.
type ObservabilityConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ServiceName   string `yaml:"serviceName"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	LogRequests   bool   `yaml:"logRequests"`
}

// ReconConfig controls the nightly conservation reconciler.
type ReconConfig struct {
	OutputDir string `yaml:"outputDir"`
	Enabled   bool   `yaml:"enabled"`
}

// Config is the gateway configuration loaded from YAML.
type Config struct {
	ListenAddress  string              `yaml:"listen"`
	DatabaseDSN    string              `yaml:"databaseDSN"`
	IdempotencyDB  string              `yaml:"idempotencyDB"`
	IdempotencyTTL time.Duration       `yaml:"idempotencyTTL"`
	ReadTimeout    time.Duration       `yaml:"readTimeout"`
	WriteTimeout   time.Duration       `yaml:"writeTimeout"`
	IdleTimeout    time.Duration       `yaml:"idleTimeout"`
	Auth           AuthConfig          `yaml:"auth"`
	RateLimits     []RateLimitConfig   `yaml:"rateLimits"`
	Observability  ObservabilityConfig `yaml:"observability"`
	Recon          ReconConfig         `yaml:"recon"`
}

// Load reads and validates the gateway configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("gateway config: parse %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = "0.0.0.0:8681"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if strings.TrimSpace(cfg.Auth.Alg) == "" {
		cfg.Auth.Alg = "HS256"
	}
	if strings.TrimSpace(cfg.Observability.ServiceName) == "" {
		cfg.Observability.ServiceName = "deal-gateway"
	}
	if strings.TrimSpace(cfg.Observability.MetricsPrefix) == "" {
		cfg.Observability.MetricsPrefix = "gateway"
	}
}

// Validate rejects configurations the gateway cannot start with.
func (cfg *Config) Validate() error {
	if !strings.Contains(cfg.ListenAddress, ":") {
		return fmt.Errorf("gateway config: listen address %q missing port", cfg.ListenAddress)
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return fmt.Errorf("gateway config: database DSN required")
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.Auth.Alg)) {
	case "HS256":
		if strings.TrimSpace(cfg.Auth.HSSecretEnv) == "" {
			return fmt.Errorf("gateway config: HS256 requires hsSecretEnv")
		}
	case "RS256":
		if strings.TrimSpace(cfg.Auth.RSAPublicKeyFile) == "" {
			return fmt.Errorf("gateway config: RS256 requires rsaPublicKeyFile")
		}
	default:
		return fmt.Errorf("gateway config: unsupported auth algorithm %q", cfg.Auth.Alg)
	}
	for _, limit := range cfg.RateLimits {
		if strings.TrimSpace(limit.Group) == "" {
			return fmt.Errorf("gateway config: rate limit entry missing group")
		}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("gateway config: rate limit %q needs a positive rate", limit.Group)
		}
	}
	return nil
}
