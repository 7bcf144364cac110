package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config carries the daemon configuration. A missing file is replaced with a
// default configuration written back to the requested path.
type Config struct {
	ListenAddress     string   `toml:"ListenAddress"`
	DataDir           string   `toml:"DataDir"`
	Service           string   `toml:"Service"`
	Environment       string   `toml:"Environment"`
	GatewayConfigFile string   `toml:"GatewayConfigFile"`
	EscrowAdmins      []string `toml:"EscrowAdmins"`
	SaleAdmins        []string `toml:"SaleAdmins"`
	SweepOperators    []string `toml:"SweepOperators"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(path, cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = "0.0.0.0:8680"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "investd"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.EscrowAdmins == nil {
		cfg.EscrowAdmins = []string{}
	}
	if cfg.SaleAdmins == nil {
		cfg.SaleAdmins = []string{}
	}
	if cfg.SweepOperators == nil {
		cfg.SweepOperators = []string{}
	}
}

func validate(cfg *Config) error {
	if !strings.Contains(cfg.ListenAddress, ":") {
		return fmt.Errorf("config: ListenAddress %q missing port", cfg.ListenAddress)
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(path, cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
