package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds agent configuration. Values come from an optional YAML file
// plus environment overrides; zero values fall back to documented defaults.
type Config struct {
	Provider      string   `yaml:"provider"`
	AccountID     string   `yaml:"account_id"`
	SenderAddress string   `yaml:"sender_address"`
	ClientID      string   `yaml:"client_id"`
	TenantID      string   `yaml:"tenant_id"`
	Scopes        string   `yaml:"scopes"`
	ReplySenders  []string `yaml:"reply_senders"`
	WatchDirs     []string `yaml:"watch_dirs"`
	PaymentDirs   []string `yaml:"payment_dirs"`
	BatchSize     int      `yaml:"batch_size"`
	MaxPerCycle   int      `yaml:"max_per_cycle"`
	CycleSeconds  int      `yaml:"cycle_seconds"`
	MaxPerDay     int      `yaml:"max_per_day"`
	LogLevel      string   `yaml:"log_level"`
}

// Load reads configuration from path (may be empty) and applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("COLLECTIONS_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("COLLECTIONS_ACCOUNT_ID"); v != "" {
		cfg.AccountID = v
	}
	if v := os.Getenv("COLLECTIONS_SENDER_ADDRESS"); v != "" {
		cfg.SenderAddress = v
	}
	if v := os.Getenv("COLLECTIONS_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("COLLECTIONS_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("COLLECTIONS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COLLECTIONS_MAX_PER_CYCLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPerCycle = n
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "microsoft"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 20
	}
	if c.MaxPerCycle == 0 {
		c.MaxPerCycle = 20
	}
	if c.CycleSeconds == 0 {
		c.CycleSeconds = 60
	}
	if c.MaxPerDay == 0 {
		c.MaxPerDay = 100
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}
