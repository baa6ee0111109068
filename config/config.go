// Package config loads application configuration from a YAML file with
// environment variable overrides and sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Ledger struct {
		SmartDeduction       bool `yaml:"smart_deduction"`
		AllowNegative        bool `yaml:"allow_negative"`
		MaxRetries           int  `yaml:"max_retries"`
		LegalMinimumDays     int  `yaml:"legal_minimum_days"`
		CarryoverExpiryMonth int  `yaml:"carryover_expiry_month"`
		CarryoverExpiryDay   int  `yaml:"carryover_expiry_day"`
	} `yaml:"ledger"`
	Accrual struct {
		// FallbackToDefault degrades unknown calculation modes to the
		// standard monthly strategy instead of failing the user's accrual.
		// Off by default so misconfigured contracts surface as errors.
		FallbackToDefault bool   `yaml:"fallback_to_default"`
		MonthlyCron       string `yaml:"monthly_cron"`
		ExpiryCron        string `yaml:"expiry_cron"`
		Workers           int    `yaml:"workers"`
	} `yaml:"accrual"`
	Contracts struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
		Retries int           `yaml:"retries"`
	} `yaml:"contracts"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides. A missing file is fine: defaults plus environment carry a dev
// setup on their own.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("LEAVE_LEDGER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("CONTRACTS_BASE_URL"); v != "" {
		cfg.Contracts.BaseURL = v
	}
	if v := os.Getenv("CRON_MONTHLY_ACCRUAL"); v != "" {
		cfg.Accrual.MonthlyCron = v
	}
	if v := os.Getenv("CRON_EXPIRY"); v != "" {
		cfg.Accrual.ExpiryCron = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/leave_ledger.db"
	}
	if cfg.Ledger.MaxRetries == 0 {
		cfg.Ledger.MaxRetries = 3
	}
	if cfg.Ledger.LegalMinimumDays == 0 {
		cfg.Ledger.LegalMinimumDays = 20
	}
	if cfg.Ledger.CarryoverExpiryMonth == 0 {
		cfg.Ledger.CarryoverExpiryMonth = 6
		cfg.Ledger.CarryoverExpiryDay = 30
	}
	if cfg.Ledger.CarryoverExpiryDay == 0 {
		cfg.Ledger.CarryoverExpiryDay = 1
	}
	if cfg.Accrual.Workers == 0 {
		cfg.Accrual.Workers = 4
	}
	if cfg.Accrual.MonthlyCron == "" {
		// first day of the month at 03:00
		cfg.Accrual.MonthlyCron = "0 3 1 * *"
	}
	if cfg.Accrual.ExpiryCron == "" {
		// nightly at 04:00
		cfg.Accrual.ExpiryCron = "0 4 * * *"
	}
	if cfg.Contracts.Timeout == 0 {
		cfg.Contracts.Timeout = 10 * time.Second
	}
	if cfg.Contracts.Retries == 0 {
		cfg.Contracts.Retries = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return cfg, nil
}

// Validate checks field ranges that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535")
	}
	if c.Ledger.MaxRetries < 1 {
		return fmt.Errorf("ledger.max_retries must be at least 1")
	}
	if c.Ledger.CarryoverExpiryMonth < 1 || c.Ledger.CarryoverExpiryMonth > 12 {
		return fmt.Errorf("ledger.carryover_expiry_month must be in 1-12")
	}
	if c.Ledger.CarryoverExpiryDay < 1 || c.Ledger.CarryoverExpiryDay > 31 {
		return fmt.Errorf("ledger.carryover_expiry_day must be in 1-31")
	}
	if c.Accrual.Workers < 1 {
		return fmt.Errorf("accrual.workers must be at least 1")
	}
	if c.Contracts.BaseURL == "" {
		return fmt.Errorf("contracts.base_url is required")
	}
	return nil
}
