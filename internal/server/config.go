package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string               `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig       `json:"database" yaml:"database"`
	Auth       AuthConfig           `json:"auth" yaml:"auth"`
	Security   SecurityConfig       `json:"security" yaml:"security"`
	Keys       KeyPoolConfig        `json:"keys" yaml:"keys"`
	Budget     BudgetConfig         `json:"budget" yaml:"budget"`
	Observer   ObservabilityConfig  `json:"observability" yaml:"observability"`
	Limits     UserQuickLimitConfig `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// KeyPoolConfig lists API keys usable for target-model generation. Runs
// against a live target lease one of these; stub runs never touch the pool.
type KeyPoolConfig struct {
	TargetKeys []TargetKeyConfig `json:"target_key_pool" yaml:"target_key_pool"`
}

type TargetKeyConfig struct {
	Label         string  `json:"label" yaml:"label"`
	APIKey        string  `json:"api_key" yaml:"api_key"`
	DailyLimitUSD float64 `json:"daily_limit_usd" yaml:"daily_limit_usd"`
	RPM           int     `json:"rpm" yaml:"rpm"`
}

type BudgetConfig struct {
	DefaultRunBudgetUSD float64 `json:"default_run_budget_usd" yaml:"default_run_budget_usd"`
	DefaultTimeoutSec   int     `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	MaxParallelRuns     int     `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	DefaultAttemptLimit int     `json:"default_attempt_limit" yaml:"default_attempt_limit"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type UserQuickLimitConfig struct {
	QuickRunRPM int `json:"quick_run_rpm" yaml:"quick_run_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "rtz_session",
		},
		Budget: BudgetConfig{
			DefaultRunBudgetUSD: 1,
			DefaultTimeoutSec:   300,
			MaxParallelRuns:     2,
			DefaultAttemptLimit: 20,
		},
		Observer: ObservabilityConfig{
			ServiceName: "rtz-api",
			SampleRatio: 1,
		},
		Limits: UserQuickLimitConfig{
			QuickRunRPM: 6,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "rtz_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Budget.DefaultRunBudgetUSD <= 0 {
		cfg.Budget.DefaultRunBudgetUSD = 1
	}
	if cfg.Budget.DefaultTimeoutSec <= 0 {
		cfg.Budget.DefaultTimeoutSec = 300
	}
	if cfg.Budget.MaxParallelRuns <= 0 {
		cfg.Budget.MaxParallelRuns = 2
	}
	if cfg.Budget.DefaultAttemptLimit <= 0 {
		cfg.Budget.DefaultAttemptLimit = 20
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "rtz-api"
	}
	if cfg.Limits.QuickRunRPM <= 0 {
		cfg.Limits.QuickRunRPM = 6
	}
}
