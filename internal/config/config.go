package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type BasicConfig struct {
	ServerAddress      string `json:"server_address"`
	HistoryLimit       int    `json:"history_limit"`
	MaxIterations      int    `json:"max_iterations"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	LockTTLSeconds     int    `json:"lock_ttl_seconds"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

const (
	DefaultHistoryLimit       = 20
	DefaultMaxIterations      = 5
	DefaultRateLimitPerMinute = 30
	DefaultLockTTLSeconds     = 120
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if (name == "sqlite" || name == "sqlite3") && db.DSN != "" && !filepath.IsAbs(db.DSN) && db.DSN != ":memory:" {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.HistoryLimit <= 0 {
		c.BasicConfig.HistoryLimit = DefaultHistoryLimit
	}
	if c.BasicConfig.MaxIterations <= 0 {
		c.BasicConfig.MaxIterations = DefaultMaxIterations
	}
	if c.BasicConfig.RateLimitPerMinute <= 0 {
		c.BasicConfig.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if c.BasicConfig.LockTTLSeconds <= 0 {
		c.BasicConfig.LockTTLSeconds = DefaultLockTTLSeconds
	}
}
