package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider        = "gemini"
	DefaultServerAddress   = ":8090"
	DefaultProviderTimeout = 120
	DefaultPreviewBudget   = 100
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// RedisConfig is optional; an empty host disables redis entirely.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type BasicConfig struct {
	ServerAddress          string `json:"server_address" yaml:"server_address"`
	LogLevel               string `json:"log_level" yaml:"log_level"`
	DefaultProvider        string `json:"default_provider" yaml:"default_provider"`
	HistoryBackend         string `json:"history_backend" yaml:"history_backend"`
	PreviewBudget          int    `json:"preview_budget" yaml:"preview_budget"`
	ProviderTimeoutSeconds int    `json:"provider_timeout_seconds" yaml:"provider_timeout_seconds"`
	TokenTTLHours          int    `json:"token_ttl_hours" yaml:"token_ttl_hours"`
	WebSearch              bool   `json:"web_search" yaml:"web_search"`
	MinWorkers             int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers             int    `json:"max_workers" yaml:"max_workers"`
	QueueSize              int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout      int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // seconds
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
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
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	// sqlite paths are relative to the config file
	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	if addr := os.Getenv("QUESTRO_ADDR"); addr != "" {
		cfg.BasicConfig.ServerAddress = addr
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.DefaultProvider == "" {
		b.DefaultProvider = DefaultProvider
	}
	if b.HistoryBackend == "" {
		b.HistoryBackend = "sql"
	}
	if b.PreviewBudget <= 0 {
		b.PreviewBudget = DefaultPreviewBudget
	}
	if b.ProviderTimeoutSeconds <= 0 {
		b.ProviderTimeoutSeconds = DefaultProviderTimeout
	}
	if b.TokenTTLHours <= 0 {
		b.TokenTTLHours = 24
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
}

func (c *Config) validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database must be configured")
	}
	switch c.BasicConfig.HistoryBackend {
	case "sql":
	case "redis":
		if c.Redis.Host == "" {
			return fmt.Errorf("history_backend redis requires redis.host")
		}
	default:
		return fmt.Errorf("unknown history_backend %q", c.BasicConfig.HistoryBackend)
	}
	if _, ok := c.Providers[c.BasicConfig.DefaultProvider]; !ok {
		return fmt.Errorf("default provider %s not configured", c.BasicConfig.DefaultProvider)
	}
	return nil
}

// Provider returns the settings of a named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

func isSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
