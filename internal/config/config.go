package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"studybuddy/internal/apperr"
)

const (
	DefaultConfigPath = "config.json"
	DefaultProvider   = "gemini"
	DefaultDBType     = "sqlite3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Embedding   EmbeddingConfig           `json:"embedding"`
	Index       IndexConfig               `json:"index"`

	// Env holds values that only come from the process environment.
	Env Env `json:"-"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address"`
	DBType            string   `json:"db_type"`
	Provider          string   `json:"provider"`
	HistoryLimit      int      `json:"history_limit"`
	RetrievalTopK     int      `json:"retrieval_top_k"`
	MemoryWindow      int      `json:"memory_window"`
	QueueSize         int      `json:"queue_size"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout"` // seconds
	RequestTimeout    int      `json:"request_timeout"`     // seconds
	CondenseQuestion  bool     `json:"condense_question"`
	AllowedOrigins    []string `json:"allowed_origins"`
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
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	DB           int    `json:"db"`
	MemoryTTL    int    `json:"memory_ttl"`    // minutes
	EmbeddingTTL int    `json:"embedding_ttl"` // minutes
}

type ProviderConfig struct {
	BaseURL     string   `json:"base_url"`
	Model       string   `json:"model"`
	APIKey      string   `json:"api_key"`
	Temperature *float32 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

type EmbeddingConfig struct {
	Model string `json:"model"`
}

type IndexConfig struct {
	Path    string `json:"path"`
	SeedDir string `json:"seed_dir"`
}

// Env is parsed from the environment after .env has been loaded.
type Env struct {
	ConfigPath      string `env:"STUDYBUDDY_CONFIG"`
	DBType          string `env:"STUDYBUDDY_DB"`
	ServerAddress   string `env:"STUDYBUDDY_ADDR"`
	Debug           bool   `env:"STUDYBUDDY_DEBUG"`
	GoogleAPIKey    string `env:"GOOGLE_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
}

// Load reads configuration from the provided path (defaults to config.json),
// overlays the environment and validates required secrets.
func Load(path string) (*Config, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	explicit := path != "" || e.ConfigPath != ""
	if path == "" {
		path = e.ConfigPath
	}
	if path == "" {
		path = DefaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// built-in defaults only
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.Env = e
	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(absPath))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Env.DBType != "" {
		c.BasicConfig.DBType = c.Env.DBType
	}
	if c.Env.ServerAddress != "" {
		c.BasicConfig.ServerAddress = c.Env.ServerAddress
	}
}

func (c *Config) applyDefaults(baseDir string) {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8000"
	}
	if b.DBType == "" {
		b.DBType = DefaultDBType
	}
	b.DBType = strings.ToLower(b.DBType)
	if b.Provider == "" {
		b.Provider = DefaultProvider
	}
	if b.HistoryLimit <= 0 {
		b.HistoryLimit = 20
	}
	if b.RetrievalTopK <= 0 {
		b.RetrievalTopK = 4
	}
	if b.MemoryWindow < 0 {
		b.MemoryWindow = 0
	} else if b.MemoryWindow == 0 {
		b.MemoryWindow = 10
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 16
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 300
	}
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = 60
	}
	if len(b.AllowedOrigins) == 0 {
		b.AllowedOrigins = []string{"*"}
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "chat_history.db?_busy_timeout=5000"}
	}
	if sq := c.Databases["sqlite3"]; sq.DSN != "" && !strings.HasPrefix(sq.DSN, ":memory:") && !strings.HasPrefix(sq.DSN, "file:") && !filepath.IsAbs(sq.DSN) {
		sq.DSN = filepath.Join(baseDir, sq.DSN)
		c.Databases["sqlite3"] = sq
	}

	if c.Redis.MemoryTTL <= 0 {
		c.Redis.MemoryTTL = 24 * 60
	}
	if c.Redis.EmbeddingTTL <= 0 {
		c.Redis.EmbeddingTTL = 7 * 24 * 60
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	gemini := c.Providers["gemini"]
	if gemini.Model == "" {
		gemini.Model = "gemini-2.5-flash"
	}
	if gemini.Temperature == nil {
		t := float32(0.7)
		gemini.Temperature = &t
	}
	if gemini.MaxTokens == 0 {
		gemini.MaxTokens = 512
	}
	if gemini.APIKey == "" {
		gemini.APIKey = c.Env.GoogleAPIKey
	}
	c.Providers["gemini"] = gemini
	if p, ok := c.Providers["openai"]; ok && p.APIKey == "" {
		p.APIKey = c.Env.OpenAIAPIKey
		c.Providers["openai"] = p
	}
	if p, ok := c.Providers["claude"]; ok && p.APIKey == "" {
		p.APIKey = c.Env.AnthropicAPIKey
		c.Providers["claude"] = p
	}

	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-004"
	}
	if c.Index.Path == "" {
		c.Index.Path = "vector_index/index.json"
	}
	if !filepath.IsAbs(c.Index.Path) {
		c.Index.Path = filepath.Join(baseDir, c.Index.Path)
	}
	if c.Index.SeedDir != "" && !filepath.IsAbs(c.Index.SeedDir) {
		c.Index.SeedDir = filepath.Join(baseDir, c.Index.SeedDir)
	}
}

// Validate fails fast when a required credential is missing.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Env.GoogleAPIKey) == "" {
		return apperr.Startup("GOOGLE_API_KEY not found in environment", nil)
	}
	provider, ok := c.Providers[c.BasicConfig.Provider]
	if !ok {
		return apperr.Startup(fmt.Sprintf("provider %s not configured", c.BasicConfig.Provider), nil)
	}
	if strings.TrimSpace(provider.APIKey) == "" {
		return apperr.Startup(fmt.Sprintf("api key for provider %s not configured", c.BasicConfig.Provider), nil)
	}
	if _, ok := c.Databases[c.BasicConfig.DBType]; !ok {
		return apperr.Startup(fmt.Sprintf("database config for %s not found", c.BasicConfig.DBType), nil)
	}
	return nil
}

func (b BasicConfig) WorkerIdle() time.Duration {
	return time.Duration(b.WorkerIdleTimeout) * time.Second
}

func (b BasicConfig) RequestDeadline() time.Duration {
	return time.Duration(b.RequestTimeout) * time.Second
}

func (r RedisConfig) MemoryExpiry() time.Duration {
	return time.Duration(r.MemoryTTL) * time.Minute
}

func (r RedisConfig) EmbeddingExpiry() time.Duration {
	return time.Duration(r.EmbeddingTTL) * time.Minute
}
