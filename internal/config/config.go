package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultConfigPath = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Inference   InferenceConfig           `json:"inference"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Log         LogConfig                 `json:"log"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress        string   `json:"server_address"`
	StagingDir           string   `json:"staging_dir"`
	MaxUploadMB          int      `json:"max_upload_mb"`
	AllowedMIMETypes     []string `json:"allowed_mime_types"`
	StagingTTL           int      `json:"staging_ttl_minutes"`
	StagingSweepInterval int      `json:"staging_sweep_interval_minutes"`
	MinWorkers           int      `json:"min_workers"`
	MaxWorkers           int      `json:"max_workers"`
	QueueSize            int      `json:"queue_size"`
	WorkerIdleTimeout    int      `json:"worker_idle_timeout_seconds"`
	RateLimitPerMinute   int      `json:"rate_limit_per_minute"`
	AuditDB              string   `json:"audit_db"`
	AuditRetentionHours  int      `json:"audit_retention_hours"`
}

type InferenceConfig struct {
	Provider          string `json:"provider"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	MaxAttempts       int    `json:"max_attempts"`
	RetryBackoffMS    int    `json:"retry_backoff_ms"`
	UploadDisplayName string `json:"upload_display_name"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// RedisConfig is optional; an empty Host disables redis and the service
// falls back to in-process rate limiting.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Enabled reports whether a redis server was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Load reads configuration from the provided path (defaults to config.json),
// applies environment overrides and fills defaults. A missing default file is
// not an error; a missing explicitly named file is.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		absPath = ""
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if absPath != "" && !filepath.IsAbs(cfg.BasicConfig.StagingDir) {
		cfg.BasicConfig.StagingDir = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.StagingDir)
	}
	for _, key := range []string{"sqlite", "sqlite3"} {
		dbCfg, ok := cfg.Databases[key]
		if !ok || absPath == "" || dbCfg.DSN == "" || dbCfg.DSN == ":memory:" || filepath.IsAbs(dbCfg.DSN) {
			continue
		}
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases[key] = dbCfg
	}

	return &cfg, nil
}

// ActiveProvider returns the name and settings of the selected inference provider.
func (c *Config) ActiveProvider() (string, ProviderConfig) {
	name := c.Inference.Provider
	return name, c.Providers[name]
}

func applyEnv(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.BasicConfig.ServerAddress = ":" + v
	}
	if v := os.Getenv("CARDSCAN_PROVIDER"); v != "" {
		cfg.Inference.Provider = v
	}
	if v := os.Getenv("CARDSCAN_AUDIT_DB"); v != "" {
		cfg.BasicConfig.AuditDB = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		host, port, found := strings.Cut(v, ":")
		cfg.Redis.Host = host
		if found {
			if n, err := strconv.Atoi(port); err == nil {
				cfg.Redis.Port = n
			}
		}
	}

	keys := map[string][]string{
		"gemini":        {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"gemini_inline": {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"openai":        {"OPENAI_API_KEY"},
		"claude":        {"ANTHROPIC_API_KEY"},
	}
	for provider, envs := range keys {
		for _, env := range envs {
			v := os.Getenv(env)
			if v == "" {
				continue
			}
			p := cfg.Providers[provider]
			p.APIKey = v
			cfg.Providers[provider] = p
			break
		}
	}
}

var defaultModels = map[string]string{
	"gemini":        "gemini-1.5-pro",
	"gemini_inline": "gemini-1.5-pro",
	"openai":        "gpt-4o",
	"claude":        "claude-3-5-sonnet-latest",
}

func applyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.StagingDir == "" {
		b.StagingDir = filepath.Join(os.TempDir(), "cardscan")
	}
	if b.MaxUploadMB <= 0 {
		b.MaxUploadMB = 10
	}
	if len(b.AllowedMIMETypes) == 0 {
		b.AllowedMIMETypes = []string{"image/png", "image/jpeg"}
	}
	if b.StagingTTL <= 0 {
		b.StagingTTL = 30
	}
	if b.StagingSweepInterval <= 0 {
		b.StagingSweepInterval = 10
	}
	if b.MinWorkers < 0 {
		b.MinWorkers = 0
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 8
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 32
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 30
	}
	if b.AuditRetentionHours <= 0 {
		b.AuditRetentionHours = 24 * 30
	}

	in := &cfg.Inference
	if in.Provider == "" {
		in.Provider = "gemini"
	}
	if in.TimeoutSeconds <= 0 {
		in.TimeoutSeconds = 60
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = 1
	}
	if in.RetryBackoffMS <= 0 {
		in.RetryBackoffMS = 500
	}
	if in.UploadDisplayName == "" {
		in.UploadDisplayName = "Uploaded health card image"
	}
	if p, ok := cfg.Providers[in.Provider]; ok && p.Model == "" {
		p.Model = defaultModels[in.Provider]
		cfg.Providers[in.Provider] = p
	}

	if cfg.Redis.Enabled() && cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	name, p := c.ActiveProvider()
	if _, known := defaultModels[name]; !known {
		return fmt.Errorf("unsupported inference provider: %s", name)
	}
	if _, ok := c.Providers[name]; !ok {
		return fmt.Errorf("provider %s not configured", name)
	}
	if p.APIKey == "" {
		return fmt.Errorf("api key for provider %s must be configured", name)
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return errors.New("max_workers must not be smaller than min_workers")
	}
	if db := c.BasicConfig.AuditDB; db != "" {
		if _, ok := c.Databases[db]; !ok {
			return fmt.Errorf("database config for %s not found", db)
		}
	}
	return nil
}
