package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "LINEINSPECT_CONFIG"

// DefaultMaxBatchBytes caps the aggregate size of one upload batch (10 GiB).
const DefaultMaxBatchBytes int64 = 10 << 30

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config"`
	AIService   AIServiceConfig           `json:"ai_service" toml:"ai_service"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis"`
	Logging     LoggingConfig             `json:"logging" toml:"logging"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" toml:"server_address"`
	SessionsDir       string `json:"sessions_dir" toml:"sessions_dir"`
	StagingDir        string `json:"staging_dir" toml:"staging_dir"`
	MaxBatchBytes     int64  `json:"max_batch_bytes" toml:"max_batch_bytes"`
	IngestConcurrency int    `json:"ingest_concurrency" toml:"ingest_concurrency"`
	StagingTTL        int    `json:"staging_ttl" toml:"staging_ttl"`                       // minutes
	StagingCleanEvery int    `json:"staging_clean_interval" toml:"staging_clean_interval"` // minutes
	CallbackToken     string `json:"callback_token" toml:"callback_token"`

	MinWorkers        int `json:"min_workers" toml:"min_workers"`
	MaxWorkers        int `json:"max_workers" toml:"max_workers"`
	QueueSize         int `json:"queue_size" toml:"queue_size"`
	WorkerIdleTimeout int `json:"worker_idle_timeout" toml:"worker_idle_timeout"` // seconds

	DispatchAttempts    int `json:"dispatch_attempts" toml:"dispatch_attempts"`
	DispatchBackoffMS   int `json:"dispatch_backoff_ms" toml:"dispatch_backoff_ms"`
	ResultsPollInterval int `json:"results_poll_interval" toml:"results_poll_interval"` // seconds
	ResultsTimeout      int `json:"results_timeout" toml:"results_timeout"`             // minutes
}

type AIServiceConfig struct {
	BaseURL        string `json:"base_url" toml:"base_url"`
	RequestTimeout int    `json:"request_timeout" toml:"request_timeout"` // seconds
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"db_name" toml:"db_name"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
	// StatusTTL is how long a collaborator status answer is reused, in seconds.
	StatusTTL int `json:"status_ttl" toml:"status_ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"` // auto | json | text
}

// Default returns a config with every optional field populated.
func Default() Config {
	return Config{
		BasicConfig: BasicConfig{
			ServerAddress:       ":5000",
			SessionsDir:         "data/sessions",
			StagingDir:          "data/uploads",
			MaxBatchBytes:       DefaultMaxBatchBytes,
			IngestConcurrency:   4,
			StagingTTL:          24 * 60,
			StagingCleanEvery:   60,
			MinWorkers:          1,
			MaxWorkers:          4,
			QueueSize:           64,
			WorkerIdleTimeout:   30,
			DispatchAttempts:    5,
			DispatchBackoffMS:   500,
			ResultsPollInterval: 5,
			ResultsTimeout:      60,
		},
		AIService: AIServiceConfig{
			BaseURL:        "http://localhost:5001",
			RequestTimeout: 10,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "data/lineinspect.db"},
		},
		Redis: RedisConfig{
			Host:      "127.0.0.1",
			Port:      6379,
			StatusTTL: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads configuration from the provided path. An empty path falls back to
// LINEINSPECT_CONFIG, then to config.json; a missing default file yields defaults.
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "config.json"
		explicit = false
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if strings.EqualFold(filepath.Ext(absPath), ".toml") {
			err = toml.NewDecoder(file).Decode(&cfg)
		} else {
			err = json.NewDecoder(file).Decode(&cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", absPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.resolvePaths(filepath.Dir(absPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("AI_SERVICE_URL")); v != "" {
		c.AIService.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LINEINSPECT_ADDR")); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("LINEINSPECT_CALLBACK_TOKEN")); v != "" {
		c.BasicConfig.CallbackToken = v
	}
	if v := strings.TrimSpace(os.Getenv("LINEINSPECT_DB")); v != "" {
		if c.Databases == nil {
			c.Databases = make(map[string]DatabaseConfig)
		}
		db := c.Databases["sqlite3"]
		db.DSN = v
		c.Databases["sqlite3"] = db
	}
	if v := strings.TrimSpace(os.Getenv("LINEINSPECT_SESSIONS_DIR")); v != "" {
		c.BasicConfig.SessionsDir = v
	}
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.BasicConfig.SessionsDir = abs(c.BasicConfig.SessionsDir)
	c.BasicConfig.StagingDir = abs(c.BasicConfig.StagingDir)
	if db, ok := c.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = abs(db.DSN)
		c.Databases["sqlite3"] = db
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.BasicConfig.SessionsDir == "" {
		return errors.New("sessions_dir must be configured")
	}
	if c.BasicConfig.StagingDir == "" {
		return errors.New("staging_dir must be configured")
	}
	if c.BasicConfig.MaxBatchBytes <= 0 {
		return errors.New("max_batch_bytes must be positive")
	}
	if strings.TrimSpace(c.AIService.BaseURL) == "" {
		return errors.New("ai_service.base_url must be configured")
	}
	if c.BasicConfig.MaxWorkers > 0 && c.BasicConfig.MinWorkers > c.BasicConfig.MaxWorkers {
		return fmt.Errorf("min_workers (%d) exceeds max_workers (%d)", c.BasicConfig.MinWorkers, c.BasicConfig.MaxWorkers)
	}
	return nil
}

// EnsureDirectories creates the session and staging roots.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.BasicConfig.SessionsDir, c.BasicConfig.StagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
