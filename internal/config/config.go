// Package config loads lexrag configuration from a YAML file with
// LEXRAG_* environment variable overrides taking highest precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casevault/lexrag/internal/errors"
)

// Config is the complete lexrag configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Queue      QueueConfig      `yaml:"queue"`
	Locks      LocksConfig      `yaml:"locks"`
	Query      QueryConfig      `yaml:"query"`
	Logging    LoggingConfig    `yaml:"logging"`
	Worker     WorkerConfig     `yaml:"worker"`
}

// DatabaseConfig configures the relational + vector store.
type DatabaseConfig struct {
	// Driver selects the store backend: "postgres" or "memory".
	Driver string `yaml:"driver"`

	// URL is the Postgres connection string (postgres driver only).
	URL string `yaml:"url"`

	// StatementTimeout bounds server-side query execution.
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// RedisConfig configures the keyed payload store and distributed cache tier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EmbeddingsConfig configures the embedding provider chain.
type EmbeddingsConfig struct {
	// Endpoint is the embedding API base URL.
	Endpoint string `yaml:"endpoint"`

	// Model is the preferred embedding model.
	Model string `yaml:"model"`

	// FallbackModels are tried in order when the preferred model fails.
	FallbackModels []string `yaml:"fallback_models"`

	// Dimensions is the expected embedding dimensionality.
	Dimensions int `yaml:"dimensions"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout"`

	// CacheSize is the local LRU cache capacity in entries.
	CacheSize int `yaml:"cache_size"`

	// CacheTTL is the distributed cache entry lifetime.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ChunkingConfig configures the text chunker defaults.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
	MinSize int `yaml:"min_size"`
}

// QueueConfig configures the ingestion queue.
type QueueConfig struct {
	// PayloadTTL is how long job payloads survive in the payload store.
	// Must comfortably outlive expected queue residency.
	PayloadTTL time.Duration `yaml:"payload_ttl"`
}

// LocksConfig configures the cooperative query lock manager.
type LocksConfig struct {
	// AcquireTimeout bounds how long a caller waits for a contended lock.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// IdleWindow is how long an uncontended lock survives before the
	// housekeeping pass garbage-collects it.
	IdleWindow time.Duration `yaml:"idle_window"`

	// TxDeadline is how long a transaction may stay open before the
	// housekeeping pass force-rolls it back.
	TxDeadline time.Duration `yaml:"tx_deadline"`

	// HousekeepInterval is the period between housekeeping passes.
	HousekeepInterval time.Duration `yaml:"housekeep_interval"`
}

// QueryConfig configures similarity query defaults.
type QueryConfig struct {
	Limit         int     `yaml:"limit"`
	Threshold     float64 `yaml:"threshold"`
	LexicalWeight float64 `yaml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// WorkerConfig configures the ingestion worker loop.
type WorkerConfig struct {
	// PollInterval is the sleep between empty-queue polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DataDir holds the worker's single-consumer lock file.
	DataDir string `yaml:"data_dir"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           "postgres",
			URL:              "postgres://localhost:5432/lexrag?sslmode=disable",
			StatementTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Embeddings: EmbeddingsConfig{
			Endpoint:       "http://localhost:11434",
			Model:          "nomic-embed-text",
			FallbackModels: []string{"all-minilm"},
			Dimensions:     768,
			Timeout:        60 * time.Second,
			CacheSize:      1000,
			CacheTTL:       24 * time.Hour,
		},
		Chunking: ChunkingConfig{
			Size:    350,
			Overlap: 40,
			MinSize: 25,
		},
		Queue: QueueConfig{
			PayloadTTL: time.Hour,
		},
		Locks: LocksConfig{
			AcquireTimeout:    5 * time.Second,
			IdleWindow:        time.Minute,
			TxDeadline:        30 * time.Second,
			HousekeepInterval: 15 * time.Second,
		},
		Query: QueryConfig{
			Limit:         8,
			Threshold:     0,
			LexicalWeight: 0.3,
			VectorWeight:  0.7,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			DataDir:      defaultDataDir(),
		},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates the result. An empty path uses pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.New(errors.ErrCodeConfigNotFound,
				fmt.Sprintf("cannot read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("cannot parse config file %s", path), err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies LEXRAG_* environment variables on top of the
// file-loaded configuration. Env vars have the highest precedence.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LEXRAG_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LEXRAG_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("LEXRAG_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LEXRAG_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LEXRAG_EMBED_ENDPOINT"); v != "" {
		c.Embeddings.Endpoint = v
	}
	if v := os.Getenv("LEXRAG_EMBED_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("LEXRAG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LEXRAG_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chunking.Size = n
		}
	}
	if v := os.Getenv("LEXRAG_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Chunking.Overlap = n
		}
	}
	if v := os.Getenv("LEXRAG_QUERY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Query.Limit = n
		}
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown database driver %q (use postgres or memory)", c.Database.Driver), nil)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return errors.New(errors.ErrCodeConfigInvalid,
			"database.url is required for the postgres driver", nil)
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return errors.New(errors.ErrCodeConfigInvalid,
			"chunking.overlap must be strictly less than chunking.size", nil)
	}
	if c.Embeddings.Model == "" {
		return errors.New(errors.ErrCodeConfigInvalid,
			"embeddings.model is required", nil)
	}
	if c.Embeddings.Dimensions <= 0 {
		return errors.New(errors.ErrCodeConfigInvalid,
			"embeddings.dimensions must be positive", nil)
	}
	if c.Query.LexicalWeight < 0 || c.Query.VectorWeight < 0 {
		return errors.New(errors.ErrCodeConfigInvalid,
			"query weights must be non-negative", nil)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// defaultDataDir returns ~/.lexrag, falling back to the temp directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, ".lexrag")
}
