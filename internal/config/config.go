// Package config loads and validates webfuse configuration.
//
// Configuration comes from the environment (optionally seeded from a .env
// file) with an optional YAML file for deployments that prefer one. Env vars
// always win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied when the environment leaves a key unset.
const (
	DefaultVectorDim          = 1024
	DefaultMaxChunkTokens     = 256
	DefaultChunkOverlapTokens = 50
	DefaultRRFK               = 60
	DefaultBM25K1             = 1.5
	DefaultBM25B              = 0.75
	DefaultHTTPPort           = 8080
	DefaultQueueName          = "indexing"
	DefaultCollection         = "web_documents"
)

// MinSecretLength is the minimum length for API and webhook secrets.
const MinSecretLength = 32

// weakSecrets are placeholder values that must never reach production.
var weakSecrets = map[string]struct{}{
	"changeme":                         {},
	"secret":                           {},
	"password":                         {},
	"00000000000000000000000000000000": {},
	"please-change-this-secret-value!": {},
}

// Config is the complete webfuse configuration.
type Config struct {
	// Secrets
	APISecret     string `yaml:"api_secret"`
	WebhookSecret string `yaml:"webhook_secret"`

	// Collaborator endpoints
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`
	QdrantURL   string `yaml:"qdrant_url"`
	TEIURL      string `yaml:"tei_url"`
	ScraperURL  string `yaml:"scraper_url"`

	// ScraperAPIKey authenticates against the scraper when set.
	ScraperAPIKey string `yaml:"scraper_api_key"`

	// Index settings
	QdrantCollection string `yaml:"qdrant_collection"`
	VectorDim        int    `yaml:"vector_dim"`
	BM25IndexPath    string `yaml:"bm25_index_path"`

	// Chunking
	MaxChunkTokens     int `yaml:"max_chunk_tokens"`
	ChunkOverlapTokens int `yaml:"chunk_overlap_tokens"`

	// Search
	RRFK   int     `yaml:"rrf_k"`
	BM25K1 float64 `yaml:"bm25_k1"`
	BM25B  float64 `yaml:"bm25_b"`

	// Jobs
	QueueName    string `yaml:"queue_name"`
	EnableWorker bool   `yaml:"enable_worker"`

	// HTTP
	HTTPPort    int      `yaml:"http_port"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Observability
	LogLevel string `yaml:"log_level"`

	// TestMode relaxes secret strength checks. Set only by tests.
	TestMode bool `yaml:"-"`
}

// Default returns a Config with all defaults applied and no secrets.
func Default() Config {
	return Config{
		RedisURL:           "redis://localhost:6379/0",
		QdrantURL:          "localhost:6334",
		TEIURL:             "http://localhost:8081",
		QdrantCollection:   DefaultCollection,
		VectorDim:          DefaultVectorDim,
		BM25IndexPath:      "data/bm25_index.gob",
		MaxChunkTokens:     DefaultMaxChunkTokens,
		ChunkOverlapTokens: DefaultChunkOverlapTokens,
		RRFK:               DefaultRRFK,
		BM25K1:             DefaultBM25K1,
		BM25B:              DefaultBM25B,
		QueueName:          DefaultQueueName,
		HTTPPort:           DefaultHTTPPort,
		LogLevel:           "info",
	}
}

// Load builds configuration from the environment. A .env file in the working
// directory is merged in first if present; a YAML file at path (may be empty)
// provides a base the environment overrides.
func Load(path string) (Config, error) {
	// Missing .env is the normal case outside local dev.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.APISecret, "API_SECRET")
	setString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.QdrantURL, "QDRANT_URL")
	setString(&cfg.TEIURL, "TEI_URL")
	setString(&cfg.ScraperURL, "SCRAPER_URL")
	setString(&cfg.ScraperAPIKey, "SCRAPER_API_KEY")
	setString(&cfg.QdrantCollection, "QDRANT_COLLECTION")
	setString(&cfg.BM25IndexPath, "BM25_INDEX_PATH")
	setString(&cfg.QueueName, "QUEUE_NAME")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setInt(&cfg.VectorDim, "VECTOR_DIM")
	setInt(&cfg.MaxChunkTokens, "MAX_CHUNK_TOKENS")
	setInt(&cfg.ChunkOverlapTokens, "CHUNK_OVERLAP_TOKENS")
	setInt(&cfg.RRFK, "RRF_K")
	setInt(&cfg.HTTPPort, "HTTP_PORT")

	setFloat(&cfg.BM25K1, "BM25_K1")
	setFloat(&cfg.BM25B, "BM25_B")

	setBool(&cfg.EnableWorker, "ENABLE_WORKER")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.CORSOrigins = origins
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.validateSecret("API_SECRET", c.APISecret); err != nil {
		return err
	}
	if err := c.validateSecret("WEBHOOK_SECRET", c.WebhookSecret); err != nil {
		return err
	}
	if c.VectorDim <= 0 {
		return fmt.Errorf("VECTOR_DIM must be positive, got %d", c.VectorDim)
	}
	if c.MaxChunkTokens <= 0 {
		return fmt.Errorf("MAX_CHUNK_TOKENS must be positive, got %d", c.MaxChunkTokens)
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.MaxChunkTokens {
		return fmt.Errorf("CHUNK_OVERLAP_TOKENS must be in [0, MAX_CHUNK_TOKENS), got %d", c.ChunkOverlapTokens)
	}
	if c.RRFK <= 0 {
		return fmt.Errorf("RRF_K must be positive, got %d", c.RRFK)
	}
	if c.BM25K1 <= 0 || c.BM25B < 0 || c.BM25B > 1 {
		return fmt.Errorf("invalid BM25 parameters k1=%v b=%v", c.BM25K1, c.BM25B)
	}
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			slog.Warn("cors_wildcard_origin",
				slog.String("hint", "wildcard CORS allows any site to call the API"))
		}
	}
	return nil
}

func (c *Config) validateSecret(name, value string) error {
	if c.TestMode {
		return nil
	}
	if len(value) < MinSecretLength {
		return fmt.Errorf("%s must be at least %d characters", name, MinSecretLength)
	}
	if _, weak := weakSecrets[strings.ToLower(value)]; weak {
		return fmt.Errorf("%s is a known weak default, set a real secret", name)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("config_invalid_int", slog.String("key", key), slog.String("value", v))
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			slog.Warn("config_invalid_float", slog.String("key", key), slog.String("value", v))
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			slog.Warn("config_invalid_bool", slog.String("key", key), slog.String("value", v))
		}
	}
}
