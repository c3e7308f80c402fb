package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the checksync syncer.
type Config struct {
	Env        string
	Database   DatabaseConfig
	Redis      RedisConfig
	Upstream   UpstreamConfig
	Embedding  EmbeddingConfig
	Sync       SyncConfig
	Clustering ClusteringConfig
	Analysis   AnalysisConfig
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; without a URL the embedding cache is disabled.
type RedisConfig struct {
	URL string
}

type UpstreamConfig struct {
	BaseURL       string
	APIKey        string
	AccountID     string
	Timeout       time.Duration
	PageLimit     int
	RetryAttempts int
	RetryBackoff  time.Duration
}

type EmbeddingConfig struct {
	Provider string
	Timeout  time.Duration
	OpenAI   OpenAIConfig
	Ollama   OllamaConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type SyncConfig struct {
	ChunkSize    time.Duration
	ChunkOverlap time.Duration
	SafetyMargin time.Duration
	BatchSize    int
}

type ClusteringConfig struct {
	// DistanceThreshold is the inclusive cosine-distance bound for attaching
	// a failing result to an existing cluster.
	DistanceThreshold float64
}

type AnalysisConfig struct {
	BucketWidth time.Duration
	// SigmaMultiplier scales the baseline stddev into the cumulative-deviation
	// flagging threshold.
	SigmaMultiplier float64
}

var validProviders = map[string]bool{
	"openai": true,
	"ollama": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Env: envString("CHECKSYNC_ENV", "development"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Upstream: UpstreamConfig{
			BaseURL:       os.Getenv("UPSTREAM_BASE_URL"),
			APIKey:        os.Getenv("UPSTREAM_API_KEY"),
			AccountID:     os.Getenv("UPSTREAM_ACCOUNT_ID"),
			Timeout:       envDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			PageLimit:     envInt("UPSTREAM_PAGE_LIMIT", 100),
			RetryAttempts: envInt("UPSTREAM_RETRY_ATTEMPTS", 3),
			RetryBackoff:  envDuration("UPSTREAM_RETRY_BACKOFF", 2*time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider: envString("EMBEDDING_PROVIDER", "openai"),
			Timeout:  envDuration("EMBEDDING_TIMEOUT", 30*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				Model:   envString("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			},
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
			},
		},
		Sync: SyncConfig{
			ChunkSize:    envDuration("SYNC_CHUNK_SIZE", 60*time.Minute),
			ChunkOverlap: envDuration("SYNC_CHUNK_OVERLAP", time.Second),
			SafetyMargin: envDuration("SYNC_SAFETY_MARGIN", 5*time.Minute),
			BatchSize:    envInt("SYNC_BATCH_SIZE", 100),
		},
		Clustering: ClusteringConfig{
			DistanceThreshold: envFloat("CLUSTER_DISTANCE_THRESHOLD", 0.05),
		},
		Analysis: AnalysisConfig{
			BucketWidth:     envDuration("ANALYSIS_BUCKET_WIDTH", 30*time.Minute),
			SigmaMultiplier: envFloat("ANALYSIS_SIGMA_MULTIPLIER", 2.0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("UPSTREAM_BASE_URL must start with http:// or https://, got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required")
	}
	if c.Upstream.AccountID == "" {
		return fmt.Errorf("UPSTREAM_ACCOUNT_ID is required")
	}
	if c.Upstream.PageLimit <= 0 {
		return fmt.Errorf("UPSTREAM_PAGE_LIMIT must be positive, got %d", c.Upstream.PageLimit)
	}

	if !validProviders[c.Embedding.Provider] {
		return fmt.Errorf("EMBEDDING_PROVIDER must be one of openai, ollama, mock; got %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when EMBEDDING_PROVIDER is openai")
	}

	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("SYNC_CHUNK_SIZE must be positive, got %s", c.Sync.ChunkSize)
	}
	if c.Sync.ChunkOverlap < 0 || c.Sync.ChunkOverlap >= c.Sync.ChunkSize {
		return fmt.Errorf("SYNC_CHUNK_OVERLAP must be in [0, chunk size), got %s", c.Sync.ChunkOverlap)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.Sync.BatchSize)
	}

	if c.Clustering.DistanceThreshold <= 0 {
		return fmt.Errorf("CLUSTER_DISTANCE_THRESHOLD must be positive, got %g", c.Clustering.DistanceThreshold)
	}
	if c.Analysis.SigmaMultiplier <= 0 {
		return fmt.Errorf("ANALYSIS_SIGMA_MULTIPLIER must be positive, got %g", c.Analysis.SigmaMultiplier)
	}
	if c.Analysis.BucketWidth <= 0 {
		return fmt.Errorf("ANALYSIS_BUCKET_WIDTH must be positive, got %s", c.Analysis.BucketWidth)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
