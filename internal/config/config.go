// Package config loads every tunable of the ingestion core. Values come
// from defaults, an optional YAML file, and NEXSUS_* environment variables,
// read once at startup; changes require a restart.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Breakers  BreakersConfig  `mapstructure:"breakers"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Query     QueryConfig     `mapstructure:"query"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig configures the unified collection.
type StoreConfig struct {
	Path            string  `mapstructure:"path"`
	Collection      string  `mapstructure:"collection"`
	VectorSize      int     `mapstructure:"vector_size"`
	HNSWM           int     `mapstructure:"hnsw_m"`
	HNSWEfConstruct int     `mapstructure:"hnsw_ef_construct"`
	HNSWEfSearch    int     `mapstructure:"hnsw_ef_search"`
	Quantization    bool    `mapstructure:"quantization"`
	QuantQuantile   float64 `mapstructure:"quant_quantile"`
}

// EmbeddingConfig configures the embedding gateway and its backend.
type EmbeddingConfig struct {
	Provider       string `mapstructure:"provider"` // ollama, genai, hash
	OllamaEndpoint string `mapstructure:"ollama_endpoint"`
	OllamaModel    string `mapstructure:"ollama_model"`
	GenAIAPIKey    string `mapstructure:"genai_api_key"`
	GenAIModel     string `mapstructure:"genai_model"`
	MaxBatchTokens int    `mapstructure:"max_batch_tokens"`
	MaxBatchItems  int    `mapstructure:"max_batch_items"`
	MaxTextChars   int    `mapstructure:"max_text_chars"`
}

// SyncConfig configures the cascade scheduler and per-step batching.
type SyncConfig struct {
	ParallelTargets int  `mapstructure:"parallel_targets"`
	FetchBatchSize  int  `mapstructure:"fetch_batch_size"`
	EmbedBatchSize  int  `mapstructure:"embed_batch_size"`
	UpsertBatchSize int  `mapstructure:"upsert_batch_size"`
	SkipExisting    bool `mapstructure:"skip_existing"`
	UpdateGraph     bool `mapstructure:"update_graph"`
	IncludeArchived bool `mapstructure:"include_archived"`
	SyncLimit       int  `mapstructure:"sync_limit"`
	MaxDepth        int  `mapstructure:"max_depth"`
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// BreakersConfig holds per-service breaker tuning plus the retry policy.
type BreakersConfig struct {
	Schema    BreakerConfig `mapstructure:"schema"`
	Records   BreakerConfig `mapstructure:"records"`
	Embedding BreakerConfig `mapstructure:"embedding"`
	Store     BreakerConfig `mapstructure:"store"`

	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// DLQConfig configures the dead-letter queue file.
type DLQConfig struct {
	Path    string `mapstructure:"path"`
	MaxSize int    `mapstructure:"max_size"`
}

// QueryConfig configures the filter compiler.
type QueryConfig struct {
	TokenThreshold  int `mapstructure:"token_threshold"`
	SubqueryWarnCap int `mapstructure:"subquery_warn_cap"`
}

// PathsConfig holds auxiliary file locations.
type PathsConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	PatternsDir   string `mapstructure:"patterns_dir"`
	WatermarkDir  string `mapstructure:"watermark_dir"`
	CatalogPath   string `mapstructure:"catalog_path"`
	KnowledgePath string `mapstructure:"knowledge_path"`
}

// LoggingConfig configures logger construction.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "data/nexsus.db")
	v.SetDefault("store.collection", "nexsus_unified")
	v.SetDefault("store.vector_size", 1024)
	v.SetDefault("store.hnsw_m", 16)
	v.SetDefault("store.hnsw_ef_construct", 128)
	v.SetDefault("store.hnsw_ef_search", 64)
	v.SetDefault("store.quantization", false)
	v.SetDefault("store.quant_quantile", 0.99)

	v.SetDefault("embedding.provider", "ollama")
	v.SetDefault("embedding.ollama_endpoint", "http://localhost:11434")
	v.SetDefault("embedding.ollama_model", "embeddinggemma")
	v.SetDefault("embedding.genai_model", "gemini-embedding-001")
	v.SetDefault("embedding.max_batch_tokens", 280_000)
	v.SetDefault("embedding.max_batch_items", 1000)
	v.SetDefault("embedding.max_text_chars", 8000)

	v.SetDefault("sync.parallel_targets", 3)
	v.SetDefault("sync.fetch_batch_size", 200)
	v.SetDefault("sync.embed_batch_size", 100)
	v.SetDefault("sync.upsert_batch_size", 200)
	v.SetDefault("sync.skip_existing", false)
	v.SetDefault("sync.update_graph", true)
	v.SetDefault("sync.include_archived", false)
	v.SetDefault("sync.sync_limit", 5000)
	v.SetDefault("sync.max_depth", 5)

	for _, svc := range []string{"schema", "records", "embedding", "store"} {
		v.SetDefault("breakers."+svc+".failure_threshold", 3)
		v.SetDefault("breakers."+svc+".reset_timeout", 30*time.Second)
		v.SetDefault("breakers."+svc+".half_open_requests", 2)
	}
	v.SetDefault("breakers.embedding.failure_threshold", 5)
	v.SetDefault("breakers.embedding.reset_timeout", 60*time.Second)
	v.SetDefault("breakers.retry_attempts", 3)
	v.SetDefault("breakers.retry_base_delay", 500*time.Millisecond)

	v.SetDefault("dlq.path", "data/dlq.json")
	v.SetDefault("dlq.max_size", 1000)

	v.SetDefault("query.token_threshold", 4000)
	v.SetDefault("query.subquery_warn_cap", 10_000)

	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.patterns_dir", "data/patterns")
	v.SetDefault("paths.watermark_dir", "data/watermarks")
	v.SetDefault("paths.catalog_path", "data/catalog.json")
	v.SetDefault("paths.knowledge_path", "data/knowledge.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Load reads configuration from defaults, the optional YAML file at path,
// and NEXSUS_* environment variables (NEXSUS_SYNC_PARALLEL_TARGETS=5).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NEXSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Store.VectorSize < 512 {
		return fmt.Errorf("store.vector_size must be >= 512, got %d", c.Store.VectorSize)
	}
	if c.Sync.ParallelTargets < 1 {
		return fmt.Errorf("sync.parallel_targets must be >= 1, got %d", c.Sync.ParallelTargets)
	}
	for _, n := range []int{c.Sync.FetchBatchSize, c.Sync.EmbedBatchSize, c.Sync.UpsertBatchSize} {
		if n < 1 {
			return fmt.Errorf("sync batch sizes must be >= 1")
		}
	}
	if c.Embedding.Provider == "genai" && c.Embedding.GenAIAPIKey == "" {
		return fmt.Errorf("embedding.genai_api_key is required for the genai provider")
	}
	return nil
}
