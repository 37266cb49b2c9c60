// Package config loads application configuration from defaults, an optional
// YAML file, an optional .env file, and environment variable overrides, in
// that order.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Qdrant       QdrantConfig       `yaml:"qdrant"`
	Chunking     ChunkingConfig     `yaml:"chunking"`
	Session      SessionConfig      `yaml:"session"`
	Audit        AuditConfig        `yaml:"audit"`
	Breaker      BreakerConfig      `yaml:"circuit_breaker"`
	Cache        CacheConfig        `yaml:"cache"`
	Retriever    RetrieverConfig    `yaml:"retriever"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DatabaseConfig configures the relational store. Driver is "postgres" or
// "sqlite3"; DSN is passed straight to database/sql.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QdrantConfig configures the vector index.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"-"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// ChunkingConfig bounds chunk sizes.
type ChunkingConfig struct {
	MaxChars     int `yaml:"max_chars"`
	OverlapChars int `yaml:"overlap_chars"`
}

// SessionConfig configures the conversation manager.
type SessionConfig struct {
	TTLMinutes        int `yaml:"ttl_minutes"`
	ContextWindowSize int `yaml:"context_window_size"`
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	LogDir        string `yaml:"log_dir"`
	RetentionDays int    `yaml:"retention_days"`
	AnonymizeDays int    `yaml:"anonymize_days"`
	InMemoryMax   int    `yaml:"in_memory_max"`
}

// BreakerConfig configures circuit breakers for external services.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
}

// CacheConfig configures the three cache layers.
type CacheConfig struct {
	EmbedSize    int `yaml:"embed_size"`
	EmbedTTLMs   int `yaml:"embed_ttl_ms"`
	QuerySize    int `yaml:"query_size"`
	QueryTTLMs   int `yaml:"query_ttl_ms"`
	PatientSize  int `yaml:"patient_size"`
	PatientTTLMs int `yaml:"patient_ttl_ms"`
}

// RetrieverConfig configures retrieval behavior.
type RetrieverConfig struct {
	TopKDefault       int     `yaml:"topk_default"`
	MultiHopMax       int     `yaml:"multihop_max"`
	RelationshipBoost float64 `yaml:"relationship_boost"`
}

// IngestConfig configures the ingest worker pool.
type IngestConfig struct {
	Workers int `yaml:"workers"`
}

// LoggingConfig configures logging output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "postgres",
			DSN:    "postgres://localhost/clinrag?sslmode=disable",
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "clinical_chunks",
		},
		Chunking: ChunkingConfig{
			MaxChars:     1000,
			OverlapChars: 150,
		},
		Session: SessionConfig{
			TTLMinutes:        30,
			ContextWindowSize: 5,
		},
		Audit: AuditConfig{
			LogDir:        "./data/audit",
			RetentionDays: 90,
			AnonymizeDays: 30,
			InMemoryMax:   10000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   30000,
		},
		Cache: CacheConfig{
			EmbedSize:    1000,
			EmbedTTLMs:   300000,
			QuerySize:    100,
			QueryTTLMs:   300000,
			PatientSize:  5,
			PatientTTLMs: 1800000,
		},
		Retriever: RetrieverConfig{
			TopKDefault:       10,
			MultiHopMax:       1,
			RelationshipBoost: 0.3,
		},
		Ingest: IngestConfig{
			Workers: runtime.GOMAXPROCS(0),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CLINRAG_CONFIG_FILE (if any), then .env, then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("CLINRAG_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_DSN")

	setString(&cfg.Qdrant.Host, "QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "QDRANT_PORT")
	setString(&cfg.Qdrant.APIKey, "QDRANT_API_KEY")
	setBool(&cfg.Qdrant.UseTLS, "QDRANT_USE_TLS")
	setString(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")

	setInt(&cfg.Chunking.MaxChars, "CHUNK_MAX_CHARS")
	setInt(&cfg.Chunking.OverlapChars, "CHUNK_OVERLAP_CHARS")

	setInt(&cfg.Session.TTLMinutes, "SESSION_TTL_MINUTES")
	setInt(&cfg.Session.ContextWindowSize, "CONTEXT_WINDOW_SIZE")

	setString(&cfg.Audit.LogDir, "AUDIT_LOG_DIR")
	setInt(&cfg.Audit.RetentionDays, "AUDIT_RETENTION_DAYS")
	setInt(&cfg.Audit.AnonymizeDays, "AUDIT_ANONYMIZE_DAYS")
	setInt(&cfg.Audit.InMemoryMax, "AUDIT_IN_MEMORY_MAX")

	setInt(&cfg.Breaker.FailureThreshold, "CB_FAILURE_THRESHOLD")
	setInt(&cfg.Breaker.ResetTimeoutMs, "CB_RESET_TIMEOUT_MS")

	setInt(&cfg.Cache.EmbedSize, "EMBED_CACHE_SIZE")
	setInt(&cfg.Cache.EmbedTTLMs, "EMBED_CACHE_TTL_MS")
	setInt(&cfg.Cache.QuerySize, "QUERY_CACHE_SIZE")
	setInt(&cfg.Cache.QueryTTLMs, "QUERY_CACHE_TTL_MS")
	setInt(&cfg.Cache.PatientSize, "PATIENT_CACHE_SIZE")
	setInt(&cfg.Cache.PatientTTLMs, "PATIENT_CACHE_TTL_MS")

	setInt(&cfg.Retriever.TopKDefault, "RETRIEVER_TOPK_DEFAULT")
	setInt(&cfg.Retriever.MultiHopMax, "RETRIEVER_MULTIHOP_MAX")
	setFloat(&cfg.Retriever.RelationshipBoost, "RETRIEVER_RELATIONSHIP_BOOST")

	setInt(&cfg.Ingest.Workers, "INGEST_WORKERS")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host cannot be empty")
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		return fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port)
	}
	if c.Chunking.MaxChars <= 0 {
		return fmt.Errorf("chunk max chars must be positive")
	}
	if c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.MaxChars {
		return fmt.Errorf("chunk overlap must be non-negative and smaller than max chars")
	}
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Session.ContextWindowSize <= 0 {
		return fmt.Errorf("context window size must be positive")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit retention days must be positive")
	}
	if c.Audit.AnonymizeDays > c.Audit.RetentionDays {
		return fmt.Errorf("anonymize days cannot exceed retention days")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit breaker failure threshold must be positive")
	}
	if c.Retriever.MultiHopMax < 0 || c.Retriever.MultiHopMax > 2 {
		return fmt.Errorf("multihop max must be 0, 1, or 2")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest workers must be positive")
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
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
