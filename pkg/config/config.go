// Package config loads service configuration: defaults, then an optional
// YAML file, then a .env file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/embed"
	"github.com/WessleyAI/estate-rag/pkg/ollama"
)

// Embedder types.
const (
	EmbedderHash   = "hash"
	EmbedderOllama = "ollama"
)

type HTTPConfig struct {
	Port       string  `yaml:"port"`
	CORSOrigin string  `yaml:"cors_origin"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// KeysConfig names the blob keys of each persisted artifact.
type KeysConfig struct {
	Raw       string `yaml:"raw"`
	Processed string `yaml:"processed"`
	Index     string `yaml:"index"`
	Snapshot  string `yaml:"snapshot"`
}

type EmbedderConfig struct {
	Type       string        `yaml:"type"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Dimension  int           `yaml:"dimension"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

type EngineConfig struct {
	DefaultK     int           `yaml:"default_k"`
	PoolFactor   int           `yaml:"pool_factor"`
	MinPool      int           `yaml:"min_pool"`
	EmbedTimeout time.Duration `yaml:"embed_timeout"`
	Concurrency  int           `yaml:"build_concurrency"`
}

type QdrantConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
	// Serve answers searches from Qdrant instead of the in-process index.
	Serve bool `yaml:"serve"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type Neo4jConfig struct {
	URL  string `yaml:"url"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	// Database is empty for the server default.
	Database string `yaml:"database"`
}

// Config is the root configuration.
type Config struct {
	Service    string         `yaml:"service"`
	Version    string         `yaml:"version"`
	LogLevel   string         `yaml:"log_level"`
	DatasetURL string         `yaml:"dataset_url"`
	HTTP       HTTPConfig     `yaml:"http"`
	Blob       blob.Config    `yaml:"blob"`
	Keys       KeysConfig     `yaml:"keys"`
	Embedder   EmbedderConfig `yaml:"embedder"`
	Engine     EngineConfig   `yaml:"engine"`
	Qdrant     QdrantConfig   `yaml:"qdrant"`
	NATS       NATSConfig     `yaml:"nats"`
	Neo4j      Neo4jConfig    `yaml:"neo4j"`
}

// NewEmbedder builds the configured embedding backend.
func (e EmbedderConfig) NewEmbedder() embed.Embedder {
	if e.Type == EmbedderOllama {
		return ollama.NewEmbedClient(ollama.Options{
			BaseURL:    e.BaseURL,
			Model:      e.Model,
			Dimension:  e.Dimension,
			RatePerSec: e.RatePerSec,
			Timeout:    e.Timeout,
		})
	}
	return embed.NewHash(e.Dimension)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service:    "london-estate-rag",
		Version:    "0.1.0",
		LogLevel:   "info",
		DatasetURL: "https://raw.githubusercontent.com/estate-data/london/main/london_properties.csv",
		HTTP:       HTTPConfig{Port: "8080", CORSOrigin: "*", RatePerSec: 20, Burst: 40},
		Blob:       blob.Config{Backend: blob.BackendMemory, Dir: "data"},
		Keys: KeysConfig{
			Raw:       "raw/london_properties.csv",
			Processed: "processed/clean_properties.csv",
			Index:     "index/listings.vidx",
			Snapshot:  "index/listings.json",
		},
		Embedder: EmbedderConfig{
			Type:      EmbedderHash,
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 256,
			Timeout:   30 * time.Second,
		},
		Engine: EngineConfig{
			DefaultK:     5,
			PoolFactor:   5,
			MinPool:      50,
			EmbedTimeout: 10 * time.Second,
			Concurrency:  4,
		},
		Qdrant: QdrantConfig{Addr: "localhost:6334", Collection: "london_listings"},
		NATS:   NATSConfig{URL: "nats://localhost:4222"},
		Neo4j:  Neo4jConfig{URL: "neo4j://localhost:7687", User: "neo4j", Pass: "password"},
	}
}

// Load builds the configuration. path may be empty or point at a missing
// file, in which case the defaults stand. A .env file in the working
// directory is loaded first when present; variables already set win.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := loadDotEnv(".env"); err != nil {
		return cfg, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load %s: %w", path, err)
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.DatasetURL = envOr("DATASET_URL", c.DatasetURL)

	c.HTTP.Port = envOr("PORT", c.HTTP.Port)
	c.HTTP.CORSOrigin = envOr("CORS_ORIGIN", c.HTTP.CORSOrigin)

	c.Blob.Backend = envOr("BLOB_BACKEND", c.Blob.Backend)
	c.Blob.Dir = envOr("BLOB_DIR", c.Blob.Dir)
	c.Blob.Bucket = envOr("BLOB_BUCKET", c.Blob.Bucket)
	c.Blob.Prefix = envOr("BLOB_PREFIX", c.Blob.Prefix)
	c.Blob.Region = envOr("AWS_REGION", c.Blob.Region)
	c.Blob.Endpoint = envOr("BLOB_ENDPOINT", c.Blob.Endpoint)
	c.Blob.AccessKey = envOr("BLOB_ACCESS_KEY", c.Blob.AccessKey)
	c.Blob.SecretKey = envOr("BLOB_SECRET_KEY", c.Blob.SecretKey)

	c.Embedder.Type = envOr("EMBEDDER", c.Embedder.Type)
	c.Embedder.BaseURL = envOr("OLLAMA_URL", c.Embedder.BaseURL)
	c.Embedder.Model = envOr("EMBED_MODEL", c.Embedder.Model)

	c.Qdrant.Addr = envOr("QDRANT_URL", c.Qdrant.Addr)
	c.Qdrant.Collection = envOr("QDRANT_COLLECTION", c.Qdrant.Collection)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	c.Neo4j.URL = envOr("NEO4J_URL", c.Neo4j.URL)
	c.Neo4j.User = envOr("NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Pass = envOr("NEO4J_PASS", c.Neo4j.Pass)
	c.Neo4j.Database = envOr("NEO4J_DATABASE", c.Neo4j.Database)

	var err error
	set := func(e error) {
		if err == nil {
			err = e
		}
	}
	set(envBool("BLOB_USE_SSL", &c.Blob.UseSSL))
	set(envBool("QDRANT_ENABLED", &c.Qdrant.Enabled))
	set(envBool("QDRANT_SERVE", &c.Qdrant.Serve))
	set(envBool("NATS_ENABLED", &c.NATS.Enabled))
	set(envInt("EMBED_DIM", &c.Embedder.Dimension))
	set(envInt("DEFAULT_K", &c.Engine.DefaultK))
	set(envFloat("EMBED_RATE", &c.Embedder.RatePerSec))
	set(envFloat("HTTP_RATE", &c.HTTP.RatePerSec))
	set(envDuration("EMBED_TIMEOUT", &c.Engine.EmbedTimeout))
	return err
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Embedder.Type {
	case EmbedderHash, EmbedderOllama:
	default:
		errs = append(errs, fmt.Errorf("config: unknown embedder %q", c.Embedder.Type))
	}
	switch c.Blob.Backend {
	case "", blob.BackendMemory, blob.BackendLocal, blob.BackendS3, blob.BackendMinio:
	default:
		errs = append(errs, fmt.Errorf("config: unknown blob backend %q", c.Blob.Backend))
	}
	if c.Engine.DefaultK < 1 {
		errs = append(errs, errors.New("config: default_k must be >= 1"))
	}
	if c.Qdrant.Serve && !c.Qdrant.Enabled {
		errs = append(errs, errors.New("config: qdrant.serve requires qdrant.enabled"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
