package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WessleyAI/estate-rag/pkg/embed"
	"github.com/WessleyAI/estate-rag/pkg/ollama"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.HTTP.Port != def.HTTP.Port || cfg.Engine.DefaultK != 5 || cfg.Keys.Index != "index/listings.vidx" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, `
http:
  port: "9090"
blob:
  backend: local
  dir: /var/lib/estate
engine:
  default_k: 8
  embed_timeout: 3s
qdrant:
  enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != "9090" || cfg.HTTP.CORSOrigin != "*" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	if cfg.Blob.Backend != "local" || cfg.Blob.Dir != "/var/lib/estate" {
		t.Errorf("blob = %+v", cfg.Blob)
	}
	if cfg.Engine.DefaultK != 8 || cfg.Engine.EmbedTimeout != 3*time.Second || cfg.Engine.PoolFactor != 5 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if !cfg.Qdrant.Enabled || cfg.Qdrant.Collection != "london_listings" {
		t.Errorf("qdrant = %+v", cfg.Qdrant)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "http:\n  port: \"9090\"\n")
	t.Setenv("PORT", "7070")
	t.Setenv("NATS_ENABLED", "true")
	t.Setenv("DEFAULT_K", "3")
	t.Setenv("EMBED_TIMEOUT", "250ms")
	t.Setenv("EMBEDDER", "ollama")
	t.Setenv("NEO4J_DATABASE", "estate")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != "7070" || !cfg.NATS.Enabled || cfg.Engine.DefaultK != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Engine.EmbedTimeout != 250*time.Millisecond || cfg.Embedder.Type != EmbedderOllama {
		t.Fatalf("engine=%+v embedder=%+v", cfg.Engine, cfg.Embedder)
	}
	if cfg.Neo4j.Database != "estate" {
		t.Fatalf("neo4j database = %q", cfg.Neo4j.Database)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("QDRANT_COLLECTION=from_dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QDRANT_COLLECTION", "")
	os.Unsetenv("QDRANT_COLLECTION")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Qdrant.Collection != "from_dotenv" {
		t.Fatalf("collection = %q", cfg.Qdrant.Collection)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load(writeFile(t, "http: [unclosed")); err == nil {
		t.Error("expected parse error")
	}

	t.Setenv("DEFAULT_K", "many")
	if _, err := Load(""); err == nil {
		t.Error("expected env parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"embedder":     func(c *Config) { c.Embedder.Type = "openai" },
		"blob backend": func(c *Config) { c.Blob.Backend = "gcs" },
		"default k":    func(c *Config) { c.Engine.DefaultK = 0 },
		"qdrant serve": func(c *Config) { c.Qdrant.Serve = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if cfg.Validate() == nil {
				t.Fatal("expected error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
	cfg.LogLevel = "loud"
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
}

func TestNewEmbedder(t *testing.T) {
	h := EmbedderConfig{Type: EmbedderHash, Dimension: 8}.NewEmbedder()
	if _, ok := h.(*embed.Hash); !ok || h.Dimension() != 8 {
		t.Fatalf("embedder = %T", h)
	}
	o := EmbedderConfig{Type: EmbedderOllama, Model: "nomic-embed-text", Dimension: 768}.NewEmbedder()
	if _, ok := o.(*ollama.EmbedClient); !ok || o.Name() != "ollama:nomic-embed-text" || o.Dimension() != 768 {
		t.Fatalf("embedder = %T %s", o, o.Name())
	}
}
