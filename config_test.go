package ragserve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing embedding model", func(c *Config) { c.Embedding.Model = "" }},
		{"missing chat model", func(c *Config) { c.Chat.Model = "" }},
		{"unknown vector kind", func(c *Config) { c.Vector.Kind = "pinecone" }},
		{"overlap not below chunk size", func(c *Config) { c.Splitter.ChunkOverlap = c.Splitter.ChunkSize }},
		{"negative fusion weight", func(c *Config) { c.Retrieval.WeightGraph = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadConfigLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
data_dir: /srv/rag
retrieval:
  top_k: 12
graph:
  enabled: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataDir != "/srv/rag" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Retrieval.TopK != 12 {
		t.Errorf("TopK = %d", cfg.Retrieval.TopK)
	}
	if cfg.Graph.Enabled {
		t.Error("Graph.Enabled should be overridden to false")
	}
	// Untouched fields keep their defaults.
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Embedding.Model = %q", cfg.Embedding.Model)
	}
	if cfg.Splitter.ChunkSize != 800 {
		t.Errorf("ChunkSize = %d", cfg.Splitter.ChunkSize)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"max_history_turns": 3, "chat": {"model": "qwen2.5:7b"}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxHistoryTurns != 3 {
		t.Errorf("MaxHistoryTurns = %d", cfg.MaxHistoryTurns)
	}
	if cfg.Chat.Model != "qwen2.5:7b" {
		t.Errorf("Chat.Model = %q", cfg.Chat.Model)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolvePathsUnderDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/ragserve"

	if got := cfg.resolveDBPath(); got != "/var/lib/ragserve/ragserve.db" {
		t.Errorf("resolveDBPath = %q", got)
	}
	if got := cfg.resolveUploadRoot(); got != "/var/lib/ragserve/uploads" {
		t.Errorf("resolveUploadRoot = %q", got)
	}
	if got := cfg.resolveVectorPath(); got != "/var/lib/ragserve/vectors.db" {
		t.Errorf("resolveVectorPath = %q", got)
	}
	if got := cfg.resolveGraphPath(); got != "/var/lib/ragserve/graph.db" {
		t.Errorf("resolveGraphPath = %q", got)
	}
}

func TestResolvePathsExplicitOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.DBPath = "/elsewhere/cat.db"
	cfg.UploadRoot = "/blob/uploads"

	if got := cfg.resolveDBPath(); got != "/elsewhere/cat.db" {
		t.Errorf("resolveDBPath = %q", got)
	}
	if got := cfg.resolveUploadRoot(); got != "/blob/uploads" {
		t.Errorf("resolveUploadRoot = %q", got)
	}
}
