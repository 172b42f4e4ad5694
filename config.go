package ragserve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	// DBPath is the full path to the catalog SQLite database file.
	// If empty, defaults to <DataDir>/ragserve.db.
	DBPath string `json:"db_path" yaml:"db_path"`

	// DataDir is the root directory for local state (catalog, uploads,
	// vector and graph databases) when the individual paths are not set.
	// Options: "home" (default) uses ~/.ragserve/, "local" uses the
	// current working directory, or any absolute path.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// UploadRoot is the directory for uploaded file storage.
	// If empty, defaults to <DataDir>/uploads.
	UploadRoot string `json:"upload_root" yaml:"upload_root"`

	// MaxFileBytes caps a single upload. Defaults to 100 MB.
	MaxFileBytes int64 `json:"max_file_bytes" yaml:"max_file_bytes"`

	// Model providers
	Embedding ProviderConfig `json:"embedding" yaml:"embedding"`
	Chat      ProviderConfig `json:"chat" yaml:"chat"`

	// Vector store backend
	Vector VectorConfig `json:"vector" yaml:"vector"`

	// Knowledge graph backend
	Graph GraphConfig `json:"graph" yaml:"graph"`

	// Chunking
	Splitter SplitterConfig `json:"splitter" yaml:"splitter"`

	// Retrieval
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`

	// Entity extraction
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`

	// MaxHistoryTurns bounds conversation history loaded per chat turn.
	// A turn is a user/assistant pair, so 2*MaxHistoryTurns messages.
	MaxHistoryTurns int `json:"max_history_turns" yaml:"max_history_turns"`

	// IngestWorkers sizes the background ingestion pool (default 4).
	IngestWorkers int `json:"ingest_workers" yaml:"ingest_workers"`
}

// ProviderConfig configures a single model provider endpoint.
type ProviderConfig struct {
	Kind      string `json:"kind" yaml:"kind"` // embedding: local, remote; chat: local, openai, custom
	Model     string `json:"model" yaml:"model"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	BatchSize int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"` // embedding only, default 32
}

// VectorConfig selects and configures the vector store backend.
type VectorConfig struct {
	Kind string `json:"kind" yaml:"kind"` // sqlite (default), qdrant

	// Path is the SQLite database file for the sqlite backend.
	// If empty, defaults to <DataDir>/vectors.db.
	Path string `json:"path" yaml:"path"`

	// Host and Port locate the qdrant gRPC endpoint.
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// GraphConfig configures the knowledge graph store.
type GraphConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file for the graph.
	// If empty, defaults to <DataDir>/graph.db.
	Path string `json:"path" yaml:"path"`

	// MaxHops bounds graph traversal during hybrid retrieval (default 2).
	MaxHops int `json:"max_hops" yaml:"max_hops"`
}

// SplitterConfig configures text chunking.
type SplitterConfig struct {
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`       // default 800
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"` // default 100

	// Semantic enables paragraph-merge chunking; short inputs additionally
	// consult the LLM at merge boundaries.
	Semantic           bool `json:"semantic" yaml:"semantic"`
	SemanticMin        int  `json:"semantic_min" yaml:"semantic_min"`                 // default 200
	SemanticMax        int  `json:"semantic_max" yaml:"semantic_max"`                 // default 800
	ShortTextThreshold int  `json:"short_text_threshold" yaml:"short_text_threshold"` // default 5000
}

// RetrievalConfig configures similarity search and hybrid fusion.
type RetrievalConfig struct {
	TopK           int     `json:"top_k" yaml:"top_k"`                     // default 5
	ScoreThreshold float64 `json:"score_threshold" yaml:"score_threshold"` // default 0.2
	WeightVector   float64 `json:"weight_vector" yaml:"weight_vector"`     // default 0.7
	WeightGraph    float64 `json:"weight_graph" yaml:"weight_graph"`       // default 0.3
}

// ExtractionConfig configures LLM entity extraction.
type ExtractionConfig struct {
	Model         string  `json:"model" yaml:"model"` // defaults to Chat.Model
	MinTextLength int     `json:"min_text_length" yaml:"min_text_length"` // default 30
	Concurrency   int     `json:"concurrency" yaml:"concurrency"`         // default 5
	Temperature   float64 `json:"temperature" yaml:"temperature"`         // default 0.1
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// State is stored under ~/.ragserve/ by default.
func DefaultConfig() Config {
	return Config{
		DataDir:      "home",
		MaxFileBytes: 100 << 20,
		Embedding: ProviderConfig{
			Kind:      "local",
			Model:     "nomic-embed-text",
			BaseURL:   "http://localhost:11434",
			BatchSize: 32,
		},
		Chat: ProviderConfig{
			Kind:    "local",
			Model:   "llama3.1:8b",
			BaseURL: "http://localhost:11434",
		},
		Vector: VectorConfig{
			Kind: "sqlite",
			Host: "localhost",
			Port: 6334,
		},
		Graph: GraphConfig{
			Enabled: true,
			MaxHops: 2,
		},
		Splitter: SplitterConfig{
			ChunkSize:          800,
			ChunkOverlap:       100,
			SemanticMin:        200,
			SemanticMax:        800,
			ShortTextThreshold: 5000,
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			ScoreThreshold: 0.2,
			WeightVector:   0.7,
			WeightGraph:    0.3,
		},
		Extraction: ExtractionConfig{
			MinTextLength: 30,
			Concurrency:   5,
			Temperature:   0.1,
		},
		MaxHistoryTurns: 10,
		IngestWorkers:   4,
	}
}

// LoadConfig reads a YAML or JSON config file, layered over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Embedding.Model == "" {
		return fmt.Errorf("%w: embedding model is required", ErrInvalidConfig)
	}
	if c.Chat.Model == "" {
		return fmt.Errorf("%w: chat model is required", ErrInvalidConfig)
	}
	switch c.Vector.Kind {
	case "", "sqlite", "qdrant":
	default:
		return fmt.Errorf("%w: unknown vector store kind %q", ErrInvalidConfig, c.Vector.Kind)
	}
	if c.Splitter.ChunkOverlap >= c.Splitter.ChunkSize && c.Splitter.ChunkSize > 0 {
		return fmt.Errorf("%w: chunk overlap must be smaller than chunk size", ErrInvalidConfig)
	}
	if c.Retrieval.WeightVector < 0 || c.Retrieval.WeightGraph < 0 {
		return fmt.Errorf("%w: fusion weights must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// resolveDataDir computes the state root from config fields.
func (c *Config) resolveDataDir() string {
	switch c.DataDir {
	case "", "home":
		home, err := os.UserHomeDir()
		if err != nil {
			return ".ragserve" // fallback to cwd
		}
		return filepath.Join(home, ".ragserve")
	case "local", "cwd":
		return ".ragserve"
	default:
		return c.DataDir
	}
}

// resolveDBPath computes the catalog database path.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.resolveDataDir(), "ragserve.db")
}

// resolveUploadRoot computes the upload storage root.
func (c *Config) resolveUploadRoot() string {
	if c.UploadRoot != "" {
		return c.UploadRoot
	}
	return filepath.Join(c.resolveDataDir(), "uploads")
}

// resolveVectorPath computes the sqlite vector database path.
func (c *Config) resolveVectorPath() string {
	if c.Vector.Path != "" {
		return c.Vector.Path
	}
	return filepath.Join(c.resolveDataDir(), "vectors.db")
}

// resolveGraphPath computes the graph database path.
func (c *Config) resolveGraphPath() string {
	if c.Graph.Path != "" {
		return c.Graph.Path
	}
	return filepath.Join(c.resolveDataDir(), "graph.db")
}
