// Package vectorstore stores and searches embedding vectors in per-KB
// collections. Two backends are provided: an embedded sqlite-vec store
// (the default) and a remote qdrant server spoken to over gRPC.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when the vector store backend is unreachable.
	ErrUnavailable = errors.New("ragserve: vector store unavailable")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("ragserve: store is closed")

	// ErrCollectionNotFound is returned for operations on a collection that
	// was never created.
	ErrCollectionNotFound = errors.New("ragserve: collection not found")
)

// Record is one stored vector with its source text and metadata.
// Metadata values are stringly typed for portability across backends.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata map[string]string
}

// Result is one nearest-neighbour hit. Distance is Euclidean L2; callers
// convert to similarity under the L2-normalized embedding assumption.
type Result struct {
	ID       string
	Distance float64
	Document string
	Metadata map[string]string
}

// CollectionStats describes one collection.
type CollectionStats struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Count     int    `json:"count"`
}

// Store is the backend-independent vector store surface.
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	// Existing collections keep their dimension.
	EnsureCollection(ctx context.Context, name string, dim int) error

	// Upsert inserts or replaces records by id.
	Upsert(ctx context.Context, collection string, recs []Record) error

	// Query runs a KNN search per query vector and returns the hits of all
	// queries concatenated, each group ordered by ascending distance.
	Query(ctx context.Context, collection string, vectors [][]float32, k int) ([]Result, error)

	// DeleteByIDs removes records by id. Missing ids are ignored.
	DeleteByIDs(ctx context.Context, collection string, ids []string) error

	// DeleteCollection drops a collection and all of its records.
	DeleteCollection(ctx context.Context, name string) error

	// GetByIDs fetches stored records by id, skipping missing ones.
	GetByIDs(ctx context.Context, collection string, ids []string) ([]Record, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Stats reports the dimension and record count of a collection.
	Stats(ctx context.Context, collection string) (CollectionStats, error)

	Close() error
}

// Kind selects a vector store backend.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindQdrant Kind = "qdrant"
)

// Config carries the union of backend settings.
type Config struct {
	Kind Kind

	// Path is the database file for the sqlite backend.
	Path string

	// Host and Port locate the qdrant gRPC endpoint.
	Host string
	Port int
}

// builders maps a Kind to its backend constructor.
var builders = map[Kind]func(Config) (Store, error){
	KindSQLite: func(cfg Config) (Store, error) { return NewSQLite(cfg.Path) },
	KindQdrant: func(cfg Config) (Store, error) { return NewQdrant(cfg.Host, cfg.Port) },
}

// New builds the store selected by cfg.Kind. An empty kind defaults to
// sqlite.
func New(cfg Config) (Store, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = KindSQLite
	}
	build, ok := builders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown vector store kind %q", kind)
	}
	return build(cfg)
}

// CollectionName returns the canonical collection name of a knowledge base.
func CollectionName(kbID int64) string {
	return fmt.Sprintf("kb_%d", kbID)
}
