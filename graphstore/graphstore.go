// Package graphstore keeps the per-knowledge-base entity graph in sqlite.
// Entities and relations are scoped by kb_id; traversal treats relations as
// undirected.
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrUnavailable    = errors.New("ragserve: graph store unavailable")
	ErrEntityNotFound = errors.New("ragserve: entity not found")
)

// batchSize bounds how many upserts share one transaction.
const batchSize = 1000

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kb_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    attrs JSON,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(kb_id, name)
);

CREATE TABLE IF NOT EXISTS relations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kb_id INTEGER NOT NULL,
    source_id INTEGER NOT NULL REFERENCES entities(id),
    target_id INTEGER NOT NULL REFERENCES entities(id),
    rel_type TEXT NOT NULL DEFAULT '',
    attrs JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(kb_id, source_id, target_id, rel_type)
);

CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);
CREATE INDEX IF NOT EXISTS idx_entities_kb ON entities(kb_id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_kb_name ON entities(kb_id, name);
CREATE INDEX IF NOT EXISTS idx_relations_kb ON relations(kb_id);
CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);
`

// Entity is a named node in a knowledge base graph.
type Entity struct {
	Name  string            `json:"name"`
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Relation is a typed edge between two entities of the same knowledge base.
type Relation struct {
	Source string            `json:"source"`
	Target string            `json:"target"`
	Type   string            `json:"type"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Related is a traversal hit: an entity reachable from the start node, with
// the hop count and the relation types along the discovered path.
type Related struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Hops int      `json:"hops"`
	Path []string `json:"path"`
}

// Neighbor is a one-hop adjacency entry.
type Neighbor struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Relation string `json:"relation"`
}

// EntityDetail is an entity plus its immediate neighborhood.
type EntityDetail struct {
	Entity
	Outgoing []Neighbor `json:"outgoing"`
	Incoming []Neighbor `json:"incoming"`
}

// Stats summarizes one knowledge base's graph.
type Stats struct {
	Entities        int            `json:"entities"`
	Relations       int            `json:"relations"`
	EntitiesByType  map[string]int `json:"entities_by_type"`
	RelationsByType map[string]int `json:"relations_by_type"`
}

// Store is the sqlite-backed graph store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the graph database at the given path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening graph database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating graph schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Available reports whether the store answers a ping.
func (s *Store) Available(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// --- entity operations ---

// UpsertEntity merges an entity on (kb, name). The type is overwritten, new
// attrs are patched over existing ones.
func (s *Store) UpsertEntity(ctx context.Context, kbID int64, e Entity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := upsertEntityTx(ctx, tx, kbID, e)
		return err
	})
}

// UpsertRelation merges both endpoints by (kb, name) and the edge by
// (kb, source, target, type).
func (s *Store) UpsertRelation(ctx context.Context, kbID int64, r Relation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertRelationTx(ctx, tx, kbID, r)
	})
}

// BatchUpsertEntities writes entities in batches of 1000, one transaction
// per batch. A failing batch rolls back and the error propagates; batches
// committed before it stay.
func (s *Store) BatchUpsertEntities(ctx context.Context, kbID int64, entities []Entity) error {
	for start := 0; start < len(entities); start += batchSize {
		end := start + batchSize
		if end > len(entities) {
			end = len(entities)
		}
		batch := entities[start:end]
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, e := range batch {
				if _, err := upsertEntityTx(ctx, tx, kbID, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("entity batch at offset %d: %w", start, err)
		}
	}
	return nil
}

// BatchUpsertRelations writes relations in batches of 1000, one transaction
// per batch, with the same failure semantics as BatchUpsertEntities.
func (s *Store) BatchUpsertRelations(ctx context.Context, kbID int64, relations []Relation) error {
	for start := 0; start < len(relations); start += batchSize {
		end := start + batchSize
		if end > len(relations) {
			end = len(relations)
		}
		batch := relations[start:end]
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, r := range batch {
				if err := upsertRelationTx(ctx, tx, kbID, r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("relation batch at offset %d: %w", start, err)
		}
	}
	return nil
}

func upsertEntityTx(ctx context.Context, tx *sql.Tx, kbID int64, e Entity) (int64, error) {
	attrs, err := marshalAttrs(e.Attrs)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (kb_id, name, entity_type, attrs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kb_id, name) DO UPDATE SET
			entity_type = excluded.entity_type,
			attrs = CASE WHEN excluded.attrs IS NULL THEN entities.attrs
			             ELSE json_patch(COALESCE(entities.attrs, '{}'), excluded.attrs) END,
			updated_at = CURRENT_TIMESTAMP
	`, kbID, e.Name, e.Type, attrs)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE kb_id = ? AND name = ?", kbID, e.Name).Scan(&id)
	return id, err
}

// mergeEndpointTx ensures an endpoint entity exists without clobbering a
// type a real upsert may already have set.
func mergeEndpointTx(ctx context.Context, tx *sql.Tx, kbID int64, name string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entities (kb_id, name) VALUES (?, ?)
		ON CONFLICT(kb_id, name) DO NOTHING
	`, kbID, name)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE kb_id = ? AND name = ?", kbID, name).Scan(&id)
	return id, err
}

func upsertRelationTx(ctx context.Context, tx *sql.Tx, kbID int64, r Relation) error {
	sourceID, err := mergeEndpointTx(ctx, tx, kbID, r.Source)
	if err != nil {
		return err
	}
	targetID, err := mergeEndpointTx(ctx, tx, kbID, r.Target)
	if err != nil {
		return err
	}
	attrs, err := marshalAttrs(r.Attrs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO relations (kb_id, source_id, target_id, rel_type, attrs)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kb_id, source_id, target_id, rel_type) DO UPDATE SET
			attrs = CASE WHEN excluded.attrs IS NULL THEN relations.attrs
			             ELSE json_patch(COALESCE(relations.attrs, '{}'), excluded.attrs) END
	`, kbID, sourceID, targetID, r.Type, attrs)
	return err
}

// --- traversal operations ---

// FindRelated walks the undirected graph outward from the named entity up to
// maxHops, returning distinct reached entities ordered by hop count then
// name. An unknown start entity yields an empty result.
func (s *Store) FindRelated(ctx context.Context, kbID int64, name string, maxHops, maxResults int) ([]Related, error) {
	if maxHops <= 0 || maxResults <= 0 {
		return nil, nil
	}

	var startID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE kb_id = ? AND name = ?", kbID, name).Scan(&startID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	visited := map[int64]bool{startID: true}
	paths := map[int64][]string{startID: nil}
	frontier := []int64{startID}

	var results []Related
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		edges, err := s.edgesTouching(ctx, kbID, frontier)
		if err != nil {
			return nil, err
		}

		next := make(map[int64][]string)
		for _, e := range edges {
			for _, pair := range [][2]int64{{e.source, e.target}, {e.target, e.source}} {
				from, to := pair[0], pair[1]
				basePath, onFrontier := paths[from]
				if !onFrontier || visited[to] {
					continue
				}
				if _, seen := next[to]; seen {
					continue
				}
				path := make([]string, 0, len(basePath)+1)
				path = append(path, basePath...)
				next[to] = append(path, e.relType)
			}
		}
		if len(next) == 0 {
			break
		}

		ids := make([]int64, 0, len(next))
		for id := range next {
			ids = append(ids, id)
			visited[id] = true
		}
		names, types, err := s.entityNames(ctx, ids)
		if err != nil {
			return nil, err
		}

		level := make([]Related, 0, len(next))
		for id, path := range next {
			level = append(level, Related{
				Name: names[id],
				Type: types[id],
				Hops: hop,
				Path: path,
			})
		}
		sort.Slice(level, func(i, j int) bool { return level[i].Name < level[j].Name })
		results = append(results, level...)
		if len(results) >= maxResults {
			return results[:maxResults], nil
		}

		paths = next
		frontier = ids
	}
	return results, nil
}

type edge struct {
	source, target int64
	relType        string
}

func (s *Store) edgesTouching(ctx context.Context, kbID int64, ids []int64) ([]edge, error) {
	placeholders := repeatPlaceholders(len(ids))
	args := make([]interface{}, 0, 2*len(ids)+1)
	args = append(args, kbID)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_id, target_id, rel_type FROM relations
		WHERE kb_id = ? AND (source_id IN (%s) OR target_id IN (%s))
		ORDER BY id
	`, placeholders, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []edge
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.source, &e.target, &e.relType); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) entityNames(ctx context.Context, ids []int64) (map[int64]string, map[int64]string, error) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, name, entity_type FROM entities WHERE id IN (%s)",
		repeatPlaceholders(len(ids))), args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	names := make(map[int64]string, len(ids))
	types := make(map[int64]string, len(ids))
	for rows.Next() {
		var id int64
		var name, typ string
		if err := rows.Scan(&id, &name, &typ); err != nil {
			return nil, nil, err
		}
		names[id] = name
		types[id] = typ
	}
	return names, types, rows.Err()
}

// GetEntity returns an entity with its one-hop outgoing and incoming
// neighborhoods.
func (s *Store) GetEntity(ctx context.Context, kbID int64, name string) (EntityDetail, error) {
	var detail EntityDetail
	var id int64
	var attrs sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, attrs FROM entities
		WHERE kb_id = ? AND name = ?
	`, kbID, name).Scan(&id, &detail.Name, &detail.Type, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return detail, fmt.Errorf("%w: %s", ErrEntityNotFound, name)
	}
	if err != nil {
		return detail, err
	}
	detail.Attrs, err = unmarshalAttrs(attrs.String)
	if err != nil {
		return detail, err
	}

	detail.Outgoing, err = s.neighbors(ctx, kbID, id, true)
	if err != nil {
		return detail, err
	}
	detail.Incoming, err = s.neighbors(ctx, kbID, id, false)
	if err != nil {
		return detail, err
	}
	return detail, nil
}

func (s *Store) neighbors(ctx context.Context, kbID, entityID int64, outgoing bool) ([]Neighbor, error) {
	join, where := "r.target_id", "r.source_id"
	if !outgoing {
		join, where = "r.source_id", "r.target_id"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.name, e.entity_type, r.rel_type
		FROM relations r
		JOIN entities e ON e.id = %s
		WHERE r.kb_id = ? AND %s = ?
		ORDER BY e.name, r.rel_type
	`, join, where), kbID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.Name, &n.Type, &n.Relation); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- maintenance operations ---

// DeleteKB removes every entity and relation scoped to the knowledge base.
func (s *Store) DeleteKB(ctx context.Context, kbID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM relations WHERE kb_id = ?", kbID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE kb_id = ?", kbID)
		return err
	})
}

// Stats reports node and edge counts plus by-type histograms for one
// knowledge base.
func (s *Store) Stats(ctx context.Context, kbID int64) (Stats, error) {
	stats := Stats{
		EntitiesByType:  make(map[string]int),
		RelationsByType: make(map[string]int),
	}
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE kb_id = ?", kbID).Scan(&stats.Entities)
	if err != nil {
		return stats, err
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM relations WHERE kb_id = ?", kbID).Scan(&stats.Relations)
	if err != nil {
		return stats, err
	}

	if err := s.histogram(ctx, "SELECT entity_type, COUNT(*) FROM entities WHERE kb_id = ? GROUP BY entity_type", kbID, stats.EntitiesByType); err != nil {
		return stats, err
	}
	if err := s.histogram(ctx, "SELECT rel_type, COUNT(*) FROM relations WHERE kb_id = ? GROUP BY rel_type", kbID, stats.RelationsByType); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Store) histogram(ctx context.Context, query string, kbID int64, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query, kbID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func marshalAttrs(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalAttrs(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
