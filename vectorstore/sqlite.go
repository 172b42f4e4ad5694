package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// collection names become table suffixes, so they must be plain identifiers
var validCollection = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLite is the embedded vector store. Each collection is a metadata table
// vs_<name> paired with a vec0 virtual table vec_<name>, rows linked by
// rowid; a registry table tracks collection dimensions.
type SQLite struct {
	db     *sql.DB
	closed atomic.Bool

	mu   sync.Mutex
	dims map[string]int // collection -> dimension
}

// NewSQLite opens (or creates) the vector database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening vector database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			dim INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating collection registry: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db, dims: make(map[string]int)}
	if err := s.loadRegistry(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) loadRegistry() error {
	rows, err := s.db.Query("SELECT name, dim FROM collections")
	if err != nil {
		return fmt.Errorf("loading collection registry: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var dim int
		if err := rows.Scan(&name, &dim); err != nil {
			return err
		}
		s.dims[name] = dim
	}
	return rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

func (s *SQLite) guard(name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if name != "" && !validCollection.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// dimension returns the registered dimension of a collection.
func (s *SQLite) dimension(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dim, ok := s.dims[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return dim, nil
}

// EnsureCollection creates the metadata and vec0 tables for a collection.
// An existing collection keeps its original dimension.
func (s *SQLite) EnsureCollection(ctx context.Context, name string, dim int) error {
	if err := s.guard(name); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d for collection %s", dim, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dims[name]; ok {
		return nil
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS vs_%s (
				id TEXT NOT NULL UNIQUE,
				document TEXT,
				metadata JSON
			)`, name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS vec_%s USING vec0(
				row_id INTEGER PRIMARY KEY,
				embedding float[%d]
			)`, name, dim)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO collections (name, dim) VALUES (?, ?)", name, dim)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	s.dims[name] = dim
	return nil
}

// Upsert replaces records by id: delete-then-insert per id, all inside one
// transaction so a mid-batch failure leaves no partial insert.
func (s *SQLite) Upsert(ctx context.Context, collection string, recs []Record) error {
	if err := s.guard(collection); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	dim, err := s.dimension(collection)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if len(r.Vector) != dim {
			return fmt.Errorf("collection %s expects dimension %d, record %s has %d",
				collection, dim, r.ID, len(r.Vector))
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		del, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"DELETE FROM vec_%s WHERE row_id IN (SELECT rowid FROM vs_%s WHERE id = ?)",
			collection, collection))
		if err != nil {
			return err
		}
		defer del.Close()
		delMeta, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"DELETE FROM vs_%s WHERE id = ?", collection))
		if err != nil {
			return err
		}
		defer delMeta.Close()
		insMeta, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO vs_%s (id, document, metadata) VALUES (?, ?, ?)", collection))
		if err != nil {
			return err
		}
		defer insMeta.Close()
		insVec, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"INSERT INTO vec_%s (row_id, embedding) VALUES (?, ?)", collection))
		if err != nil {
			return err
		}
		defer insVec.Close()

		for _, r := range recs {
			if _, err := del.ExecContext(ctx, r.ID); err != nil {
				return err
			}
			if _, err := delMeta.ExecContext(ctx, r.ID); err != nil {
				return err
			}
			meta, err := marshalMetadata(r.Metadata)
			if err != nil {
				return err
			}
			res, err := insMeta.ExecContext(ctx, r.ID, r.Document, meta)
			if err != nil {
				return err
			}
			rowID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := insVec.ExecContext(ctx, rowID, serializeFloat32(r.Vector)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query runs a KNN search per query vector.
func (s *SQLite) Query(ctx context.Context, collection string, vectors [][]float32, k int) ([]Result, error) {
	if err := s.guard(collection); err != nil {
		return nil, err
	}
	if k <= 0 || len(vectors) == 0 {
		return nil, nil
	}
	if _, err := s.dimension(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT m.id, v.distance, COALESCE(m.document, ''), m.metadata
		FROM vec_%s v
		JOIN vs_%s m ON m.rowid = v.row_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, collection, collection)

	var results []Result
	for _, qv := range vectors {
		rows, err := s.db.QueryContext(ctx, query, serializeFloat32(qv), k)
		if err != nil {
			return nil, err
		}
		batch, err := collectResults(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

func collectResults(rows *sql.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var r Result
		var meta sql.NullString
		if err := rows.Scan(&r.ID, &r.Distance, &r.Document, &meta); err != nil {
			return nil, err
		}
		m, err := unmarshalMetadata(meta.String)
		if err != nil {
			return nil, err
		}
		r.Metadata = m
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteByIDs removes records by id; unknown ids are ignored.
func (s *SQLite) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	if err := s.guard(collection); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.dimension(collection); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		delVec, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"DELETE FROM vec_%s WHERE row_id IN (SELECT rowid FROM vs_%s WHERE id = ?)",
			collection, collection))
		if err != nil {
			return err
		}
		defer delVec.Close()
		delMeta, err := tx.PrepareContext(ctx, fmt.Sprintf(
			"DELETE FROM vs_%s WHERE id = ?", collection))
		if err != nil {
			return err
		}
		defer delMeta.Close()

		for _, id := range ids {
			if _, err := delVec.ExecContext(ctx, id); err != nil {
				return err
			}
			if _, err := delMeta.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteCollection drops a collection. Dropping an unknown collection is a
// no-op so cleanup stays idempotent.
func (s *SQLite) DeleteCollection(ctx context.Context, name string) error {
	if err := s.guard(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dims[name]; !ok {
		return nil
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS vec_%s", name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS vs_%s", name)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE name = ?", name)
		return err
	})
	if err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}
	delete(s.dims, name)
	return nil
}

// GetByIDs fetches stored records by id, skipping missing ones.
func (s *SQLite) GetByIDs(ctx context.Context, collection string, ids []string) ([]Record, error) {
	if err := s.guard(collection); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.dimension(collection); err != nil {
		return nil, err
	}

	placeholders := "?"
	args := make([]interface{}, len(ids))
	args[0] = ids[0]
	for i := 1; i < len(ids); i++ {
		placeholders += ", ?"
		args[i] = ids[i]
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.id, v.embedding, COALESCE(m.document, ''), m.metadata
		FROM vs_%s m
		JOIN vec_%s v ON v.row_id = m.rowid
		WHERE m.id IN (%s)
	`, collection, collection, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var meta sql.NullString
		if err := rows.Scan(&r.ID, &blob, &r.Document, &meta); err != nil {
			return nil, err
		}
		r.Vector = deserializeFloat32(blob)
		m, err := unmarshalMetadata(meta.String)
		if err != nil {
			return nil, err
		}
		r.Metadata = m
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// ListCollections returns all collection names in sorted order.
func (s *SQLite) ListCollections(ctx context.Context) ([]string, error) {
	if err := s.guard(""); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Stats reports the dimension and record count of a collection.
func (s *SQLite) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	if err := s.guard(collection); err != nil {
		return CollectionStats{}, err
	}
	dim, err := s.dimension(collection)
	if err != nil {
		return CollectionStats{}, err
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM vs_%s", collection)).Scan(&count)
	if err != nil {
		return CollectionStats{}, err
	}
	return CollectionStats{Name: collection, Dimension: dim, Count: count}, nil
}

// --- helpers ---

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
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

func marshalMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

var _ Store = (*SQLite)(nil)
