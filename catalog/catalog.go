// Package catalog is the relational custodian of knowledge bases, files,
// chunks, assistants, conversations and messages. All multi-row operations
// (cascading deletes, stat refreshes, message-append-plus-counter) run in a
// single transaction.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrKBNotFound is returned when a knowledge base ID or name does not exist.
	ErrKBNotFound = errors.New("ragserve: knowledge base not found")

	// ErrFileNotFound is returned when a file ID does not exist.
	ErrFileNotFound = errors.New("ragserve: file not found")

	// ErrAssistantNotFound is returned when an assistant ID does not exist.
	ErrAssistantNotFound = errors.New("ragserve: assistant not found")

	// ErrConversationNotFound is returned when a conversation ID does not exist.
	ErrConversationNotFound = errors.New("ragserve: conversation not found")

	// ErrDuplicateName is returned when a unique name is already taken.
	ErrDuplicateName = errors.New("ragserve: name already exists")

	// ErrEmbeddingMismatch is returned when an operation spans knowledge bases
	// with different embedding providers or models.
	ErrEmbeddingMismatch = errors.New("ragserve: knowledge bases use different embedding configurations")

	// ErrEmbeddingImmutable is returned when changing the embedding model of a
	// knowledge base that already has chunks.
	ErrEmbeddingImmutable = errors.New("ragserve: embedding model cannot change once chunks exist")
)

// File processing statuses, in pipeline order.
const (
	FileUploaded  = "uploaded"
	FileParsing   = "parsing"
	FileParsed    = "parsed"
	FileEmbedding = "embedding"
	FileCompleted = "completed"
	FileError     = "error"
)

// KnowledgeBase represents a row in the knowledge_bases table.
type KnowledgeBase struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	EmbeddingModel    string `json:"embedding_model"`
	EmbeddingProvider string `json:"embedding_provider"`
	FileCount         int    `json:"file_count"`
	ChunkCount        int    `json:"chunk_count"`
	Status            string `json:"status"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

// File represents a row in the files table.
type File struct {
	ID           int64  `json:"id"`
	KBID         int64  `json:"kb_id"`
	Filename     string `json:"filename"`
	FileType     string `json:"file_type"`
	FileSize     int64  `json:"file_size"`
	FileHash     string `json:"file_hash"`
	StoragePath  string `json:"storage_path"`
	ChunkCount   int    `json:"chunk_count"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ProcessedAt  string `json:"processed_at,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Chunk represents a row in the chunks table. VectorID is the id of the
// corresponding record in the vector store (file_<fid>_chunk_<i>).
type Chunk struct {
	ID         int64  `json:"id"`
	KBID       int64  `json:"kb_id"`
	FileID     int64  `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	VectorID   string `json:"vector_id"`
	CreatedAt  string `json:"created_at"`
}

// Catalog wraps the SQLite database for all relational persistence.
type Catalog struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initialises the catalog schema.
func New(dbPath string) (*Catalog, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	c := &Catalog{db: db}

	// Run pending migrations.
	if err := c.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return c, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the database connection is alive.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying *sql.DB for advanced queries.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// --- Knowledge base operations ---

const kbColumns = `id, name, COALESCE(description, ''), embedding_model, embedding_provider,
	file_count, chunk_count, status, created_at, updated_at`

// CreateKB inserts a new knowledge base. The name must be unique.
func (c *Catalog) CreateKB(ctx context.Context, kb KnowledgeBase) (*KnowledgeBase, error) {
	if kb.Status == "" {
		kb.Status = "ready"
	}
	if kb.EmbeddingProvider == "" {
		kb.EmbeddingProvider = "local"
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (name, description, embedding_model, embedding_provider, status)
		VALUES (?, ?, ?, ?, ?)
	`, kb.Name, kb.Description, kb.EmbeddingModel, kb.EmbeddingProvider, kb.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: knowledge base %q", ErrDuplicateName, kb.Name)
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return c.GetKB(ctx, id)
}

// GetKB retrieves a knowledge base by ID.
func (c *Catalog) GetKB(ctx context.Context, id int64) (*KnowledgeBase, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+kbColumns+" FROM knowledge_bases WHERE id = ?", id)
	return scanKB(row)
}

// GetKBByName retrieves a knowledge base by its unique name.
func (c *Catalog) GetKBByName(ctx context.Context, name string) (*KnowledgeBase, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+kbColumns+" FROM knowledge_bases WHERE name = ?", name)
	return scanKB(row)
}

func scanKB(row *sql.Row) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	err := row.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.EmbeddingModel,
		&kb.EmbeddingProvider, &kb.FileCount, &kb.ChunkCount, &kb.Status,
		&kb.CreatedAt, &kb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKBNotFound
	}
	if err != nil {
		return nil, err
	}
	return kb, nil
}

// ListKBs returns knowledge bases ordered by creation time, newest first.
// A limit of 0 returns all rows.
func (c *Catalog) ListKBs(ctx context.Context, limit, offset int) ([]KnowledgeBase, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as unlimited
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+kbColumns+" FROM knowledge_bases ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		if err := rows.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.EmbeddingModel,
			&kb.EmbeddingProvider, &kb.FileCount, &kb.ChunkCount, &kb.Status,
			&kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// UpdateKB updates the name, description and/or embedding model of a
// knowledge base. Empty arguments leave the field unchanged. Changing the
// embedding model is rejected once the knowledge base has chunks.
func (c *Catalog) UpdateKB(ctx context.Context, id int64, name, description, embeddingModel string) (*KnowledgeBase, error) {
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		kb := &KnowledgeBase{}
		row := tx.QueryRowContext(ctx,
			"SELECT embedding_model, chunk_count FROM knowledge_bases WHERE id = ?", id)
		if err := row.Scan(&kb.EmbeddingModel, &kb.ChunkCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrKBNotFound
			}
			return err
		}

		if embeddingModel != "" && embeddingModel != kb.EmbeddingModel && kb.ChunkCount > 0 {
			return fmt.Errorf("%w: knowledge base %d has %d chunks", ErrEmbeddingImmutable, id, kb.ChunkCount)
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE knowledge_bases SET
				name = COALESCE(NULLIF(?, ''), name),
				description = COALESCE(NULLIF(?, ''), description),
				embedding_model = COALESCE(NULLIF(?, ''), embedding_model),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, name, description, embeddingModel, id)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: knowledge base %q", ErrDuplicateName, name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.GetKB(ctx, id)
}

// DeleteKB removes a knowledge base and all of its files and chunks.
// Vector, graph and on-disk cleanup is the caller's responsibility.
func (c *Catalog) DeleteKB(ctx context.Context, id int64) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE kb_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM files WHERE kb_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM knowledge_bases WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrKBNotFound
		}
		return nil
	})
}

// UpdateKBStats recomputes file_count and chunk_count from persisted rows.
// Only completed files contribute. Returns the new counts.
func (c *Catalog) UpdateKBStats(ctx context.Context, kbID int64) (fileCount, chunkCount int, err error) {
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM files WHERE kb_id = ? AND status = ?", kbID, FileCompleted)
		if err := row.Scan(&fileCount); err != nil {
			return err
		}
		row = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM chunks c
			JOIN files f ON f.id = c.file_id
			WHERE c.kb_id = ? AND f.status = ?
		`, kbID, FileCompleted)
		if err := row.Scan(&chunkCount); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE knowledge_bases SET file_count = ?, chunk_count = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, fileCount, chunkCount, kbID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrKBNotFound
		}
		return nil
	})
	return fileCount, chunkCount, err
}

// --- File operations ---

const fileColumns = `id, kb_id, filename, file_type, file_size, file_hash, storage_path,
	chunk_count, status, COALESCE(error_message, ''), COALESCE(processed_at, ''), created_at, updated_at`

// CreateFile inserts a new file record.
func (c *Catalog) CreateFile(ctx context.Context, f File) (*File, error) {
	if f.Status == "" {
		f.Status = FileUploaded
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO files (kb_id, filename, file_type, file_size, file_hash, storage_path, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.KBID, f.Filename, f.FileType, f.FileSize, f.FileHash, f.StoragePath, f.Status)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return c.GetFile(ctx, id)
}

// GetFile retrieves a file by ID.
func (c *Catalog) GetFile(ctx context.Context, id int64) (*File, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE id = ?", id)
	return scanFile(row)
}

// FileByHash looks up a file by content hash within a knowledge base.
// Returns ErrFileNotFound when no file with that hash exists.
func (c *Catalog) FileByHash(ctx context.Context, kbID int64, hash string) (*File, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE kb_id = ? AND file_hash = ?", kbID, hash)
	return scanFile(row)
}

func scanFile(row *sql.Row) (*File, error) {
	f := &File{}
	err := row.Scan(&f.ID, &f.KBID, &f.Filename, &f.FileType, &f.FileSize,
		&f.FileHash, &f.StoragePath, &f.ChunkCount, &f.Status,
		&f.ErrorMessage, &f.ProcessedAt, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListFiles returns all files in a knowledge base, newest first.
func (c *Catalog) ListFiles(ctx context.Context, kbID int64) ([]File, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE kb_id = ? ORDER BY created_at DESC, id DESC", kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.KBID, &f.Filename, &f.FileType, &f.FileSize,
			&f.FileHash, &f.StoragePath, &f.ChunkCount, &f.Status,
			&f.ErrorMessage, &f.ProcessedAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateFileStatus transitions a file's processing status. Completion also
// stamps processed_at; errMsg is stored only for the error status.
func (c *Catalog) UpdateFileStatus(ctx context.Context, id int64, status, errMsg string) error {
	var res sql.Result
	var err error
	switch status {
	case FileCompleted:
		res, err = c.db.ExecContext(ctx, `
			UPDATE files SET status = ?, error_message = NULL, processed_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, status, id)
	case FileError:
		res, err = c.db.ExecContext(ctx, `
			UPDATE files SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, status, errMsg, id)
	default:
		res, err = c.db.ExecContext(ctx, `
			UPDATE files SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, status, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFileNotFound
	}
	return nil
}

// SetFileChunkCount updates the per-file chunk counter.
func (c *Catalog) SetFileChunkCount(ctx context.Context, id int64, n int) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE files SET chunk_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", n, id)
	return err
}

// DeleteFile removes a file and its chunk rows. Vector cleanup is the
// caller's responsibility (see ChunkVectorIDs).
func (c *Catalog) DeleteFile(ctx context.Context, id int64) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE file_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrFileNotFound
		}
		return nil
	})
}

// ChunkVectorIDs returns the vector store ids of all chunks of a file,
// ordered by chunk index.
func (c *Catalog) ChunkVectorIDs(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT vector_id FROM chunks WHERE file_id = ? ORDER BY chunk_index", fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunk rows in a single transaction.
func (c *Catalog) InsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return c.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (kb_id, file_id, chunk_index, content, vector_id)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ch := range chunks {
			if _, err := stmt.ExecContext(ctx,
				ch.KBID, ch.FileID, ch.ChunkIndex, ch.Content, ch.VectorID); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListChunksByFile returns all chunks of a file ordered by chunk index.
func (c *Catalog) ListChunksByFile(ctx context.Context, fileID int64) ([]Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, kb_id, file_id, chunk_index, content, vector_id, created_at
		FROM chunks WHERE file_id = ? ORDER BY chunk_index
	`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ListChunksByKB returns all chunks of a knowledge base ordered by file
// then chunk index.
func (c *Catalog) ListChunksByKB(ctx context.Context, kbID int64) ([]Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, kb_id, file_id, chunk_index, content, vector_id, created_at
		FROM chunks WHERE kb_id = ? ORDER BY file_id, chunk_index
	`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

func collectChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var ch Chunk
		if err := rows.Scan(&ch.ID, &ch.KBID, &ch.FileID, &ch.ChunkIndex,
			&ch.Content, &ch.VectorID, &ch.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// CountChunksByFile returns the number of chunk rows of a file.
func (c *Catalog) CountChunksByFile(ctx context.Context, fileID int64) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE file_id = ?", fileID).Scan(&n)
	return n, err
}

// ChunksByVectorIDs returns chunks matching the given vector store ids.
func (c *Catalog) ChunksByVectorIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, kb_id, file_id, chunk_index, content, vector_id, created_at
		FROM chunks WHERE vector_id IN (?` + repeatPlaceholders(len(ids)-1) + ")"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// FilenamesByIDs returns a file id → filename map for the given ids.
// Used to decorate retrieval results.
func (c *Catalog) FilenamesByIDs(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	query := "SELECT id, filename FROM files WHERE id IN (?" + repeatPlaceholders(len(ids)-1) + ")"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[int64]string, len(ids))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// --- helpers ---

func (c *Catalog) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
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
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
