// Package filestore keeps uploaded documents on disk, one directory per
// knowledge base, with a JSON sidecar describing the knowledge base.
//
// Layout:
//
//	<root>/kb_<id>/files/<sha256>_<name>
//	<root>/kb_<id>/info.json
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the size cap.
	ErrFileTooLarge = errors.New("ragserve: file exceeds size limit")

	// ErrInvalidName is returned for empty or path-traversing filenames.
	ErrInvalidName = errors.New("ragserve: invalid filename")
)

// Store writes and removes uploaded files under a fixed root.
type Store struct {
	root     string
	maxBytes int64
}

// New returns a store rooted at root. maxBytes caps a single upload;
// zero or negative means no cap.
func New(root string, maxBytes int64) *Store {
	return &Store{root: root, maxBytes: maxBytes}
}

// Saved describes a stored upload.
type Saved struct {
	Filename string // sanitized name
	Path     string // absolute storage path
	Hash     string // sha256 hex of the raw bytes
	Size     int64
}

// Save reads the upload, enforces the size cap, and writes it under the
// knowledge base directory named by its content hash. Saving the same bytes
// twice writes the same path.
func (s *Store) Save(kbID int64, filename string, r io.Reader) (Saved, error) {
	name, err := sanitizeName(filename)
	if err != nil {
		return Saved{}, err
	}

	var data []byte
	if s.maxBytes > 0 {
		data, err = io.ReadAll(io.LimitReader(r, s.maxBytes+1))
		if err == nil && int64(len(data)) > s.maxBytes {
			err = fmt.Errorf("%w: limit %d bytes", ErrFileTooLarge, s.maxBytes)
		}
	} else {
		data, err = io.ReadAll(r)
	}
	if err != nil {
		return Saved{}, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.KBDir(kbID), "files")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Saved{}, fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(dir, hash+"_"+name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Saved{}, fmt.Errorf("writing upload: %w", err)
	}

	return Saved{Filename: name, Path: path, Hash: hash, Size: int64(len(data))}, nil
}

// Remove deletes a stored file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveKB deletes the whole knowledge base directory, files and sidecar.
func (s *Store) RemoveKB(kbID int64) error {
	return os.RemoveAll(s.KBDir(kbID))
}

// KBDir returns the directory for a knowledge base.
func (s *Store) KBDir(kbID int64) string {
	return filepath.Join(s.root, fmt.Sprintf("kb_%d", kbID))
}

// sanitizeName strips any directory components and rejects names that would
// escape the storage tree.
func sanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", ErrInvalidName
	}
	return name, nil
}

// Info is the info.json sidecar carried alongside a knowledge base's files.
// It lets an operator identify a directory without the catalog.
type Info struct {
	KBID              int64     `json:"kb_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	EmbeddingModel    string    `json:"embedding_model"`
	EmbeddingProvider string    `json:"embedding_provider"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	TotalFiles        int       `json:"total_files"`
	TotalChunks       int       `json:"total_chunks"`
	Version           string    `json:"version"`
}

const infoVersion = "1.0"

// WriteInfo rewrites the sidecar for a knowledge base.
func (s *Store) WriteInfo(kbID int64, info Info) error {
	info.KBID = kbID
	if info.Version == "" {
		info.Version = infoVersion
	}
	if err := os.MkdirAll(s.KBDir(kbID), 0o755); err != nil {
		return fmt.Errorf("creating kb dir: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.KBDir(kbID), "info.json"), data, 0o644)
}

// ReadInfo loads the sidecar for a knowledge base.
func (s *Store) ReadInfo(kbID int64) (Info, error) {
	data, err := os.ReadFile(filepath.Join(s.KBDir(kbID), "info.json"))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parsing info.json: %w", err)
	}
	return info, nil
}
