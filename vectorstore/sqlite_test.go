//go:build cgo

package vectorstore

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEnsure(t *testing.T, s *SQLite, name string, dim int) {
	t.Helper()
	if err := s.EnsureCollection(context.Background(), name, dim); err != nil {
		t.Fatalf("EnsureCollection(%s): %v", name, err)
	}
}

// -----

func TestEnsureCollectionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustEnsure(t, s, "kb_1", 3)
	// a second ensure keeps the original dimension
	if err := s.EnsureCollection(ctx, "kb_1", 8); err != nil {
		t.Fatalf("second EnsureCollection: %v", err)
	}
	stats, err := s.Stats(ctx, "kb_1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Dimension != 3 {
		t.Errorf("Dimension = %d, want 3", stats.Dimension)
	}
}

func TestEnsureCollectionRejectsBadName(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureCollection(context.Background(), "kb_1; DROP TABLE x", 3); err == nil {
		t.Fatal("expected error for invalid collection name")
	}
}

func TestUpsertAndQueryOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 3)

	recs := []Record{
		{ID: "a", Vector: []float32{1, 0, 0}, Document: "alpha"},
		{ID: "b", Vector: []float32{0, 1, 0}, Document: "beta"},
		{ID: "c", Vector: []float32{0.9, 0.1, 0}, Document: "gamma"},
	}
	if err := s.Upsert(ctx, "kb_1", recs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Query(ctx, "kb_1", [][]float32{{1, 0, 0}}, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("nearest = %s, want a", results[0].ID)
	}
	if results[0].Distance > 1e-5 {
		t.Errorf("self distance = %f, want ~0", results[0].Distance)
	}
	if results[1].ID != "c" {
		t.Errorf("second = %s, want c", results[1].ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("results not ordered by distance at %d", i)
		}
	}
}

func TestQueryMultipleVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 2)

	err := s.Upsert(ctx, "kb_1", []Record{
		{ID: "x", Vector: []float32{1, 0}},
		{ID: "y", Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Query(ctx, "kb_1", [][]float32{{1, 0}, {0, 1}}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (one per query)", len(results))
	}
	if results[0].ID != "x" || results[1].ID != "y" {
		t.Errorf("got %s,%s, want x,y", results[0].ID, results[1].ID)
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 2)

	if err := s.Upsert(ctx, "kb_1", []Record{{ID: "a", Vector: []float32{1, 0}, Document: "old"}}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := s.Upsert(ctx, "kb_1", []Record{{ID: "a", Vector: []float32{0, 1}, Document: "new"}}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	stats, err := s.Stats(ctx, "kb_1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 1 {
		t.Errorf("Count = %d, want 1 after replace", stats.Count)
	}

	recs, err := s.GetByIDs(ctx, "kb_1", []string{"a"})
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(recs) != 1 || recs[0].Document != "new" {
		t.Fatalf("got %+v, want replaced document", recs)
	}
	if math.Abs(float64(recs[0].Vector[1])-1) > 1e-6 {
		t.Errorf("vector not replaced: %v", recs[0].Vector)
	}
}

func TestUpsertDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 3)

	err := s.Upsert(ctx, "kb_1", []Record{{ID: "a", Vector: []float32{1, 0}}})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestQueryUnknownCollection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Query(context.Background(), "kb_404", [][]float32{{1}}, 1)
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("err = %v, want ErrCollectionNotFound", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 2)

	rec := Record{
		ID:       "a",
		Vector:   []float32{1, 0},
		Document: "text",
		Metadata: map[string]string{"file_id": "7", "chunk_index": "0"},
	}
	if err := s.Upsert(ctx, "kb_1", []Record{rec}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Query(ctx, "kb_1", [][]float32{{1, 0}}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Metadata["file_id"] != "7" || results[0].Metadata["chunk_index"] != "0" {
		t.Errorf("metadata lost: %v", results[0].Metadata)
	}
	if results[0].Document != "text" {
		t.Errorf("Document = %q, want text", results[0].Document)
	}
}

func TestDeleteByIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 2)

	err := s.Upsert(ctx, "kb_1", []Record{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// unknown ids are ignored
	if err := s.DeleteByIDs(ctx, "kb_1", []string{"a", "ghost"}); err != nil {
		t.Fatalf("DeleteByIDs: %v", err)
	}
	stats, err := s.Stats(ctx, "kb_1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 1 {
		t.Errorf("Count = %d, want 1", stats.Count)
	}

	results, err := s.Query(ctx, "kb_1", [][]float32{{1, 0}}, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "b" {
		t.Errorf("got %+v, want only b", results)
	}
}

func TestDeleteCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 2)
	mustEnsure(t, s, "kb_2", 2)

	if err := s.DeleteCollection(ctx, "kb_1"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	names, err := s.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	if len(names) != 1 || names[0] != "kb_2" {
		t.Errorf("ListCollections = %v, want [kb_2]", names)
	}
	// dropping again is a no-op
	if err := s.DeleteCollection(ctx, "kb_1"); err != nil {
		t.Fatalf("second DeleteCollection: %v", err)
	}
	if _, err := s.Query(ctx, "kb_1", [][]float32{{1, 0}}, 1); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("query after drop: err = %v, want ErrCollectionNotFound", err)
	}
}

func TestGetByIDsSkipsMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 2)

	if err := s.Upsert(ctx, "kb_1", []Record{{ID: "a", Vector: []float32{1, 0}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	recs, err := s.GetByIDs(ctx, "kb_1", []string{"a", "missing"})
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "a" {
		t.Errorf("got %+v, want just a", recs)
	}
}

func TestRegistrySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.db")

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	ctx := context.Background()
	mustEnsure(t, s, "kb_1", 4)
	if err := s.Upsert(ctx, "kb_1", []Record{{ID: "a", Vector: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	stats, err := reopened.Stats(ctx, "kb_1")
	if err != nil {
		t.Fatalf("Stats after reopen: %v", err)
	}
	if stats.Dimension != 4 || stats.Count != 1 {
		t.Errorf("stats after reopen = %+v, want dim 4 count 1", stats)
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	mustEnsure(t, s, "kb_1", 2)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Upsert(context.Background(), "kb_1", []Record{{ID: "a", Vector: []float32{1, 0}}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := s.Query(context.Background(), "kb_1", [][]float32{{1, 0}}, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestCollectionName(t *testing.T) {
	if got := CollectionName(42); got != "kb_42" {
		t.Errorf("CollectionName(42) = %q, want kb_42", got)
	}
}
