//go:build cgo

package graphstore

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestGraph(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTriangle(t *testing.T, s *Store, kbID int64) {
	t.Helper()
	ctx := context.Background()
	entities := []Entity{
		{Name: "alice", Type: "person"},
		{Name: "bob", Type: "person"},
		{Name: "acme", Type: "company"},
	}
	if err := s.BatchUpsertEntities(ctx, kbID, entities); err != nil {
		t.Fatalf("BatchUpsertEntities: %v", err)
	}
	relations := []Relation{
		{Source: "alice", Target: "bob", Type: "knows"},
		{Source: "bob", Target: "acme", Type: "works_at"},
	}
	if err := s.BatchUpsertRelations(ctx, kbID, relations); err != nil {
		t.Fatalf("BatchUpsertRelations: %v", err)
	}
}

// -----

func TestUpsertEntityMerges(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()

	if err := s.UpsertEntity(ctx, 1, Entity{Name: "alice", Type: "person", Attrs: map[string]string{"age": "30"}}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	// second write overwrites the type and patches attrs
	if err := s.UpsertEntity(ctx, 1, Entity{Name: "alice", Type: "employee", Attrs: map[string]string{"team": "infra"}}); err != nil {
		t.Fatalf("second UpsertEntity: %v", err)
	}

	stats, err := s.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entities != 1 {
		t.Errorf("Entities = %d, want 1", stats.Entities)
	}

	detail, err := s.GetEntity(ctx, 1, "alice")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if detail.Type != "employee" {
		t.Errorf("Type = %q, want employee", detail.Type)
	}
	want := map[string]string{"age": "30", "team": "infra"}
	if !reflect.DeepEqual(detail.Attrs, want) {
		t.Errorf("Attrs = %v, want %v", detail.Attrs, want)
	}
}

func TestUpsertRelationCreatesEndpoints(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()

	if err := s.UpsertRelation(ctx, 1, Relation{Source: "x", Target: "y", Type: "links"}); err != nil {
		t.Fatalf("UpsertRelation: %v", err)
	}
	stats, err := s.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entities != 2 || stats.Relations != 1 {
		t.Errorf("stats = %+v, want 2 entities 1 relation", stats)
	}

	// merging an endpoint again must not clobber a type set later
	if err := s.UpsertEntity(ctx, 1, Entity{Name: "x", Type: "host"}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if err := s.UpsertRelation(ctx, 1, Relation{Source: "x", Target: "z", Type: "links"}); err != nil {
		t.Fatalf("second UpsertRelation: %v", err)
	}
	detail, err := s.GetEntity(ctx, 1, "x")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if detail.Type != "host" {
		t.Errorf("endpoint type = %q, want host", detail.Type)
	}
}

func TestBatchUpsertIdempotent(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()

	seedTriangle(t, s, 1)
	seedTriangle(t, s, 1) // second run must not duplicate anything

	stats, err := s.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entities != 3 || stats.Relations != 2 {
		t.Errorf("stats after double run = %+v, want 3 entities 2 relations", stats)
	}
}

func TestFindRelatedHopsAndPaths(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()
	seedTriangle(t, s, 1)

	related, err := s.FindRelated(ctx, 1, "alice", 2, 10)
	if err != nil {
		t.Fatalf("FindRelated: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("got %d related, want 2: %+v", len(related), related)
	}
	if related[0].Name != "bob" || related[0].Hops != 1 {
		t.Errorf("first = %+v, want bob at hop 1", related[0])
	}
	if related[1].Name != "acme" || related[1].Hops != 2 {
		t.Errorf("second = %+v, want acme at hop 2", related[1])
	}
	if !reflect.DeepEqual(related[1].Path, []string{"knows", "works_at"}) {
		t.Errorf("path = %v, want [knows works_at]", related[1].Path)
	}
}

func TestFindRelatedIsUndirected(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()
	seedTriangle(t, s, 1)

	// acme only has an incoming edge, traversal must still reach bob from it
	related, err := s.FindRelated(ctx, 1, "acme", 1, 10)
	if err != nil {
		t.Fatalf("FindRelated: %v", err)
	}
	if len(related) != 1 || related[0].Name != "bob" {
		t.Fatalf("got %+v, want bob", related)
	}
}

func TestFindRelatedLimits(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()
	seedTriangle(t, s, 1)

	oneHop, err := s.FindRelated(ctx, 1, "alice", 1, 10)
	if err != nil {
		t.Fatalf("FindRelated: %v", err)
	}
	if len(oneHop) != 1 || oneHop[0].Name != "bob" {
		t.Errorf("maxHops 1: got %+v, want only bob", oneHop)
	}

	capped, err := s.FindRelated(ctx, 1, "alice", 2, 1)
	if err != nil {
		t.Fatalf("FindRelated: %v", err)
	}
	if len(capped) != 1 {
		t.Errorf("maxResults 1: got %d results", len(capped))
	}
}

func TestFindRelatedUnknownEntity(t *testing.T) {
	s := newTestGraph(t)
	related, err := s.FindRelated(context.Background(), 1, "nobody", 2, 10)
	if err != nil {
		t.Fatalf("FindRelated: %v", err)
	}
	if len(related) != 0 {
		t.Errorf("got %+v, want empty", related)
	}
}

func TestFindRelatedScopedToKB(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()
	seedTriangle(t, s, 1)
	seedTriangle(t, s, 2)

	related, err := s.FindRelated(ctx, 1, "alice", 2, 10)
	if err != nil {
		t.Fatalf("FindRelated: %v", err)
	}
	if len(related) != 2 {
		t.Errorf("kb 1 traversal sees %d entities, want 2", len(related))
	}
}

func TestGetEntityNeighborhoods(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()
	seedTriangle(t, s, 1)

	detail, err := s.GetEntity(ctx, 1, "bob")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if len(detail.Outgoing) != 1 || detail.Outgoing[0].Name != "acme" || detail.Outgoing[0].Relation != "works_at" {
		t.Errorf("Outgoing = %+v, want acme/works_at", detail.Outgoing)
	}
	if len(detail.Incoming) != 1 || detail.Incoming[0].Name != "alice" || detail.Incoming[0].Relation != "knows" {
		t.Errorf("Incoming = %+v, want alice/knows", detail.Incoming)
	}

	if _, err := s.GetEntity(ctx, 1, "nobody"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("err = %v, want ErrEntityNotFound", err)
	}
}

func TestDeleteKBScoped(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()
	seedTriangle(t, s, 1)
	seedTriangle(t, s, 2)

	if err := s.DeleteKB(ctx, 1); err != nil {
		t.Fatalf("DeleteKB: %v", err)
	}

	gone, err := s.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if gone.Entities != 0 || gone.Relations != 0 {
		t.Errorf("kb 1 stats = %+v, want empty", gone)
	}
	kept, err := s.Stats(ctx, 2)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if kept.Entities != 3 || kept.Relations != 2 {
		t.Errorf("kb 2 stats = %+v, want intact", kept)
	}
}

func TestStatsHistograms(t *testing.T) {
	s := newTestGraph(t)
	ctx := context.Background()
	seedTriangle(t, s, 1)

	stats, err := s.Stats(ctx, 1)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntitiesByType["person"] != 2 || stats.EntitiesByType["company"] != 1 {
		t.Errorf("EntitiesByType = %v", stats.EntitiesByType)
	}
	if stats.RelationsByType["knows"] != 1 || stats.RelationsByType["works_at"] != 1 {
		t.Errorf("RelationsByType = %v", stats.RelationsByType)
	}
}

func TestAvailable(t *testing.T) {
	s := newTestGraph(t)
	if !s.Available(context.Background()) {
		t.Error("Available = false for an open store")
	}
	s.Close()
	if s.Available(context.Background()) {
		t.Error("Available = true after Close")
	}
}
