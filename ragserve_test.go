//go:build cgo

package ragserve

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rosset/ragserve/progress"
	"github.com/rosset/ragserve/vectorstore"
)

// newTestEngine builds an engine on temporary sqlite state. Model runtimes
// are not contacted unless a test reaches for them.
func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.IngestWorkers = 1
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return eng
}

func mustCreateKB(t *testing.T, eng *Engine, name string) *KnowledgeBase {
	t.Helper()
	kb, err := eng.CreateKB(context.Background(), KnowledgeBase{Name: name})
	if err != nil {
		t.Fatalf("CreateKB: %v", err)
	}
	return kb
}

// chanSink forwards bus events into a buffered channel.
type chanSink struct{ ch chan progress.Event }

func newChanSink() chanSink {
	return chanSink{ch: make(chan progress.Event, 64)}
}

func (s chanSink) Send(ev progress.Event) error {
	select {
	case s.ch <- ev:
		return nil
	default:
		return errors.New("sink full")
	}
}

// waitForJob blocks until the client receives a terminal ingestion event.
func waitForJob(t *testing.T, sink chanSink) {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev := <-sink.ch:
			if ev.Type == progress.TypeComplete || ev.Type == progress.TypeError {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for ingestion to finish")
		}
	}
}

// -----------------------------------------------------------------------------

func TestNewEngineInitializesStores(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	for _, name := range []string{"ragserve.db", "vectors.db", "graph.db"} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "uploads")); err != nil {
		t.Errorf("missing uploads dir: %v", err)
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.Model = ""
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestCreateKBDefaults(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb := mustCreateKB(t, eng, "docs")

	if kb.EmbeddingModel != "nomic-embed-text" {
		t.Errorf("EmbeddingModel = %q", kb.EmbeddingModel)
	}
	if kb.EmbeddingProvider != "local" {
		t.Errorf("EmbeddingProvider = %q", kb.EmbeddingProvider)
	}

	info, err := eng.files.ReadInfo(kb.ID)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if info.Name != "docs" {
		t.Errorf("sidecar name = %q", info.Name)
	}
}

func TestCreateKBDuplicateName(t *testing.T) {
	eng := newTestEngine(t, nil)
	mustCreateKB(t, eng, "docs")

	_, err := eng.CreateKB(context.Background(), KnowledgeBase{Name: "docs"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("CreateKB = %v, want ErrDuplicateName", err)
	}
}

func TestListKBs(t *testing.T) {
	eng := newTestEngine(t, nil)
	mustCreateKB(t, eng, "first")
	mustCreateKB(t, eng, "second")

	kbs, err := eng.ListKBs(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListKBs: %v", err)
	}
	if len(kbs) != 2 {
		t.Fatalf("got %d knowledge bases, want 2", len(kbs))
	}
}

func TestUpdateKBKeepsUnsetFields(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb, err := eng.CreateKB(context.Background(), KnowledgeBase{Name: "docs", Description: "manuals"})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := eng.UpdateKB(context.Background(), kb.ID, "handbook", "", "")
	if err != nil {
		t.Fatalf("UpdateKB: %v", err)
	}
	if updated.Name != "handbook" {
		t.Errorf("Name = %q", updated.Name)
	}
	if updated.Description != "manuals" {
		t.Errorf("Description = %q, want unchanged", updated.Description)
	}
	if updated.EmbeddingModel != kb.EmbeddingModel {
		t.Errorf("EmbeddingModel changed to %q", updated.EmbeddingModel)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb := mustCreateKB(t, eng, "docs")

	_, err := eng.UploadFile(context.Background(), kb.ID, "archive.zzz",
		strings.NewReader("payload"), UploadOptions{})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("UploadFile = %v, want ErrUnsupportedType", err)
	}

	files, err := eng.ListFiles(context.Background(), kb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("got %d file records, want 0", len(files))
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	eng := newTestEngine(t, func(c *Config) { c.MaxFileBytes = 8 })
	kb := mustCreateKB(t, eng, "docs")

	_, err := eng.UploadFile(context.Background(), kb.ID, "big.txt",
		strings.NewReader("well over eight bytes"), UploadOptions{})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("UploadFile = %v, want ErrFileTooLarge", err)
	}
}

func TestUploadUnknownKB(t *testing.T) {
	eng := newTestEngine(t, nil)

	_, err := eng.UploadFile(context.Background(), 404, "a.txt",
		strings.NewReader("content"), UploadOptions{})
	if !errors.Is(err, ErrKBNotFound) {
		t.Fatalf("UploadFile = %v, want ErrKBNotFound", err)
	}
}

func TestUploadDedupeByContent(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb := mustCreateKB(t, eng, "docs")
	ctx := context.Background()

	first, err := eng.UploadFile(ctx, kb.ID, "report.txt",
		strings.NewReader("identical bytes"), UploadOptions{})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}

	second, err := eng.UploadFile(ctx, kb.ID, "renamed.txt",
		strings.NewReader("identical bytes"), UploadOptions{})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate got new id %d, want %d", second.ID, first.ID)
	}
	if second.Filename != "report.txt" {
		t.Errorf("Filename = %q, want the original record", second.Filename)
	}

	files, err := eng.ListFiles(ctx, kb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d file records, want 1", len(files))
	}

	// The stray copy written for the new name must be gone.
	entries, err := os.ReadDir(filepath.Join(eng.files.KBDir(kb.ID), "files"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d stored blobs, want 1", len(entries))
	}
}

func TestDeleteFileRemovesRecordAndBlob(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb := mustCreateKB(t, eng, "docs")
	ctx := context.Background()

	sink := newChanSink()
	eng.Bus().Subscribe("del-client", sink)
	defer eng.Bus().Unsubscribe("del-client", sink)

	file, err := eng.UploadFile(ctx, kb.ID, "note.txt",
		strings.NewReader("short note"), UploadOptions{ClientID: "del-client"})
	if err != nil {
		t.Fatal(err)
	}
	waitForJob(t, sink)

	if err := eng.DeleteFile(ctx, file.ID); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := eng.GetFile(ctx, file.ID); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("GetFile = %v, want ErrFileNotFound", err)
	}
	if _, err := os.Stat(file.StoragePath); !os.IsNotExist(err) {
		t.Errorf("stored blob still present: %v", err)
	}
}

func TestDeleteKBCleansStores(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb := mustCreateKB(t, eng, "docs")
	ctx := context.Background()

	sink := newChanSink()
	eng.Bus().Subscribe("kb-client", sink)
	defer eng.Bus().Unsubscribe("kb-client", sink)

	if _, err := eng.UploadFile(ctx, kb.ID, "note.txt",
		strings.NewReader("short note"), UploadOptions{ClientID: "kb-client"}); err != nil {
		t.Fatal(err)
	}
	waitForJob(t, sink)

	if err := eng.DeleteKB(ctx, kb.ID); err != nil {
		t.Fatalf("DeleteKB: %v", err)
	}
	if _, err := eng.GetKB(ctx, kb.ID); !errors.Is(err, ErrKBNotFound) {
		t.Errorf("GetKB = %v, want ErrKBNotFound", err)
	}
	if _, err := os.Stat(eng.files.KBDir(kb.ID)); !os.IsNotExist(err) {
		t.Errorf("upload directory still present: %v", err)
	}

	collections, err := eng.vectors.ListCollections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Contains(collections, vectorstore.CollectionName(kb.ID)) {
		t.Error("vector collection still present after delete")
	}
}

func TestDeleteKBUnknown(t *testing.T) {
	eng := newTestEngine(t, nil)
	if err := eng.DeleteKB(context.Background(), 404); !errors.Is(err, ErrKBNotFound) {
		t.Fatalf("DeleteKB = %v, want ErrKBNotFound", err)
	}
}

// -----------------------------------------------------------------------------

func TestCheckModelRemoval(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()
	mustCreateKB(t, eng, "docs")

	if _, err := eng.CreateAssistant(ctx, Assistant{Name: "helper", LLMModel: "llama3.1:8b"}); err != nil {
		t.Fatalf("CreateAssistant: %v", err)
	}

	if err := eng.CheckModelRemoval(ctx, "nomic-embed-text"); !errors.Is(err, ErrModelInUse) {
		t.Errorf("embedding model removal = %v, want ErrModelInUse", err)
	}
	if err := eng.CheckModelRemoval(ctx, "llama3.1:8b"); !errors.Is(err, ErrModelInUse) {
		t.Errorf("chat model removal = %v, want ErrModelInUse", err)
	}
	if err := eng.CheckModelRemoval(ctx, "mistral:7b"); err != nil {
		t.Errorf("unused model removal = %v, want nil", err)
	}
}

func TestCheckHealthComponents(t *testing.T) {
	eng := newTestEngine(t, nil)
	h := eng.CheckHealth(context.Background())

	if h.Components["catalog"] != "ok" {
		t.Errorf("catalog = %q", h.Components["catalog"])
	}
	if h.Components["vector_store"] != "ok" {
		t.Errorf("vector_store = %q", h.Components["vector_store"])
	}
	if h.Components["graph"] != "ok" {
		t.Errorf("graph = %q", h.Components["graph"])
	}
	for _, name := range []string{"embedding", "llm"} {
		if _, ok := h.Components[name]; !ok {
			t.Errorf("missing %s component", name)
		}
	}
}

func TestCheckHealthGraphDisabled(t *testing.T) {
	eng := newTestEngine(t, func(c *Config) { c.Graph.Enabled = false })
	h := eng.CheckHealth(context.Background())
	if h.Components["graph"] != "disabled" {
		t.Errorf("graph = %q, want disabled", h.Components["graph"])
	}
}

func TestChatUnknownConversation(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.Chat(context.Background(), ChatRequest{ConversationID: 404, Query: "hello"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("Chat = %v, want ErrConversationNotFound", err)
	}
}

func TestMessagesUnknownConversation(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.Messages(context.Background(), 404, 0)
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("Messages = %v, want ErrConversationNotFound", err)
	}
}

func TestGraphStatsDisabled(t *testing.T) {
	eng := newTestEngine(t, func(c *Config) { c.Graph.Enabled = false })
	kb := mustCreateKB(t, eng, "docs")

	_, err := eng.GraphStats(context.Background(), kb.ID)
	if !errors.Is(err, ErrGraphUnavailable) {
		t.Fatalf("GraphStats = %v, want ErrGraphUnavailable", err)
	}
}

func TestGraphStatsEmptyKB(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb := mustCreateKB(t, eng, "docs")

	stats, err := eng.GraphStats(context.Background(), kb.ID)
	if err != nil {
		t.Fatalf("GraphStats: %v", err)
	}
	if stats.Entities != 0 || stats.Relations != 0 {
		t.Errorf("stats = %+v, want empty", stats)
	}
}

func TestRebuildGraphEmptyKB(t *testing.T) {
	eng := newTestEngine(t, nil)
	kb := mustCreateKB(t, eng, "docs")

	stats, err := eng.RebuildGraph(context.Background(), kb.ID, false)
	if err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}
	if stats.Entities != 0 {
		t.Errorf("Entities = %d, want 0", stats.Entities)
	}
}

func TestRebuildGraphUnknownKB(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.RebuildGraph(context.Background(), 404, false)
	if !errors.Is(err, ErrKBNotFound) {
		t.Fatalf("RebuildGraph = %v, want ErrKBNotFound", err)
	}
}

func TestSupportedExtensions(t *testing.T) {
	eng := newTestEngine(t, nil)
	exts := eng.SupportedExtensions()
	for _, want := range []string{"txt", "md", "pdf", "docx", "xlsx"} {
		if !slices.Contains(exts, want) {
			t.Errorf("extensions %v missing %q", exts, want)
		}
	}
}
