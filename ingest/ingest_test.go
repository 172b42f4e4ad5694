//go:build cgo

package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rosset/ragserve/catalog"
	"github.com/rosset/ragserve/embedding"
	"github.com/rosset/ragserve/extractor"
	"github.com/rosset/ragserve/filestore"
	"github.com/rosset/ragserve/graphstore"
	"github.com/rosset/ragserve/llm"
	"github.com/rosset/ragserve/parser"
	"github.com/rosset/ragserve/progress"
	"github.com/rosset/ragserve/splitter"
	"github.com/rosset/ragserve/vectorstore"
)

// fakeStore is an in-memory vector store recording upserts and deletes.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string]int
	records     map[string]map[string]vectorstore.Record
	deleted     []string
	failUpsert  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: make(map[string]int),
		records:     make(map[string]map[string]vectorstore.Record),
	}
}

func (f *fakeStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = dim
		f.records[name] = make(map[string]vectorstore.Record)
	}
	return nil
}

func (f *fakeStore) Upsert(ctx context.Context, collection string, recs []vectorstore.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert != nil {
		return f.failUpsert
	}
	for _, r := range recs {
		f.records[collection][r.ID] = r
	}
	return nil
}

func (f *fakeStore) Query(ctx context.Context, collection string, vectors [][]float32, k int) ([]vectorstore.Result, error) {
	return nil, nil
}

func (f *fakeStore) DeleteByIDs(ctx context.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.records[collection], id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeStore) DeleteCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	delete(f.records, name)
	return nil
}

func (f *fakeStore) GetByIDs(ctx context.Context, collection string, ids []string) ([]vectorstore.Record, error) {
	return nil, nil
}

func (f *fakeStore) ListCollections(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeStore) Stats(ctx context.Context, collection string) (vectorstore.CollectionStats, error) {
	return vectorstore.CollectionStats{}, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) record(collection, id string) (vectorstore.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[collection][id]
	return r, ok
}

func (f *fakeStore) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[collection])
}

// fakeEmbedder returns one fixed vector per input text.
type fakeEmbedder struct {
	short bool // drop the last vector to simulate a count mismatch
}

func (e *fakeEmbedder) Encode(ctx context.Context, texts []string, model string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	if e.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (e *fakeEmbedder) Dimension(ctx context.Context, model string) (int, error) { return 3, nil }
func (e *fakeEmbedder) Load(ctx context.Context, model string) error             { return nil }
func (e *fakeEmbedder) Unload(ctx context.Context, model string) error           { return nil }
func (e *fakeEmbedder) ListModels(ctx context.Context) ([]embedding.Model, error) {
	return nil, nil
}

// recordSink collects published events.
type recordSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordSink) Send(ev progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordSink) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

// stubLLM feeds the extractor fixed replies.
type stubLLM struct {
	reply string
	err   error
}

func (s *stubLLM) Chat(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (string, error) {
	return s.reply, s.err
}

func (s *stubLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (<-chan llm.Fragment, error) {
	return nil, errors.New("not supported")
}

func (s *stubLLM) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }
func (s *stubLLM) Load(ctx context.Context, model string) error        { return nil }
func (s *stubLLM) Unload(ctx context.Context, model string) error      { return nil }

// -----

type testEnv struct {
	cat     *catalog.Catalog
	files   *filestore.Store
	vectors *fakeStore
	sink    *recordSink
	pipe    *Pipeline
	kb      *catalog.KnowledgeBase
}

const testClient = "client-1"

func newTestEnv(t *testing.T, cfg Config, ex *extractor.Extractor, g *graphstore.Store) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.New(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	kb, err := cat.CreateKB(context.Background(), catalog.KnowledgeBase{
		Name:           "docs",
		EmbeddingModel: "nomic-embed-text",
	})
	if err != nil {
		t.Fatalf("CreateKB: %v", err)
	}

	files := filestore.New(filepath.Join(dir, "uploads"), 0)
	vectors := newFakeStore()
	bus := progress.NewBus()
	sink := &recordSink{}
	bus.Subscribe(testClient, sink)

	chooser := splitter.NewChooser(splitter.Config{ChunkSize: 5}, nil)
	embedders := map[string]embedding.Provider{"local": &fakeEmbedder{}}
	pipe := New(cat, files, parser.NewRegistry(), chooser, embedders, vectors, ex, g, bus, cfg)

	return &testEnv{cat: cat, files: files, vectors: vectors, sink: sink, pipe: pipe, kb: kb}
}

// upload stores content on disk and registers the file row, mirroring the
// engine's upload path.
func (e *testEnv) upload(t *testing.T, name, content string) *catalog.File {
	t.Helper()
	saved, err := e.files.Save(e.kb.ID, name, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := e.cat.CreateFile(context.Background(), catalog.File{
		KBID:        e.kb.ID,
		Filename:    saved.Filename,
		FileType:    parser.Ext(name),
		FileSize:    saved.Size,
		FileHash:    saved.Hash,
		StoragePath: saved.Path,
	})
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	return f
}

func (e *testEnv) job(f *catalog.File, buildGraph bool) Job {
	return Job{FileID: f.ID, KBID: e.kb.ID, ClientID: testClient, BuildGraph: buildGraph}
}

// -----

func TestRunProcessesFile(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	ctx := context.Background()
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	if err := env.pipe.Run(ctx, env.job(f, false)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := env.cat.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != catalog.FileCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ChunkCount != 2 {
		t.Errorf("chunk_count = %d, want 2", got.ChunkCount)
	}
	if got.ProcessedAt == "" {
		t.Error("processed_at not set")
	}

	collection := vectorstore.CollectionName(env.kb.ID)
	for i, doc := range []string{"hello", "world"} {
		id := fmt.Sprintf("file_%d_chunk_%d", f.ID, i)
		rec, ok := env.vectors.record(collection, id)
		if !ok {
			t.Fatalf("vector %s missing", id)
		}
		if rec.Document != doc {
			t.Errorf("vector %s document = %q, want %q", id, rec.Document, doc)
		}
		if rec.Metadata["file_id"] != fmt.Sprintf("%d", f.ID) || rec.Metadata["chunk_index"] != fmt.Sprintf("%d", i) {
			t.Errorf("vector %s metadata = %v", id, rec.Metadata)
		}
	}

	chunks, err := env.cat.ListChunksByFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("ListChunksByFile: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunk rows = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.VectorID != fmt.Sprintf("file_%d_chunk_%d", f.ID, i) {
			t.Errorf("chunk %d vector_id = %s", i, c.VectorID)
		}
	}

	kb, err := env.cat.GetKB(ctx, env.kb.ID)
	if err != nil {
		t.Fatalf("GetKB: %v", err)
	}
	if kb.FileCount != 1 || kb.ChunkCount != 2 {
		t.Errorf("kb stats = %d files %d chunks, want 1/2", kb.FileCount, kb.ChunkCount)
	}

	info, err := env.files.ReadInfo(env.kb.ID)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if info.TotalFiles != 1 || info.TotalChunks != 2 {
		t.Errorf("sidecar = %d files %d chunks, want 1/2", info.TotalFiles, info.TotalChunks)
	}
}

func TestRunEventSequence(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	if err := env.pipe.Run(context.Background(), env.job(f, false)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := env.sink.all()
	if len(events) == 0 {
		t.Fatal("no events published")
	}
	last := events[len(events)-1]
	if last.Type != progress.TypeComplete {
		t.Fatalf("last event type = %s, want complete", last.Type)
	}
	if last.Extra["chunk_count"] != 2 {
		t.Errorf("complete chunk_count = %v, want 2", last.Extra["chunk_count"])
	}

	wantStages := []struct {
		stage string
		pct   int
	}{
		{progress.StageParsing, 10},
		{progress.StageChunking, 30},
		{progress.StageEmbedding, 50},
		{progress.StageStoring, 80},
		{progress.StageStoring, 85},
	}
	var seen int
	prev := -1
	for _, ev := range events[:len(events)-1] {
		if ev.Type != progress.TypeProgress {
			t.Fatalf("unexpected event type %s before complete", ev.Type)
		}
		if ev.Progress < prev {
			t.Errorf("progress went backwards: %d after %d", ev.Progress, prev)
		}
		prev = ev.Progress
		if seen < len(wantStages) {
			if ev.Stage != wantStages[seen].stage || ev.Progress != wantStages[seen].pct {
				t.Errorf("event %d = %s/%d, want %s/%d",
					seen, ev.Stage, ev.Progress, wantStages[seen].stage, wantStages[seen].pct)
			}
		}
		seen++
	}
	if seen != len(wantStages) {
		t.Errorf("progress events = %d, want %d", seen, len(wantStages))
	}
}

func TestRunUnsupportedType(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	ctx := context.Background()
	f := env.upload(t, "data.zzz", "opaque bytes")

	err := env.pipe.Run(ctx, env.job(f, false))
	if !errors.Is(err, parser.ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}

	got, err := env.cat.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != catalog.FileError {
		t.Errorf("status = %s, want error", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("error_message not set")
	}

	events := env.sink.all()
	last := events[len(events)-1]
	if last.Type != progress.TypeError {
		t.Errorf("last event type = %s, want error", last.Type)
	}
	if env.vectors.count(vectorstore.CollectionName(env.kb.ID)) != 0 {
		t.Error("vectors stored despite parse failure")
	}
}

func TestRunEmptyDocument(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	ctx := context.Background()
	f := env.upload(t, "blank.txt", "   \n\n\t  ")

	err := env.pipe.Run(ctx, env.job(f, false))
	if err == nil || !strings.Contains(err.Error(), "no text content") {
		t.Fatalf("err = %v, want no-text failure", err)
	}

	got, _ := env.cat.GetFile(ctx, f.ID)
	if got.Status != catalog.FileError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestRunCompensatingVectorDelete(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	ctx := context.Background()
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	// Occupy (file, chunk 0) so the pipeline's insert hits the unique
	// constraint after vectors are already stored.
	if err := env.cat.InsertChunks(ctx, []catalog.Chunk{
		{KBID: env.kb.ID, FileID: f.ID, ChunkIndex: 0, Content: "squatter", VectorID: "other"},
	}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	err := env.pipe.Run(ctx, env.job(f, false))
	if err == nil || !strings.Contains(err.Error(), "saving chunks") {
		t.Fatalf("err = %v, want chunk insert failure", err)
	}

	collection := vectorstore.CollectionName(env.kb.ID)
	if n := env.vectors.count(collection); n != 0 {
		t.Errorf("vectors remaining = %d, want 0 after compensating delete", n)
	}
	wantDeleted := []string{
		fmt.Sprintf("file_%d_chunk_0", f.ID),
		fmt.Sprintf("file_%d_chunk_1", f.ID),
	}
	env.vectors.mu.Lock()
	deleted := append([]string(nil), env.vectors.deleted...)
	env.vectors.mu.Unlock()
	if len(deleted) != len(wantDeleted) {
		t.Fatalf("deleted = %v, want %v", deleted, wantDeleted)
	}
	for i := range wantDeleted {
		if deleted[i] != wantDeleted[i] {
			t.Errorf("deleted[%d] = %s, want %s", i, deleted[i], wantDeleted[i])
		}
	}

	got, _ := env.cat.GetFile(ctx, f.ID)
	if got.Status != catalog.FileError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestRunEmbeddingCountMismatch(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	env.pipe.embedders = map[string]embedding.Provider{"local": &fakeEmbedder{short: true}}
	ctx := context.Background()
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	err := env.pipe.Run(ctx, env.job(f, false))
	if err == nil || !strings.Contains(err.Error(), "vectors for") {
		t.Fatalf("err = %v, want vector count mismatch", err)
	}
	got, _ := env.cat.GetFile(ctx, f.ID)
	if got.Status != catalog.FileError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestRunGraphBuild(t *testing.T) {
	g, err := graphstore.New(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("graphstore.New: %v", err)
	}
	defer g.Close()
	ex := extractor.New(&stubLLM{
		reply: `{"entities":[{"name":"acme","type":"organization"},{"name":"berlin","type":"location"}],` +
			`"relations":[{"source":"acme","target":"berlin","type":"located_in"}]}`,
	}, extractor.Config{MinTextLength: 1})

	env := newTestEnv(t, Config{GraphEnabled: true}, ex, g)
	ctx := context.Background()
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	if err := env.pipe.Run(ctx, env.job(f, true)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats, err := g.Stats(ctx, env.kb.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entities != 2 || stats.Relations != 1 {
		t.Errorf("graph = %d entities %d relations, want 2/1", stats.Entities, stats.Relations)
	}
}

func TestRunGraphFailureIsNonFatal(t *testing.T) {
	g, err := graphstore.New(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("graphstore.New: %v", err)
	}
	defer g.Close()
	ex := extractor.New(&stubLLM{err: errors.New("model gone")}, extractor.Config{MinTextLength: 1})

	env := newTestEnv(t, Config{GraphEnabled: true}, ex, g)
	ctx := context.Background()
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	if err := env.pipe.Run(ctx, env.job(f, true)); err != nil {
		t.Fatalf("Run: %v, want graph failure swallowed", err)
	}

	got, _ := env.cat.GetFile(ctx, f.ID)
	if got.Status != catalog.FileCompleted {
		t.Errorf("status = %s, want completed despite graph failure", got.Status)
	}

	events := env.sink.all()
	last := events[len(events)-1]
	if last.Type != progress.TypeComplete {
		t.Fatalf("last event = %s, want complete", last.Type)
	}
	if !strings.Contains(last.Message, "graph build failed") {
		t.Errorf("complete message = %q, want graph warning suffix", last.Message)
	}
}

func TestRunGraphSkippedWhenNotRequested(t *testing.T) {
	g, err := graphstore.New(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("graphstore.New: %v", err)
	}
	defer g.Close()
	ex := extractor.New(&stubLLM{reply: `{"entities":[{"name":"acme","type":"org"}],"relations":[]}`},
		extractor.Config{MinTextLength: 1})

	env := newTestEnv(t, Config{GraphEnabled: true}, ex, g)
	ctx := context.Background()
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	if err := env.pipe.Run(ctx, env.job(f, false)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats, err := g.Stats(ctx, env.kb.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entities != 0 {
		t.Errorf("entities = %d, want 0 when graph not requested", stats.Entities)
	}
}

func TestWorkersRunJob(t *testing.T) {
	env := newTestEnv(t, Config{}, nil, nil)
	f := env.upload(t, "greeting.txt", "hello\n\nworld")

	w := NewWorkers(env.pipe, 1)
	w.Submit(env.job(f, false))
	w.StopWait()

	got, err := env.cat.GetFile(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != catalog.FileCompleted {
		t.Errorf("status = %s, want completed after StopWait", got.Status)
	}
}

func TestVectorID(t *testing.T) {
	if got := vectorID(12, 3); got != "file_12_chunk_3" {
		t.Errorf("vectorID = %s", got)
	}
}
