// Package ragserve assembles a retrieval-augmented generation engine from
// its parts: a sqlite catalog of knowledge bases, files and conversations,
// a vector store (embedded sqlite-vec or remote qdrant), an optional entity
// graph, embedding and chat model providers, an ingestion worker pool and a
// chat orchestrator. The Engine type wires them together behind one façade;
// cmd/server exposes that façade over HTTP.
package ragserve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rosset/ragserve/catalog"
	"github.com/rosset/ragserve/chat"
	"github.com/rosset/ragserve/embedding"
	"github.com/rosset/ragserve/extractor"
	"github.com/rosset/ragserve/filestore"
	"github.com/rosset/ragserve/graphstore"
	"github.com/rosset/ragserve/ingest"
	"github.com/rosset/ragserve/llm"
	"github.com/rosset/ragserve/parser"
	"github.com/rosset/ragserve/progress"
	"github.com/rosset/ragserve/retrieve"
	"github.com/rosset/ragserve/splitter"
	"github.com/rosset/ragserve/vectorstore"
)

// Re-exported entity and request types so most callers only import this
// package.
type (
	KnowledgeBase = catalog.KnowledgeBase
	File          = catalog.File
	Chunk         = catalog.Chunk
	Assistant     = catalog.Assistant
	Conversation  = catalog.Conversation
	Message       = catalog.Message

	SearchResult = retrieve.Result
	ChatRequest  = chat.Request
	ChatReply    = chat.Reply
	ChatEvent    = chat.Event
	GraphStats   = graphstore.Stats
)

// UploadOptions carries the per-upload knobs.
type UploadOptions struct {
	// ClientID routes ingestion progress events to one subscriber.
	ClientID string
	// BuildGraph extracts entities from the file after embedding.
	BuildGraph bool
}

// Health reports component reachability. Status is "ok" when every
// component answers and "degraded" otherwise.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Engine is the assembled serving engine. Construct with New, release with
// Close.
type Engine struct {
	cfg Config

	catalog   *catalog.Catalog
	files     *filestore.Store
	vectors   vectorstore.Store
	graph     *graphstore.Store
	embedders map[string]embedding.Provider
	llms      map[string]llm.Provider
	extractor *extractor.Extractor
	parsers   *parser.Registry
	bus       *progress.Bus
	pipeline  *ingest.Pipeline
	workers   *ingest.Workers
	retriever *retrieve.Retriever
	chat      *chat.Orchestrator
}

// New builds an engine from the configuration. Construction is fail-fast
// for the catalog and vector store; a broken graph store only disables
// graph features, and model runtimes are probed lazily on first use.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbPath := cfg.resolveDBPath()
	dirs := []string{cfg.resolveDataDir(), filepath.Dir(dbPath), cfg.resolveUploadRoot()}
	if cfg.Vector.Kind != string(vectorstore.KindQdrant) {
		dirs = append(dirs, filepath.Dir(cfg.resolveVectorPath()))
	}
	if cfg.Graph.Enabled {
		dirs = append(dirs, filepath.Dir(cfg.resolveGraphPath()))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	cat, err := catalog.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	vectors, err := vectorstore.New(vectorstore.Config{
		Kind: vectorstore.Kind(cfg.Vector.Kind),
		Path: cfg.resolveVectorPath(),
		Host: cfg.Vector.Host,
		Port: cfg.Vector.Port,
	})
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	var graph *graphstore.Store
	if cfg.Graph.Enabled {
		graph, err = graphstore.New(cfg.resolveGraphPath())
		if err != nil {
			slog.Warn("ragserve: graph store unavailable, continuing without graph retrieval", "error", err)
			graph = nil
		}
	}

	embedder, err := embedding.New(embedding.Config{
		Kind:      embedding.Kind(cfg.Embedding.Kind),
		BaseURL:   cfg.Embedding.BaseURL,
		BatchSize: cfg.Embedding.BatchSize,
	})
	if err != nil {
		closeAll(cat, vectors, graph)
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	embedders := map[string]embedding.Provider{providerKey(cfg.Embedding.Kind): embedder}

	chatLLM, err := llm.New(llm.Config{
		Kind:    llm.Kind(cfg.Chat.Kind),
		BaseURL: cfg.Chat.BaseURL,
		APIKey:  cfg.Chat.APIKey,
	})
	if err != nil {
		closeAll(cat, vectors, graph)
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}
	llms := map[string]llm.Provider{providerKey(cfg.Chat.Kind): chatLLM}

	var ex *extractor.Extractor
	if graph != nil {
		model := cfg.Extraction.Model
		if model == "" {
			model = cfg.Chat.Model
		}
		ex = extractor.New(chatLLM, extractor.Config{
			Model:         model,
			MinTextLength: cfg.Extraction.MinTextLength,
			Concurrency:   cfg.Extraction.Concurrency,
			Temperature:   cfg.Extraction.Temperature,
		})
	}

	var decider splitter.Decider
	if cfg.Splitter.Semantic {
		decider = &mergeDecider{provider: chatLLM, model: cfg.Chat.Model}
	}
	chooser := splitter.NewChooser(splitter.Config{
		ChunkSize:          cfg.Splitter.ChunkSize,
		ChunkOverlap:       cfg.Splitter.ChunkOverlap,
		Semantic:           cfg.Splitter.Semantic,
		SemanticMin:        cfg.Splitter.SemanticMin,
		SemanticMax:        cfg.Splitter.SemanticMax,
		ShortTextThreshold: cfg.Splitter.ShortTextThreshold,
	}, decider)

	files := filestore.New(cfg.resolveUploadRoot(), cfg.MaxFileBytes)
	parsers := parser.NewRegistry()
	bus := progress.NewBus()

	pipeline := ingest.New(cat, files, parsers, chooser, embedders, vectors, ex, graph, bus,
		ingest.Config{GraphEnabled: graph != nil})
	workers := ingest.NewWorkers(pipeline, cfg.IngestWorkers)

	retriever := retrieve.New(cat, vectors, embedders, ex, graph, retrieve.Config{
		Threshold:    cfg.Retrieval.ScoreThreshold,
		WeightVector: cfg.Retrieval.WeightVector,
		WeightGraph:  cfg.Retrieval.WeightGraph,
		MaxHops:      cfg.Graph.MaxHops,
	})

	orch := chat.New(cat, retriever, llms, embedders, chat.Config{
		TopK:            cfg.Retrieval.TopK,
		MaxHistoryTurns: cfg.MaxHistoryTurns,
	})

	slog.Info("ragserve: engine ready",
		"db", dbPath,
		"vector_kind", string(vectorstore.Kind(cfg.Vector.Kind)),
		"graph_enabled", graph != nil,
		"ingest_workers", cfg.IngestWorkers)

	return &Engine{
		cfg:       cfg,
		catalog:   cat,
		files:     files,
		vectors:   vectors,
		graph:     graph,
		embedders: embedders,
		llms:      llms,
		extractor: ex,
		parsers:   parsers,
		bus:       bus,
		pipeline:  pipeline,
		workers:   workers,
		retriever: retriever,
		chat:      orch,
	}, nil
}

func closeAll(cat *catalog.Catalog, vectors vectorstore.Store, graph *graphstore.Store) {
	cat.Close()
	vectors.Close()
	if graph != nil {
		graph.Close()
	}
}

func providerKey(kind string) string {
	if kind == "" {
		return "local"
	}
	return kind
}

// Close drains the ingestion pool and releases every store. Safe to call
// once; the engine is unusable afterwards.
func (e *Engine) Close() error {
	e.workers.StopWait()
	var errs []error
	if err := e.catalog.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.vectors.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.graph != nil {
		if err := e.graph.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus exposes the progress bus so transports can attach subscribers.
func (e *Engine) Bus() *progress.Bus { return e.bus }

// Catalog exposes the underlying catalog for diagnostics and tests.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// QueueSize reports the number of ingestion jobs waiting for a worker.
func (e *Engine) QueueSize() int { return e.workers.QueueSize() }

// SupportedExtensions lists the file extensions the parser registry accepts.
func (e *Engine) SupportedExtensions() []string { return e.parsers.Extensions() }

// ---------------------------------------------------------------------------
// Knowledge bases.
// ---------------------------------------------------------------------------

// CreateKB creates a knowledge base. An empty embedding model or provider
// falls back to the engine defaults. The upload directory's info.json
// sidecar is written best-effort.
func (e *Engine) CreateKB(ctx context.Context, kb KnowledgeBase) (*KnowledgeBase, error) {
	if kb.EmbeddingModel == "" {
		kb.EmbeddingModel = e.cfg.Embedding.Model
	}
	if kb.EmbeddingProvider == "" {
		kb.EmbeddingProvider = providerKey(e.cfg.Embedding.Kind)
	}
	created, err := e.catalog.CreateKB(ctx, kb)
	if err != nil {
		return nil, err
	}
	e.writeKBInfo(created, 0, 0)
	slog.Info("ragserve: knowledge base created", "kb_id", created.ID, "name", created.Name)
	return created, nil
}

// GetKB returns one knowledge base by id.
func (e *Engine) GetKB(ctx context.Context, id int64) (*KnowledgeBase, error) {
	return e.catalog.GetKB(ctx, id)
}

// ListKBs pages through knowledge bases, newest first.
func (e *Engine) ListKBs(ctx context.Context, limit, offset int) ([]KnowledgeBase, error) {
	return e.catalog.ListKBs(ctx, limit, offset)
}

// UpdateKB renames or redescribes a knowledge base. Changing the embedding
// model is rejected once chunks exist.
func (e *Engine) UpdateKB(ctx context.Context, id int64, name, description, embeddingModel string) (*KnowledgeBase, error) {
	kb, err := e.catalog.UpdateKB(ctx, id, name, description, embeddingModel)
	if err != nil {
		return nil, err
	}
	e.refreshKBInfo(ctx, id)
	return kb, nil
}

// DeleteKB removes a knowledge base with its files, chunks, vectors, graph
// subgraph and upload directory. The catalog rows are authoritative; store
// cleanup failures are logged and swallowed so a dead backend cannot block
// the delete.
func (e *Engine) DeleteKB(ctx context.Context, id int64) error {
	if _, err := e.catalog.GetKB(ctx, id); err != nil {
		return err
	}
	if err := e.catalog.DeleteKB(ctx, id); err != nil {
		return err
	}
	if err := e.vectors.DeleteCollection(ctx, vectorstore.CollectionName(id)); err != nil {
		slog.Warn("ragserve: deleting vector collection", "kb_id", id, "error", err)
	}
	if e.graph != nil {
		if err := e.graph.DeleteKB(ctx, id); err != nil {
			slog.Warn("ragserve: deleting graph subgraph", "kb_id", id, "error", err)
		}
	}
	if err := e.files.RemoveKB(id); err != nil {
		slog.Warn("ragserve: removing upload directory", "kb_id", id, "error", err)
	}
	slog.Info("ragserve: knowledge base deleted", "kb_id", id)
	return nil
}

// writeKBInfo writes the info.json sidecar for a knowledge base. Failures
// are logged, never returned; the sidecar is a convenience mirror.
func (e *Engine) writeKBInfo(kb *KnowledgeBase, fileCount, chunkCount int) {
	info := filestore.Info{
		Name:              kb.Name,
		Description:       kb.Description,
		EmbeddingModel:    kb.EmbeddingModel,
		EmbeddingProvider: kb.EmbeddingProvider,
		CreatedAt:         parseCatalogTime(kb.CreatedAt),
		UpdatedAt:         time.Now().UTC(),
		TotalFiles:        fileCount,
		TotalChunks:       chunkCount,
	}
	if err := e.files.WriteInfo(kb.ID, info); err != nil {
		slog.Warn("ragserve: sidecar update failed", "kb_id", kb.ID, "error", err)
	}
}

// refreshKBInfo recomputes catalog counters and rewrites the sidecar.
func (e *Engine) refreshKBInfo(ctx context.Context, kbID int64) {
	fileCount, chunkCount, err := e.catalog.UpdateKBStats(ctx, kbID)
	if err != nil {
		slog.Warn("ragserve: stats refresh failed", "kb_id", kbID, "error", err)
		return
	}
	kb, err := e.catalog.GetKB(ctx, kbID)
	if err != nil {
		return
	}
	e.writeKBInfo(kb, fileCount, chunkCount)
}

// parseCatalogTime reads the catalog's CURRENT_TIMESTAMP format, returning
// the zero time for anything unparseable.
func parseCatalogTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---------------------------------------------------------------------------
// Files and ingestion.
// ---------------------------------------------------------------------------

// UploadFile stores an upload and queues it for ingestion. A file whose
// content already exists in the knowledge base is not re-ingested; the
// existing record is returned unchanged.
func (e *Engine) UploadFile(ctx context.Context, kbID int64, filename string, r io.Reader, opts UploadOptions) (*File, error) {
	if _, err := e.catalog.GetKB(ctx, kbID); err != nil {
		return nil, err
	}
	if !e.parsers.Supported(filename) {
		return nil, fmt.Errorf("%w: %s", parser.ErrUnsupportedType, parser.Ext(filename))
	}

	saved, err := e.files.Save(kbID, filename, r)
	if err != nil {
		return nil, err
	}

	existing, err := e.catalog.FileByHash(ctx, kbID, saved.Hash)
	switch {
	case err == nil:
		// Same bytes under a different name leave a stray copy behind.
		if existing.StoragePath != saved.Path {
			if rerr := e.files.Remove(saved.Path); rerr != nil {
				slog.Warn("ragserve: removing duplicate upload", "path", saved.Path, "error", rerr)
			}
		}
		slog.Info("ragserve: duplicate upload, reusing file",
			"kb_id", kbID, "file_id", existing.ID, "filename", existing.Filename)
		return existing, nil
	case !errors.Is(err, catalog.ErrFileNotFound):
		return nil, err
	}

	file, err := e.catalog.CreateFile(ctx, catalog.File{
		KBID:        kbID,
		Filename:    saved.Filename,
		FileType:    parser.Ext(saved.Filename),
		FileSize:    saved.Size,
		FileHash:    saved.Hash,
		StoragePath: saved.Path,
	})
	if err != nil {
		if rerr := e.files.Remove(saved.Path); rerr != nil {
			slog.Warn("ragserve: removing orphaned upload", "path", saved.Path, "error", rerr)
		}
		return nil, err
	}

	e.workers.Submit(ingest.Job{
		FileID:     file.ID,
		KBID:       kbID,
		ClientID:   opts.ClientID,
		BuildGraph: opts.BuildGraph,
	})
	slog.Info("ragserve: file queued", "kb_id", kbID, "file_id", file.ID, "filename", saved.Filename)
	return file, nil
}

// GetFile returns one file record by id.
func (e *Engine) GetFile(ctx context.Context, id int64) (*File, error) {
	return e.catalog.GetFile(ctx, id)
}

// ListFiles lists the files of a knowledge base, newest first.
func (e *Engine) ListFiles(ctx context.Context, kbID int64) ([]File, error) {
	if _, err := e.catalog.GetKB(ctx, kbID); err != nil {
		return nil, err
	}
	return e.catalog.ListFiles(ctx, kbID)
}

// FileContent re-parses a stored upload and returns its extracted text.
// The file must belong to the given knowledge base.
func (e *Engine) FileContent(ctx context.Context, kbID, fileID int64) (*File, string, error) {
	file, err := e.catalog.GetFile(ctx, fileID)
	if err != nil {
		return nil, "", err
	}
	if file.KBID != kbID {
		return nil, "", catalog.ErrFileNotFound
	}
	text, err := e.parsers.Parse(file.StoragePath)
	if err != nil {
		return nil, "", err
	}
	return file, text, nil
}

// ListChunks returns every chunk row of a knowledge base.
func (e *Engine) ListChunks(ctx context.Context, kbID int64) ([]Chunk, error) {
	if _, err := e.catalog.GetKB(ctx, kbID); err != nil {
		return nil, err
	}
	return e.catalog.ListChunksByKB(ctx, kbID)
}

// DeleteFile removes a file with its chunks and vectors. Vector deletion
// runs first so a store failure leaves the record visible for a retry; the
// on-disk copy is removed best-effort afterwards.
func (e *Engine) DeleteFile(ctx context.Context, id int64) error {
	file, err := e.catalog.GetFile(ctx, id)
	if err != nil {
		return err
	}
	ids, err := e.catalog.ChunkVectorIDs(ctx, id)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := e.vectors.DeleteByIDs(ctx, vectorstore.CollectionName(file.KBID), ids); err != nil {
			return fmt.Errorf("deleting vectors: %w", err)
		}
	}
	if err := e.catalog.DeleteFile(ctx, id); err != nil {
		return err
	}
	if err := e.files.Remove(file.StoragePath); err != nil {
		slog.Warn("ragserve: removing stored file", "path", file.StoragePath, "error", err)
	}
	e.refreshKBInfo(ctx, file.KBID)
	slog.Info("ragserve: file deleted", "file_id", id, "kb_id", file.KBID, "chunks", len(ids))
	return nil
}

// ---------------------------------------------------------------------------
// Retrieval.
// ---------------------------------------------------------------------------

// Search runs a vector similarity search over one knowledge base. Zero k
// or threshold take the configured defaults.
func (e *Engine) Search(ctx context.Context, kbID int64, query string, k int, threshold float64) ([]SearchResult, error) {
	return e.retriever.Search(ctx, kbID, query, k, threshold)
}

// SearchMulti searches several knowledge bases with one query. The bases
// must share an embedding configuration.
func (e *Engine) SearchMulti(ctx context.Context, kbIDs []int64, query string, k int, threshold float64) ([]SearchResult, error) {
	return e.retriever.SearchMulti(ctx, kbIDs, query, k, threshold)
}

// HybridSearch fuses vector and graph retrieval over one knowledge base.
// Without a graph store it degrades to plain vector search scores.
func (e *Engine) HybridSearch(ctx context.Context, kbID int64, query string, k int) ([]SearchResult, error) {
	return e.retriever.Hybrid(ctx, kbID, query, k)
}

// HybridSearchMulti runs hybrid retrieval across several knowledge bases.
func (e *Engine) HybridSearchMulti(ctx context.Context, kbIDs []int64, query string, k int) ([]SearchResult, error) {
	return e.retriever.HybridMulti(ctx, kbIDs, query, k)
}

// ---------------------------------------------------------------------------
// Assistants and conversations.
// ---------------------------------------------------------------------------

func (e *Engine) CreateAssistant(ctx context.Context, a Assistant) (*Assistant, error) {
	return e.catalog.CreateAssistant(ctx, a)
}

func (e *Engine) GetAssistant(ctx context.Context, id int64) (*Assistant, error) {
	return e.catalog.GetAssistant(ctx, id)
}

func (e *Engine) ListAssistants(ctx context.Context) ([]Assistant, error) {
	return e.catalog.ListAssistants(ctx)
}

func (e *Engine) UpdateAssistant(ctx context.Context, a Assistant) (*Assistant, error) {
	return e.catalog.UpdateAssistant(ctx, a)
}

func (e *Engine) DeleteAssistant(ctx context.Context, id int64) error {
	return e.catalog.DeleteAssistant(ctx, id)
}

func (e *Engine) CreateConversation(ctx context.Context, assistantID int64, title string) (*Conversation, error) {
	return e.catalog.CreateConversation(ctx, assistantID, title)
}

func (e *Engine) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return e.catalog.GetConversation(ctx, id)
}

func (e *Engine) ListConversations(ctx context.Context, assistantID int64, limit int) ([]Conversation, error) {
	return e.catalog.ListConversations(ctx, assistantID, limit)
}

func (e *Engine) RenameConversation(ctx context.Context, id int64, title string) error {
	return e.catalog.RenameConversation(ctx, id, title)
}

func (e *Engine) DeleteConversation(ctx context.Context, id int64) error {
	return e.catalog.DeleteConversation(ctx, id)
}

func (e *Engine) ClearMessages(ctx context.Context, conversationID int64) error {
	return e.catalog.ClearMessages(ctx, conversationID)
}

func (e *Engine) Messages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if _, err := e.catalog.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return e.catalog.Messages(ctx, conversationID, limit)
}

// AppendMessage records a message without invoking a model. Useful for
// importing history or annotating a conversation.
func (e *Engine) AppendMessage(ctx context.Context, conversationID int64, role, content string) (*Message, error) {
	switch role {
	case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
	default:
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	return e.catalog.AppendMessage(ctx, conversationID, role, content, "")
}

// ---------------------------------------------------------------------------
// Chat.
// ---------------------------------------------------------------------------

// Chat answers one turn non-streaming: the user message and the assistant
// reply are persisted, and the reply carries its supporting sources.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	return e.chat.Ask(ctx, req)
}

// ChatStream answers one turn as an event stream delivered through emit:
// a sources event when retrieval ran, text fragments, then done. A failed
// emit abandons the turn.
func (e *Engine) ChatStream(ctx context.Context, req ChatRequest, emit func(ChatEvent) error) error {
	return e.chat.Stream(ctx, req, emit)
}

// ---------------------------------------------------------------------------
// Graph.
// ---------------------------------------------------------------------------

// GraphStats reports entity and relation counts for a knowledge base.
func (e *Engine) GraphStats(ctx context.Context, kbID int64) (GraphStats, error) {
	if e.graph == nil {
		return GraphStats{}, graphstore.ErrUnavailable
	}
	if _, err := e.catalog.GetKB(ctx, kbID); err != nil {
		return GraphStats{}, err
	}
	return e.graph.Stats(ctx, kbID)
}

// RebuildGraph re-extracts the entity graph from a knowledge base's stored
// chunks. When the subgraph already has entities the call is a no-op unless
// force is set, in which case the subgraph is dropped and rebuilt.
func (e *Engine) RebuildGraph(ctx context.Context, kbID int64, force bool) (GraphStats, error) {
	if e.graph == nil || e.extractor == nil {
		return GraphStats{}, graphstore.ErrUnavailable
	}
	if _, err := e.catalog.GetKB(ctx, kbID); err != nil {
		return GraphStats{}, err
	}
	stats, err := e.graph.Stats(ctx, kbID)
	if err != nil {
		return GraphStats{}, err
	}
	if stats.Entities > 0 && !force {
		return stats, nil
	}
	if err := e.graph.DeleteKB(ctx, kbID); err != nil {
		return GraphStats{}, err
	}
	chunks, err := e.catalog.ListChunksByKB(ctx, kbID)
	if err != nil {
		return GraphStats{}, err
	}
	if len(chunks) > 0 {
		if err := e.pipeline.BuildGraph(ctx, kbID, chunks); err != nil {
			return GraphStats{}, err
		}
	}
	return e.graph.Stats(ctx, kbID)
}

// ---------------------------------------------------------------------------
// Models.
// ---------------------------------------------------------------------------

// EmbeddingModels lists the embedding models the default provider serves.
func (e *Engine) EmbeddingModels(ctx context.Context) ([]embedding.Model, error) {
	return e.embedders[providerKey(e.cfg.Embedding.Kind)].ListModels(ctx)
}

// ChatModels lists the generation models the default provider serves.
func (e *Engine) ChatModels(ctx context.Context) ([]llm.Model, error) {
	return e.llms[providerKey(e.cfg.Chat.Kind)].ListModels(ctx)
}

// CheckModelRemoval reports whether a model can be removed from the
// runtime. Deletion is refused while knowledge bases or active assistants
// still reference the model.
func (e *Engine) CheckModelRemoval(ctx context.Context, model string) error {
	kbCount, assistantCount, err := e.catalog.EmbeddingModelUsage(ctx, model)
	if err != nil {
		return err
	}
	llmCount, err := e.catalog.LLMModelUsage(ctx, model)
	if err != nil {
		return err
	}
	if kbCount > 0 || assistantCount > 0 || llmCount > 0 {
		return fmt.Errorf("%w: %s is referenced by %d knowledge bases and %d assistants",
			ErrModelInUse, model, kbCount, assistantCount+llmCount)
	}
	return nil
}

// UnloadModel asks every registered provider to release the model's
// accelerator memory. Providers without the model treat this as a no-op.
func (e *Engine) UnloadModel(ctx context.Context, model string) error {
	var errs []error
	for _, p := range e.embedders {
		if err := p.Unload(ctx, model); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range e.llms {
		if err := p.Unload(ctx, model); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Health.
// ---------------------------------------------------------------------------

// CheckHealth probes every component. The engine stays usable while
// degraded; callers decide how much they care per component.
func (e *Engine) CheckHealth(ctx context.Context) Health {
	comps := make(map[string]string, 5)

	probe := func(name string, err error) {
		if err != nil {
			comps[name] = "unavailable"
		} else {
			comps[name] = "ok"
		}
	}
	probe("catalog", e.catalog.Ping(ctx))
	_, verr := e.vectors.ListCollections(ctx)
	probe("vector_store", verr)

	switch {
	case e.graph == nil:
		comps["graph"] = "disabled"
	case e.graph.Available(ctx):
		comps["graph"] = "ok"
	default:
		comps["graph"] = "unavailable"
	}

	_, eerr := e.EmbeddingModels(ctx)
	probe("embedding", eerr)
	_, lerr := e.ChatModels(ctx)
	probe("llm", lerr)

	status := "ok"
	for _, state := range comps {
		if state == "unavailable" {
			status = "degraded"
			break
		}
	}
	return Health{Status: status, Components: comps}
}

// ---------------------------------------------------------------------------
// Semantic merge decider.
// ---------------------------------------------------------------------------

const mergePrompt = `Two consecutive text segments follow. Answer "yes" if they continue the same topic and belong in one chunk, otherwise answer "no".

Segment A:
%s

Segment B:
%s

Answer:`

// mergeDecider asks the chat model whether adjacent passages belong in one
// chunk. It backs the semantic splitter for short documents.
type mergeDecider struct {
	provider llm.Provider
	model    string
}

func (d *mergeDecider) ShouldMerge(ctx context.Context, tail, head string) (bool, error) {
	reply, err := d.provider.Chat(ctx, d.model,
		[]llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(mergePrompt, tail, head)}},
		llm.Options{Temperature: 0.1, MaxTokens: 8})
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply)), "y"), nil
}
