// Package ingest drives file processing end to end: parse, chunk, embed,
// store vectors, persist chunk rows, and optionally build the knowledge
// graph. Progress is reported per stage over the progress bus.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/rosset/ragserve/catalog"
	"github.com/rosset/ragserve/embedding"
	"github.com/rosset/ragserve/extractor"
	"github.com/rosset/ragserve/filestore"
	"github.com/rosset/ragserve/graphstore"
	"github.com/rosset/ragserve/parser"
	"github.com/rosset/ragserve/progress"
	"github.com/rosset/ragserve/splitter"
	"github.com/rosset/ragserve/vectorstore"
)

// Stage percentages reported while a file moves through the pipeline.
const (
	pctParsing    = 10
	pctChunking   = 30
	pctEmbedding  = 50
	pctStoring    = 80
	pctPersisting = 85
)

// Job identifies one uploaded file to process.
type Job struct {
	FileID   int64
	KBID     int64
	ClientID string
	// BuildGraph requests entity extraction for this file. It only takes
	// effect when graph building is enabled in the pipeline config.
	BuildGraph bool
}

// Config tunes the pipeline.
type Config struct {
	// GraphEnabled gates graph building globally.
	GraphEnabled bool
}

// Pipeline carries a file from uploaded bytes to searchable chunks.
type Pipeline struct {
	catalog   *catalog.Catalog
	files     *filestore.Store
	parsers   *parser.Registry
	splitter  *splitter.Chooser
	embedders map[string]embedding.Provider
	vectors   vectorstore.Store
	extractor *extractor.Extractor
	graph     *graphstore.Store
	bus       *progress.Bus
	cfg       Config
}

// New wires a pipeline. extractor and graph may be nil when graph
// building is disabled.
func New(cat *catalog.Catalog, files *filestore.Store, parsers *parser.Registry, chooser *splitter.Chooser, embedders map[string]embedding.Provider, vectors vectorstore.Store, ex *extractor.Extractor, graph *graphstore.Store, bus *progress.Bus, cfg Config) *Pipeline {
	return &Pipeline{
		catalog:   cat,
		files:     files,
		parsers:   parsers,
		splitter:  chooser,
		embedders: embedders,
		vectors:   vectors,
		extractor: ex,
		graph:     graph,
		bus:       bus,
		cfg:       cfg,
	}
}

// Run processes one file. On failure the file is marked with an error
// status, an error event is published, and the error is returned for
// synchronous callers; the worker pool ignores it.
func (p *Pipeline) Run(ctx context.Context, job Job) error {
	start := time.Now()
	err := p.process(ctx, job)
	if err != nil {
		slog.Error("ingest: processing failed",
			"file_id", job.FileID, "kb_id", job.KBID, "error", err)
		// Status and event still go out when the job context is dead.
		cleanup := context.WithoutCancel(ctx)
		if serr := p.catalog.UpdateFileStatus(cleanup, job.FileID, catalog.FileError, err.Error()); serr != nil {
			slog.Error("ingest: marking file failed", "file_id", job.FileID, "error", serr)
		}
		p.bus.PublishError(job.ClientID, job.KBID, "file processing failed", err.Error())
		return err
	}
	slog.Info("ingest: file processed",
		"file_id", job.FileID, "kb_id", job.KBID,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (p *Pipeline) process(ctx context.Context, job Job) error {
	kb, err := p.catalog.GetKB(ctx, job.KBID)
	if err != nil {
		return err
	}
	file, err := p.catalog.GetFile(ctx, job.FileID)
	if err != nil {
		return err
	}
	extra := map[string]any{"file_id": job.FileID}

	// Parse.
	p.bus.PublishProgress(job.ClientID, job.KBID, progress.StageParsing, pctParsing,
		"parsing "+file.Filename, extra)
	if err := p.catalog.UpdateFileStatus(ctx, job.FileID, catalog.FileParsing, ""); err != nil {
		return err
	}
	text, err := p.parsers.Parse(file.StoragePath)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", file.Filename, err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("parsing %s: no text content", file.Filename)
	}
	if err := p.catalog.UpdateFileStatus(ctx, job.FileID, catalog.FileParsed, ""); err != nil {
		return err
	}

	// Chunk.
	p.bus.PublishProgress(job.ClientID, job.KBID, progress.StageChunking, pctChunking,
		"splitting text", extra)
	chunks := p.splitter.Split(ctx, text)
	if len(chunks) == 0 {
		return fmt.Errorf("splitting %s: no chunks produced", file.Filename)
	}

	// Embed.
	p.bus.PublishProgress(job.ClientID, job.KBID, progress.StageEmbedding, pctEmbedding,
		fmt.Sprintf("embedding %d chunks", len(chunks)), extra)
	if err := p.catalog.UpdateFileStatus(ctx, job.FileID, catalog.FileEmbedding, ""); err != nil {
		return err
	}
	enc, err := p.encoderFor(kb.EmbeddingProvider)
	if err != nil {
		return err
	}
	vecs, err := enc.Encode(ctx, chunks, kb.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if len(vecs) != len(chunks) {
		return fmt.Errorf("embedding: got %d vectors for %d chunks", len(vecs), len(chunks))
	}

	// Store vectors.
	p.bus.PublishProgress(job.ClientID, job.KBID, progress.StageStoring, pctStoring,
		"storing vectors", extra)
	collection := vectorstore.CollectionName(job.KBID)
	if err := p.vectors.EnsureCollection(ctx, collection, len(vecs[0])); err != nil {
		return fmt.Errorf("preparing collection: %w", err)
	}
	recs := make([]vectorstore.Record, len(chunks))
	for i := range chunks {
		recs[i] = vectorstore.Record{
			ID:       vectorID(job.FileID, i),
			Vector:   vecs[i],
			Document: chunks[i],
			Metadata: map[string]string{
				"kb_id":       strconv.FormatInt(job.KBID, 10),
				"file_id":     strconv.FormatInt(job.FileID, 10),
				"chunk_index": strconv.Itoa(i),
			},
		}
	}
	if err := p.vectors.Upsert(ctx, collection, recs); err != nil {
		return fmt.Errorf("storing vectors: %w", err)
	}

	// Persist chunk rows. The vectors are already in; losing the rows
	// here would orphan them, so a failed insert deletes them again.
	p.bus.PublishProgress(job.ClientID, job.KBID, progress.StageStoring, pctPersisting,
		"saving chunk records", extra)
	rows := make([]catalog.Chunk, len(chunks))
	for i := range chunks {
		rows[i] = catalog.Chunk{
			KBID:       job.KBID,
			FileID:     job.FileID,
			ChunkIndex: i,
			Content:    chunks[i],
			VectorID:   recs[i].ID,
		}
	}
	if err := p.catalog.InsertChunks(ctx, rows); err != nil {
		ids := make([]string, len(recs))
		for i := range recs {
			ids[i] = recs[i].ID
		}
		if derr := p.vectors.DeleteByIDs(context.WithoutCancel(ctx), collection, ids); derr != nil {
			slog.Error("ingest: orphaned vectors left after failed chunk insert",
				"file_id", job.FileID, "collection", collection, "error", derr)
		}
		return fmt.Errorf("saving chunks: %w", err)
	}

	// Counts and stats.
	if err := p.catalog.SetFileChunkCount(ctx, job.FileID, len(chunks)); err != nil {
		return err
	}
	if err := p.catalog.UpdateFileStatus(ctx, job.FileID, catalog.FileCompleted, ""); err != nil {
		return err
	}
	p.refreshStats(ctx, kb)

	// Graph build is best effort; a failure shows up in the completion
	// message but never fails the file.
	message := fmt.Sprintf("processed %s: %d chunks", file.Filename, len(chunks))
	if p.cfg.GraphEnabled && job.BuildGraph && p.extractor != nil && p.graph != nil {
		if err := p.BuildGraph(ctx, job.KBID, rows); err != nil {
			slog.Warn("ingest: graph build failed", "file_id", job.FileID, "error", err)
			message += " (graph build failed: " + err.Error() + ")"
		}
	}

	p.bus.PublishComplete(job.ClientID, job.KBID, message, map[string]any{
		"file_id":     job.FileID,
		"chunk_count": len(chunks),
	})
	return nil
}

func (p *Pipeline) encoderFor(provider string) (embedding.Provider, error) {
	if provider == "" {
		provider = "local"
	}
	enc, ok := p.embedders[provider]
	if !ok {
		return nil, fmt.Errorf("no embedding provider registered for %q", provider)
	}
	return enc, nil
}

// refreshStats recomputes the knowledge base counters and rewrites the
// info.json sidecar so the on-disk view matches the catalog.
func (p *Pipeline) refreshStats(ctx context.Context, kb *catalog.KnowledgeBase) {
	fileCount, chunkCount, err := p.catalog.UpdateKBStats(ctx, kb.ID)
	if err != nil {
		slog.Warn("ingest: stats refresh failed", "kb_id", kb.ID, "error", err)
		return
	}
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
	if err := p.files.WriteInfo(kb.ID, info); err != nil {
		slog.Warn("ingest: sidecar update failed", "kb_id", kb.ID, "error", err)
	}
}

// BuildGraph extracts entities and relations from the given chunk rows and
// merges them into the knowledge base subgraph. Callers use it both during
// ingestion and for explicit graph rebuilds.
func (p *Pipeline) BuildGraph(ctx context.Context, kbID int64, rows []catalog.Chunk) error {
	items := make([]extractor.Item, len(rows))
	for i, row := range rows {
		items[i] = extractor.Item{ChunkID: row.VectorID, Text: row.Content}
	}
	results, err := p.extractor.BatchExtract(ctx, items, 0)
	if err != nil {
		return fmt.Errorf("extracting entities: %w", err)
	}
	merged := extractor.Merge(results)
	if len(merged.Entities) == 0 {
		slog.Info("ingest: no entities extracted", "kb_id", kbID)
		return nil
	}

	entities := make([]graphstore.Entity, len(merged.Entities))
	for i, e := range merged.Entities {
		entities[i] = graphstore.Entity{Name: e.Name, Type: e.Type}
	}
	if err := p.graph.BatchUpsertEntities(ctx, kbID, entities); err != nil {
		return fmt.Errorf("storing entities: %w", err)
	}
	relations := make([]graphstore.Relation, len(merged.Relations))
	for i, r := range merged.Relations {
		relations[i] = graphstore.Relation{Source: r.Source, Target: r.Target, Type: r.Type}
	}
	if err := p.graph.BatchUpsertRelations(ctx, kbID, relations); err != nil {
		return fmt.Errorf("storing relations: %w", err)
	}

	if stats, err := p.graph.Stats(ctx, kbID); err == nil {
		slog.Info("ingest: graph updated", "kb_id", kbID,
			"entities", stats.Entities, "relations", stats.Relations)
	}
	return nil
}

// vectorID is the canonical vector store id of one chunk.
func vectorID(fileID int64, idx int) string {
	return fmt.Sprintf("file_%d_chunk_%d", fileID, idx)
}

// parseCatalogTime reads the catalog's CURRENT_TIMESTAMP format. A zero
// time is returned for anything unparseable.
func parseCatalogTime(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---------------------------------------------------------------------------
// Worker pool.
// ---------------------------------------------------------------------------

const (
	defaultWorkers = 2

	// jobTimeout bounds one file end to end. Large documents with remote
	// embedding can legitimately take minutes.
	jobTimeout = 30 * time.Minute
)

// Workers runs ingestion jobs on a bounded pool off the request path.
type Workers struct {
	pipeline *Pipeline
	pool     *workerpool.WorkerPool
	timeout  time.Duration
}

// NewWorkers starts a pool of the given size; size <= 0 means 2 workers.
func NewWorkers(p *Pipeline, size int) *Workers {
	if size <= 0 {
		size = defaultWorkers
	}
	return &Workers{pipeline: p, pool: workerpool.New(size), timeout: jobTimeout}
}

// Submit enqueues a job. The job runs under its own deadline, detached
// from the submitting request's context, so responding to the upload does
// not cancel processing.
func (w *Workers) Submit(job Job) {
	w.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		w.pipeline.Run(ctx, job)
	})
}

// QueueSize reports jobs waiting for a worker.
func (w *Workers) QueueSize() int {
	return w.pool.WaitingQueueSize()
}

// StopWait finishes queued jobs and stops the pool.
func (w *Workers) StopWait() {
	w.pool.StopWait()
}
