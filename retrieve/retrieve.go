// Package retrieve answers queries against knowledge bases. It supports
// plain vector similarity search over one or many knowledge bases and a
// hybrid mode that fuses vector hits with knowledge-graph lookups.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rosset/ragserve/catalog"
	"github.com/rosset/ragserve/embedding"
	"github.com/rosset/ragserve/extractor"
	"github.com/rosset/ragserve/graphstore"
	"github.com/rosset/ragserve/vectorstore"
)

// Source labels for Result.Source.
const (
	SourceVector       = "vector"
	SourceGraphDirect  = "graph_direct"
	SourceGraphRelated = "graph_related"
)

const (
	defaultTopK      = 5
	defaultThreshold = 0.2
	defaultMaxHops   = 2

	// Graph branch scoring: a directly matched entity scores 0.9, a
	// related entity decays by 0.7 per hop away from the match.
	directEntityScore = 0.9
	hopDecay          = 0.7

	// Graph hits are deduplicated on a content prefix of this length.
	dedupePrefixLen = 100

	// Entity extraction on short queries is pointless; anything under
	// this length skips the LLM call entirely.
	queryMinExtractLen = 5
)

// Config holds retrieval thresholds and fusion weights.
type Config struct {
	// Threshold is the minimum similarity a vector hit must reach.
	Threshold float64
	// WeightVector and WeightGraph scale the two hybrid branches.
	WeightVector float64
	WeightGraph  float64
	// MaxHops bounds graph expansion around query entities.
	MaxHops int
}

// Result is one retrieval hit. Similarity is the raw branch score;
// FinalScore and Rank are filled by hybrid fusion.
type Result struct {
	ChunkID    string            `json:"chunk_id"`
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	FinalScore float64           `json:"final_score,omitempty"`
	Rank       int               `json:"rank,omitempty"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Retriever runs searches over the catalog's knowledge bases. The
// embedders map is keyed by provider tag ("local", "remote"); each
// knowledge base encodes queries with its own (provider, model) pair.
type Retriever struct {
	catalog   *catalog.Catalog
	vectors   vectorstore.Store
	embedders map[string]embedding.Provider
	extractor *extractor.Extractor
	graph     *graphstore.Store
	cfg       Config
}

// New creates a retriever. extractor and graph may be nil; hybrid search
// then degrades to vector-only. Zero config fields take defaults.
func New(cat *catalog.Catalog, vectors vectorstore.Store, embedders map[string]embedding.Provider, ex *extractor.Extractor, graph *graphstore.Store, cfg Config) *Retriever {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.WeightVector <= 0 {
		cfg.WeightVector = 0.7
	}
	if cfg.WeightGraph <= 0 {
		cfg.WeightGraph = 0.3
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = defaultMaxHops
	}
	return &Retriever{
		catalog:   cat,
		vectors:   vectors,
		embedders: embedders,
		extractor: ex,
		graph:     graph,
		cfg:       cfg,
	}
}

// encoderFor returns the embedding provider registered under a knowledge
// base's provider tag. An empty tag means local.
func (r *Retriever) encoderFor(provider string) (embedding.Provider, error) {
	if provider == "" {
		provider = "local"
	}
	p, ok := r.embedders[provider]
	if !ok {
		return nil, fmt.Errorf("no embedding provider registered for %q", provider)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Vector search.
// ---------------------------------------------------------------------------

// Search runs a similarity search over one knowledge base. The query is
// encoded with the knowledge base's own embedding model; hits below the
// threshold are dropped. A zero k or threshold takes the default.
func (r *Retriever) Search(ctx context.Context, kbID int64, query string, k int, threshold float64) ([]Result, error) {
	kb, err := r.catalog.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	return r.vectorSearch(ctx, kb, query, k, threshold)
}

// SearchMulti searches several knowledge bases with one query. All bases
// must share an embedding configuration; the check runs before any
// encoding or store access. Missing bases are skipped with a warning,
// failed branches are logged and dropped, and the surviving hits are
// merged by similarity.
func (r *Retriever) SearchMulti(ctx context.Context, kbIDs []int64, query string, k int, threshold float64) ([]Result, error) {
	if k <= 0 {
		k = defaultTopK
	}
	kbs := make([]*catalog.KnowledgeBase, 0, len(kbIDs))
	for _, id := range kbIDs {
		kb, err := r.catalog.GetKB(ctx, id)
		if errors.Is(err, catalog.ErrKBNotFound) {
			slog.Warn("retrieve: skipping missing knowledge base", "kb_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	if len(kbs) == 0 {
		return nil, nil
	}
	first := kbs[0]
	for _, kb := range kbs[1:] {
		if kb.EmbeddingModel != first.EmbeddingModel || kb.EmbeddingProvider != first.EmbeddingProvider {
			return nil, fmt.Errorf("%w: %s/%s vs %s/%s", catalog.ErrEmbeddingMismatch,
				first.EmbeddingProvider, first.EmbeddingModel, kb.EmbeddingProvider, kb.EmbeddingModel)
		}
	}

	// The bases share one model, so the query is encoded once and only
	// the store lookups fan out.
	enc, err := r.encoderFor(first.EmbeddingProvider)
	if err != nil {
		return nil, err
	}
	vecs, err := enc.Encode(ctx, []string{query}, first.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding for query")
	}

	// Widen the per-base window so a strong base cannot be starved by
	// the global cut.
	perKB := k
	if n := 2 * len(kbs); n > perKB {
		perKB = n
	}

	merged := make([][]Result, len(kbs))
	g, gctx := errgroup.WithContext(ctx)
	for i, kb := range kbs {
		g.Go(func() error {
			hits, err := r.queryCollection(gctx, kb.ID, vecs, perKB, threshold)
			if err != nil {
				slog.Warn("retrieve: knowledge base search failed", "kb_id", kb.ID, "error", err)
				return nil
			}
			merged[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Result
	for _, hits := range merged {
		all = append(all, hits...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// vectorSearch encodes the query with the knowledge base's model and runs
// one collection query.
func (r *Retriever) vectorSearch(ctx context.Context, kb *catalog.KnowledgeBase, query string, k int, threshold float64) ([]Result, error) {
	if k <= 0 {
		k = defaultTopK
	}
	enc, err := r.encoderFor(kb.EmbeddingProvider)
	if err != nil {
		return nil, err
	}
	vecs, err := enc.Encode(ctx, []string{query}, kb.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("empty embedding for query")
	}
	return r.queryCollection(ctx, kb.ID, vecs, k, threshold)
}

// queryCollection runs the KNN lookup for pre-encoded query vectors,
// converts distances to similarities, filters by threshold, and joins
// filenames from the catalog.
func (r *Retriever) queryCollection(ctx context.Context, kbID int64, vecs [][]float32, k int, threshold float64) ([]Result, error) {
	if threshold <= 0 {
		threshold = r.cfg.Threshold
	}
	hits, err := r.vectors.Query(ctx, vectorstore.CollectionName(kbID), vecs, k)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		sim := similarityFromDistance(hit.Distance)
		if sim < threshold {
			continue
		}
		meta := make(map[string]string, len(hit.Metadata)+1)
		for key, val := range hit.Metadata {
			meta[key] = val
		}
		results = append(results, Result{
			ChunkID:    hit.ID,
			Content:    hit.Document,
			Similarity: sim,
			Source:     SourceVector,
			Metadata:   meta,
		})
	}
	r.attachFilenames(ctx, results)
	return results, nil
}

// attachFilenames resolves the file_id metadata of vector hits to current
// filenames. Join failures leave the hits without filenames rather than
// failing the search.
func (r *Retriever) attachFilenames(ctx context.Context, results []Result) {
	var ids []int64
	seen := make(map[int64]bool)
	for _, res := range results {
		id, err := strconv.ParseInt(res.Metadata["file_id"], 10, 64)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	names, err := r.catalog.FilenamesByIDs(ctx, ids)
	if err != nil {
		slog.Warn("retrieve: filename join failed", "error", err)
		return
	}
	for i := range results {
		id, err := strconv.ParseInt(results[i].Metadata["file_id"], 10, 64)
		if err != nil {
			continue
		}
		if name, ok := names[id]; ok {
			results[i].Metadata["filename"] = name
		}
	}
}

// similarityFromDistance maps an L2 distance onto [0,1]. For normalized
// embeddings d² = 2(1 − cos), so 1 − d²/2 recovers cosine similarity;
// clamping guards unnormalized inputs. Rounded to four decimals.
func similarityFromDistance(d float64) float64 {
	sim := 1 - d*d/2
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return round4(sim)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ---------------------------------------------------------------------------
// Hybrid search: vector candidates fused with graph lookups.
// ---------------------------------------------------------------------------

// Hybrid fuses vector retrieval with knowledge-graph context. The vector
// branch fetches 2k candidates; the graph branch extracts entities from
// the query and adds direct and related entity hits. Graph failures
// degrade to vector-only results, never to a failed query.
func (r *Retriever) Hybrid(ctx context.Context, kbID int64, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = defaultTopK
	}
	kb, err := r.catalog.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	vecHits, err := r.vectorSearch(ctx, kb, query, 2*k, r.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	graphHits := r.graphSearch(ctx, kbID, query, k)
	return fuse(vecHits, graphHits, r.cfg.WeightVector, r.cfg.WeightGraph, k), nil
}

// HybridMulti runs Hybrid per knowledge base and merges by final score.
// Missing bases are skipped with a warning, failing bases are logged and
// dropped.
func (r *Retriever) HybridMulti(ctx context.Context, kbIDs []int64, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = defaultTopK
	}
	var all []Result
	for _, id := range kbIDs {
		hits, err := r.Hybrid(ctx, id, query, k)
		if errors.Is(err, catalog.ErrKBNotFound) {
			slog.Warn("retrieve: skipping missing knowledge base", "kb_id", id)
			continue
		}
		if err != nil {
			slog.Warn("retrieve: hybrid search failed", "kb_id", id, "error", err)
			continue
		}
		all = append(all, hits...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FinalScore > all[j].FinalScore })
	if len(all) > k {
		all = all[:k]
	}
	for i := range all {
		all[i].Rank = i + 1
	}
	return all, nil
}

// graphSearch extracts entities from the query and turns graph matches
// into scored hits. Any failure logs one warning and returns nil so the
// caller falls back to the vector branch.
func (r *Retriever) graphSearch(ctx context.Context, kbID int64, query string, k int) []Result {
	if r.graph == nil || r.extractor == nil {
		slog.Debug("retrieve: graph retrieval disabled", "kb_id", kbID)
		return nil
	}
	if !r.graph.Available(ctx) {
		slog.Warn("retrieve: graph store unavailable, using vector results only", "kb_id", kbID)
		return nil
	}
	extracted, err := r.extractor.Extract(ctx, query, "query", queryMinExtractLen)
	if err != nil {
		slog.Warn("retrieve: query entity extraction failed, using vector results only",
			"kb_id", kbID, "error", err)
		return nil
	}
	if len(extracted.Entities) == 0 {
		return nil
	}

	var hits []Result
	for _, ent := range extracted.Entities {
		detail, err := r.graph.GetEntity(ctx, kbID, ent.Name)
		if errors.Is(err, graphstore.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("retrieve: graph lookup failed, using vector results only",
				"kb_id", kbID, "entity", ent.Name, "error", err)
			return nil
		}
		hits = append(hits, Result{
			ChunkID:    "entity_" + detail.Name,
			Content:    entityCard(detail),
			Similarity: directEntityScore,
			Source:     SourceGraphDirect,
			Metadata: map[string]string{
				"kb_id":       strconv.FormatInt(kbID, 10),
				"entity":      detail.Name,
				"entity_type": detail.Type,
			},
		})

		related, err := r.graph.FindRelated(ctx, kbID, detail.Name, r.cfg.MaxHops, k)
		if err != nil {
			slog.Warn("retrieve: graph expansion failed, using vector results only",
				"kb_id", kbID, "entity", detail.Name, "error", err)
			return nil
		}
		for _, rel := range related {
			hits = append(hits, Result{
				ChunkID:    "related_" + rel.Name,
				Content:    relationPath(detail.Name, rel),
				Similarity: round4(math.Pow(hopDecay, float64(rel.Hops))),
				Source:     SourceGraphRelated,
				Metadata: map[string]string{
					"kb_id":       strconv.FormatInt(kbID, 10),
					"entity":      rel.Name,
					"entity_type": rel.Type,
					"hops":        strconv.Itoa(rel.Hops),
				},
			})
		}
	}

	hits = dedupeByContent(hits)
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// dedupeByContent drops hits whose content prefix repeats an earlier hit.
// Different relation paths often describe the same neighborhood; the
// prefix is enough to spot them.
func dedupeByContent(hits []Result) []Result {
	seen := make(map[string]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		key := h.Content
		if len(key) > dedupePrefixLen {
			key = key[:dedupePrefixLen]
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}

// fuse weighs the two branches, sorts globally, cuts to k, and assigns
// final ranks.
func fuse(vec, graph []Result, weightVector, weightGraph float64, k int) []Result {
	out := make([]Result, 0, len(vec)+len(graph))
	for _, h := range vec {
		h.FinalScore = round4(h.Similarity * weightVector)
		out = append(out, h)
	}
	for _, h := range graph {
		h.FinalScore = round4(h.Similarity * weightGraph)
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinalScore > out[j].FinalScore })
	if len(out) > k {
		out = out[:k]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// entityCard renders a matched entity and its immediate neighborhood as
// retrievable text.
func entityCard(d graphstore.EntityDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", d.Name, d.Type)
	if len(d.Attrs) > 0 {
		keys := make([]string, 0, len(d.Attrs))
		for key := range d.Attrs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "\n%s: %s", key, d.Attrs[key])
		}
	}
	for _, n := range d.Outgoing {
		fmt.Fprintf(&b, "\n%s %s %s", d.Name, n.Relation, n.Name)
	}
	for _, n := range d.Incoming {
		fmt.Fprintf(&b, "\n%s %s %s", n.Name, n.Relation, d.Name)
	}
	return b.String()
}

// relationPath renders one traversal hit as a labeled chain from the
// matched entity.
func relationPath(start string, r graphstore.Related) string {
	return fmt.Sprintf("%s -[%s]-> %s (%s)", start, strings.Join(r.Path, " > "), r.Name, r.Type)
}
