package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rosset/ragserve"
)

type handler struct {
	engine *ragserve.Engine
}

func newHandler(e *ragserve.Engine) *handler {
	return &handler{engine: e}
}

// pathID parses one numeric path segment. A false return means the
// response has already been written.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Knowledge bases.
// ---------------------------------------------------------------------------

// POST /api/knowledge-bases
func (h *handler) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string `json:"name"`
		Description       string `json:"description"`
		EmbeddingModel    string `json:"embedding_model"`
		EmbeddingProvider string `json:"embedding_provider"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	kb, err := h.engine.CreateKB(r.Context(), ragserve.KnowledgeBase{
		Name:              req.Name,
		Description:       req.Description,
		EmbeddingModel:    req.EmbeddingModel,
		EmbeddingProvider: req.EmbeddingProvider,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

// GET /api/knowledge-bases
func (h *handler) handleListKBs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	kbs, err := h.engine.ListKBs(r.Context(), limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if kbs == nil {
		kbs = []ragserve.KnowledgeBase{}
	}
	writeJSON(w, http.StatusOK, kbs)
}

// GET /api/knowledge-bases/{id}
func (h *handler) handleGetKB(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	kb, err := h.engine.GetKB(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// PUT /api/knowledge-bases/{id}
func (h *handler) handleUpdateKB(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Name           string `json:"name"`
		Description    string `json:"description"`
		EmbeddingModel string `json:"embedding_model"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	kb, err := h.engine.UpdateKB(r.Context(), id, req.Name, req.Description, req.EmbeddingModel)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// DELETE /api/knowledge-bases/{id}
func (h *handler) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.DeleteKB(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "knowledge base deleted"})
}

// ---------------------------------------------------------------------------
// Files.
// ---------------------------------------------------------------------------

// POST /api/knowledge-bases/{id}/upload?client_id=...&build_graph=...
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	buildGraph := true
	if v := r.URL.Query().Get("build_graph"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			buildGraph = parsed
		}
	}

	rec, err := h.engine.UploadFile(ctx, id, header.Filename, file, ragserve.UploadOptions{
		ClientID:   r.URL.Query().Get("client_id"),
		BuildGraph: buildGraph,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/knowledge-bases/{id}/files
func (h *handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	files, err := h.engine.ListFiles(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if files == nil {
		files = []ragserve.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

// GET /api/knowledge-bases/{id}/files/{fileID}/content
func (h *handler) handleFileContent(w http.ResponseWriter, r *http.Request) {
	kbID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	fileID, ok := pathID(w, r, "fileID")
	if !ok {
		return
	}
	file, content, err := h.engine.FileContent(r.Context(), kbID, fileID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":     file.ID,
		"filename":    file.Filename,
		"file_type":   file.FileType,
		"file_size":   file.FileSize,
		"content":     content,
		"chunk_count": file.ChunkCount,
	})
}

// DELETE /api/knowledge-bases/{id}/files/{fileID}
func (h *handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	kbID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	fileID, ok := pathID(w, r, "fileID")
	if !ok {
		return
	}
	file, err := h.engine.GetFile(r.Context(), fileID)
	if err != nil || file.KBID != kbID {
		writeEngineError(w, ragserve.ErrFileNotFound)
		return
	}
	if err := h.engine.DeleteFile(r.Context(), fileID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "file deleted"})
}

// GET /api/knowledge-bases/{id}/chunks
func (h *handler) handleListChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	chunks, err := h.engine.ListChunks(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if chunks == nil {
		chunks = []ragserve.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kb_id":  id,
		"total":  len(chunks),
		"chunks": chunks,
	})
}

// ---------------------------------------------------------------------------
// Search.
// ---------------------------------------------------------------------------

// POST /api/knowledge-bases/{id}/search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Query          string  `json:"query"`
		TopK           int     `json:"top_k"`
		ScoreThreshold float64 `json:"score_threshold"`
		UseHybrid      bool    `json:"use_hybrid"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK < 0 || req.TopK > 100 {
		req.TopK = 0 // use default
	}

	kb, err := h.engine.GetKB(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var results []ragserve.SearchResult
	if req.UseHybrid {
		results, err = h.engine.HybridSearch(ctx, id, req.Query, req.TopK)
	} else {
		results, err = h.engine.Search(ctx, id, req.Query, req.TopK, req.ScoreThreshold)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if results == nil {
		results = []ragserve.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kb_id":           id,
		"kb_name":         kb.Name,
		"embedding_model": kb.EmbeddingModel,
		"query":           req.Query,
		"results":         results,
		"total":           len(results),
	})
}

// ---------------------------------------------------------------------------
// Graph.
// ---------------------------------------------------------------------------

// GET /api/knowledge-bases/{id}/graph/stats
func (h *handler) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	stats, err := h.engine.GraphStats(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// POST /api/knowledge-bases/{id}/graph/rebuild
func (h *handler) handleGraphRebuild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	stats, err := h.engine.RebuildGraph(ctx, id, req.Force)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---------------------------------------------------------------------------
// Models.
// ---------------------------------------------------------------------------

// GET /api/models/embedding
func (h *handler) handleEmbeddingModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.engine.EmbeddingModels(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models, "total": len(models)})
}

// GET /api/models/llm
func (h *handler) handleChatModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.engine.ChatModels(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models, "total": len(models)})
}

// DELETE /api/models/{embedding|llm}/{model}
// Refused while the model is referenced; otherwise its memory is released.
// Removing weights from the runtime host is the operator's job.
func (h *handler) handleReleaseModel(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if model == "" {
		writeError(w, http.StatusBadRequest, "model name is required")
		return
	}
	if err := h.engine.CheckModelRemoval(r.Context(), model); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := h.engine.UnloadModel(r.Context(), model); err != nil {
		slog.Warn("unloading model", "model", model, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "model released"})
}

// ---------------------------------------------------------------------------
// Health.
// ---------------------------------------------------------------------------

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.engine.CheckHealth(r.Context())
	status := http.StatusOK
	// Only the data path decides liveness; degraded model runtimes keep
	// the store API serving.
	if health.Components["catalog"] == "unavailable" || health.Components["vector_store"] == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// ---------------------------------------------------------------------------
// Helpers.
// ---------------------------------------------------------------------------

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps sentinel errors onto HTTP status codes. Client
// errors carry the engine's message; internal failures stay opaque.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ragserve.ErrKBNotFound),
		errors.Is(err, ragserve.ErrFileNotFound),
		errors.Is(err, ragserve.ErrAssistantNotFound),
		errors.Is(err, ragserve.ErrConversationNotFound),
		errors.Is(err, ragserve.ErrModelNotFound),
		errors.Is(err, ragserve.ErrEntityNotFound),
		errors.Is(err, ragserve.ErrCollectionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ragserve.ErrDuplicateName),
		errors.Is(err, ragserve.ErrModelInUse),
		errors.Is(err, ragserve.ErrEmbeddingImmutable):
		return http.StatusConflict
	case errors.Is(err, ragserve.ErrEmbeddingMismatch),
		errors.Is(err, ragserve.ErrUnsupportedType),
		errors.Is(err, ragserve.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, ragserve.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ragserve.ErrParseFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ragserve.ErrGenerationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ragserve.ErrVectorStoreUnavailable),
		errors.Is(err, ragserve.ErrGraphUnavailable),
		errors.Is(err, ragserve.ErrProviderUnavailable),
		errors.Is(err, ragserve.ErrEmbedderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
