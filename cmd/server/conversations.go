package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rosset/ragserve"
)

// ---------------------------------------------------------------------------
// Assistants.
// ---------------------------------------------------------------------------

type assistantRequest struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	KBIDs        []int64 `json:"kb_ids"`
	LLMModel     string  `json:"llm_model"`
	LLMProvider  string  `json:"llm_provider"`
	SystemPrompt string  `json:"system_prompt"`
	Status       string  `json:"status"`
}

// POST /api/assistants
func (h *handler) handleCreateAssistant(w http.ResponseWriter, r *http.Request) {
	var req assistantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.LLMModel == "" {
		writeError(w, http.StatusBadRequest, "name and llm_model are required")
		return
	}

	a, err := h.engine.CreateAssistant(r.Context(), ragserve.Assistant{
		Name:         req.Name,
		Description:  req.Description,
		KBIDs:        req.KBIDs,
		LLMModel:     req.LLMModel,
		LLMProvider:  req.LLMProvider,
		SystemPrompt: req.SystemPrompt,
		Status:       req.Status,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GET /api/assistants
func (h *handler) handleListAssistants(w http.ResponseWriter, r *http.Request) {
	assistants, err := h.engine.ListAssistants(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if assistants == nil {
		assistants = []ragserve.Assistant{}
	}
	writeJSON(w, http.StatusOK, assistants)
}

// GET /api/assistants/{id}
func (h *handler) handleGetAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	a, err := h.engine.GetAssistant(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// PUT /api/assistants/{id}
func (h *handler) handleUpdateAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req assistantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.engine.UpdateAssistant(r.Context(), ragserve.Assistant{
		ID:           id,
		Name:         req.Name,
		Description:  req.Description,
		KBIDs:        req.KBIDs,
		LLMModel:     req.LLMModel,
		LLMProvider:  req.LLMProvider,
		SystemPrompt: req.SystemPrompt,
		Status:       req.Status,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DELETE /api/assistants/{id}
func (h *handler) handleDeleteAssistant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.DeleteAssistant(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "assistant deleted"})
}

// ---------------------------------------------------------------------------
// Conversations.
// ---------------------------------------------------------------------------

// POST /api/conversations
func (h *handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssistantID int64  `json:"assistant_id"`
		Title       string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AssistantID <= 0 {
		writeError(w, http.StatusBadRequest, "assistant_id is required")
		return
	}

	conv, err := h.engine.CreateConversation(r.Context(), req.AssistantID, req.Title)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// GET /api/conversations?assistant_id=...&limit=...
func (h *handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	assistantID := int64(queryInt(r, "assistant_id", 0))
	if assistantID <= 0 {
		writeError(w, http.StatusBadRequest, "assistant_id is required")
		return
	}

	convs, err := h.engine.ListConversations(r.Context(), assistantID, queryInt(r, "limit", 0))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if convs == nil {
		convs = []ragserve.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// GET /api/conversations/{id}
func (h *handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	conv, err := h.engine.GetConversation(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// PUT /api/conversations/{id}
func (h *handler) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := h.engine.RenameConversation(r.Context(), id, req.Title); err != nil {
		writeEngineError(w, err)
		return
	}
	conv, err := h.engine.GetConversation(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// DELETE /api/conversations/{id}
func (h *handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.DeleteConversation(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "conversation deleted"})
}

// ---------------------------------------------------------------------------
// Messages.
// ---------------------------------------------------------------------------

// GET /api/conversations/{id}/messages
func (h *handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	msgs, err := h.engine.Messages(r.Context(), id, queryInt(r, "limit", 0))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if msgs == nil {
		msgs = []ragserve.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"total":           len(msgs),
		"messages":        msgs,
	})
}

// POST /api/conversations/{id}/messages
func (h *handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "role and content are required")
		return
	}

	msg, err := h.engine.AppendMessage(r.Context(), id, req.Role, req.Content)
	if err != nil {
		if errors.Is(err, ragserve.ErrConversationNotFound) {
			writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// DELETE /api/conversations/{id}/messages
func (h *handler) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.ClearMessages(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "messages cleared"})
}

// ---------------------------------------------------------------------------
// Chat.
// ---------------------------------------------------------------------------

// POST /api/conversations/{id}/chat
func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req ragserve.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	req.ConversationID = id

	reply, err := h.engine.Chat(ctx, req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// POST /api/conversations/{id}/chat/stream
//
// Server-sent events: one `data: <json>` frame per chat event. The
// conversation is validated before the stream opens so missing ids still
// get a regular 404.
func (h *handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ragserve.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	req.ConversationID = id

	if _, err := h.engine.GetConversation(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	emit := func(ev ragserve.ChatEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.engine.ChatStream(r.Context(), req, emit); err != nil {
		// The error event has already been delivered in-stream; a canceled
		// context just means the client went away.
		if !errors.Is(err, context.Canceled) {
			slog.Warn("chat stream ended with error", "conversation_id", id, "error", err)
		}
	}
}
