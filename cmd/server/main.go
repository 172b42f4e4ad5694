// Command server exposes the ragserve engine over HTTP: a JSON API for
// knowledge bases, assistants and conversations, SSE chat streaming, and a
// WebSocket feed of ingestion progress.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rosset/ragserve"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// A .env next to the binary is a development convenience; absence is fine.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	cfg := ragserve.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = ragserve.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	applyEnv(&cfg)

	apiKey := os.Getenv("RAGSERVE_API_KEY")
	corsOrigins := os.Getenv("RAGSERVE_CORS_ORIGINS")

	engine, err := ragserve.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Boot probe: a dead catalog is fatal, everything else degrades.
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	health := engine.CheckHealth(bootCtx)
	cancelBoot()
	for name, state := range health.Components {
		if state == "unavailable" {
			if name == "catalog" {
				slog.Error("catalog unreachable at startup")
				os.Exit(1)
			}
			slog.Warn("component unavailable at startup, running degraded", "component", name)
		}
	}

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/knowledge-bases", h.handleCreateKB)
	mux.HandleFunc("GET /api/knowledge-bases", h.handleListKBs)
	mux.HandleFunc("GET /api/knowledge-bases/{id}", h.handleGetKB)
	mux.HandleFunc("PUT /api/knowledge-bases/{id}", h.handleUpdateKB)
	mux.HandleFunc("DELETE /api/knowledge-bases/{id}", h.handleDeleteKB)
	mux.HandleFunc("POST /api/knowledge-bases/{id}/upload", h.handleUpload)
	mux.HandleFunc("GET /api/knowledge-bases/{id}/files", h.handleListFiles)
	mux.HandleFunc("GET /api/knowledge-bases/{id}/files/{fileID}/content", h.handleFileContent)
	mux.HandleFunc("DELETE /api/knowledge-bases/{id}/files/{fileID}", h.handleDeleteFile)
	mux.HandleFunc("GET /api/knowledge-bases/{id}/chunks", h.handleListChunks)
	mux.HandleFunc("POST /api/knowledge-bases/{id}/search", h.handleSearch)
	mux.HandleFunc("GET /api/knowledge-bases/{id}/graph/stats", h.handleGraphStats)
	mux.HandleFunc("POST /api/knowledge-bases/{id}/graph/rebuild", h.handleGraphRebuild)

	mux.HandleFunc("POST /api/assistants", h.handleCreateAssistant)
	mux.HandleFunc("GET /api/assistants", h.handleListAssistants)
	mux.HandleFunc("GET /api/assistants/{id}", h.handleGetAssistant)
	mux.HandleFunc("PUT /api/assistants/{id}", h.handleUpdateAssistant)
	mux.HandleFunc("DELETE /api/assistants/{id}", h.handleDeleteAssistant)

	mux.HandleFunc("POST /api/conversations", h.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations", h.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", h.handleGetConversation)
	mux.HandleFunc("PUT /api/conversations/{id}", h.handleRenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", h.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", h.handleAppendMessage)
	mux.HandleFunc("DELETE /api/conversations/{id}/messages", h.handleClearMessages)
	mux.HandleFunc("POST /api/conversations/{id}/chat", h.handleChat)
	mux.HandleFunc("POST /api/conversations/{id}/chat/stream", h.handleChatStream)

	mux.HandleFunc("GET /api/models/embedding", h.handleEmbeddingModels)
	mux.HandleFunc("GET /api/models/llm", h.handleChatModels)
	mux.HandleFunc("DELETE /api/models/embedding/{model}", h.handleReleaseModel)
	mux.HandleFunc("DELETE /api/models/llm/{model}", h.handleReleaseModel)

	mux.HandleFunc("GET /ws/{clientID}", h.handleWebSocket)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (SSE, WebSocket)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// applyEnv overlays RAGSERVE_* environment variables onto the config.
func applyEnv(cfg *ragserve.Config) {
	if v := os.Getenv("RAGSERVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RAGSERVE_UPLOAD_ROOT"); v != "" {
		cfg.UploadRoot = v
	}
	if v := os.Getenv("RAGSERVE_VECTOR_KIND"); v != "" {
		cfg.Vector.Kind = v
	}
	if v := os.Getenv("RAGSERVE_VECTOR_PATH"); v != "" {
		cfg.Vector.Path = v
	}
	if v := os.Getenv("RAGSERVE_VECTOR_ADDR"); v != "" {
		if host, port, ok := strings.Cut(v, ":"); ok {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Vector.Host = host
				cfg.Vector.Port = p
			}
		} else {
			cfg.Vector.Host = v
		}
	}
	if v := os.Getenv("RAGSERVE_GRAPH_PATH"); v != "" {
		cfg.Graph.Path = v
	}
	if v := os.Getenv("RAGSERVE_GRAPH_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Graph.Enabled = enabled
		}
	}
	if v := os.Getenv("RAGSERVE_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("RAGSERVE_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("RAGSERVE_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Kind = v
	}
	if v := os.Getenv("RAGSERVE_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("RAGSERVE_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("RAGSERVE_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Kind = v
	}
	if v := os.Getenv("RAGSERVE_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}

	// Fallback: the conventional provider variable.
	if cfg.Chat.APIKey == "" && (cfg.Chat.Kind == "openai" || cfg.Chat.Kind == "custom") {
		cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}
