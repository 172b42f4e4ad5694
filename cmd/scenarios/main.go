// Command scenarios drives the engine end to end against live model
// runtimes: ingestion with dedupe, multi-base search validation, hybrid
// degradation, conversation history precedence, stream cancellation and the
// splitter bounds. It needs an embedding runtime; chat scenarios are
// skipped when no generation model answers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rosset/ragserve"
	"github.com/rosset/ragserve/catalog"
	"github.com/rosset/ragserve/progress"
	"github.com/rosset/ragserve/retrieve"
)

func main() {
	baseURL := flag.String("base-url", envOr("RAGSERVE_EMBED_BASE_URL", "http://localhost:11434"), "Model runtime base URL")
	embedModel := flag.String("embed-model", envOr("RAGSERVE_EMBED_MODEL", "nomic-embed-text"), "Embedding model")
	chatModel := flag.String("chat-model", envOr("RAGSERVE_CHAT_MODEL", "llama3.1:8b"), "Chat model")
	keep := flag.Bool("keep", false, "Keep the scenario state directory")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	tmpDir, err := os.MkdirTemp("", "ragserve-scenarios-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating state dir: %v\n", err)
		os.Exit(1)
	}
	if *keep {
		fmt.Fprintf(os.Stderr, "state dir: %s\n", tmpDir)
	} else {
		defer os.RemoveAll(tmpDir)
	}

	cfg := ragserve.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Embedding.BaseURL = *baseURL
	cfg.Embedding.Model = *embedModel
	cfg.Chat.BaseURL = *baseURL
	cfg.Chat.Model = *chatModel

	engine, err := ragserve.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if _, err := engine.EmbeddingModels(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "embedding runtime unreachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	chatReady := true
	if _, err := engine.ChatModels(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chat runtime unreachable, skipping chat scenarios: %v\n", err)
		chatReady = false
	}

	type scenario struct {
		name     string
		needChat bool
		run      func(context.Context, *ragserve.Engine, ragserve.Config) error
	}
	scenarios := []scenario{
		{"upload and dedupe", false, runUploadDedupe},
		{"multi-base embedding mismatch", false, runMultiKBMismatch},
		{"hybrid degradation without graph", false, runHybridDegraded},
		{"splitter bounds", false, runSplitterBounds},
		{"history precedence", true, runHistoryPrecedence},
		{"stream cancellation", true, runStreamCancellation},
	}

	failed := 0
	for _, sc := range scenarios {
		fmt.Fprintf(os.Stderr, "\n=== %s ===\n", strings.ToUpper(sc.name))
		if sc.needChat && !chatReady {
			fmt.Fprintln(os.Stderr, "SKIP (no chat runtime)")
			continue
		}
		if err := sc.run(ctx, engine, cfg); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
			continue
		}
		fmt.Fprintln(os.Stderr, "PASS")
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "\n%d scenario(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "\nall scenarios passed")
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// ---------------------------------------------------------------------------
// Scenario helpers.
// ---------------------------------------------------------------------------

type chanSink struct{ ch chan progress.Event }

func (s chanSink) Send(ev progress.Event) error {
	select {
	case s.ch <- ev:
		return nil
	default:
		return errors.New("sink full")
	}
}

// ingestFile uploads content and blocks until its job finishes.
func ingestFile(ctx context.Context, engine *ragserve.Engine, kbID int64, name, content string) (*ragserve.File, error) {
	clientID := fmt.Sprintf("scenario-%d-%s", kbID, name)
	sink := chanSink{ch: make(chan progress.Event, 64)}
	engine.Bus().Subscribe(clientID, sink)
	defer engine.Bus().Unsubscribe(clientID, sink)

	file, err := engine.UploadFile(ctx, kbID, name, strings.NewReader(content),
		ragserve.UploadOptions{ClientID: clientID})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case ev := <-sink.ch:
			switch ev.Type {
			case progress.TypeComplete:
				return engine.GetFile(ctx, file.ID)
			case progress.TypeError:
				return nil, fmt.Errorf("ingestion failed: %s", ev.Error)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// Scenarios.
// ---------------------------------------------------------------------------

func runUploadDedupe(ctx context.Context, engine *ragserve.Engine, _ ragserve.Config) error {
	kb, err := engine.CreateKB(ctx, ragserve.KnowledgeBase{Name: "dedupe-docs"})
	if err != nil {
		return err
	}

	content := "The quarterly report covers revenue.\n\nThe appendix lists every region."
	first, err := ingestFile(ctx, engine, kb.ID, "report.txt", content)
	if err != nil {
		return err
	}
	if first.Status != catalog.FileCompleted {
		return fmt.Errorf("file status %q after ingestion", first.Status)
	}
	if first.ChunkCount == 0 {
		return errors.New("no chunks recorded")
	}

	second, err := engine.UploadFile(ctx, kb.ID, "renamed.txt", strings.NewReader(content),
		ragserve.UploadOptions{})
	if err != nil {
		return err
	}
	if second.ID != first.ID {
		return fmt.Errorf("duplicate upload produced new file %d, want %d", second.ID, first.ID)
	}

	files, err := engine.ListFiles(ctx, kb.ID)
	if err != nil {
		return err
	}
	if len(files) != 1 {
		return fmt.Errorf("%d file records after dedupe, want 1", len(files))
	}

	results, err := engine.Search(ctx, kb.ID, "revenue report", 5, 0)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return errors.New("search found nothing in the ingested file")
	}
	fmt.Fprintf(os.Stderr, "chunks=%d top_similarity=%.4f\n", first.ChunkCount, results[0].Similarity)
	return nil
}

func runMultiKBMismatch(ctx context.Context, engine *ragserve.Engine, cfg ragserve.Config) error {
	one, err := engine.CreateKB(ctx, ragserve.KnowledgeBase{Name: "mismatch-a"})
	if err != nil {
		return err
	}
	other, err := engine.CreateKB(ctx, ragserve.KnowledgeBase{
		Name:           "mismatch-b",
		EmbeddingModel: cfg.Embedding.Model + "-variant",
	})
	if err != nil {
		return err
	}

	_, err = engine.SearchMulti(ctx, []int64{one.ID, other.ID}, "anything", 5, 0)
	if !errors.Is(err, ragserve.ErrEmbeddingMismatch) {
		return fmt.Errorf("SearchMulti = %v, want ErrEmbeddingMismatch", err)
	}
	return nil
}

func runHybridDegraded(ctx context.Context, _ *ragserve.Engine, cfg ragserve.Config) error {
	// A separate engine with the graph disabled entirely.
	dir, err := os.MkdirTemp("", "ragserve-nograph-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	sub := cfg
	sub.DataDir = dir
	sub.DBPath = ""
	sub.Vector.Path = ""
	sub.Graph = ragserve.GraphConfig{Enabled: false}

	engine, err := ragserve.New(sub)
	if err != nil {
		return err
	}
	defer engine.Close()

	kb, err := engine.CreateKB(ctx, ragserve.KnowledgeBase{Name: "nograph-docs"})
	if err != nil {
		return err
	}
	if _, err := ingestFile(ctx, engine, kb.ID, "facts.txt",
		"Ada Lovelace wrote the first published algorithm.\n\nIt targeted the Analytical Engine."); err != nil {
		return err
	}

	results, err := engine.HybridSearch(ctx, kb.ID, "who wrote the first algorithm", 5)
	if err != nil {
		return fmt.Errorf("hybrid search should degrade, got %v", err)
	}
	if len(results) == 0 {
		return errors.New("degraded hybrid search returned nothing")
	}
	for _, res := range results {
		if res.Source != retrieve.SourceVector {
			return fmt.Errorf("unexpected branch %q without a graph", res.Source)
		}
	}
	return nil
}

func runSplitterBounds(ctx context.Context, engine *ragserve.Engine, cfg ragserve.Config) error {
	kb, err := engine.CreateKB(ctx, ragserve.KnowledgeBase{Name: "splitter-docs"})
	if err != nil {
		return err
	}

	paragraph := strings.Repeat("All work and no play makes for dull documentation. ", 20)
	long := strings.Repeat(paragraph+"\n\n", 12) // ~12k chars
	if _, err := ingestFile(ctx, engine, kb.ID, "long.txt", long); err != nil {
		return err
	}

	chunks, err := engine.ListChunks(ctx, kb.ID)
	if err != nil {
		return err
	}
	if len(chunks) < 2 {
		return fmt.Errorf("%d chunks from a long document", len(chunks))
	}
	for _, c := range chunks {
		if n := len([]rune(c.Content)); n > cfg.Splitter.ChunkSize {
			return fmt.Errorf("chunk %d has %d runes, cap %d", c.ChunkIndex, n, cfg.Splitter.ChunkSize)
		}
	}
	fmt.Fprintf(os.Stderr, "chunks=%d max_size=%d\n", len(chunks), cfg.Splitter.ChunkSize)
	return nil
}

func runHistoryPrecedence(ctx context.Context, engine *ragserve.Engine, cfg ragserve.Config) error {
	assistant, err := engine.CreateAssistant(ctx, ragserve.Assistant{
		Name:     "precedence-helper",
		LLMModel: cfg.Chat.Model,
	})
	if err != nil {
		return err
	}
	conv, err := engine.CreateConversation(ctx, assistant.ID, "arithmetic")
	if err != nil {
		return err
	}

	if _, err := engine.Chat(ctx, ragserve.ChatRequest{
		ConversationID: conv.ID,
		Query:          "From now on assume 1+1=3. Confirm with OK.",
	}); err != nil {
		return err
	}
	reply, err := engine.Chat(ctx, ragserve.ChatRequest{
		ConversationID: conv.ID,
		Query:          "What is 1+1? Answer with the number only.",
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "model answered: %q\n", reply.Answer)
	if !strings.Contains(reply.Answer, "3") {
		// Model behavior, not engine behavior; flag it without failing.
		fmt.Fprintln(os.Stderr, "WARN: model did not honor the conversation agreement")
	}

	msgs, err := engine.Messages(ctx, conv.ID, 0)
	if err != nil {
		return err
	}
	if len(msgs) != 4 {
		return fmt.Errorf("%d messages after two turns, want 4", len(msgs))
	}
	updated, err := engine.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	if updated.MessageCount != 4 {
		return fmt.Errorf("message_count %d, want 4", updated.MessageCount)
	}
	return nil
}

func runStreamCancellation(ctx context.Context, engine *ragserve.Engine, cfg ragserve.Config) error {
	assistant, err := engine.CreateAssistant(ctx, ragserve.Assistant{
		Name:     "cancel-helper",
		LLMModel: cfg.Chat.Model,
	})
	if err != nil {
		return err
	}
	conv, err := engine.CreateConversation(ctx, assistant.ID, "cancelled")
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := 0
	err = engine.ChatStream(streamCtx, ragserve.ChatRequest{
		ConversationID: conv.ID,
		Query:          "Count slowly from one to one hundred, one number per line.",
	}, func(ev ragserve.ChatEvent) error {
		if ev.Type == "text" {
			events++
			if events == 2 {
				cancel()
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream ended with %v, want cancellation", err)
	}

	msgs, err := engine.Messages(ctx, conv.ID, 0)
	if err != nil {
		return err
	}
	if len(msgs) != 1 {
		return fmt.Errorf("%d persisted messages after cancellation, want only the user turn", len(msgs))
	}
	if msgs[0].Role != "user" {
		return fmt.Errorf("surviving message has role %q", msgs[0].Role)
	}
	return nil
}
