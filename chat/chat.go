// Package chat orchestrates assistant conversations: history windowing,
// retrieval, prompt composition, generation and durable turn persistence.
//
// Turns against one conversation are serialized: the assistant reply of
// turn N is written before the user message of turn N+1 is accepted.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rosset/ragserve/catalog"
	"github.com/rosset/ragserve/embedding"
	"github.com/rosset/ragserve/llm"
	"github.com/rosset/ragserve/retrieve"
)

const (
	defaultTopK            = 5
	defaultMaxHistoryTurns = 10
	defaultTemperature     = 0.7

	// streamSourceLimit and replySourceLimit bound the evidence attached
	// to streamed events and batch replies respectively.
	streamSourceLimit  = 5
	replySourceLimit   = 3
	sourceContentLimit = 200

	// historySummaryLen is how many trailing messages the history summary
	// quotes inside the prompt; historyLineLimit truncates each of them.
	historySummaryLen = 4
	historyLineLimit  = 100
)

// noEvidenceAnswer is returned without calling the model when retrieval
// against the bound knowledge bases comes back empty.
const noEvidenceAnswer = "Sorry, I could not find relevant information in the " +
	"knowledge base. Try rephrasing the question or checking the knowledge base contents."

const defaultSystemPrompt = "You are a helpful assistant."

// historySystemClause augments the system prompt whenever the conversation
// already has messages.
const historySystemClause = "Core rule: remember the content and agreements of our " +
	"prior conversation and give them priority when answering. If I previously told " +
	"you a specific rule or fact, follow it even when it contradicts common knowledge."

// historyContextTemplate frames a query when both history and retrieved
// context exist. History wins over retrieved material on conflict.
const historyContextTemplate = `Important, these agreements from our prior conversation are in force:
%s

---

Reference material:
%s

---

Question: %s

Answer rules:
1. If I previously told you a specific rule or answer, respond exactly as instructed, even when it contradicts common knowledge.
2. Agreements from the conversation history always override the reference material.
3. Fall back to the reference material only when the history has nothing relevant.
4. Give the answer directly, without explaining your reasoning.

Answer:`

// groundedTemplate frames a query against retrieved context alone.
const groundedTemplate = `Answer the question using the context below. If the context does not contain the relevant information, say "I don't know".

Context:
%s

Question: %s

Answer:`

// Event type discriminators, mirrored on the SSE wire.
const (
	EventSources = "sources"
	EventText    = "text"
	EventDone    = "done"
	EventError   = "error"
)

// Event is one streamed chat notification. Data depends on Type: a
// sourcesPayload for sources, a text fragment for text, an empty object
// for done and {"error": ...} for error.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func textEvent(s string) Event { return Event{Type: EventText, Data: s} }

func doneEvent() Event { return Event{Type: EventDone, Data: struct{}{}} }

func errorEvent(err error) Event {
	return Event{Type: EventError, Data: map[string]string{"error": err.Error()}}
}

// sourcesPayload is the data of a sources event.
type sourcesPayload struct {
	Sources        []Source `json:"sources"`
	RetrievalCount int      `json:"retrieval_count"`
	EmbeddingModel string   `json:"embedding_model,omitempty"`
}

// Source is one piece of retrieval evidence attached to an answer.
type Source struct {
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	FileID     string            `json:"file_id,omitempty"`
	Origin     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Request is one user turn against a conversation. Zero values fall back
// to the orchestrator defaults.
type Request struct {
	ConversationID  int64   `json:"conversation_id"`
	Query           string  `json:"query"`
	Hybrid          bool    `json:"use_hybrid_retrieval"`
	Temperature     float64 `json:"temperature"`
	MaxTokens       int     `json:"max_tokens"`
	TopK            int     `json:"top_k"`
	MaxHistoryTurns int     `json:"max_history_turns"`
}

// Reply is the result of a non-streaming exchange.
type Reply struct {
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	EmbeddingModel string   `json:"embedding_model,omitempty"`
	RetrievalCount int      `json:"retrieval_count"`
}

// Config tunes the orchestrator. Zero values take defaults.
type Config struct {
	TopK            int
	MaxHistoryTurns int
}

// Orchestrator composes retrieval, history and generation into
// conversation turns.
type Orchestrator struct {
	catalog   *catalog.Catalog
	retriever *retrieve.Retriever
	llms      map[string]llm.Provider
	embedders map[string]embedding.Provider
	cfg       Config
	convs     convLocks
}

// New returns an orchestrator over the given stores and providers. llms
// maps provider kinds ("local", "openai", "custom") to generation backends.
func New(cat *catalog.Catalog, retriever *retrieve.Retriever, llms map[string]llm.Provider, embedders map[string]embedding.Provider, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	return &Orchestrator{
		catalog:   cat,
		retriever: retriever,
		llms:      llms,
		embedders: embedders,
		cfg:       cfg,
		convs:     convLocks{locks: make(map[int64]*convLock)},
	}
}

// ----------------------------------------------------------------------------
// Turn preparation.
// ----------------------------------------------------------------------------

// turn carries the resolved state of one exchange.
type turn struct {
	assistant      *catalog.Assistant
	history        []catalog.Message
	results        []retrieve.Result
	retrieved      bool
	embeddingModel string
	localEmbedding bool
}

// prepare resolves the conversation, loads the history window, persists the
// user turn and runs retrieval when knowledge bases are bound. The history
// window excludes the turn being prepared.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*turn, error) {
	conv, err := o.catalog.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	assistant, err := o.catalog.GetAssistant(ctx, conv.AssistantID)
	if err != nil {
		return nil, err
	}

	turns := req.MaxHistoryTurns
	if turns <= 0 {
		turns = o.cfg.MaxHistoryTurns
	}
	history, err := o.catalog.RecentMessages(ctx, conv.ID, 2*turns)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	if _, err := o.catalog.AppendMessage(ctx, conv.ID, llm.RoleUser, req.Query, ""); err != nil {
		return nil, fmt.Errorf("saving user turn: %w", err)
	}

	t := &turn{assistant: assistant, history: history}
	if len(assistant.KBIDs) == 0 {
		slog.Info("chat: plain conversation", "conversation_id", conv.ID)
		return t, nil
	}

	t.retrieved = true
	if kb, err := o.catalog.GetKB(ctx, assistant.KBIDs[0]); err == nil {
		t.embeddingModel = kb.EmbeddingModel
		t.localEmbedding = kb.EmbeddingProvider == "local"
	}

	k := req.TopK
	if k <= 0 {
		k = o.cfg.TopK
	}
	if req.Hybrid {
		t.results, err = o.retriever.HybridMulti(ctx, assistant.KBIDs, req.Query, k)
	} else {
		t.results, err = o.retriever.SearchMulti(ctx, assistant.KBIDs, req.Query, k, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	slog.Info("chat: retrieval done",
		"conversation_id", conv.ID, "hybrid", req.Hybrid, "results", len(t.results))
	return t, nil
}

// providerFor resolves a generation backend by kind, defaulting to local.
func (o *Orchestrator) providerFor(kind string) (llm.Provider, error) {
	if kind == "" {
		kind = "local"
	}
	p, ok := o.llms[kind]
	if !ok {
		return nil, fmt.Errorf("no llm provider registered for %q", kind)
	}
	return p, nil
}

// releaseEmbedder frees the local embedding model so the generation model
// does not compete with it for accelerator memory.
func (o *Orchestrator) releaseEmbedder(ctx context.Context, t *turn) {
	if len(t.results) == 0 || !t.localEmbedding {
		return
	}
	p, ok := o.embedders["local"]
	if !ok {
		return
	}
	if err := p.Unload(ctx, t.embeddingModel); err != nil {
		slog.Warn("chat: releasing embedding model", "model", t.embeddingModel, "error", err)
		return
	}
	slog.Info("chat: released embedding model", "model", t.embeddingModel)
}

func (o *Orchestrator) options(req Request) llm.Options {
	temp := req.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	return llm.Options{Temperature: temp, MaxTokens: req.MaxTokens}
}

// ----------------------------------------------------------------------------
// Non-streaming exchange.
// ----------------------------------------------------------------------------

// Ask runs one exchange and returns the full answer. The user turn is
// persisted before generation; on generation failure it stays and the
// error is returned.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Reply, error) {
	unlock := o.convs.lock(req.ConversationID)
	defer unlock()

	t, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if t.retrieved && len(t.results) == 0 {
		slog.Warn("chat: no evidence retrieved", "conversation_id", req.ConversationID)
		if _, err := o.catalog.AppendMessage(ctx, req.ConversationID, llm.RoleAssistant, noEvidenceAnswer, ""); err != nil {
			return nil, fmt.Errorf("saving assistant turn: %w", err)
		}
		return &Reply{Answer: noEvidenceAnswer, Sources: []Source{}, EmbeddingModel: t.embeddingModel}, nil
	}

	provider, err := o.providerFor(t.assistant.LLMProvider)
	if err != nil {
		return nil, err
	}
	o.releaseEmbedder(ctx, t)

	answer, err := provider.Chat(ctx, t.assistant.LLMModel, compose(req, t), o.options(req))
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}

	sources := sourcesFor(t.results, replySourceLimit, false)
	if _, err := o.catalog.AppendMessage(ctx, req.ConversationID, llm.RoleAssistant, answer, marshalSources(sources)); err != nil {
		return nil, fmt.Errorf("saving assistant turn: %w", err)
	}
	return &Reply{
		Answer:         answer,
		Sources:        sources,
		EmbeddingModel: t.embeddingModel,
		RetrievalCount: len(t.results),
	}, nil
}

// ----------------------------------------------------------------------------
// Streaming exchange.
// ----------------------------------------------------------------------------

// Stream runs one exchange, delivering events to emit in order: sources
// (when knowledge bases are bound), text fragments, then done. The
// assistant turn is persisted only after the final fragment arrived; a
// cancelled context or failing emit abandons the stream and persists
// nothing. Failures other than cancellation are reported as an error event
// before the error returns.
func (o *Orchestrator) Stream(ctx context.Context, req Request, emit func(Event) error) error {
	unlock := o.convs.lock(req.ConversationID)
	defer unlock()

	t, err := o.prepare(ctx, req)
	if err != nil {
		return o.fail(emit, err)
	}

	if t.retrieved {
		payload := sourcesPayload{
			Sources:        sourcesFor(t.results, streamSourceLimit, true),
			RetrievalCount: len(t.results),
			EmbeddingModel: t.embeddingModel,
		}
		if err := emit(Event{Type: EventSources, Data: payload}); err != nil {
			return err
		}
		if len(t.results) == 0 {
			slog.Warn("chat: no evidence retrieved", "conversation_id", req.ConversationID)
			if err := emit(textEvent(noEvidenceAnswer)); err != nil {
				return err
			}
			if _, err := o.catalog.AppendMessage(ctx, req.ConversationID, llm.RoleAssistant, noEvidenceAnswer, ""); err != nil {
				return o.fail(emit, fmt.Errorf("saving assistant turn: %w", err))
			}
			return emit(doneEvent())
		}
	}

	provider, err := o.providerFor(t.assistant.LLMProvider)
	if err != nil {
		return o.fail(emit, err)
	}
	o.releaseEmbedder(ctx, t)

	fragments, err := provider.ChatStream(ctx, t.assistant.LLMModel, compose(req, t), o.options(req))
	if err != nil {
		return o.fail(emit, fmt.Errorf("generation: %w", err))
	}

	var answer strings.Builder
	for frag := range fragments {
		if frag.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.fail(emit, fmt.Errorf("generation: %w", frag.Err))
		}
		if frag.Text == "" {
			continue
		}
		answer.WriteString(frag.Text)
		if err := emit(textEvent(frag.Text)); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sources := sourcesFor(t.results, streamSourceLimit, true)
	if _, err := o.catalog.AppendMessage(ctx, req.ConversationID, llm.RoleAssistant, answer.String(), marshalSources(sources)); err != nil {
		return o.fail(emit, fmt.Errorf("saving assistant turn: %w", err))
	}
	return emit(doneEvent())
}

// fail reports err to the consumer and returns it.
func (o *Orchestrator) fail(emit func(Event) error, err error) error {
	slog.Error("chat: turn failed", "error", err)
	if emitErr := emit(errorEvent(err)); emitErr != nil {
		slog.Warn("chat: delivering error event", "error", emitErr)
	}
	return err
}

// ----------------------------------------------------------------------------
// Prompt composition.
// ----------------------------------------------------------------------------

func compose(req Request, t *turn) []llm.Message {
	var contextBlock string
	if len(t.results) > 0 {
		contextBlock = buildContext(t.results)
	}
	userMsg := buildUserMessage(req.Query, contextBlock, t.history)
	return buildMessages(userMsg, t.history, t.assistant.SystemPrompt)
}

// buildContext renders retrieval hits as a numbered passage block with
// similarity percentages.
func buildContext(results []retrieve.Result) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("[Passage %d] (similarity: %.2f%%)\n%s\n", i+1, scoreOf(r)*100, r.Content)
	}
	return strings.Join(parts, "\n")
}

// buildUserMessage frames the query. With retrieved context the template
// depends on whether history exists; without context the query goes out raw.
func buildUserMessage(query, contextBlock string, history []catalog.Message) string {
	if contextBlock == "" {
		return query
	}
	if len(history) == 0 {
		return fmt.Sprintf(groundedTemplate, contextBlock, query)
	}
	return fmt.Sprintf(historyContextTemplate, historySummary(history), contextBlock, query)
}

// buildMessages assembles the final message list: optional system prompt,
// history in chronological order, then the framed user message. With
// history the system prompt gains the remember-prior-conversation clause.
func buildMessages(userMsg string, history []catalog.Message, systemPrompt string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	switch {
	case len(history) > 0:
		system := systemPrompt
		if system == "" {
			system = defaultSystemPrompt
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system + "\n\n" + historySystemClause})
	case systemPrompt != "":
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userMsg})
}

// historySummary quotes the trailing history as "role: content" lines.
func historySummary(history []catalog.Message) string {
	start := 0
	if len(history) > historySummaryLen {
		start = len(history) - historySummaryLen
	}
	lines := make([]string, 0, len(history)-start)
	for _, m := range history[start:] {
		lines = append(lines, m.Role+": "+truncate(m.Content, historyLineLimit))
	}
	return strings.Join(lines, "\n")
}

// ----------------------------------------------------------------------------
// Evidence shaping.
// ----------------------------------------------------------------------------

// sourcesFor converts the top hits into evidence payloads. Hit metadata is
// carried only on the streaming path.
func sourcesFor(results []retrieve.Result, limit int, withMetadata bool) []Source {
	if limit > len(results) {
		limit = len(results)
	}
	out := make([]Source, 0, limit)
	for _, r := range results[:limit] {
		s := Source{
			Content:    truncate(r.Content, sourceContentLimit),
			Similarity: scoreOf(r),
			FileID:     r.Metadata["file_id"],
			Origin:     r.Source,
		}
		if withMetadata {
			s.Metadata = r.Metadata
		}
		out = append(out, s)
	}
	return out
}

// scoreOf prefers the fused score of hybrid hits.
func scoreOf(r retrieve.Result) float64 {
	if r.FinalScore > 0 {
		return r.FinalScore
	}
	return r.Similarity
}

func marshalSources(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	data, err := json.Marshal(sources)
	if err != nil {
		slog.Warn("chat: encoding sources", "error", err)
		return ""
	}
	return string(data)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// ----------------------------------------------------------------------------
// Per-conversation serialization.
// ----------------------------------------------------------------------------

// convLocks hands out one mutex per conversation. Entries are refcounted
// and dropped when the last holder releases, keeping the map bounded.
type convLocks struct {
	mu    sync.Mutex
	locks map[int64]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func (l *convLocks) lock(id int64) func() {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &convLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
