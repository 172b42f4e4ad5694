// Package extractor pulls entities and relations out of text by prompting an
// LLM for strict JSON. Model chatter around the JSON object is tolerated, and
// unparseable output degrades to an empty result rather than an error.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rosset/ragserve/llm"
)

const (
	defaultMinTextLength = 30
	defaultConcurrency   = 5
	defaultTemperature   = 0.1

	// entity names shorter than this are noise
	minEntityNameLength = 2
)

const extractionPrompt = `You are an entity and relation extraction engine.
From the following text, extract the named entities and the relations between them.

ENTITY TYPES (use exactly these values):
- person       : a named individual
- organization : a company, body, or institution
- location     : a place
- product      : a named product, system, or artifact
- concept      : an abstract idea, principle, or methodology
- event        : a named event
- term         : a defined technical term, abbreviation, or identifier

Return a JSON object with exactly two keys:
  "entities"  : array of {"name": string, "type": string}
  "relations" : array of {"source": string, "target": string, "type": string}

Rules:
- Entity names must be normalised to lowercase.
- Source and target of every relation must be names from the entities array.
- Only include entities and relations clearly supported by the text.
- If there are none, return empty arrays.
- Do NOT include any text outside the JSON object.

TEXT:
%s`

// Entity is an extracted named entity.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation is an extracted typed link between two entities.
type Relation struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Result is the normalized output of one extraction.
type Result struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Item is one unit of batch work.
type Item struct {
	ChunkID string
	Text    string
}

// Config tunes the extractor.
type Config struct {
	Model         string
	MinTextLength int
	Concurrency   int
	Temperature   float64
}

// Extractor runs LLM-backed entity extraction.
type Extractor struct {
	provider llm.Provider
	cfg      Config
}

// New creates an extractor over a chat provider.
func New(provider llm.Provider, cfg Config) *Extractor {
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = defaultMinTextLength
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	return &Extractor{provider: provider, cfg: cfg}
}

// Extract runs one extraction. Inputs shorter than minLen (or the configured
// floor when minLen <= 0) are skipped with an empty result. chunkID is used
// for logging only.
func (e *Extractor) Extract(ctx context.Context, text, chunkID string, minLen int) (Result, error) {
	if minLen <= 0 {
		minLen = e.cfg.MinTextLength
	}
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < minLen {
		slog.Debug("extractor: skipping short text", "chunk_id", chunkID, "len", utf8.RuneCountInString(trimmed))
		return Result{}, nil
	}

	content, err := e.provider.Chat(ctx, e.cfg.Model,
		[]llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(extractionPrompt, trimmed)}},
		llm.Options{Temperature: e.cfg.Temperature})
	if err != nil {
		return Result{}, fmt.Errorf("extraction chat: %w", err)
	}
	return parseResult(content), nil
}

// BatchExtract runs extractions concurrently under a bounded semaphore.
// Per-item failures are isolated: the failing item's slot stays empty and
// the batch continues. An error is returned only when every item failed.
func (e *Extractor) BatchExtract(ctx context.Context, items []Item, concurrency int) ([]Result, error) {
	if concurrency <= 0 {
		concurrency = e.cfg.Concurrency
	}
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results, nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, concurrency)
		failed   int
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		failed++
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}

			res, err := e.Extract(ctx, item.Text, item.ChunkID, 0)
			if err != nil {
				slog.Warn("extractor: item failed", "chunk_id", item.ChunkID, "error", err)
				fail(err)
				return
			}
			results[i] = res
		}(i, item)
	}
	wg.Wait()

	if failed == len(items) {
		return results, fmt.Errorf("all %d extractions failed: %w", len(items), firstErr)
	}
	return results, nil
}

// Merge combines results, deduping entities by (name, type) and relations by
// (source, target, type).
func Merge(results []Result) Result {
	var merged Result
	seenEnt := make(map[string]bool)
	seenRel := make(map[string]bool)
	for _, r := range results {
		for _, e := range r.Entities {
			key := e.Name + "\x00" + e.Type
			if !seenEnt[key] {
				seenEnt[key] = true
				merged.Entities = append(merged.Entities, e)
			}
		}
		for _, rel := range r.Relations {
			key := rel.Source + "\x00" + rel.Target + "\x00" + rel.Type
			if !seenRel[key] {
				seenRel[key] = true
				merged.Relations = append(merged.Relations, rel)
			}
		}
	}
	return merged
}

// --- response parsing ---

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds a JSON object in the response text. It handles common
// LLM quirks: markdown code blocks, text before/after the JSON.
func extractJSON(raw string) string {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return ""
}

func parseResult(raw string) Result {
	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return Result{}
	}
	var decoded Result
	if err := json.Unmarshal([]byte(jsonStr), &decoded); err != nil {
		return Result{}
	}
	return normalize(decoded)
}

// normalize trims and lowercases names, drops noise entities, and keeps only
// relations whose endpoints survive entity normalization.
func normalize(in Result) Result {
	var out Result
	names := make(map[string]bool)
	seenEnt := make(map[string]bool)
	for _, e := range in.Entities {
		name := strings.TrimSpace(strings.ToLower(e.Name))
		typ := strings.TrimSpace(strings.ToLower(e.Type))
		if utf8.RuneCountInString(name) < minEntityNameLength {
			continue
		}
		key := name + "\x00" + typ
		if seenEnt[key] {
			continue
		}
		seenEnt[key] = true
		names[name] = true
		out.Entities = append(out.Entities, Entity{Name: name, Type: typ})
	}

	seenRel := make(map[string]bool)
	for _, r := range in.Relations {
		source := strings.TrimSpace(strings.ToLower(r.Source))
		target := strings.TrimSpace(strings.ToLower(r.Target))
		typ := strings.TrimSpace(strings.ToLower(r.Type))
		if source == "" || target == "" || source == target {
			continue
		}
		if !names[source] || !names[target] {
			continue
		}
		key := source + "\x00" + target + "\x00" + typ
		if seenRel[key] {
			continue
		}
		seenRel[key] = true
		out.Relations = append(out.Relations, Relation{Source: source, Target: target, Type: typ})
	}
	return out
}
