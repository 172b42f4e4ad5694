package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Local speaks the native runtime API (/api/chat, /api/tags). The runtime
// holds one model in memory at a time, so the provider tracks the active
// model and unloads it before warming a different one.
type Local struct {
	baseURL     string
	client      *http.Client
	runtimeOpts map[string]interface{}

	mu     sync.Mutex
	active string
}

// NewLocal creates a provider for the local runtime.
func NewLocal(cfg Config) *Local {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &Local{
		baseURL: strings.TrimRight(base, "/"),
		// No client-level timeout: streams run as long as their context
		// allows, and non-stream calls carry their own deadline.
		client:      &http.Client{},
		runtimeOpts: cfg.RuntimeOptions,
	}
}

type localChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []Message              `json:"messages"`
	Stream    bool                   `json:"stream"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive interface{}            `json:"keep_alive,omitempty"`
}

type localChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (p *Local) options(opts Options) map[string]interface{} {
	m := make(map[string]interface{}, len(p.runtimeOpts)+2)
	for k, v := range p.runtimeOpts {
		m[k] = v
	}
	m["temperature"] = opts.Temperature
	if opts.MaxTokens > 0 {
		m["num_predict"] = opts.MaxTokens
	}
	return m
}

// Chat sends a non-streaming request and returns the full response text.
func (p *Local) Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	if err := p.ensureActive(ctx, model); err != nil {
		return "", err
	}

	tctx, cancel := context.WithTimeout(ctx, generationTimeout(opts.MaxTokens))
	defer cancel()

	body, err := p.post(tctx, localChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  p.options(opts),
	})
	if err != nil {
		return "", mapGenerationErr(ctx, err)
	}

	var resp localChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if resp.Message.Content == "" {
		return "", fmt.Errorf("empty response from model %s", model)
	}
	return resp.Message.Content, nil
}

// ChatStream starts a streaming generation. The runtime answers with
// line-delimited JSON chunks until one carries done=true.
func (p *Local) ChatStream(ctx context.Context, model string, messages []Message, opts Options) (<-chan Fragment, error) {
	if err := p.ensureActive(ctx, model); err != nil {
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, generationTimeout(opts.MaxTokens))

	data, err := json.Marshal(localChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  p.options(opts),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	req, err := http.NewRequestWithContext(tctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, mapGenerationErr(ctx, connErr(err))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, statusErr(resp.StatusCode, respBody)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk localChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Message.Content != "" {
				select {
				case out <- Fragment{Text: chunk.Message.Content}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := sc.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Fragment{Err: mapGenerationErr(ctx, err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// Load warms a model, taking the single slot. Loading the active model is a
// no-op.
func (p *Local) Load(ctx context.Context, model string) error {
	return p.ensureActive(ctx, model)
}

// Unload asks the runtime to release the model immediately.
func (p *Local) Unload(ctx context.Context, model string) error {
	_, err := p.post(ctx, localChatRequest{
		Model:     model,
		Messages:  []Message{},
		Stream:    false,
		KeepAlive: 0,
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.active == model {
		p.active = ""
	}
	p.mu.Unlock()
	return nil
}

// ensureActive makes the model the runtime's resident one, unloading the
// previous occupant of the slot first.
func (p *Local) ensureActive(ctx context.Context, model string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == model {
		return nil
	}
	if p.active != "" {
		_, err := p.post(ctx, localChatRequest{
			Model:     p.active,
			Messages:  []Message{},
			Stream:    false,
			KeepAlive: 0,
		})
		if err != nil {
			slog.Warn("llm: unloading previous model failed", "model", p.active, "error", err)
		}
	}
	// empty-message chat call loads the model without generating
	if _, err := p.post(ctx, localChatRequest{Model: model, Messages: []Message{}, Stream: false}); err != nil {
		return err
	}
	p.active = model
	return nil
}

type localTagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		ModifiedAt string `json:"modified_at"`
		Details    struct {
			Family string `json:"family"`
		} `json:"details"`
	} `json:"models"`
}

// ListModels returns chat-capable models; embedding models are filtered out.
func (p *Local) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, connErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp.StatusCode, body)
	}

	var tags localTagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	models := make([]Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		if strings.Contains(strings.ToLower(m.Name), "embed") {
			continue
		}
		models = append(models, Model{
			Name:       m.Name,
			Size:       humanSize(m.Size),
			Family:     familyOf(m.Name, m.Details.Family),
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models, nil
}

func (p *Local) post(ctx context.Context, body localChatRequest) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, connErr(err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// connErr maps transport failures to the unavailable sentinel, leaving
// context errors alone so callers can tell cancellation apart.
func connErr(err error) error {
	if err == nil {
		return nil
	}
	if ctxCause(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func ctxCause(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return nil
}

// mapGenerationErr turns a deadline hit on our own generation timer into
// ErrTimeout; parent-context cancellation passes through untouched.
func mapGenerationErr(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return ErrTimeout
	}
	return err
}

func statusErr(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrModelNotFound, msg)
	}
	return fmt.Errorf("llm api error %d: %s", code, msg)
}

func humanSize(b int64) string {
	if b <= 0 {
		return ""
	}
	gb := float64(b) / (1 << 30)
	if gb < 1 {
		return fmt.Sprintf("%.0f MB", float64(b)/(1<<20))
	}
	return fmt.Sprintf("%.1f GB", gb)
}

// familyOf falls back to the name prefix when the runtime gives no family.
func familyOf(name, family string) string {
	if family != "" {
		return family
	}
	if i := strings.Index(name, ":"); i > 0 {
		return name[:i]
	}
	return name
}
