package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Remote speaks the legacy one-at-a-time embedding API (/api/embeddings).
type Remote struct {
	baseURL string
	client  *http.Client

	mu   sync.Mutex
	dims map[string]int
}

// NewRemote creates a provider for a remotely hosted embedding runtime.
func NewRemote(cfg Config) *Remote {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &Remote{
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		dims:    make(map[string]int),
	}
}

type remoteEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type remoteEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Encode embeds texts one request per text, preserving input order.
func (p *Remote) Encode(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.encodeOne(ctx, text, model)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}

	p.mu.Lock()
	if _, ok := p.dims[model]; !ok && len(vectors) > 0 {
		p.dims[model] = len(vectors[0])
	}
	p.mu.Unlock()
	return vectors, nil
}

func (p *Remote) encodeOne(ctx context.Context, text, model string) ([]float32, error) {
	data, err := json.Marshal(remoteEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var er remoteEmbedResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(er.Embedding) == 0 {
		return nil, fmt.Errorf("model %s returned an empty embedding", model)
	}
	return float64sToFloat32s(er.Embedding), nil
}

// Dimension probes with a sentinel text on first use and caches the answer.
func (p *Remote) Dimension(ctx context.Context, model string) (int, error) {
	p.mu.Lock()
	if dim, ok := p.dims[model]; ok {
		p.mu.Unlock()
		return dim, nil
	}
	p.mu.Unlock()

	vec, err := p.encodeOne(ctx, "dimension probe", model)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.dims[model] = len(vec)
	p.mu.Unlock()
	return len(vec), nil
}

// Load is a no-op: the legacy API loads models implicitly on first encode.
func (p *Remote) Load(ctx context.Context, model string) error { return nil }

// Unload is a no-op: the legacy API has no release call.
func (p *Remote) Unload(ctx context.Context, model string) error { return nil }

// ListModels returns the runtime's embedding models.
func (p *Remote) ListModels(ctx context.Context) ([]Model, error) {
	return listTagModels(ctx, p.client, p.baseURL)
}
