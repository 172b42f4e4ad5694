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

// defaultBatchSize bounds one /api/embed request.
const defaultBatchSize = 32

// Local speaks the runtime's batch embedding API (/api/embed).
type Local struct {
	baseURL string
	client  *http.Client
	batch   int

	mu   sync.Mutex
	dims map[string]int // model -> dimension
}

// NewLocal creates a provider for the local runtime.
func NewLocal(cfg Config) *Local {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Local{
		baseURL: strings.TrimRight(base, "/"),
		// Generous timeout: the runtime may load the model on first request.
		client: &http.Client{Timeout: 120 * time.Second},
		batch:  batch,
		dims:   make(map[string]int),
	}
}

type localEmbedRequest struct {
	Model     string      `json:"model"`
	Input     []string    `json:"input"`
	KeepAlive interface{} `json:"keep_alive,omitempty"`
}

type localEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Encode embeds texts in batches, preserving input order.
func (p *Local) Encode(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batch {
		end := start + p.batch
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		body, err := p.post(ctx, localEmbedRequest{Model: model, Input: batch})
		if err != nil {
			return nil, err
		}
		var resp localEmbedResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decoding embed response: %w", err)
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, fmt.Errorf("embed returned %d vectors for %d texts", len(resp.Embeddings), len(batch))
		}
		for _, emb := range resp.Embeddings {
			vectors = append(vectors, float64sToFloat32s(emb))
		}
	}

	p.mu.Lock()
	if _, ok := p.dims[model]; !ok && len(vectors) > 0 {
		p.dims[model] = len(vectors[0])
	}
	p.mu.Unlock()
	return vectors, nil
}

// Dimension reports the model's vector width, probing with a sentinel text
// on first use and caching the answer.
func (p *Local) Dimension(ctx context.Context, model string) (int, error) {
	p.mu.Lock()
	if dim, ok := p.dims[model]; ok {
		p.mu.Unlock()
		return dim, nil
	}
	p.mu.Unlock()

	vectors, err := p.Encode(ctx, []string{"dimension probe"}, model)
	if err != nil {
		return 0, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return 0, fmt.Errorf("model %s returned an empty embedding", model)
	}
	return len(vectors[0]), nil
}

// Load warms the model with an empty encode call.
func (p *Local) Load(ctx context.Context, model string) error {
	_, err := p.post(ctx, localEmbedRequest{Model: model, Input: []string{}})
	return err
}

// Unload asks the runtime to release the model immediately.
func (p *Local) Unload(ctx context.Context, model string) error {
	_, err := p.post(ctx, localEmbedRequest{Model: model, Input: []string{}, KeepAlive: 0})
	return err
}

type tagsResponse struct {
	Models []struct {
		Name       string `json:"name"`
		Size       int64  `json:"size"`
		ModifiedAt string `json:"modified_at"`
	} `json:"models"`
}

// ListModels returns the runtime's embedding models.
func (p *Local) ListModels(ctx context.Context) ([]Model, error) {
	return listTagModels(ctx, p.client, p.baseURL)
}

func (p *Local) post(ctx context.Context, body localEmbedRequest) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/embed", bytes.NewReader(data))
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
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// listTagModels fetches /api/tags and keeps embedding models only.
func listTagModels(ctx context.Context, client *http.Client, baseURL string) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
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

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	models := make([]Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		if !strings.Contains(strings.ToLower(m.Name), "embed") {
			continue
		}
		models = append(models, Model{
			Name:       m.Name,
			Size:       humanSize(m.Size),
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models, nil
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
