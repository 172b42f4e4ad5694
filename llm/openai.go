package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	maxRetries        = 6
	baseRetryDelay    = 2 * time.Second
	minRateLimitDelay = 5 * time.Second // floor for 429 backoff
)

// OpenAI talks to OpenAI-compatible chat completion services. It also
// serves the "custom" kind, which is the same wire protocol against a
// caller-supplied base URL.
type OpenAI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg Config) *OpenAI {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com"
	}
	return &OpenAI{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{},
	}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Chat sends a non-streaming completion request.
func (p *OpenAI) Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, generationTimeout(opts.MaxTokens))
	defer cancel()

	body, err := p.doPost(tctx, "/v1/chat/completions", chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", mapGenerationErr(ctx, err)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream starts a streaming completion. The service answers with
// `data: ` SSE lines carrying delta fragments, terminated by [DONE].
func (p *OpenAI) ChatStream(ctx context.Context, model string, messages []Message, opts Options) (<-chan Fragment, error) {
	tctx, cancel := context.WithTimeout(ctx, generationTimeout(opts.MaxTokens))

	resp, err := p.startStream(tctx, chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		cancel()
		return nil, mapGenerationErr(ctx, err)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			var chunk chatCompletionChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case out <- Fragment{Text: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
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

// startStream opens the streaming request, retrying retryable statuses
// before the first byte of the stream.
func (p *OpenAI) startStream(ctx context.Context, body chatCompletionRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := p.baseURL + "/v1/chat/completions"

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, url, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		p.setHeaders(req)

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: request to %s failed: %v", ErrUnavailable, url, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		lastErr = statusErr(resp.StatusCode, respBody)
		if !retryableStatusCode(resp.StatusCode) {
			return nil, lastErr
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if err := p.rateLimitWait(ctx, url, attempt, retryAfter); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// ListModels returns the models the remote reports.
func (p *OpenAI) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req)

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
		return nil, statusErr(resp.StatusCode, body)
	}

	var listing struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	models := make([]Model, 0, len(listing.Data))
	for _, m := range listing.Data {
		models = append(models, Model{Name: m.ID, Family: m.OwnedBy})
	}
	return models, nil
}

// Load is a no-op: remote services manage their own model lifecycle.
func (p *OpenAI) Load(ctx context.Context, model string) error { return nil }

// Unload is a no-op for the same reason.
func (p *OpenAI) Unload(ctx context.Context, model string) error { return nil }

// --- request plumbing ---

func (p *OpenAI) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// retryableStatusCode returns true for HTTP status codes that warrant a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func (p *OpenAI) backoff(ctx context.Context, url string, attempt int, lastErr error) error {
	delay := baseRetryDelay * time.Duration(1<<(attempt-1))
	slog.Warn("llm: retrying request",
		"url", url,
		"attempt", attempt,
		"delay", delay,
		"error", lastErr,
	)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateLimitWait applies the longer 429 backoff, honoring Retry-After when
// the server's ask exceeds our own schedule.
func (p *OpenAI) rateLimitWait(ctx context.Context, url string, attempt int, retryAfter string) error {
	delay := minRateLimitDelay * time.Duration(1<<attempt)
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			if headerDelay := time.Duration(seconds) * time.Second; headerDelay > delay {
				delay = headerDelay
			}
		}
	}
	slog.Warn("llm: rate limited, waiting before retry",
		"url", url,
		"attempt", attempt+1,
		"delay", delay,
	)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *OpenAI) doPost(ctx context.Context, path string, body interface{}) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := p.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, url, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		p.setHeaders(req)

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: request to %s failed: %v", ErrUnavailable, url, err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading response body: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return respBody, nil
		}

		lastErr = statusErr(resp.StatusCode, respBody)
		if !retryableStatusCode(resp.StatusCode) {
			return nil, lastErr
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if err := p.rateLimitWait(ctx, url, attempt, retryAfter); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
