// Package llm talks to chat-completion backends. Two kinds are supported: a
// local runtime speaking the native /api/chat protocol and OpenAI-compatible
// remote services.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnavailable   = errors.New("ragserve: llm provider unavailable")
	ErrModelNotFound = errors.New("ragserve: model not found")
	// ErrTimeout is returned when generation exceeds the deadline derived
	// from the token budget.
	ErrTimeout = errors.New("ragserve: generation timed out, try a shorter prompt or a smaller max_tokens")
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Fragment is one piece of a streamed response. Err is set at most once, on
// the final fragment before the channel closes.
type Fragment struct {
	Text string
	Err  error
}

// Model describes an available model.
type Model struct {
	Name       string `json:"name"`
	Size       string `json:"size,omitempty"`
	Family     string `json:"family,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// Provider is the interface for chat generation backends.
type Provider interface {
	// Chat sends a full request and returns the complete response text.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error)

	// ChatStream starts a generation and returns a channel of in-order
	// fragments. The channel closes after the final fragment or an error.
	ChatStream(ctx context.Context, model string, messages []Message, opts Options) (<-chan Fragment, error)

	// ListModels returns the models the backend can serve.
	ListModels(ctx context.Context) ([]Model, error)

	// Load warms a model. Loading the already-active model is a no-op.
	Load(ctx context.Context, model string) error

	// Unload releases a model's resources.
	Unload(ctx context.Context, model string) error
}

// Kind selects a provider implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindOpenAI Kind = "openai"
	// KindCustom is an OpenAI-compatible service at a caller-supplied URL.
	KindCustom Kind = "custom"
)

// Config configures a provider.
type Config struct {
	Kind    Kind   `json:"kind"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// RuntimeOptions are passed through to the local runtime's options map
	// (num_ctx, num_gpu and similar quantization or placement knobs).
	RuntimeOptions map[string]interface{} `json:"runtime_options,omitempty"`
}

var builders = map[Kind]func(Config) Provider{
	KindLocal:  func(cfg Config) Provider { return NewLocal(cfg) },
	KindOpenAI: func(cfg Config) Provider { return NewOpenAI(cfg) },
	KindCustom: func(cfg Config) Provider { return NewOpenAI(cfg) },
}

// New creates a provider from configuration. An empty kind means local.
func New(cfg Config) (Provider, error) {
	if cfg.Kind == "" {
		cfg.Kind = KindLocal
	}
	build, ok := builders[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider kind: %s", cfg.Kind)
	}
	return build(cfg), nil
}

// generationTimeout scales the request deadline with the token budget:
// at least a minute, plus a tenth of a second per requested token.
func generationTimeout(maxTokens int) time.Duration {
	d := time.Duration(maxTokens/10) * time.Second
	if d < 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
