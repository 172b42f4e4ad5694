// Package embedding turns text into vectors. Two kinds are supported: the
// batch-capable local runtime API and the legacy one-at-a-time remote API.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnavailable = errors.New("ragserve: embedding provider unavailable")

// Model describes an available embedding model.
type Model struct {
	Name       string `json:"name"`
	Size       string `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// Provider is the interface for text encoders.
type Provider interface {
	// Encode embeds texts with the given model, preserving input order.
	Encode(ctx context.Context, texts []string, model string) ([][]float32, error)

	// Dimension reports the vector width the model produces.
	Dimension(ctx context.Context, model string) (int, error)

	// Load warms a model so the first encode does not pay the load cost.
	// Idempotent.
	Load(ctx context.Context, model string) error

	// Unload releases the model's accelerator memory where the backend
	// supports it.
	Unload(ctx context.Context, model string) error

	// ListModels returns the embedding models the backend offers.
	ListModels(ctx context.Context) ([]Model, error)
}

// Kind selects a provider implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Config configures a provider.
type Config struct {
	Kind    Kind   `json:"kind"`
	BaseURL string `json:"base_url"`
	// BatchSize bounds how many texts one local encode request carries.
	BatchSize int `json:"batch_size"`
}

var builders = map[Kind]func(Config) Provider{
	KindLocal:  func(cfg Config) Provider { return NewLocal(cfg) },
	KindRemote: func(cfg Config) Provider { return NewRemote(cfg) },
}

// New creates a provider from configuration. An empty kind means local.
func New(cfg Config) (Provider, error) {
	if cfg.Kind == "" {
		cfg.Kind = KindLocal
	}
	build, ok := builders[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider kind: %s", cfg.Kind)
	}
	return build(cfg), nil
}

func float64sToFloat32s(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
