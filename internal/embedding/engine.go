// Package embedding turns narratives into vectors. An Engine is one
// provider backend; the Gateway wraps it with sanitization, token-aware
// batching, retries, a circuit breaker and item-level degradation.
package embedding

import (
	"context"
	"fmt"
)

// InputType labels a text for providers that embed queries and documents
// asymmetrically.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string, input InputType) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one per input,
	// in order.
	EmbedBatch(ctx context.Context, texts []string, input InputType) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// Config selects and tunes an engine backend.
type Config struct {
	Provider string // "ollama", "genai" or "hash"

	OllamaEndpoint string
	OllamaModel    string

	GenAIAPIKey string
	GenAIModel  string

	Dimensions int
}

// NewEngine creates an engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimensions)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimensions)
	case "hash":
		return NewHashEngine(cfg.Dimensions), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}
