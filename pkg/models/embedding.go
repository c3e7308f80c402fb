package models

import (
	"context"
	"errors"
)

// Sentinel errors every EmbeddingProvider implementation classifies its
// failures into, so callers can branch without knowing the provider.
var (
	// ErrProviderUnavailable wraps transport failures and non-2xx responses
	// from the embedding service.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrInvalidResponse wraps responses the provider could not make sense
	// of: undecodable bodies, wrong vector counts, bad indices.
	ErrInvalidResponse = errors.New("embedding provider returned invalid response")
)

// EmbeddingProvider is the interface for the external embedding service.
// Never call a specific provider directly — always inject this interface.
type EmbeddingProvider interface {
	// Embed returns one vector per input text, order-preserving.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model returns the model identifier embeddings are produced with.
	Model() string
	// Name returns the provider identifier (e.g., "openai", "ollama").
	Name() string
}
