// Package embed wires the configured embedding provider.
package embed

import (
	"fmt"

	"github.com/checksync/checksync/internal/config"
	"github.com/checksync/checksync/internal/embed/mock"
	"github.com/checksync/checksync/internal/embed/ollama"
	"github.com/checksync/checksync/internal/embed/openai"
	"github.com/checksync/checksync/pkg/models"
)

// NewProvider constructs the appropriate embedding provider based on config.
// Called once at startup.
func NewProvider(cfg config.EmbeddingConfig) (models.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.Timeout), nil
	case "ollama":
		return ollama.NewProvider(cfg.Ollama, cfg.Timeout), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q: must be one of openai, ollama, mock", cfg.Provider)
	}
}
