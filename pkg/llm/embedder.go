package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"
)

const (
	DefaultEmbedModel = "nomic-embed-text:latest"
	DefaultOllamaURL  = "http://localhost:11434"
)

// EmbedderConfig represents the configuration for the Ollama embedder.
type EmbedderConfig struct {
	Model   string
	BaseURL string // Ollama server URL
}

// Embedder turns chunk text into vectors for the pgvector mirror.
type Embedder struct {
	config EmbedderConfig
	embed  *ollama.LLM
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = DefaultEmbedModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultOllamaURL
	}

	emb, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return &Embedder{
		config: config,
		embed:  emb,
	}, nil
}

func (e *Embedder) Model() string {
	return e.config.Model
}

// CreateEmbedding returns one vector per input text, in input order.
func (e *Embedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.embed.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings with %s: %w", e.config.Model, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}
