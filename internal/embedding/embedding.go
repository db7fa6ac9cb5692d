package embedding

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/embeddings/voyageai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"datasheet-rag/internal/config"
	"datasheet-rag/internal/models"
)

// NewFromConfig builds the embedding backend named by cfg.Provider
func NewFromConfig(cfg *config.LLMConfig) (Backend, error) {
	log.Debug().Interface("config", map[string]string{
		"provider":        cfg.Provider,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Loaded embedder config")

	var (
		backend Backend
		err     error
	)
	switch cfg.Provider {
	case "ollama":
		backend, err = NewOllamaEmbedder(cfg)
	case "openai":
		backend, err = NewOpenAIEmbedder(cfg)
	case "voyage":
		backend, err = NewVoyageEmbedder(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidConfiguration, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// NewOpenAIEmbedder works with any openai compatible endpoint (openrouter, vllm, ...)
func NewOpenAIEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

func NewOllamaEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

// NewVoyageEmbedder uses the Voyage AI embeddings API, the provider Anthropic recommends
func NewVoyageEmbedder(cfg *config.LLMConfig) (*voyageai.VoyageAI, error) {
	opts := []voyageai.Option{voyageai.WithToken(cfg.Key)}
	if cfg.Model != "" {
		opts = append(opts, voyageai.WithModel(cfg.Model))
	}
	embedder, err := voyageai.NewVoyageAI(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create voyage embedder: %w", err)
	}
	return embedder, nil
}
