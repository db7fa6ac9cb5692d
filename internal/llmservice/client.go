package llmservice

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"datasheet-rag/internal/config"
	"datasheet-rag/internal/models"
)

// NewModel builds the chat model named by llmConfig.Provider
func NewModel(llmConfig *config.LLMConfig) (llms.Model, error) {
	log.Debug().Interface("llmConfig", map[string]string{
		"provider": llmConfig.Provider,
		"base_url": llmConfig.BaseURL,
		"model":    llmConfig.Model,
	}).Msg("Creating inference model")

	switch llmConfig.Provider {
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(llmConfig.Key),
			anthropic.WithModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize anthropic client: %w", err)
		}
		return llm, nil
	case "openai":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
			openai.WithModel(llmConfig.Model),
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai client: %w", err)
		}
		return llm, nil
	case "ollama":
		llm, err := ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("%w: unknown inference provider %q", models.ErrInvalidConfiguration, llmConfig.Provider)
	}
}
