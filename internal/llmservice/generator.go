package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"datasheet-rag/internal/models"
)

// Completer is the part of llms.Model the generator needs
type Completer interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Answer is what the user sees. Err is set when Text is an error message.
type Answer struct {
	Text       string
	WantsTable bool
	Err        error
}

type Generator struct {
	model     Completer
	maxTokens int
	timeout   time.Duration
}

func NewGenerator(model Completer, maxTokens int, timeout time.Duration) *Generator {
	return &Generator{model: model, maxTokens: maxTokens, timeout: timeout}
}

// Generate answers query from the assembled context. Backend failures are
// folded into the answer text rather than returned.
func (g *Generator) Generate(ctx context.Context, assembled, query string) Answer {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, fmt.Sprintf(models.SystemPromptTemplate, assembled)),
		llms.TextParts(llms.ChatMessageTypeHuman, query),
	}

	text, err := g.complete(ctx, messages, g.maxTokens)
	if err != nil {
		log.Error().Err(err).Msg("Error generating answer")
		return Answer{Text: models.ErrorAnswerPrefix + err.Error(), Err: err}
	}
	return Answer{Text: text, WantsTable: strings.Contains(text, models.TableTriggerToken)}
}

// AnalyzeProduct extracts the key features of one product description
func (g *Generator) AnalyzeProduct(ctx context.Context, productInfo string) (string, error) {
	prompt := fmt.Sprintf(models.AnalyzeProductTemplate, productInfo)
	return g.complete(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, g.maxTokens)
}

func (g *Generator) CompareProducts(ctx context.Context, product1, product2 string) (string, error) {
	prompt := fmt.Sprintf(models.CompareProductsTemplate, product1, product2)
	return g.complete(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, g.maxTokens)
}

// Ping sends a one token request to check the model backend is reachable
func (g *Generator) Ping(ctx context.Context) error {
	_, err := g.complete(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "Hello")}, 1)
	return err
}

func (g *Generator) complete(ctx context.Context, messages []llms.MessageContent, maxTokens int) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var opts []llms.CallOption
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}

	res, err := g.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: %w", models.ErrGenerationFailed, models.ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %w", models.ErrGenerationFailed, err)
	}
	if res == nil || len(res.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", models.ErrGenerationFailed)
	}
	return res.Choices[0].Content, nil
}
