package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"datasheet-rag/internal/models"
)

// Backend is the remote embedding service. langchaingo embedders satisfy it.
type Backend interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Embedder sends texts to a Backend in fixed-size batches
type Embedder struct {
	backend   Backend
	batchSize int
	timeout   time.Duration
}

// NewEmbedder wraps backend. A zero timeout leaves calls bounded only by ctx.
func NewEmbedder(backend Backend, batchSize int, timeout time.Duration) (*Embedder, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: embedding backend is nil", models.ErrInvalidConfiguration)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size=%d", models.ErrInvalidConfiguration, batchSize)
	}
	return &Embedder{backend: backend, batchSize: batchSize, timeout: timeout}, nil
}

// Embed returns one vector per text in input order. Failed batches are logged
// and left out of the result; they are not retried.
func (e *Embedder) Embed(ctx context.Context, texts []string) []models.Embedded {
	out := make([]models.Embedded, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]

		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			log.Error().Err(err).Int("batch_start", start).Int("batch_size", len(batch)).Msg("Skipping embedding batch")
			continue
		}
		for i, text := range batch {
			out = append(out, models.Embedded{Text: text, Vector: vectors[i]})
		}
	}
	return out
}

// EmbedChunks attaches vectors to chunks in place and returns how many were embedded.
// Chunks of a failed batch keep a nil Vector.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []models.Chunk) int {
	embedded := 0
	for start := 0; start < len(chunks); start += e.batchSize {
		end := min(start+e.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}

		vectors, err := e.embedBatch(ctx, texts)
		if err != nil {
			log.Error().Err(err).Str("source", chunks[start].SourceID).Int("batch_start", start).Msg("Skipping embedding batch")
			continue
		}
		for i := range texts {
			chunks[start+i].Vector = vectors[i]
			embedded++
		}
	}
	return embedded
}

// EmbedQuery embeds a single query string
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	vec, err := e.backend.EmbedQuery(ctx, query)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return vec, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	vectors, err := e.backend.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrEmbeddingBatchFailed, classify(ctx, err))
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", models.ErrEmbeddingBatchFailed, len(vectors), len(texts))
	}
	return vectors, nil
}

func (e *Embedder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	return err
}
