package store

import (
	"context"
	"iter"

	"datasheet-rag/internal/models"
)

// Filter narrows Find and Nearest to sources outside Exclude
type Filter struct {
	Exclude models.ExclusionSet
}

// Allows reports whether chunks of sourceID pass the filter
func (f Filter) Allows(sourceID string) bool {
	return !f.Exclude.Contains(sourceID)
}

// ChunkStore persists chunks keyed by their source document.
type ChunkStore interface {
	// UpsertForSource replaces every chunk of sourceID. Delete and insert
	// are separate steps, so a failure in between leaves the source empty.
	UpsertForSource(ctx context.Context, sourceID string, chunks []models.Chunk) error
	// Find yields matching chunks lazily in the store's natural order.
	Find(ctx context.Context, filter Filter) iter.Seq2[models.Chunk, error]
	DistinctSources(ctx context.Context) ([]string, error)
	DistinctSections(ctx context.Context, sourceID string) ([]string, error)
	DeleteForSource(ctx context.Context, sourceID string) error
	Close() error
}

// VectorSearcher is implemented by stores that rank chunks natively
type VectorSearcher interface {
	Nearest(ctx context.Context, vector []float32, k int, metric string, filter Filter) ([]models.ScoredChunk, error)
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}
