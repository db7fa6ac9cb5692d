package store

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"

	"datasheet-rag/internal/models"
)

// MemoryStore keeps chunks in insertion order. Used for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks []models.Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) UpsertForSource(ctx context.Context, sourceID string, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunks = slices.DeleteFunc(m.chunks, func(c models.Chunk) bool { return c.SourceID == sourceID })
	for _, c := range chunks {
		c.SourceID = sourceID
		c.SectionLabels = slices.Clone(c.SectionLabels)
		c.Vector = slices.Clone(c.Vector)
		m.chunks = append(m.chunks, c)
	}
	return nil
}

// Find iterates over a snapshot taken at the first pull
func (m *MemoryStore) Find(ctx context.Context, filter Filter) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		m.mu.RLock()
		snapshot := slices.Clone(m.chunks)
		m.mu.RUnlock()

		for _, c := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(models.Chunk{}, err)
				return
			}
			if !filter.Allows(c.SourceID) {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) DistinctSources(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]struct{}{}
	out := []string{}
	for _, c := range m.chunks {
		if _, ok := seen[c.SourceID]; ok {
			continue
		}
		seen[c.SourceID] = struct{}{}
		out = append(out, c.SourceID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) DistinctSections(ctx context.Context, sourceID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]struct{}{}
	out := []string{}
	for _, c := range m.chunks {
		if c.SourceID != sourceID {
			continue
		}
		for _, s := range c.SectionLabels {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) DeleteForSource(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chunks = slices.DeleteFunc(m.chunks, func(c models.Chunk) bool { return c.SourceID == sourceID })
	return nil
}

func (m *MemoryStore) Nearest(ctx context.Context, vector []float32, k int, metric string, filter Filter) ([]models.ScoredChunk, error) {
	candidates, err := Collect(m.Find(ctx, filter))
	if err != nil {
		return nil, err
	}
	return TopK(candidates, vector, k, metric)
}

func (m *MemoryStore) Close() error { return nil }

// Collect drains a Find iterator
func Collect(seq iter.Seq2[models.Chunk, error]) ([]models.Chunk, error) {
	var out []models.Chunk
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
