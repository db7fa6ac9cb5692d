package store

import (
	"fmt"
	"math"
	"sort"

	"datasheet-rag/internal/models"
)

// Score compares a and b with the named metric. Cosine of a zero vector is 0.
func Score(metric string, a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimensions differ: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}

	switch metric {
	case models.MetricDot:
		return dot, nil
	case models.MetricCosine:
		if na == 0 || nb == 0 {
			return 0, nil
		}
		return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
	default:
		return 0, fmt.Errorf("%w: unknown metric %q", models.ErrInvalidConfiguration, metric)
	}
}

// SortScored orders by score desc, then chunk index asc, then source id asc
func SortScored(scored []models.ScoredChunk) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.ChunkIndex != b.Chunk.ChunkIndex {
			return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
		}
		return a.Chunk.SourceID < b.Chunk.SourceID
	})
}

// TopK scores every chunk that has a vector and keeps the k best.
// Chunks without vectors or with a mismatched dimension are skipped.
func TopK(chunks []models.Chunk, query []float32, k int, metric string) ([]models.ScoredChunk, error) {
	if _, err := Score(metric, nil, nil); err != nil {
		return nil, err
	}

	scored := make([]models.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) == 0 || len(c.Vector) != len(query) {
			continue
		}
		s, err := Score(metric, query, c.Vector)
		if err != nil {
			return nil, err
		}
		scored = append(scored, models.ScoredChunk{Chunk: c, Score: s})
	}

	SortScored(scored)
	if k >= 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}
