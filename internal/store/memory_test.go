package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasheet-rag/internal/models"
)

func chunk(source string, idx int, content string, vec ...float32) models.Chunk {
	return models.Chunk{Content: content, SourceID: source, ChunkIndex: idx, Vector: vec}
}

func TestMemoryStore_UpsertReplacesSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertForSource(ctx, "A.pdf", []models.Chunk{chunk("A.pdf", 0, "a0"), chunk("A.pdf", 1, "a1")}))
	require.NoError(t, s.UpsertForSource(ctx, "B.pdf", []models.Chunk{chunk("B.pdf", 0, "b0")}))
	require.NoError(t, s.UpsertForSource(ctx, "A.pdf", []models.Chunk{chunk("A.pdf", 0, "a0-v2")}))

	all, err := Collect(s.Find(ctx, Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b0", all[0].Content)
	assert.Equal(t, "a0-v2", all[1].Content)
}

func TestMemoryStore_FindRespectsExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertForSource(ctx, "A", []models.Chunk{chunk("A", 0, "a0"), chunk("A", 1, "a1")}))
	require.NoError(t, s.UpsertForSource(ctx, "B", []models.Chunk{chunk("B", 0, "b0")}))

	got, err := Collect(s.Find(ctx, Filter{Exclude: models.NewExclusionSet("A")}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].SourceID)
}

func TestMemoryStore_FindStopsEarly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertForSource(ctx, "A", []models.Chunk{chunk("A", 0, "a0"), chunk("A", 1, "a1"), chunk("A", 2, "a2")}))

	var seen []string
	for c, err := range s.Find(ctx, Filter{}) {
		require.NoError(t, err)
		seen = append(seen, c.Content)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a0", "a1"}, seen)
}

func TestMemoryStore_FindCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore()
	require.NoError(t, s.UpsertForSource(ctx, "A", []models.Chunk{chunk("A", 0, "a0")}))
	cancel()

	_, err := Collect(s.Find(ctx, Filter{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_DistinctSourcesAndSections(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sections := []string{"Specs", "Dimensions"}
	require.NoError(t, s.UpsertForSource(ctx, "daikin/FTXM.pdf", []models.Chunk{
		{Content: "x", SectionLabels: sections},
		{Content: "y", SectionLabels: sections},
	}))
	require.NoError(t, s.UpsertForSource(ctx, "carrier/42QHC.pdf", []models.Chunk{{Content: "z"}}))

	sources, err := s.DistinctSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"carrier/42QHC.pdf", "daikin/FTXM.pdf"}, sources)

	got, err := s.DistinctSections(ctx, "daikin/FTXM.pdf")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dimensions", "Specs"}, got)

	got, err = s.DistinctSections(ctx, "carrier/42QHC.pdf")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.DeleteForSource(ctx, "daikin/FTXM.pdf"))
	sources, err = s.DistinctSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"carrier/42QHC.pdf"}, sources)
}

func TestMemoryStore_Nearest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertForSource(ctx, "A", []models.Chunk{
		chunk("A", 0, "far", 0, 1),
		chunk("A", 1, "near", 1, 0),
		chunk("A", 2, "none"),
	}))
	require.NoError(t, s.UpsertForSource(ctx, "B", []models.Chunk{chunk("B", 0, "b-near", 1, 0)}))

	got, err := s.Nearest(ctx, []float32{1, 0}, 2, models.MetricCosine, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b-near", got[0].Chunk.Content)
	assert.Equal(t, "near", got[1].Chunk.Content)

	got, err = s.Nearest(ctx, []float32{1, 0}, 5, models.MetricCosine, Filter{Exclude: models.NewExclusionSet("B")})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].Chunk.Content)
	assert.Equal(t, "far", got[1].Chunk.Content)
}
