package chromemdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasheet-rag/internal/config"
	"datasheet-rag/internal/models"
	"datasheet-rag/internal/store"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewStore(config.StoreConfig{
		Collection: "pdf_chunks",
		Path:       path,
		InMemory:   true,
	}, "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertForSource(ctx, "daikin/FTXM.pdf", []models.Chunk{
		{Content: "cooling 2.5 kW", ChunkIndex: 0, TotalChunks: 2, SectionLabels: []string{"Specs", "Dims"}, Vector: []float32{1, 0}},
		{Content: "weight 10 kg", ChunkIndex: 1, TotalChunks: 2, SectionLabels: []string{"Specs", "Dims"}, Vector: []float32{0.6, 0.8}},
	}))
	require.NoError(t, s.UpsertForSource(ctx, "carrier/42QHC.pdf", []models.Chunk{
		{Content: "heating 3.2 kW", ChunkIndex: 0, TotalChunks: 1, Vector: []float32{0, 1}},
	}))
}

func TestStore_FindKeepsInsertionOrder(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	seed(t, s)

	all, err := store.Collect(s.Find(context.Background(), store.Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.Equal(t, "cooling 2.5 kW", all[0].Content)
	assert.Equal(t, "weight 10 kg", all[1].Content)
	assert.Equal(t, "heating 3.2 kW", all[2].Content)
	assert.Equal(t, "daikin/FTXM.pdf", all[0].SourceID)
	assert.Equal(t, []string{"Specs", "Dims"}, all[0].SectionLabels)
	assert.Equal(t, 1, all[1].ChunkIndex)
	assert.Equal(t, 2, all[1].TotalChunks)
}

func TestStore_FindRespectsExclusion(t *testing.T) {
	s := newTestStore(t, t.TempDir())
	seed(t, s)

	got, err := store.Collect(s.Find(context.Background(), store.Filter{Exclude: models.NewExclusionSet("daikin/FTXM.pdf")}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "carrier/42QHC.pdf", got[0].SourceID)
}

func TestStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir())
	seed(t, s)

	require.NoError(t, s.UpsertForSource(ctx, "daikin/FTXM.pdf", []models.Chunk{
		{Content: "v2", TotalChunks: 1, Vector: []float32{1, 1}},
	}))

	got, err := store.Collect(s.Find(ctx, store.Filter{Exclude: models.NewExclusionSet("carrier/42QHC.pdf")}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", got[0].Content)

	sections, err := s.DistinctSections(ctx, "daikin/FTXM.pdf")
	require.NoError(t, err)
	assert.Empty(t, sections)
}

func TestStore_DistinctAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir())
	seed(t, s)

	sources, err := s.DistinctSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"carrier/42QHC.pdf", "daikin/FTXM.pdf"}, sources)

	sections, err := s.DistinctSections(ctx, "daikin/FTXM.pdf")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dims", "Specs"}, sections)

	require.NoError(t, s.DeleteForSource(ctx, "daikin/FTXM.pdf"))
	sources, err = s.DistinctSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"carrier/42QHC.pdf"}, sources)
	assert.Equal(t, 1, s.chunks.Count())
}

func TestStore_Nearest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir())
	seed(t, s)

	got, err := s.Nearest(ctx, []float32{1, 0}, 2, models.MetricCosine, store.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cooling 2.5 kW", got[0].Chunk.Content)
	assert.InDelta(t, 1.0, got[0].Score, 1e-5)
	assert.Equal(t, "weight 10 kg", got[1].Chunk.Content)

	got, err = s.Nearest(ctx, []float32{1, 0}, 5, models.MetricCosine, store.Filter{Exclude: models.NewExclusionSet("daikin/FTXM.pdf")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "carrier/42QHC.pdf", got[0].Chunk.SourceID)

	_, err = s.Nearest(ctx, []float32{1, 0}, 2, models.MetricDot, store.Filter{})
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestStore_ChunksWithoutVectorAreKeptButNotRanked(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir())

	require.NoError(t, s.UpsertForSource(ctx, "x.pdf", []models.Chunk{
		{Content: "no vector", ChunkIndex: 0, TotalChunks: 3, SectionLabels: []string{"Specs"}},
		{Content: "cooling", ChunkIndex: 1, TotalChunks: 3, SectionLabels: []string{"Specs"}, Vector: []float32{1, 0}},
		{Content: "also no vector", ChunkIndex: 2, TotalChunks: 3, SectionLabels: []string{"Specs"}},
	}))

	all, err := store.Collect(s.Find(ctx, store.Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "no vector", all[0].Content)
	assert.Nil(t, all[0].Vector)
	assert.Equal(t, []string{"Specs"}, all[0].SectionLabels)
	assert.NotNil(t, all[1].Vector)
	assert.Equal(t, "also no vector", all[2].Content)
	assert.Nil(t, all[2].Vector)

	near, err := s.Nearest(ctx, []float32{1, 0}, 5, models.MetricCosine, store.Filter{})
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "cooling", near[0].Chunk.Content)

	require.NoError(t, s.DeleteForSource(ctx, "x.pdf"))
	assert.Zero(t, s.chunks.Count())
	assert.Zero(t, s.unembedded.Count())
}

func TestStore_OnlyUnembeddedChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir())

	require.NoError(t, s.UpsertForSource(ctx, "x.pdf", []models.Chunk{{Content: "plain", TotalChunks: 1}}))

	all, err := store.Collect(s.Find(ctx, store.Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "plain", all[0].Content)

	near, err := s.Nearest(ctx, []float32{1, 0}, 5, models.MetricCosine, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, near)
}

func TestStore_ExportImport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := newTestStore(t, dir)
	seed(t, src)
	require.NoError(t, src.UpsertForSource(ctx, "x.pdf", []models.Chunk{{Content: "plain", TotalChunks: 1}}))
	path, err := src.Export(ctx)
	require.NoError(t, err)
	assert.FileExists(t, path)

	dst := newTestStore(t, dir)
	require.NoError(t, dst.Import(ctx, path))

	sources, err := dst.DistinctSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"carrier/42QHC.pdf", "daikin/FTXM.pdf", "x.pdf"}, sources)

	all, err := store.Collect(dst.Find(ctx, store.Filter{}))
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "plain", all[3].Content)
	assert.Nil(t, all[3].Vector)
}
