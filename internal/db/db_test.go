package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasheet-rag/internal/config"
	"datasheet-rag/internal/models"
	"datasheet-rag/internal/store"
)

func TestChunkRow_Embedding(t *testing.T) {
	row := ChunkRow{Content: "cooling 2.5 kW", Embedding: embeddingOf([]float32{1, -0.5, 0.25})}
	val, err := row.Embedding.Value()
	require.NoError(t, err)
	assert.Equal(t, "[1,-0.5,0.25]", val)
	assert.Equal(t, []float32{1, -0.5, 0.25}, row.toChunk().Vector)

	var scanned pgvector.Vector
	require.NoError(t, scanned.Scan([]byte("[1,-0.5,0.25]")))
	assert.Equal(t, []float32{1, -0.5, 0.25}, scanned.Slice())

	assert.Nil(t, embeddingOf(nil))
	assert.Nil(t, embeddingOf([]float32{}))
	plain := ChunkRow{Content: "weight 10 kg"}
	assert.Nil(t, plain.toChunk().Vector)
}

func TestWithSSLMode(t *testing.T) {
	assert.Equal(t, "postgres://u@h/db?sslmode=disable", withSSLMode("postgres://u@h/db"))
	assert.Equal(t, "postgres://u@h/db?x=1&sslmode=disable", withSSLMode("postgres://u@h/db?x=1"))
	assert.Equal(t, "postgres://u@h/db?sslmode=require", withSSLMode("postgres://u@h/db?sslmode=require"))
}

func TestDistanceOperatorAndScore(t *testing.T) {
	op, err := distanceOperator(models.MetricCosine)
	require.NoError(t, err)
	assert.Equal(t, "<=>", op)

	op, err = distanceOperator(models.MetricDot)
	require.NoError(t, err)
	assert.Equal(t, "<#>", op)

	_, err = distanceOperator("l2")
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	assert.InDelta(t, 0.75, scoreFromDistance(models.MetricCosine, 0.25), 1e-9)
	assert.InDelta(t, 3.0, scoreFromDistance(models.MetricDot, -3), 1e-9)
}

func TestConnectDB_InvalidConfiguration(t *testing.T) {
	_, err := ConnectDB(config.DatabaseConfig{})
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)

	_, err = ConnectDB(config.DatabaseConfig{URL: "postgres://localhost/rag", Driver: "mysql"})
	assert.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

// openTestStore needs a postgres with the pgvector extension available
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, config.DatabaseConfig{URL: url, Driver: "pgdriver", VectorDimension: 2})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	prefix := fmt.Sprintf("test-%d/", time.Now().UnixNano())
	a, b := prefix+"A.pdf", prefix+"B.pdf"
	t.Cleanup(func() {
		s.DeleteForSource(ctx, a)
		s.DeleteForSource(ctx, b)
	})

	require.NoError(t, s.UpsertForSource(ctx, a, []models.Chunk{
		{Content: "a0", ChunkIndex: 0, TotalChunks: 2, SectionLabels: []string{"Specs", "Dims"}, Vector: []float32{1, 0}},
		{Content: "a1", ChunkIndex: 1, TotalChunks: 2, SectionLabels: []string{"Specs", "Dims"}, Vector: []float32{0, 1}},
	}))
	require.NoError(t, s.UpsertForSource(ctx, b, []models.Chunk{
		{Content: "b0", ChunkIndex: 0, TotalChunks: 1},
	}))

	sources, err := s.DistinctSources(ctx)
	require.NoError(t, err)
	assert.Contains(t, sources, a)
	assert.Contains(t, sources, b)

	sections, err := s.DistinctSections(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dims", "Specs"}, sections)

	all, err := store.Collect(s.Find(ctx, store.Filter{}))
	require.NoError(t, err)
	var ours []models.Chunk
	for _, c := range all {
		if c.SourceID == a || c.SourceID == b {
			ours = append(ours, c)
		}
	}
	require.Len(t, ours, 3)
	assert.Equal(t, "a0", ours[0].Content)
	assert.Equal(t, []float32{1, 0}, ours[0].Vector)
	assert.Nil(t, ours[2].Vector)

	excluded, err := store.Collect(s.Find(ctx, store.Filter{Exclude: models.NewExclusionSet(a)}))
	require.NoError(t, err)
	for _, c := range excluded {
		assert.NotEqual(t, a, c.SourceID)
	}

	near, err := s.Nearest(ctx, []float32{1, 0}, 1, models.MetricCosine, store.Filter{})
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.InDelta(t, 1.0, near[0].Score, 1e-6)

	require.NoError(t, s.UpsertForSource(ctx, a, []models.Chunk{{Content: "a-new", TotalChunks: 1}}))
	got, err := store.Collect(s.Find(ctx, store.Filter{Exclude: models.NewExclusionSet(b)}))
	require.NoError(t, err)
	var contents []string
	for _, c := range got {
		if c.SourceID == a {
			contents = append(contents, c.Content)
		}
	}
	assert.Equal(t, []string{"a-new"}, contents)

	require.NoError(t, s.Ping(ctx))
}
