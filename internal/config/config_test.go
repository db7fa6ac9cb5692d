package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datasheet-rag/internal/models"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.RAG.ChunkSize)
	assert.Equal(t, 50, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 128, cfg.RAG.BatchSize)
	assert.Equal(t, 8000, cfg.RAG.Budget)
	assert.Equal(t, models.StrategyConcat, cfg.RAG.Strategy)
	assert.Equal(t, models.MetricCosine, cfg.RAG.Metric)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "anthropic", cfg.InferenceLLM.Provider)
}

func TestLoadConfig_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
store:
  backend: chromem
  collection: daikin_products
embed_llm:
  provider: ollama
  base_url: http://localhost:11434
  model: nomic-embed-text
rag:
  chunk_size: 1000
  chunk_overlap: 200
  strategy: similarity
  metric: dot
  timeout: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "chromem", cfg.Store.Backend)
	assert.Equal(t, "daikin_products", cfg.Store.Collection)
	assert.Equal(t, "nomic-embed-text", cfg.EmbedLLM.Model)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, models.StrategySimilarity, cfg.RAG.Strategy)
	assert.Equal(t, models.MetricDot, cfg.RAG.Metric)
	assert.Equal(t, 15*time.Second, cfg.RAG.Timeout)
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("DATABASE_URL", "postgres://localhost/rag")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", cfg.InferenceLLM.Key)
	assert.Equal(t, "postgres://localhost/rag", cfg.Database.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }},
		{"negative overlap", func(c *Config) { c.RAG.ChunkOverlap = -1 }},
		{"zero chunk size", func(c *Config) { c.RAG.ChunkSize = 0 }},
		{"unknown strategy", func(c *Config) { c.RAG.Strategy = "bm25" }},
		{"unknown metric", func(c *Config) { c.RAG.Metric = "l2" }},
		{"unknown budget unit", func(c *Config) { c.RAG.BudgetUnit = "pages" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }},
		{"zero budget", func(c *Config) { c.RAG.Budget = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), models.ErrInvalidConfiguration)
		})
	}

	assert.NoError(t, Default().Validate())
}
