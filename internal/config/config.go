package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"datasheet-rag/internal/models"
)

const (
	defaultChunkSize    = 500
	defaultChunkOverlap = 50
	defaultBatchSize    = 128
	defaultBudget       = 8000
	defaultTopK         = 20
	defaultTimeout      = 60 * time.Second
	defaultMaxTokens    = 1000
	defaultDimension    = 1024
	defaultCollection   = "pdf_chunks"
	defaultStorePath    = "./chromemdb"
)

type Config struct {
	Database     DatabaseConfig `yaml:"database"`
	Store        StoreConfig    `yaml:"store"`
	EmbedLLM     LLMConfig      `yaml:"embed_llm"`
	InferenceLLM LLMConfig      `yaml:"inference_llm"`
	RAG          RAGConfig      `yaml:"rag"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	Password        string `yaml:"password"`
	Driver          string `yaml:"driver"` // pgdriver or pq
	Debug           bool   `yaml:"debug"`
	VectorDimension int    `yaml:"vector_dimension"`
}

// StoreConfig selects the chunk store backend: memory, postgres or chromem
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	InMemory   bool   `yaml:"in_memory"`
	Compress   bool   `yaml:"compress"`
}

// LLMConfig is shared by the embedding and the inference backends
type LLMConfig struct {
	Provider  string `yaml:"provider"` // ollama, openai, voyage, anthropic
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Key       string `yaml:"key"`
	MaxTokens int    `yaml:"max_tokens"`
}

type RAGConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	ChunkOverlap  int           `yaml:"chunk_overlap"`
	BatchSize     int           `yaml:"batch_size"`
	Budget        int           `yaml:"budget"`
	BudgetUnit    string        `yaml:"budget_unit"`
	Strategy      string        `yaml:"strategy"`
	Metric        string        `yaml:"metric"`
	TopK          int           `yaml:"top_k"`
	Timeout       time.Duration `yaml:"timeout"`
	EncryptionKey string        `yaml:"encryption_key"`
}

// LoadConfig reads the yaml file at path, falling back to defaults when it does not exist.
// Secrets from the environment (and a local .env file) override file values.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = defaultChunkSize
		if cfg.RAG.ChunkOverlap == 0 {
			cfg.RAG.ChunkOverlap = defaultChunkOverlap
		}
	}
	if cfg.RAG.BatchSize == 0 {
		cfg.RAG.BatchSize = defaultBatchSize
	}
	if cfg.RAG.Budget == 0 {
		cfg.RAG.Budget = defaultBudget
	}
	if cfg.RAG.BudgetUnit == "" {
		cfg.RAG.BudgetUnit = models.BudgetUnitChars
	}
	if cfg.RAG.Strategy == "" {
		cfg.RAG.Strategy = models.StrategyConcat
	}
	if cfg.RAG.Metric == "" {
		cfg.RAG.Metric = models.MetricCosine
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = defaultTopK
	}
	if cfg.RAG.Timeout == 0 {
		cfg.RAG.Timeout = defaultTimeout
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Collection == "" {
		cfg.Store.Collection = defaultCollection
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "pgdriver"
	}
	if cfg.Database.VectorDimension == 0 {
		cfg.Database.VectorDimension = defaultDimension
	}
	if cfg.InferenceLLM.Provider == "" {
		cfg.InferenceLLM.Provider = "anthropic"
	}
	if cfg.InferenceLLM.Model == "" && cfg.InferenceLLM.Provider == "anthropic" {
		cfg.InferenceLLM.Model = "claude-3-opus-20240229"
	}
	if cfg.InferenceLLM.MaxTokens == 0 {
		cfg.InferenceLLM.MaxTokens = defaultMaxTokens
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if cfg.EmbedLLM.Key == "" {
		cfg.EmbedLLM.Key = keyFromEnv(cfg.EmbedLLM.Provider)
	}
	if cfg.InferenceLLM.Key == "" {
		cfg.InferenceLLM.Key = keyFromEnv(cfg.InferenceLLM.Provider)
	}
}

func keyFromEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "voyage":
		return os.Getenv("VOYAGE_API_KEY")
	}
	return ""
}

// Validate rejects settings the chunker, assembler or store factory cannot work with
func (c *Config) Validate() error {
	r := c.RAG
	if r.ChunkSize <= 0 || r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", models.ErrInvalidConfiguration, r.ChunkSize, r.ChunkOverlap)
	}
	if r.BatchSize <= 0 || r.Budget <= 0 || r.TopK <= 0 {
		return fmt.Errorf("%w: batch_size, budget and top_k must be positive", models.ErrInvalidConfiguration)
	}
	switch r.Strategy {
	case models.StrategyConcat, models.StrategySimilarity:
	default:
		return fmt.Errorf("%w: unknown strategy %q", models.ErrInvalidConfiguration, r.Strategy)
	}
	switch r.Metric {
	case models.MetricCosine, models.MetricDot:
	default:
		return fmt.Errorf("%w: unknown metric %q", models.ErrInvalidConfiguration, r.Metric)
	}
	switch r.BudgetUnit {
	case models.BudgetUnitChars, models.BudgetUnitTokens:
	default:
		return fmt.Errorf("%w: unknown budget unit %q", models.ErrInvalidConfiguration, r.BudgetUnit)
	}
	switch c.Store.Backend {
	case "memory", "postgres", "chromem":
	default:
		return fmt.Errorf("%w: unknown store backend %q", models.ErrInvalidConfiguration, c.Store.Backend)
	}
	return nil
}
