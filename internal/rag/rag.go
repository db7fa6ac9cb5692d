package rag

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"datasheet-rag/internal/chromemdb"
	"datasheet-rag/internal/config"
	"datasheet-rag/internal/db"
	"datasheet-rag/internal/embedding"
	"datasheet-rag/internal/helper"
	"datasheet-rag/internal/llmservice"
	"datasheet-rag/internal/models"
	"datasheet-rag/internal/parser"
	"datasheet-rag/internal/store"
)

type RAG struct {
	cfg       *config.Config
	store     store.ChunkStore
	embedder  *embedding.Embedder
	assembler *Assembler
	generator *llmservice.Generator
}

// NewRAG wires the pipeline. embedder and generator may be nil: without an
// embedder chunks are stored without vectors and retrieval concatenates;
// without a generator only ingestion and inspection work.
func NewRAG(cfg *config.Config, st store.ChunkStore, embedder *embedding.Embedder, generator *llmservice.Generator) *RAG {
	var qe QueryEmbedder
	if embedder != nil {
		qe = embedder
	}
	return &RAG{
		cfg:       cfg,
		store:     st,
		embedder:  embedder,
		assembler: NewAssembler(st, qe, cfg.RAG, cfg.InferenceLLM.Model),
		generator: generator,
	}
}

// OpenStore creates the chunk store selected by cfg.Store.Backend
func OpenStore(ctx context.Context, cfg *config.Config) (store.ChunkStore, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		st, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "chromem":
		if cfg.RAG.Strategy == models.StrategySimilarity && cfg.RAG.Metric != models.MetricCosine {
			return nil, fmt.Errorf("%w: chromem store only supports the cosine metric", models.ErrInvalidConfiguration)
		}
		st, err := chromemdb.NewStore(cfg.Store, cfg.RAG.EncryptionKey)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", models.ErrInvalidConfiguration, cfg.Store.Backend)
	}
}

func (r *RAG) Store() store.ChunkStore { return r.store }

type IngestResult struct {
	SourceID string   `json:"source_id"`
	Chunks   int      `json:"chunks"`
	Embedded int      `json:"embedded"`
	Sections []string `json:"sections,omitempty"`
}

// Ingest extracts the page ranges of filePath and stores them under sourceID,
// replacing anything stored for it before.
func (r *RAG) Ingest(ctx context.Context, sourceID, filePath string, ranges []models.PageRange) (*IngestResult, error) {
	text, sections, err := parser.ExtractRanges(filePath, ranges)
	if err != nil {
		return nil, err
	}
	return r.IngestText(ctx, sourceID, text, sections)
}

// IngestText chunks, embeds and stores already extracted text.
// Embedding failures leave chunks without vectors; store failures are returned.
func (r *RAG) IngestText(ctx context.Context, sourceID, text string, sections []string) (*IngestResult, error) {
	chunks, err := parser.ChunkDocument(sourceID, text, sections, r.cfg.RAG.ChunkSize, r.cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	embedded := 0
	if r.embedder != nil {
		embedded = r.embedder.EmbedChunks(ctx, chunks)
		if embedded < len(chunks) {
			log.Warn().Str("source", sourceID).Int("chunks", len(chunks)).Int("embedded", embedded).Msg("Some chunks were stored without vectors")
		}
	}

	if err := r.store.UpsertForSource(ctx, sourceID, chunks); err != nil {
		return nil, err
	}
	log.Info().Msgf("Processed and stored %d chunks from %s", len(chunks), sourceID)

	return &IngestResult{SourceID: sourceID, Chunks: len(chunks), Embedded: embedded, Sections: sections}, nil
}

func (r *RAG) Sources(ctx context.Context) ([]string, error) {
	return r.store.DistinctSources(ctx)
}

func (r *RAG) Sections(ctx context.Context, sourceID string) ([]string, error) {
	return r.store.DistinctSections(ctx, sourceID)
}

func (r *RAG) Delete(ctx context.Context, sourceID string) error {
	if err := r.store.DeleteForSource(ctx, sourceID); err != nil {
		return err
	}
	log.Info().Str("source", sourceID).Msg("Deleted source")
	return nil
}

// Status pings stores that have a remote side, then the inference model when one
// is configured, and returns the stored sources
func (r *RAG) Status(ctx context.Context) ([]string, error) {
	if p, ok := r.store.(store.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return nil, err
		}
	}
	sources, err := r.store.DistinctSources(ctx)
	if err != nil {
		return nil, err
	}
	if r.generator != nil {
		if err := r.generator.Ping(ctx); err != nil {
			return nil, err
		}
		log.Info().Msg("Inference model is working")
	}
	return sources, nil
}

// SourceText rebuilds the extracted text of a source from its chunks
func (r *RAG) SourceText(ctx context.Context, sourceID string) (string, error) {
	var chunks []models.Chunk
	for c, err := range r.store.Find(ctx, store.Filter{}) {
		if err != nil {
			return "", storeError(err)
		}
		if c.SourceID == sourceID {
			chunks = append(chunks, c)
		}
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("no chunks stored for %s", sourceID)
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return parser.JoinChunks(parts, r.cfg.RAG.ChunkOverlap), nil
}

// Analyze asks the model for the key features of one stored product
func (r *RAG) Analyze(ctx context.Context, sourceID string) (string, error) {
	if r.generator == nil {
		return "", fmt.Errorf("%w: no inference model configured", models.ErrInvalidConfiguration)
	}
	text, err := r.SourceText(ctx, sourceID)
	if err != nil {
		return "", err
	}
	return r.generator.AnalyzeProduct(ctx, r.clip(text, r.cfg.RAG.Budget))
}

// Compare asks the model to compare two stored products
func (r *RAG) Compare(ctx context.Context, sourceA, sourceB string) (string, error) {
	if r.generator == nil {
		return "", fmt.Errorf("%w: no inference model configured", models.ErrInvalidConfiguration)
	}
	a, err := r.SourceText(ctx, sourceA)
	if err != nil {
		return "", err
	}
	b, err := r.SourceText(ctx, sourceB)
	if err != nil {
		return "", err
	}
	half := r.cfg.RAG.Budget / 2
	return r.generator.CompareProducts(ctx, r.clip(a, half), r.clip(b, half))
}

// clip keeps the longest prefix of text that fits budget in the configured budget unit
func (r *RAG) clip(text string, budget int) string {
	measure := r.assembler.measure
	if measure(text) <= budget {
		return text
	}
	runes := []rune(text)
	n := sort.Search(len(runes)+1, func(i int) bool { return measure(string(runes[:i])) > budget })
	return string(runes[:max(n-1, 0)])
}

// Session is one conversation: its history and the sources the user switched off.
// Ask calls are serialized.
type Session struct {
	ID       string
	History  []models.ConversationTurn
	Excluded models.ExclusionSet

	rag *RAG
	mu  sync.Mutex
}

type Reply struct {
	Answer   llmservice.Answer
	Assembly *Assembly
	Table    []TableRow
}

func (r *RAG) NewSession() (*Session, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, Excluded: models.NewExclusionSet(), rag: r}, nil
}

func (s *Session) Exclude(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Excluded.Add(sourceID)
}

func (s *Session) Include(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Excluded.Remove(sourceID)
}

// Ask answers query from the non-excluded sources and records the turn.
// Only a store failure is returned as an error; generation failures become the answer text.
func (s *Session) Ask(ctx context.Context, query string) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rag
	if r.generator == nil {
		return nil, fmt.Errorf("%w: no inference model configured", models.ErrInvalidConfiguration)
	}

	assembly, err := r.assembler.Assemble(ctx, query, s.Excluded, r.cfg.RAG.Budget, s.History)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("session", s.ID).
		Str("strategy", assembly.Strategy).
		Int("chunks", len(assembly.Chunks)).
		Msg("Assembled context")

	answer := r.generator.Generate(ctx, assembly.Context, query)
	s.History = append(s.History, models.ConversationTurn{User: query, Assistant: answer.Text})

	reply := &Reply{Answer: answer, Assembly: assembly}
	if answer.WantsTable {
		table, err := r.ComparisonTable(ctx, s.Excluded)
		if err != nil {
			log.Warn().Err(err).Msg("Could not build comparison table")
		}
		reply.Table = table
	}
	return reply, nil
}
