package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"datasheet-rag/internal/config"
	"datasheet-rag/internal/models"
	"datasheet-rag/internal/store"
)

var errNothingRanked = errors.New("no stored chunk has a comparable vector")

// QueryEmbedder embeds the user query with the embedder used at ingestion
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Assembly is the grounding handed to the generator
type Assembly struct {
	Context  string
	Chunks   []models.Chunk
	Strategy string
}

type Assembler struct {
	store    store.ChunkStore
	embedder QueryEmbedder
	strategy string
	metric   string
	topK     int
	measure  func(string) int
}

// NewAssembler picks the measure for the budget from cfg.BudgetUnit. tokenModel
// selects the tokenizer when the unit is tokens.
func NewAssembler(st store.ChunkStore, embedder QueryEmbedder, cfg config.RAGConfig, tokenModel string) *Assembler {
	measure := utf8.RuneCountInString
	if cfg.BudgetUnit == models.BudgetUnitTokens {
		measure = func(s string) int { return llms.CountTokens(tokenModel, s) }
	}
	return &Assembler{
		store:    st,
		embedder: embedder,
		strategy: cfg.Strategy,
		metric:   cfg.Metric,
		topK:     cfg.TopK,
		measure:  measure,
	}
}

// Assemble selects chunks outside excluded, packs them into budget and appends the history.
// A failing store fails the call; a failing embedder only downgrades to concatenation.
func (a *Assembler) Assemble(ctx context.Context, query string, excluded models.ExclusionSet, budget int, history []models.ConversationTurn) (*Assembly, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("%w: budget=%d", models.ErrInvalidConfiguration, budget)
	}
	filter := store.Filter{Exclude: excluded}

	strategy := models.StrategyConcat
	var chunks []models.Chunk
	if a.strategy == models.StrategySimilarity {
		ranked, err := a.rank(ctx, query, filter)
		switch {
		case err == nil:
			strategy = models.StrategySimilarity
			chunks = a.pack(ranked, budget)
		case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, models.ErrInvalidConfiguration):
			return nil, err
		default:
			log.Warn().Err(err).Msg("Similarity ranking failed, falling back to concatenation")
		}
	}

	if strategy == models.StrategyConcat {
		var err error
		chunks, err = a.packStream(ctx, filter, budget)
		if err != nil {
			return nil, err
		}
	}

	return &Assembly{
		Context:  FormatContext(chunks, history),
		Chunks:   chunks,
		Strategy: strategy,
	}, nil
}

// rank returns the top-k chunks for query, best first. Ranking nothing is an
// error so corpora stored without vectors are still concatenated.
func (a *Assembler) rank(ctx context.Context, query string, filter store.Filter) ([]models.Chunk, error) {
	if a.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	vector, err := a.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var scored []models.ScoredChunk
	if vs, ok := a.store.(store.VectorSearcher); ok {
		scored, err = vs.Nearest(ctx, vector, a.topK, a.metric, filter)
	} else {
		var candidates []models.Chunk
		candidates, err = store.Collect(a.store.Find(ctx, filter))
		if err != nil {
			return nil, storeError(err)
		}
		scored, err = store.TopK(candidates, vector, a.topK, a.metric)
	}
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, errNothingRanked
	}

	out := make([]models.Chunk, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Chunk)
	}
	return out, nil
}

// packer keeps chunks while their content plus separator fits the budget
type packer struct {
	measure func(string) int
	budget  int
	used    int
	chunks  []models.Chunk
}

// add reports false once a chunk does not fit; later chunks are never considered
func (p *packer) add(c models.Chunk) bool {
	size := p.measure(c.Content + models.ChunkSeparator)
	if p.used+size > p.budget {
		return false
	}
	p.used += size
	p.chunks = append(p.chunks, c)
	return true
}

// packStream reads the store lazily and stops at the first chunk that does not fit
func (a *Assembler) packStream(ctx context.Context, filter store.Filter, budget int) ([]models.Chunk, error) {
	p := &packer{measure: a.measure, budget: budget}
	for c, err := range a.store.Find(ctx, filter) {
		if err != nil {
			return nil, storeError(err)
		}
		if !p.add(c) {
			break
		}
	}
	return p.chunks, nil
}

func (a *Assembler) pack(chunks []models.Chunk, budget int) []models.Chunk {
	p := &packer{measure: a.measure, budget: budget}
	for _, c := range chunks {
		if !p.add(c) {
			break
		}
	}
	return p.chunks
}

// FormatContext puts the chunk content first and the chat history second
func FormatContext(chunks []models.Chunk, history []models.ConversationTurn) string {
	var b strings.Builder
	b.WriteString("PDF Content:\n")
	b.WriteString(ChunkText(chunks))
	b.WriteString("\n\nChat History:\n")
	b.WriteString(FormatHistory(history))
	return b.String()
}

// ChunkText joins chunk contents, each followed by the separator
func ChunkText(chunks []models.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content)
		b.WriteString(models.ChunkSeparator)
	}
	return b.String()
}

func FormatHistory(history []models.ConversationTurn) string {
	lines := make([]string, 0, len(history))
	for _, turn := range history {
		lines = append(lines, fmt.Sprintf("User: %s\nAssistant: %s", turn.User, turn.Assistant))
	}
	return strings.Join(lines, "\n")
}

func storeError(err error) error {
	if errors.Is(err, models.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
}
