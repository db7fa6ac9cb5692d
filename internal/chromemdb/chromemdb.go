package chromemdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"datasheet-rag/internal/config"
	"datasheet-rag/internal/models"
	"datasheet-rag/internal/store"
)

// metadata keys
const (
	metaSourceID    = "source_id"
	metaChunkIndex  = "chunk_index"
	metaTotalChunks = "total_chunks"
	metaSections    = "sections"
	metaSeq         = "seq"
	metaUnembedded  = "unembedded"
)

// catalog entries and unembedded chunks carry the same unit vector so a single query lists them all
var catalogVector = []float32{1}

// Store keeps embedded chunks in one chromem collection, chunks without a vector in a
// second one and a catalog of sources in a third. Only the first is ranked.
// chromem normalizes vectors on insert, so only cosine ranking is supported.
type Store struct {
	db            *chromem.DB
	chunks        *chromem.Collection
	unembedded    *chromem.Collection
	sources       *chromem.Collection
	name          string
	filePath      string
	compress      bool
	encryptionKey string

	mu      sync.Mutex
	lastSeq int64
}

var (
	_ store.ChunkStore     = (*Store)(nil)
	_ store.VectorSearcher = (*Store)(nil)
)

type catalogEntry struct {
	sourceID    string
	totalChunks int
	sections    []string
	seq         int64
	unembedded  map[int]struct{}
}

// documents always carry their own embedding, chromem must never compute one
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem documents must carry their own embedding")
}

// NewStore opens or creates the collections named in cfg
func NewStore(cfg config.StoreConfig, encryptionKey string) (*Store, error) {
	var db *chromem.DB
	if cfg.InMemory {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create database: %w", models.ErrStoreUnavailable, err)
		}
	}

	s := &Store{
		db:            db,
		name:          cfg.Collection,
		filePath:      filepath.Join(cfg.Path, cfg.Collection+".chromem"),
		compress:      cfg.Compress,
		encryptionKey: encryptionKey,
	}
	if err := s.openCollections(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) collectionNames() []string {
	return []string{s.name, s.name + "_unembedded", s.name + "_sources"}
}

func (s *Store) openCollections() error {
	cols := make([]*chromem.Collection, 0, 3)
	for _, name := range s.collectionNames() {
		c, err := s.db.GetOrCreateCollection(name, nil, noEmbedding)
		if err != nil {
			return fmt.Errorf("%w: failed to create/get collection %s: %w", models.ErrStoreUnavailable, name, err)
		}
		cols = append(cols, c)
	}
	s.chunks, s.unembedded, s.sources = cols[0], cols[1], cols[2]
	return nil
}

func chunkID(sourceID string, index int) string {
	return sourceID + "#" + strconv.Itoa(index)
}

func (s *Store) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = max(time.Now().UnixNano(), s.lastSeq+1)
	return s.lastSeq
}

func (s *Store) UpsertForSource(ctx context.Context, sourceID string, chunks []models.Chunk) error {
	if err := s.DeleteForSource(ctx, sourceID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	seen := map[string]struct{}{}
	sections := []string{}
	unembedded := []int{}
	var docs, pending []chromem.Document
	for i, c := range chunks {
		for _, label := range c.SectionLabels {
			if _, ok := seen[label]; !ok {
				seen[label] = struct{}{}
				sections = append(sections, label)
			}
		}
		encoded, err := json.Marshal(c.SectionLabels)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:      chunkID(sourceID, i),
			Content: c.Content,
			Metadata: map[string]string{
				metaSourceID:    sourceID,
				metaChunkIndex:  strconv.Itoa(c.ChunkIndex),
				metaTotalChunks: strconv.Itoa(c.TotalChunks),
				metaSections:    string(encoded),
			},
			Embedding: c.Vector,
		}
		if len(c.Vector) == 0 {
			doc.Embedding = catalogVector
			pending = append(pending, doc)
			unembedded = append(unembedded, i)
			continue
		}
		docs = append(docs, doc)
	}
	if err := s.add(ctx, s.chunks, docs); err != nil {
		return s.rollback(ctx, sourceID, err)
	}
	if err := s.add(ctx, s.unembedded, pending); err != nil {
		return s.rollback(ctx, sourceID, err)
	}

	encodedSections, err := json.Marshal(sections)
	if err != nil {
		return err
	}
	encodedUnembedded, err := json.Marshal(unembedded)
	if err != nil {
		return err
	}
	entry := chromem.Document{
		ID:      sourceID,
		Content: sourceID,
		Metadata: map[string]string{
			metaSourceID:    sourceID,
			metaTotalChunks: strconv.Itoa(len(chunks)),
			metaSections:    string(encodedSections),
			metaUnembedded:  string(encodedUnembedded),
			metaSeq:         strconv.FormatInt(s.nextSeq(), 10),
		},
		Embedding: catalogVector,
	}
	if err := s.sources.AddDocument(ctx, entry); err != nil {
		return s.rollback(ctx, sourceID, fmt.Errorf("failed to add catalog entry: %w", err))
	}
	return nil
}

func (s *Store) add(ctx context.Context, col *chromem.Collection, docs []chromem.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents to %s: %w", col.Name, err)
	}
	return nil
}

// rollback removes whatever part of a source made it in, so no chunk is left without a catalog entry
func (s *Store) rollback(ctx context.Context, sourceID string, cause error) error {
	if err := s.DeleteForSource(ctx, sourceID); err != nil {
		log.Error().Err(err).Str("source", sourceID).Msg("Error removing partially stored source")
	}
	return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, cause)
}

// catalog returns all sources in insertion order
func (s *Store) catalog(ctx context.Context) ([]catalogEntry, error) {
	n := s.sources.Count()
	if n == 0 {
		return nil, nil
	}
	results, err := s.sources.QueryEmbedding(ctx, catalogVector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read catalog: %w", models.ErrStoreUnavailable, err)
	}

	entries := make([]catalogEntry, 0, len(results))
	for _, r := range results {
		total, _ := strconv.Atoi(r.Metadata[metaTotalChunks])
		seq, _ := strconv.ParseInt(r.Metadata[metaSeq], 10, 64)
		var sections []string
		if raw := r.Metadata[metaSections]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &sections); err != nil {
				log.Warn().Err(err).Str("source", r.ID).Msg("Ignoring malformed sections")
			}
		}
		var positions []int
		if raw := r.Metadata[metaUnembedded]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &positions); err != nil {
				log.Warn().Err(err).Str("source", r.ID).Msg("Ignoring malformed unembedded positions")
			}
		}
		unembedded := make(map[int]struct{}, len(positions))
		for _, p := range positions {
			unembedded[p] = struct{}{}
		}
		entries = append(entries, catalogEntry{sourceID: r.ID, totalChunks: total, sections: sections, seq: seq, unembedded: unembedded})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seq != entries[j].seq {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].sourceID < entries[j].sourceID
	})
	return entries, nil
}

func (s *Store) Find(ctx context.Context, filter store.Filter) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		entries, err := s.catalog(ctx)
		if err != nil {
			yield(models.Chunk{}, err)
			return
		}
		for _, e := range entries {
			if !filter.Allows(e.sourceID) {
				continue
			}
			for i := 0; i < e.totalChunks; i++ {
				col := s.chunks
				_, missing := e.unembedded[i]
				if missing {
					col = s.unembedded
				}
				doc, err := col.GetByID(ctx, chunkID(e.sourceID, i))
				if err != nil {
					yield(models.Chunk{}, fmt.Errorf("%w: failed to get chunk: %w", models.ErrStoreUnavailable, err))
					return
				}
				vector := doc.Embedding
				if missing {
					vector = nil
				}
				if !yield(toChunk(doc.ID, doc.Content, doc.Metadata, vector), nil) {
					return
				}
			}
		}
	}
}

func (s *Store) DistinctSources(ctx context.Context) ([]string, error) {
	entries, err := s.catalog(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.sourceID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DistinctSections(ctx context.Context, sourceID string) ([]string, error) {
	entries, err := s.catalog(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if e.sourceID == sourceID {
			out = append(out, e.sections...)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DeleteForSource(ctx context.Context, sourceID string) error {
	for _, col := range []*chromem.Collection{s.chunks, s.unembedded} {
		if col.Count() == 0 {
			continue
		}
		if err := col.Delete(ctx, map[string]string{metaSourceID: sourceID}, nil); err != nil {
			return fmt.Errorf("%w: failed to delete chunks: %w", models.ErrStoreUnavailable, err)
		}
	}
	if s.sources.Count() > 0 {
		if err := s.sources.Delete(ctx, nil, nil, sourceID); err != nil {
			return fmt.Errorf("%w: failed to delete catalog entry: %w", models.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Nearest queries the whole embedded collection since chromem filters only on equality.
// Chunks stored without a vector are never ranked.
func (s *Store) Nearest(ctx context.Context, vector []float32, k int, metric string, filter store.Filter) ([]models.ScoredChunk, error) {
	if metric != models.MetricCosine {
		return nil, fmt.Errorf("%w: chromem store only supports cosine similarity, got %q", models.ErrInvalidConfiguration, metric)
	}
	n := s.chunks.Count()
	if n == 0 || k <= 0 {
		return []models.ScoredChunk{}, nil
	}

	results, err := s.chunks.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query by similarity: %w", models.ErrStoreUnavailable, err)
	}

	scored := make([]models.ScoredChunk, 0, len(results))
	for _, r := range results {
		c := toChunk(r.ID, r.Content, r.Metadata, r.Embedding)
		if !filter.Allows(c.SourceID) {
			continue
		}
		scored = append(scored, models.ScoredChunk{Chunk: c, Score: float64(r.Similarity)})
	}
	store.SortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Export writes all collections to <path>/<collection>.chromem, encrypted when a key is set
func (s *Store) Export(ctx context.Context) (string, error) {
	log.Debug().
		Str("collection", s.name).
		Str("file", s.filePath).
		Bool("compress", s.compress).
		Bool("encrypted", s.encryptionKey != "").
		Msg("Exporting collection")

	err := s.db.ExportToFile(s.filePath, s.compress, s.encryptionKey, s.collectionNames()...)
	if err != nil {
		return "", fmt.Errorf("failed to export database: %w", err)
	}
	return s.filePath, nil
}

// Import replaces the collections with the ones in the export file
func (s *Store) Import(ctx context.Context, filePath string) error {
	if filePath == "" {
		filePath = s.filePath
	}
	if err := s.db.ImportFromFile(filePath, s.encryptionKey, s.collectionNames()...); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	return s.openCollections()
}

func (s *Store) Close() error { return nil }

func toChunk(id, content string, meta map[string]string, vector []float32) models.Chunk {
	idx, _ := strconv.Atoi(meta[metaChunkIndex])
	total, _ := strconv.Atoi(meta[metaTotalChunks])
	var sections []string
	if raw := meta[metaSections]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &sections); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Ignoring malformed sections")
		}
	}
	return models.Chunk{
		Content:       content,
		SourceID:      meta[metaSourceID],
		SectionLabels: sections,
		Vector:        vector,
		ChunkIndex:    idx,
		TotalChunks:   total,
	}
}
