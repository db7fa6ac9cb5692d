package db

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"datasheet-rag/internal/config"
	"datasheet-rag/internal/helper"
	"datasheet-rag/internal/models"
	"datasheet-rag/internal/store"
)

type ChunkRow struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	ID            string           `bun:"id,pk,type:uuid"`
	SourceID      string           `bun:"source_id,notnull"`
	ChunkIndex    int              `bun:"chunk_index,notnull"`
	TotalChunks   int              `bun:"total_chunks,notnull"`
	Content       string           `bun:"content,notnull"`
	Sections      []string         `bun:"sections,array"`
	Embedding     *pgvector.Vector `bun:"embedding,type:vector"`
	CreatedAt     time.Time        `bun:"created_at,nullzero,notnull,default:current_timestamp"`

	Distance float64 `bun:"distance,scanonly"`
}

func (r *ChunkRow) toChunk() models.Chunk {
	c := models.Chunk{
		Content:       r.Content,
		SourceID:      r.SourceID,
		SectionLabels: r.Sections,
		ChunkIndex:    r.ChunkIndex,
		TotalChunks:   r.TotalChunks,
	}
	if r.Embedding != nil {
		c.Vector = r.Embedding.Slice()
	}
	return c
}

// embeddingOf maps a missing vector to NULL
func embeddingOf(vector []float32) *pgvector.Vector {
	if len(vector) == 0 {
		return nil
	}
	v := pgvector.NewVector(vector)
	return &v
}

// Store is a postgres + pgvector chunk store
type Store struct {
	db        *bun.DB
	dimension int
}

var (
	_ store.ChunkStore     = (*Store)(nil)
	_ store.VectorSearcher = (*Store)(nil)
	_ store.Pinger         = (*Store)(nil)
)

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the database with bun's pgdriver or, when driver is "pq", with lib/pq
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: database url is empty", models.ErrInvalidConfiguration)
	}
	dsn := withSSLMode(cfg.URL)

	switch cfg.Driver {
	case "pq":
		return sql.Open("postgres", dsn)
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", models.ErrInvalidConfiguration, cfg.Driver)
	}
}

// Open connects and makes sure the pgvector extension and the chunks table exist
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: NewDB(sqldb, cfg.Debug), dimension: cfg.VectorDimension}
	if err := s.InitDB(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Driver).Msg("Connected to postgres chunk store")
	return s, nil
}

func (s *Store) InitDB(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return unavailable("create vector extension", err)
	}
	if _, err := s.db.NewCreateTable().Model((*ChunkRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return unavailable("create chunks table", err)
	}
	_, err := s.db.NewCreateIndex().
		Model((*ChunkRow)(nil)).
		Index("chunks_source_id_idx").
		Column("source_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return unavailable("create source index", err)
	}
	return nil
}

func (s *Store) UpsertForSource(ctx context.Context, sourceID string, chunks []models.Chunk) error {
	if err := s.DeleteForSource(ctx, sourceID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	rows := make([]ChunkRow, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) > 0 && s.dimension > 0 && len(c.Vector) != s.dimension {
			return fmt.Errorf("%w: vector dimension %d, table expects %d", models.ErrInvalidConfiguration, len(c.Vector), s.dimension)
		}
		id, err := helper.GenerateUUID()
		if err != nil {
			return err
		}
		rows = append(rows, ChunkRow{
			ID:          id,
			SourceID:    sourceID,
			ChunkIndex:  c.ChunkIndex,
			TotalChunks: c.TotalChunks,
			Content:     c.Content,
			Sections:    c.SectionLabels,
			Embedding:   embeddingOf(c.Vector),
		})
	}

	if _, err := s.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return unavailable("insert chunks", err)
	}
	return nil
}

// Find streams rows through bun's ScanRow instead of loading the table
func (s *Store) Find(ctx context.Context, filter store.Filter) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		q := s.db.NewSelect().Model((*ChunkRow)(nil)).Column("source_id", "chunk_index", "total_chunks", "content", "sections", "embedding")
		q = exclude(q, filter)
		rows, err := q.Order("created_at ASC", "chunk_index ASC").Rows(ctx)
		if err != nil {
			yield(models.Chunk{}, unavailable("query chunks", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row ChunkRow
			if err := s.db.ScanRow(ctx, rows, &row); err != nil {
				yield(models.Chunk{}, unavailable("scan chunk", err))
				return
			}
			if !yield(row.toChunk(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Chunk{}, unavailable("iterate chunks", err))
		}
	}
}

func (s *Store) DistinctSources(ctx context.Context) ([]string, error) {
	sources := []string{}
	err := s.db.NewSelect().
		Model((*ChunkRow)(nil)).
		ColumnExpr("DISTINCT source_id").
		OrderExpr("source_id ASC").
		Scan(ctx, &sources)
	if err != nil {
		return nil, unavailable("list sources", err)
	}
	return sources, nil
}

func (s *Store) DistinctSections(ctx context.Context, sourceID string) ([]string, error) {
	sections := []string{}
	err := s.db.NewRaw(
		"SELECT DISTINCT unnest(sections) AS section FROM ? WHERE source_id = ? ORDER BY section",
		bun.Ident("chunks"), sourceID,
	).Scan(ctx, &sections)
	if err != nil {
		return nil, unavailable("list sections", err)
	}
	return sections, nil
}

func (s *Store) DeleteForSource(ctx context.Context, sourceID string) error {
	_, err := s.db.NewDelete().Model((*ChunkRow)(nil)).Where("source_id = ?", sourceID).Exec(ctx)
	if err != nil {
		return unavailable("delete chunks", err)
	}
	return nil
}

// Nearest ranks with pgvector: <=> is cosine distance, <#> is negative inner product
func (s *Store) Nearest(ctx context.Context, vector []float32, k int, metric string, filter store.Filter) ([]models.ScoredChunk, error) {
	op, err := distanceOperator(metric)
	if err != nil {
		return nil, err
	}

	var rows []ChunkRow
	q := s.db.NewSelect().
		Model(&rows).
		Column("source_id", "chunk_index", "total_chunks", "content", "sections", "embedding").
		ColumnExpr("embedding "+op+" ?::vector AS distance", pgvector.NewVector(vector)).
		Where("embedding IS NOT NULL")
	q = exclude(q, filter)
	err = q.OrderExpr("distance ASC").
		Order("chunk_index ASC", "source_id ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, unavailable("nearest chunks", err)
	}

	scored := make([]models.ScoredChunk, 0, len(rows))
	for i := range rows {
		scored = append(scored, models.ScoredChunk{
			Chunk: rows[i].toChunk(),
			Score: scoreFromDistance(metric, rows[i].Distance),
		})
	}
	store.SortScored(scored)
	return scored, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// DropChunks removes the chunks table
func (s *Store) DropChunks(ctx context.Context) error {
	_, err := s.db.NewDropTable().Model((*ChunkRow)(nil)).IfExists().Exec(ctx)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func exclude(q *bun.SelectQuery, filter store.Filter) *bun.SelectQuery {
	if ids := filter.Exclude.Slice(); len(ids) > 0 {
		q = q.Where("source_id NOT IN (?)", bun.In(ids))
	}
	return q
}

func distanceOperator(metric string) (string, error) {
	switch metric {
	case models.MetricCosine:
		return "<=>", nil
	case models.MetricDot:
		return "<#>", nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", models.ErrInvalidConfiguration, metric)
	}
}

func scoreFromDistance(metric string, distance float64) float64 {
	if metric == models.MetricDot {
		return -distance
	}
	return 1 - distance
}

func withSSLMode(dsn string) string {
	if strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&sslmode=disable"
	}
	return dsn + "?sslmode=disable"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", models.ErrStoreUnavailable, op, err)
}
