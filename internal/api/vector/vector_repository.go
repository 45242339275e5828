package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

var _ Repository = (*PostgresRepository)(nil)

// Match pairs a cached record with its cosine similarity to the query.
type Match struct {
	Record     types.PlaceRecord `json:"record"`
	Similarity float64           `json:"similarity"`
}

// Repository is the persistence side of the semantic index. Embeddings live
// in the same table as the cache records, so a record and its index entry
// share one row and one lifecycle.
type Repository interface {
	SearchByCity(ctx context.Context, queryEmbedding []float32, city string, limit int) ([]Match, error)
	UpdateEmbedding(ctx context.Context, cacheKey string, embedding []float32) error
	PlacesWithoutEmbeddings(ctx context.Context, limit int) ([]types.PlaceRecord, error)
}

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	logger *slog.Logger
	db     DB
}

func NewPostgresRepository(db DB, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		logger: logger,
		db:     db,
	}
}

// pgvectorString converts an embedding to the pgvector text format.
func pgvectorString(embedding []float32) string {
	strs := make([]string, len(embedding))
	for i, v := range embedding {
		strs[i] = fmt.Sprintf("%f", v)
	}
	return fmt.Sprintf("[%v]", strings.Join(strs, ","))
}

// SearchByCity finds cached places similar to the query embedding within one
// city, ordered by cosine similarity. Cross-city collisions are impossible:
// the city predicate is part of the query, not a post-filter.
func (r *PostgresRepository) SearchByCity(ctx context.Context, queryEmbedding []float32, city string, limit int) ([]Match, error) {
	ctx, span := otel.Tracer("VectorRepository").Start(ctx, "SearchByCity", trace.WithAttributes(
		attribute.String("place.city", city),
		attribute.Int("embedding.dimension", len(queryEmbedding)),
		attribute.Int("limit", limit),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "SearchByCity"))

	query := `
        SELECT id, cache_key, city, place_name, category, latitude, longitude,
               description, source, access_count, last_accessed_at,
               1 - (embedding <=> $1::vector) AS similarity_score
        FROM place_cache
        WHERE embedding IS NOT NULL AND lower(city) = $2
        ORDER BY embedding <=> $1::vector
        LIMIT $3
    `
	rows, err := r.db.Query(ctx, query, pgvectorString(queryEmbedding), types.NormalizeCity(city), limit)
	if err != nil {
		l.ErrorContext(ctx, "Failed to query similar places", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Database query failed")
		return nil, fmt.Errorf("failed to search similar places: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(
			&m.Record.ID, &m.Record.CacheKey, &m.Record.City, &m.Record.Name,
			&m.Record.Category, &m.Record.Latitude, &m.Record.Longitude,
			&m.Record.Description, &m.Record.Source, &m.Record.AccessCount,
			&m.Record.LastAccessedAt, &m.Similarity,
		); err != nil {
			l.ErrorContext(ctx, "Failed to scan similar place row", slog.Any("error", err))
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan similar place row: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		l.ErrorContext(ctx, "Error iterating similar place rows", slog.Any("error", err))
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating similar place rows: %w", err)
	}

	span.SetAttributes(attribute.Int("results.count", len(matches)))
	span.SetStatus(codes.Ok, "Similar places found")
	return matches, nil
}

// UpdateEmbedding stores the embedding for an existing cache record.
func (r *PostgresRepository) UpdateEmbedding(ctx context.Context, cacheKey string, embedding []float32) error {
	ctx, span := otel.Tracer("VectorRepository").Start(ctx, "UpdateEmbedding", trace.WithAttributes(
		attribute.String("cache.key", cacheKey),
		attribute.Int("embedding.dimension", len(embedding)),
	))
	defer span.End()

	query := `UPDATE place_cache SET embedding = $1::vector WHERE cache_key = $2`
	tag, err := r.db.Exec(ctx, query, pgvectorString(embedding), cacheKey)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update embedding", slog.Any("error", err), slog.String("cache_key", cacheKey))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Database write failed")
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no cache record for key %s", cacheKey)
	}

	span.SetStatus(codes.Ok, "Embedding updated")
	return nil
}

// PlacesWithoutEmbeddings returns cached records whose index entry is missing,
// feeding the repair pass that closes index-inconsistency gaps.
func (r *PostgresRepository) PlacesWithoutEmbeddings(ctx context.Context, limit int) ([]types.PlaceRecord, error) {
	ctx, span := otel.Tracer("VectorRepository").Start(ctx, "PlacesWithoutEmbeddings", trace.WithAttributes(
		attribute.Int("limit", limit),
	))
	defer span.End()

	query := `
        SELECT id, cache_key, city, place_name, category, latitude, longitude,
               description, source, access_count, last_accessed_at
        FROM place_cache
        WHERE embedding IS NULL AND description <> ''
        LIMIT $1
    `
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Database query failed")
		return nil, fmt.Errorf("failed to query places without embeddings: %w", err)
	}
	defer rows.Close()

	var records []types.PlaceRecord
	for rows.Next() {
		var rec types.PlaceRecord
		if err := rows.Scan(
			&rec.ID, &rec.CacheKey, &rec.City, &rec.Name, &rec.Category,
			&rec.Latitude, &rec.Longitude, &rec.Description, &rec.Source,
			&rec.AccessCount, &rec.LastAccessedAt,
		); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan place row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating place rows: %w", err)
	}

	span.SetAttributes(attribute.Int("results.count", len(records)))
	span.SetStatus(codes.Ok, "Places without embeddings found")
	return records, nil
}
