package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

var _ Repository = (*PostgresRepository)(nil)

// Repository is the durable store of previously resolved place records.
// Records survive process restarts; eviction is an administrative operation
// outside the resolution path, so nothing here deletes.
type Repository interface {
	Get(ctx context.Context, cacheKey string) (*types.PlaceRecord, error)
	Put(ctx context.Context, record *types.PlaceRecord) error
	Touch(ctx context.Context, cacheKey string) error
	TopPlaces(ctx context.Context, city string, limit int) ([]types.PlaceRecord, error)
}

// DB is the subset of pgxpool.Pool used by the repository. pgxmock satisfies
// it in tests.
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

// Get fetches a record by cache key. A miss returns (nil, nil).
func (r *PostgresRepository) Get(ctx context.Context, cacheKey string) (*types.PlaceRecord, error) {
	ctx, span := otel.Tracer("CacheRepository").Start(ctx, "Get", trace.WithAttributes(
		attribute.String("cache.key", cacheKey),
	))
	defer span.End()

	query := `
        SELECT id, cache_key, city, place_name, category, latitude, longitude,
               description, source, access_count, last_accessed_at
        FROM place_cache
        WHERE cache_key = $1
    `
	var rec types.PlaceRecord
	err := r.db.QueryRow(ctx, query, cacheKey).Scan(
		&rec.ID, &rec.CacheKey, &rec.City, &rec.Name, &rec.Category,
		&rec.Latitude, &rec.Longitude, &rec.Description, &rec.Source,
		&rec.AccessCount, &rec.LastAccessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "Cache miss")
			return nil, nil
		}
		r.logger.ErrorContext(ctx, "Failed to get cached place", slog.Any("error", err), slog.String("cache_key", cacheKey))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Database query failed")
		return nil, fmt.Errorf("failed to get cached place: %w", err)
	}

	span.SetStatus(codes.Ok, "Cache hit")
	return &rec, nil
}

// Put inserts or idempotently upserts a record. On conflict, description and
// coordinates are only overwritten when the incoming record carries richer
// data: a non-empty description never regresses to empty, present coordinates
// are never cleared. Access bookkeeping is left to Touch.
func (r *PostgresRepository) Put(ctx context.Context, record *types.PlaceRecord) error {
	ctx, span := otel.Tracer("CacheRepository").Start(ctx, "Put", trace.WithAttributes(
		attribute.String("cache.key", record.CacheKey),
		attribute.String("place.city", record.City),
	))
	defer span.End()

	query := `
        INSERT INTO place_cache (
            cache_key, city, place_name, category, latitude, longitude,
            description, source, access_count, last_accessed_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, now())
        ON CONFLICT (cache_key) DO UPDATE SET
            description = CASE
                WHEN EXCLUDED.description <> '' THEN EXCLUDED.description
                ELSE place_cache.description
            END,
            latitude  = COALESCE(EXCLUDED.latitude, place_cache.latitude),
            longitude = COALESCE(EXCLUDED.longitude, place_cache.longitude),
            category  = CASE
                WHEN place_cache.category = 'other' THEN EXCLUDED.category
                ELSE place_cache.category
            END
    `
	// The city column keeps display casing; only cache_key is normalized.
	_, err := r.db.Exec(ctx, query,
		record.CacheKey, record.City, record.Name, record.Category,
		record.Latitude, record.Longitude, record.Description, record.Source,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to put cached place", slog.Any("error", err), slog.String("cache_key", record.CacheKey))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Database write failed")
		return fmt.Errorf("failed to put cached place: %w", err)
	}

	span.SetStatus(codes.Ok, "Cache write ok")
	return nil
}

// Touch bumps access bookkeeping for a record that was just served.
// access_count increments monotonically under concurrent touches.
func (r *PostgresRepository) Touch(ctx context.Context, cacheKey string) error {
	ctx, span := otel.Tracer("CacheRepository").Start(ctx, "Touch", trace.WithAttributes(
		attribute.String("cache.key", cacheKey),
	))
	defer span.End()

	query := `
        UPDATE place_cache
        SET access_count = access_count + 1, last_accessed_at = now()
        WHERE cache_key = $1
    `
	tag, err := r.db.Exec(ctx, query, cacheKey)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to touch cached place", slog.Any("error", err), slog.String("cache_key", cacheKey))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Database write failed")
		return fmt.Errorf("failed to touch cached place: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.DebugContext(ctx, "Touch on unknown cache key", slog.String("cache_key", cacheKey))
	}

	span.SetStatus(codes.Ok, "Touch ok")
	return nil
}

// TopPlaces returns the most-accessed records for a city, used to decide
// which places are worth pre-warming into the local corpus.
func (r *PostgresRepository) TopPlaces(ctx context.Context, city string, limit int) ([]types.PlaceRecord, error) {
	ctx, span := otel.Tracer("CacheRepository").Start(ctx, "TopPlaces", trace.WithAttributes(
		attribute.String("place.city", city),
		attribute.Int("limit", limit),
	))
	defer span.End()

	query := `
        SELECT id, cache_key, city, place_name, category, latitude, longitude,
               description, source, access_count, last_accessed_at
        FROM place_cache
        WHERE lower(city) = $1
        ORDER BY access_count DESC, last_accessed_at DESC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, types.NormalizeCity(city), limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query top places", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Database query failed")
		return nil, fmt.Errorf("failed to query top places: %w", err)
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
			return nil, fmt.Errorf("failed to scan top place row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating top place rows: %w", err)
	}

	span.SetAttributes(attribute.Int("results.count", len(records)))
	span.SetStatus(codes.Ok, "Top places found")
	return records, nil
}
