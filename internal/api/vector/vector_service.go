package vector

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ Index = (*IndexImpl)(nil)

// Embedder computes an embedding for a piece of text. Implementations must
// memoize per distinct text so repeated queries never recompute.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the semantic search surface over cached place descriptions.
type Index interface {
	Search(ctx context.Context, queryText, city string, topK int) ([]Match, error)
	Upsert(ctx context.Context, cacheKey, name, city, description string) error
}

type IndexImpl struct {
	logger   *slog.Logger
	repo     Repository
	embedder Embedder
}

func NewIndexImpl(repo Repository, embedder Embedder, logger *slog.Logger) *IndexImpl {
	return &IndexImpl{
		logger:   logger,
		repo:     repo,
		embedder: embedder,
	}
}

// embedText is what gets indexed for a record: name plus description, so a
// query can match on either.
func embedText(name, city, description string) string {
	return fmt.Sprintf("%s (%s): %s", name, city, description)
}

// Search embeds the query text (memoized) and runs a city-scoped similarity
// lookup. Threshold acceptance is the caller's decision; all matches come
// back with their scores.
func (ix *IndexImpl) Search(ctx context.Context, queryText, city string, topK int) ([]Match, error) {
	ctx, span := otel.Tracer("VectorIndex").Start(ctx, "Search", trace.WithAttributes(
		attribute.String("place.city", city),
		attribute.Int("top_k", topK),
	))
	defer span.End()

	embedding, err := ix.embedder.Embed(ctx, queryText)
	if err != nil {
		ix.logger.ErrorContext(ctx, "Failed to embed query text", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Query embedding failed")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := ix.repo.SearchByCity(ctx, embedding, city, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Similarity search failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("results.count", len(matches)))
	span.SetStatus(codes.Ok, "Search completed")
	return matches, nil
}

// Upsert computes and stores the embedding for a cache record that was just
// written. Callers treat a returned error as an index inconsistency: the
// cache write stands, the record is just unsearchable until a repair pass.
func (ix *IndexImpl) Upsert(ctx context.Context, cacheKey, name, city, description string) error {
	ctx, span := otel.Tracer("VectorIndex").Start(ctx, "Upsert", trace.WithAttributes(
		attribute.String("cache.key", cacheKey),
	))
	defer span.End()

	if description == "" {
		// Nothing to index yet; the record becomes searchable after enrichment.
		span.SetStatus(codes.Ok, "No description to index")
		return nil
	}

	embedding, err := ix.embedder.Embed(ctx, embedText(name, city, description))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Embedding computation failed")
		return fmt.Errorf("failed to embed record %s: %w", cacheKey, err)
	}

	if err := ix.repo.UpdateEmbedding(ctx, cacheKey, embedding); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Embedding write failed")
		return err
	}

	span.SetStatus(codes.Ok, "Record indexed")
	return nil
}

// Repair re-indexes cached records whose embedding write previously failed.
// Intended to run out-of-band (startup or a maintenance command), never on
// the resolution path.
func (ix *IndexImpl) Repair(ctx context.Context, batchSize int) (int, error) {
	ctx, span := otel.Tracer("VectorIndex").Start(ctx, "Repair", trace.WithAttributes(
		attribute.Int("batch_size", batchSize),
	))
	defer span.End()

	records, err := ix.repo.PlacesWithoutEmbeddings(ctx, batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	repaired := 0
	for i := range records {
		rec := &records[i]
		if err := ix.Upsert(ctx, rec.CacheKey, rec.Name, rec.City, rec.Description); err != nil {
			ix.logger.WarnContext(ctx, "Repair pass failed to index record",
				slog.String("cache_key", rec.CacheKey), slog.Any("error", err))
			continue
		}
		repaired++
	}

	span.SetAttributes(attribute.Int("repaired.count", repaired))
	span.SetStatus(codes.Ok, "Repair pass completed")
	return repaired, nil
}
