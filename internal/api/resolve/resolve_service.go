package resolve

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wanderwiseai/go-place-resolver/app/observability/metrics"
	"github.com/wanderwiseai/go-place-resolver/internal/api/cache"
	"github.com/wanderwiseai/go-place-resolver/internal/api/enrichment"
	"github.com/wanderwiseai/go-place-resolver/internal/api/geofilter"
	"github.com/wanderwiseai/go-place-resolver/internal/api/vector"
	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

var _ Service = (*ServiceImpl)(nil)

// Service resolves place queries through the tiered lookup chain.
type Service interface {
	ResolvePlace(ctx context.Context, city, query string) (*types.PlaceDetail, error)
}

// Corpus is the tier-1 lookup surface.
type Corpus interface {
	Lookup(city, name string) (*types.PlaceRecord, bool)
	Touch(city, name string)
}

// Gateway is the tier-4 lookup surface.
type Gateway interface {
	Resolve(ctx context.Context, query enrichment.Query) types.EnrichmentResult
}

// ServiceImpl walks the tiers in strict priority order: local corpus, durable
// cache, semantic index, external enrichment, then a guaranteed fallback.
// Each tier's miss is the only trigger to advance; there is no backtracking.
type ServiceImpl struct {
	logger    *slog.Logger
	corpus    Corpus
	cache     cache.Repository
	index     vector.Index
	gateway   Gateway
	filter    *geofilter.Filter
	namespace string
	threshold float64
	topK      int
	metrics   *metrics.AppMetrics
}

type Config struct {
	// Namespace of cache keys written by the enrichment tier.
	Namespace string
	// Minimum similarity for a vector match to count as a hit.
	SimilarityThreshold float64
	VectorTopK          int
}

func NewServiceImpl(cfg Config, corpus Corpus, cacheRepo cache.Repository, index vector.Index, gateway Gateway, filter *geofilter.Filter, logger *slog.Logger) *ServiceImpl {
	if cfg.Namespace == "" {
		cfg.Namespace = "enrichment"
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.75
	}
	if cfg.VectorTopK == 0 {
		cfg.VectorTopK = 5
	}
	return &ServiceImpl{
		logger:    logger,
		corpus:    corpus,
		cache:     cacheRepo,
		index:     index,
		gateway:   gateway,
		filter:    filter,
		namespace: cfg.Namespace,
		threshold: cfg.SimilarityThreshold,
		topK:      cfg.VectorTopK,
	}
}

// WithMetrics attaches metric instruments; separate from the constructor so
// tests can run without a meter provider.
func (s *ServiceImpl) WithMetrics(m *metrics.AppMetrics) *ServiceImpl {
	s.metrics = m
	return s
}

// ResolvePlace answers "tell me about place X in city Y". It always returns a
// detail: every tier miss advances to the next tier and the final fallback
// never fails. The error return is reserved for programming invariant
// violations; callers can treat any returned detail as a success.
func (s *ServiceImpl) ResolvePlace(ctx context.Context, city, query string) (*types.PlaceDetail, error) {
	ctx, span := otel.Tracer("ResolveService").Start(ctx, "ResolvePlace", trace.WithAttributes(
		attribute.String("place.city", city),
		attribute.String("place.query", query),
	))
	defer span.End()

	l := s.logger.With(slog.String("city", city), slog.String("query", query))
	start := time.Now()

	detail := s.resolve(ctx, l, city, query)

	if s.metrics != nil {
		s.metrics.ResolutionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(detail.Source)),
		))
		s.metrics.ResolutionDurationSeconds.Record(ctx, time.Since(start).Seconds())
	}
	span.SetAttributes(attribute.String("resolution.tier", string(detail.Source)))
	span.SetStatus(codes.Ok, "Place resolved")
	return detail, nil
}

func (s *ServiceImpl) resolve(ctx context.Context, l *slog.Logger, city, query string) *types.PlaceDetail {
	// Tier 1: local corpus. Geo validation happens inside Lookup.
	if rec, ok := s.corpus.Lookup(city, query); ok {
		s.corpus.Touch(city, query)
		l.DebugContext(ctx, "Resolved from local corpus")
		return detailFrom(rec, types.SourceLocal)
	}

	// Tier 2: durable cache.
	if rec := s.cacheLookup(ctx, l, city, query); rec != nil {
		return detailFrom(rec, types.SourceCache)
	}

	// Tier 3: semantic search over cached descriptions.
	if rec := s.semanticLookup(ctx, l, city, query); rec != nil {
		return detailFrom(rec, types.SourceVector)
	}

	// Tier 4: bounded external enrichment.
	if rec := s.enrich(ctx, l, city, query); rec != nil {
		return detailFrom(rec, types.SourceEnrichment)
	}

	// Tier 5: fallback. Never fails; the caller always gets an answer.
	l.InfoContext(ctx, "All tiers missed, returning fallback detail")
	return &types.PlaceDetail{
		Name:     query,
		City:     city,
		Category: types.CategoryOther,
		Source:   types.SourceFallback,
		Degraded: true,
	}
}

func (s *ServiceImpl) cacheLookup(ctx context.Context, l *slog.Logger, city, query string) *types.PlaceRecord {
	key := types.BuildCacheKey(s.namespace, city, query)
	rec, err := s.cache.Get(ctx, key)
	if err != nil {
		// Tier failure is a miss, never a request failure.
		l.WarnContext(ctx, "Cache lookup failed, treating as miss", slog.Any("error", err))
		return nil
	}
	if rec == nil {
		return nil
	}
	if !s.validated(ctx, l, rec, city, "cache") {
		return nil
	}
	if err := s.cache.Touch(ctx, key); err != nil {
		l.WarnContext(ctx, "Failed to touch cache record", slog.Any("error", err))
	}
	l.DebugContext(ctx, "Resolved from cache")
	return rec
}

func (s *ServiceImpl) semanticLookup(ctx context.Context, l *slog.Logger, city, query string) *types.PlaceRecord {
	matches, err := s.index.Search(ctx, query, city, s.topK)
	if err != nil {
		l.WarnContext(ctx, "Semantic search failed, treating as miss", slog.Any("error", err))
		return nil
	}
	for i := range matches {
		m := &matches[i]
		if m.Similarity <= s.threshold {
			// Matches come back ordered; a hit must strictly exceed the
			// threshold, so at-threshold scores are a hard miss too.
			l.DebugContext(ctx, "Best semantic match below acceptance threshold",
				slog.Float64("similarity", m.Similarity),
				slog.Float64("threshold", s.threshold))
			return nil
		}
		if !s.validated(ctx, l, &m.Record, city, "vector") {
			continue
		}
		if err := s.cache.Touch(ctx, m.Record.CacheKey); err != nil {
			l.WarnContext(ctx, "Failed to touch cache record", slog.Any("error", err))
		}
		l.DebugContext(ctx, "Resolved from semantic index", slog.Float64("similarity", m.Similarity))
		return &m.Record
	}
	return nil
}

func (s *ServiceImpl) enrich(ctx context.Context, l *slog.Logger, city, query string) *types.PlaceRecord {
	result := s.gateway.Resolve(ctx, enrichment.Query{City: city, Name: query})
	switch result.Outcome {
	case types.EnrichmentFound:
		// Persist for future reuse before returning. A failed index write
		// leaves the record cached but unsearchable until a repair pass.
		if err := s.cache.Put(ctx, result.Record); err != nil {
			l.WarnContext(ctx, "Failed to persist enriched record", slog.Any("error", err))
		} else {
			if s.metrics != nil {
				s.metrics.CacheWritesTotal.Add(ctx, 1)
			}
			if err := s.index.Upsert(ctx, result.Record.CacheKey, result.Record.Name, result.Record.City, result.Record.Description); err != nil {
				l.WarnContext(ctx, "Index inconsistency: cache write stands, vector index write failed",
					slog.String("cache_key", result.Record.CacheKey), slog.Any("error", err))
			}
		}
		l.InfoContext(ctx, "Resolved via external enrichment")
		return result.Record
	case types.EnrichmentTimeout:
		l.WarnContext(ctx, "Enrichment timed out, advancing to fallback")
	default:
		l.DebugContext(ctx, "Enrichment found nothing")
	}
	return nil
}

// validated re-checks a stored record against the bounding region for the
// requested city. Data written before the filter existed may be mislabeled,
// so ingestion-time validation alone is not trusted.
func (s *ServiceImpl) validated(ctx context.Context, l *slog.Logger, rec *types.PlaceRecord, city, tier string) bool {
	ok, degraded := s.filter.CheckRecord(rec, city)
	if degraded {
		l.WarnContext(ctx, "Geo filter degraded: no bounding region configured for city",
			slog.String("city", city))
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.GeoFilterRejectionsTotal.Add(ctx, 1)
		}
		l.WarnContext(ctx, "Data quality anomaly: stored record failed bounding-region check",
			slog.String("tier", tier),
			slog.String("cache_key", rec.CacheKey),
		)
		return false
	}
	return true
}

func detailFrom(rec *types.PlaceRecord, tier types.PlaceSource) *types.PlaceDetail {
	return &types.PlaceDetail{
		Name:        rec.Name,
		City:        rec.City,
		Category:    rec.Category,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		Description: rec.Description,
		Source:      tier,
	}
}
