package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/wanderwiseai/go-place-resolver/app/observability/metrics"
	"github.com/wanderwiseai/go-place-resolver/internal/api/geofilter"
	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

// Describer supplies a short editorial description for a resolved place.
// Best-effort: failures degrade to an empty description.
type Describer interface {
	Describe(ctx context.Context, name, city string) (string, error)
}

// Gateway wraps one or more slow external sources behind a uniform
// result/timeout contract. The hard timeout is enforced here regardless of
// how the underlying source behaves; concurrent requests for the same
// (city, name) key are coalesced into a single in-flight call.
type Gateway struct {
	logger    *slog.Logger
	filter    *geofilter.Filter
	sources   []Source
	describer Describer
	timeout   time.Duration
	namespace string
	limiter   *rate.Limiter
	breakers  map[string]*gobreaker.CircuitBreaker
	group     singleflight.Group
	metrics   *metrics.AppMetrics
}

type Config struct {
	Timeout       time.Duration
	Namespace     string
	RatePerSecond float64
	RateBurst     int
}

// NewGateway builds a gateway over the given sources, in priority order.
// describer and appMetrics may be nil.
func NewGateway(cfg Config, sources []Source, filter *geofilter.Filter, describer Describer, appMetrics *metrics.AppMetrics, logger *slog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "enrichment"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 4
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(sources))
	for _, src := range sources {
		name := src.Name()
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				// A clean "no result" is a healthy source.
				return err == nil || errors.Is(err, ErrNotFound)
			},
		})
	}

	return &Gateway{
		logger:    logger,
		filter:    filter,
		sources:   sources,
		describer: describer,
		timeout:   cfg.Timeout,
		namespace: cfg.Namespace,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		breakers:  breakers,
		metrics:   appMetrics,
	}
}

// Resolve runs the query against the external sources within the configured
// budget. It never returns an error: a source failure or budget overrun comes
// back as a Timeout or NotFound outcome. Concurrent calls for the same key
// share one underlying invocation.
func (g *Gateway) Resolve(ctx context.Context, query Query) types.EnrichmentResult {
	key := fmt.Sprintf("%s:%s", types.NormalizeCity(query.City), types.NormalizeName(query.Name))

	v, _, shared := g.group.Do(key, func() (interface{}, error) {
		return g.resolveOnce(ctx, query), nil
	})
	if shared {
		g.logger.DebugContext(ctx, "Enrichment call coalesced", slog.String("key", key))
	}
	return v.(types.EnrichmentResult)
}

func (g *Gateway) resolveOnce(parent context.Context, query Query) types.EnrichmentResult {
	// Detach from the first caller's cancellation so coalesced waiters are
	// not starved by that caller going away; the budget is the only bound.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.timeout)
	defer cancel()

	ctx, span := otel.Tracer("EnrichmentGateway").Start(ctx, "resolveOnce", trace.WithAttributes(
		attribute.String("place.city", query.City),
		attribute.String("place.name", query.Name),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.EnrichmentDurationSeconds.Record(parent, time.Since(start).Seconds())
		}
	}()

	if err := g.limiter.Wait(ctx); err != nil {
		g.logger.WarnContext(ctx, "Enrichment rate limit wait exceeded budget", slog.Any("error", err))
		return g.timeoutResult(parent, span)
	}

	for _, src := range g.sources {
		raw, err := g.callSource(ctx, src, query)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return g.timeoutResult(parent, span)
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			// Source errored (unavailable, circuit open, malformed reply).
			// Treated like a slow source: move on, never raise.
			g.logger.WarnContext(ctx, "Enrichment source failed",
				slog.String("source", src.Name()), slog.Any("error", err))
			continue
		}

		ok, degraded := g.filter.Check(raw.Latitude, raw.Longitude, query.City)
		if degraded {
			g.logger.WarnContext(ctx, "Geo filter degraded: no bounding region configured for city",
				slog.String("city", query.City))
		}
		if !ok {
			// The source answered with a place outside the requested city.
			if g.metrics != nil {
				g.metrics.GeoFilterRejectionsTotal.Add(parent, 1)
			}
			g.logger.WarnContext(ctx, "Data quality anomaly: enrichment result failed bounding-region check",
				slog.String("source", src.Name()),
				slog.String("city", query.City),
				slog.String("name", raw.Name),
				slog.Float64("latitude", raw.Latitude),
				slog.Float64("longitude", raw.Longitude),
			)
			span.SetStatus(codes.Ok, "Result outside city region")
			return types.EnrichmentResult{Outcome: types.EnrichmentNotFound}
		}

		record := g.buildRecord(ctx, query, raw)
		span.SetAttributes(attribute.String("source", src.Name()))
		span.SetStatus(codes.Ok, "Place enriched")
		return types.EnrichmentResult{Outcome: types.EnrichmentFound, Record: record}
	}

	if ctx.Err() != nil {
		return g.timeoutResult(parent, span)
	}
	span.SetStatus(codes.Ok, "No source had the place")
	return types.EnrichmentResult{Outcome: types.EnrichmentNotFound}
}

// callSource runs one source through its circuit breaker, cut off at the
// budget even if the source ignores context cancellation.
func (g *Gateway) callSource(ctx context.Context, src Source, query Query) (*RawPlace, error) {
	breaker := g.breakers[src.Name()]

	type outcome struct {
		place *RawPlace
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := breaker.Execute(func() (interface{}, error) {
			return src.Lookup(ctx, query)
		})
		if err != nil {
			ch <- outcome{nil, err}
			return
		}
		ch <- outcome{v.(*RawPlace), nil}
	}()

	select {
	case <-ctx.Done():
		// The in-flight call may finish server-side; its result is discarded.
		return nil, ctx.Err()
	case o := <-ch:
		return o.place, o.err
	}
}

func (g *Gateway) buildRecord(ctx context.Context, query Query, raw *RawPlace) *types.PlaceRecord {
	description := raw.Description
	if description == "" && g.describer != nil {
		if text, err := g.describer.Describe(ctx, query.Name, query.City); err == nil {
			description = text
		}
	}

	category := raw.Category
	if category == "" {
		category = types.CategoryOther
	}

	lat, lng := raw.Latitude, raw.Longitude
	return &types.PlaceRecord{
		// Normalization belongs to keys only; the record keeps the
		// caller's display casing for the city.
		CacheKey:       types.BuildCacheKey(g.namespace, query.City, query.Name),
		Name:           query.Name,
		City:           query.City,
		Category:       category,
		Latitude:       &lat,
		Longitude:      &lng,
		Description:    description,
		Source:         types.SourceEnrichment,
		LastAccessedAt: time.Now(),
	}
}

func (g *Gateway) timeoutResult(ctx context.Context, span trace.Span) types.EnrichmentResult {
	if g.metrics != nil {
		g.metrics.EnrichmentTimeoutsTotal.Add(ctx, 1)
	}
	span.SetStatus(codes.Ok, "Enrichment budget exhausted")
	return types.EnrichmentResult{Outcome: types.EnrichmentTimeout}
}
