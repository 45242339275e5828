package metrics

import (
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// AppMetrics holds the application's metric instruments.
type AppMetrics struct {
	ResolutionsTotal          metric.Int64Counter     // labelled by tier outcome
	ResolutionDurationSeconds metric.Float64Histogram
	EnrichmentDurationSeconds metric.Float64Histogram
	EnrichmentTimeoutsTotal   metric.Int64Counter
	GeoFilterRejectionsTotal  metric.Int64Counter
	CacheWritesTotal          metric.Int64Counter
}

var (
	appMetrics *AppMetrics
	once       sync.Once
)

// InitAppMetrics initializes the global metrics instruments only once.
// It gets the Meter from the globally configured MeterProvider.
func InitAppMetrics() {
	once.Do(func() {
		meter := otel.GetMeterProvider().Meter("PlaceResolver")
		var err error
		m := &AppMetrics{}

		m.ResolutionsTotal, err = meter.Int64Counter(
			"place_resolutions_total",
			metric.WithDescription("Total number of place resolutions completed, by tier"),
			metric.WithUnit("{resolution}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create place_resolutions_total: %v", err)
		}

		m.ResolutionDurationSeconds, err = meter.Float64Histogram(
			"place_resolution_duration_seconds",
			metric.WithDescription("Duration of full place resolutions in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create place_resolution_duration_seconds: %v", err)
		}

		m.EnrichmentDurationSeconds, err = meter.Float64Histogram(
			"enrichment_duration_seconds",
			metric.WithDescription("Duration of external enrichment calls in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create enrichment_duration_seconds: %v", err)
		}

		m.EnrichmentTimeoutsTotal, err = meter.Int64Counter(
			"enrichment_timeouts_total",
			metric.WithDescription("Total number of enrichment calls cut off at the timeout budget"),
			metric.WithUnit("{timeout}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create enrichment_timeouts_total: %v", err)
		}

		m.GeoFilterRejectionsTotal, err = meter.Int64Counter(
			"geofilter_rejections_total",
			metric.WithDescription("Total number of candidate places rejected by the bounding-region check"),
			metric.WithUnit("{rejection}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create geofilter_rejections_total: %v", err)
		}

		m.CacheWritesTotal, err = meter.Int64Counter(
			"place_cache_writes_total",
			metric.WithDescription("Total number of place cache writes"),
			metric.WithUnit("{write}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create place_cache_writes_total: %v", err)
		}

		appMetrics = m
	})
}

// Get returns the globally initialized AppMetrics instance.
// Panics if InitAppMetrics was not called first.
func Get() *AppMetrics {
	if appMetrics == nil {
		log.Panic("Metrics: AppMetrics accessed before InitAppMetrics was called")
	}
	return appMetrics
}
