package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlaceSource records which tier produced a PlaceRecord. Set once at
// creation and never changed afterwards.
type PlaceSource string

const (
	SourceLocal      PlaceSource = "local"
	SourceCache      PlaceSource = "cache"
	SourceVector     PlaceSource = "vector"
	SourceEnrichment PlaceSource = "enrichment"
	SourceFallback   PlaceSource = "fallback"
)

// Place categories. Anything we cannot classify stays CategoryOther.
const (
	CategoryAttraction = "attraction"
	CategoryRestaurant = "restaurant"
	CategoryOther      = "other"
)

// PlaceRecord is the canonical unit of knowledge about one place.
type PlaceRecord struct {
	ID          uuid.UUID   `json:"id,omitempty"`
	CacheKey    string      `json:"cache_key"`
	Name        string      `json:"name"`
	City        string      `json:"city"`
	Category    string      `json:"category"`
	Latitude    *float64    `json:"latitude,omitempty"`
	Longitude   *float64    `json:"longitude,omitempty"`
	Description string      `json:"description,omitempty"`
	Source      PlaceSource `json:"source"`

	// Bookkeeping, mutated on every successful lookup that returns this record.
	AccessCount    int       `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// HasCoordinates reports whether the record carries a geographic position.
// Records awaiting enrichment may legitimately have none.
func (p *PlaceRecord) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// CityBoundingRegion is a closed rectangular lat/lng envelope for one city.
type CityBoundingRegion struct {
	City   string  `json:"city" mapstructure:"city"`
	LatMin float64 `json:"lat_min" mapstructure:"latMin"`
	LatMax float64 `json:"lat_max" mapstructure:"latMax"`
	LngMin float64 `json:"lng_min" mapstructure:"lngMin"`
	LngMax float64 `json:"lng_max" mapstructure:"lngMax"`
}

// Contains reports whether the point lies inside the region, borders included.
func (r CityBoundingRegion) Contains(lat, lng float64) bool {
	return lat >= r.LatMin && lat <= r.LatMax && lng >= r.LngMin && lng <= r.LngMax
}

// EnrichmentOutcome classifies the result of an external enrichment call.
type EnrichmentOutcome string

const (
	EnrichmentFound    EnrichmentOutcome = "found"
	EnrichmentNotFound EnrichmentOutcome = "not_found"
	EnrichmentTimeout  EnrichmentOutcome = "timeout"
)

// EnrichmentResult is the transient value returned by the enrichment gateway.
// Record is non-nil only when Outcome == EnrichmentFound.
type EnrichmentResult struct {
	Outcome EnrichmentOutcome `json:"outcome"`
	Record  *PlaceRecord      `json:"record,omitempty"`
}

// PlaceDetail is the response shape handed back to callers of the resolver.
type PlaceDetail struct {
	Name        string      `json:"name"`
	City        string      `json:"city"`
	Category    string      `json:"category"`
	Latitude    *float64    `json:"latitude,omitempty"`
	Longitude   *float64    `json:"longitude,omitempty"`
	Description string      `json:"description,omitempty"`
	Source      PlaceSource `json:"source"`
	Degraded    bool        `json:"degraded,omitempty"` // true only for fallback responses
}

// NormalizeCity canonicalizes a city name for lookups and cache keys:
// lowercased, trimmed, internal whitespace collapsed to single spaces.
func NormalizeCity(city string) string {
	return strings.Join(strings.Fields(strings.ToLower(city)), " ")
}

// NormalizeName applies the same canonicalization to place names.
func NormalizeName(name string) string {
	return NormalizeCity(name)
}

// BuildCacheKey derives the durable cache key for a record:
// <source_namespace>:<city>:<identity>. Namespacing keeps records from
// different upstream origins from colliding.
func BuildCacheKey(namespace, city, identity string) string {
	return fmt.Sprintf("%s:%s:%s", namespace, NormalizeCity(city), NormalizeName(identity))
}
