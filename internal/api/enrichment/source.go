package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ErrNotFound is returned by a source when the query resolved cleanly to no
// result, as opposed to the source failing.
var ErrNotFound = errors.New("place not found")

// Query identifies the place a caller wants resolved.
type Query struct {
	City string
	Name string
}

// RawPlace is what an external source knows about a place before it is
// validated and wrapped into a PlaceRecord.
type RawPlace struct {
	Name        string
	Category    string
	Latitude    float64
	Longitude   float64
	Description string
}

// Source is one slow external origin of place data. The gateway is the only
// caller; it enforces the latency budget, so implementations may block.
type Source interface {
	Name() string
	Lookup(ctx context.Context, query Query) (*RawPlace, error)
}

// GeocodeSource resolves places through a Nominatim-compatible geocoding API.
type GeocodeSource struct {
	baseURL string
	client  *http.Client
}

func NewGeocodeSource(baseURL string, client *http.Client) *GeocodeSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &GeocodeSource{baseURL: baseURL, client: client}
}

func (s *GeocodeSource) Name() string { return "geocode" }

type geocodeResult struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Class       string `json:"class"`
	Type        string `json:"type"`
}

func (s *GeocodeSource) Lookup(ctx context.Context, query Query) (*RawPlace, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("%s, %s", query.Name, query.City))
	params.Set("format", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", "place-resolver/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode request returned status %d", resp.StatusCode)
	}

	var results []geocodeResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode geocode response: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude in geocode response: %w", err)
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude in geocode response: %w", err)
	}

	return &RawPlace{
		Name:      query.Name,
		Category:  categoryFromGeocode(results[0].Class, results[0].Type),
		Latitude:  lat,
		Longitude: lng,
	}, nil
}

func categoryFromGeocode(class, osmType string) string {
	switch {
	case class == "amenity" && (osmType == "restaurant" || osmType == "cafe" || osmType == "bar"):
		return "restaurant"
	case class == "tourism" || class == "historic" || class == "leisure":
		return "attraction"
	default:
		return "other"
	}
}
