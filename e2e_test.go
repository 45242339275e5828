package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/wanderwiseai/go-place-resolver/internal/api/cache"
	"github.com/wanderwiseai/go-place-resolver/internal/api/corpus"
	"github.com/wanderwiseai/go-place-resolver/internal/api/enrichment"
	"github.com/wanderwiseai/go-place-resolver/internal/api/geofilter"
	"github.com/wanderwiseai/go-place-resolver/internal/api/resolve"
	"github.com/wanderwiseai/go-place-resolver/internal/api/vector"
	"github.com/wanderwiseai/go-place-resolver/internal/router"
	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

var (
	_ cache.Repository = (*memoryCache)(nil)
	_ vector.Index     = (*noopIndex)(nil)
)

// memoryCache is an in-process stand-in for the Postgres-backed cache so the
// suite can exercise the full HTTP surface without a database.
type memoryCache struct {
	mu      sync.Mutex
	records map[string]types.PlaceRecord
	touched map[string]int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		records: make(map[string]types.PlaceRecord),
		touched: make(map[string]int),
	}
}

func (m *memoryCache) Get(_ context.Context, cacheKey string) (*types.PlaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[cacheKey]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// Put mirrors the Postgres upsert contract: repeat writes keep a single
// entry, richer data only, and access bookkeeping stays with Touch.
func (m *memoryCache) Put(_ context.Context, record *types.PlaceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, exists := m.records[record.CacheKey]
	if !exists {
		m.records[record.CacheKey] = *record
		return nil
	}
	if record.Description != "" {
		stored.Description = record.Description
	}
	if record.Latitude != nil {
		stored.Latitude = record.Latitude
	}
	if record.Longitude != nil {
		stored.Longitude = record.Longitude
	}
	if stored.Category == types.CategoryOther {
		stored.Category = record.Category
	}
	m.records[record.CacheKey] = stored
	return nil
}

func (m *memoryCache) Touch(_ context.Context, cacheKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[cacheKey]++
	return nil
}

func (m *memoryCache) TopPlaces(_ context.Context, _ string, _ int) ([]types.PlaceRecord, error) {
	return nil, nil
}

// noopIndex keeps the semantic tier wired but always missing, so queries flow
// through to enrichment.
type noopIndex struct {
	mu       sync.Mutex
	upserted []string
}

func (n *noopIndex) Search(_ context.Context, _, _ string, _ int) ([]vector.Match, error) {
	return nil, nil
}

func (n *noopIndex) Upsert(_ context.Context, cacheKey, _, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.upserted = append(n.upserted, cacheKey)
	return nil
}

// ResolveE2ETestSuite drives complete resolution workflows through the real
// router and service wiring, against an httptest server.
type ResolveE2ETestSuite struct {
	suite.Suite
	server  *httptest.Server
	client  *http.Client
	baseURL string

	cache *memoryCache
	index *noopIndex
	geo   *httptest.Server
}

func (s *ResolveE2ETestSuite) SetupSuite() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	filter := geofilter.New([]types.CityBoundingRegion{
		{City: "Torino", LatMin: 44.98, LatMax: 45.18, LngMin: 7.55, LngMax: 7.80},
		{City: "Genova", LatMin: 44.36, LatMax: 44.52, LngMin: 8.80, LngMax: 9.10},
	})

	dataset := []byte(`[
		{"name": "Mole Antonelliana", "city": "Torino", "category": "attraction",
		 "latitude": 45.0689, "longitude": 7.6932,
		 "description": "Landmark tower with panoramic lift."},
		{"name": "Acquario di Genova", "city": "Genova", "category": "attraction",
		 "latitude": 44.4100, "longitude": 8.9263,
		 "description": "One of the largest aquariums in Europe."}
	]`)
	localCorpus, err := corpus.Parse(dataset, filter, logger)
	s.Require().NoError(err)

	// Fake geocoder in the Nominatim response shape used by GeocodeSource.
	s.geo = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "Museo Egizio, Torino" {
			fmt.Fprint(w, `[{"lat": "45.0685", "lon": "7.6843",
				"name": "Museo Egizio", "display_name": "Museo Egizio, Torino",
				"class": "tourism", "type": "museum"}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))

	s.cache = newMemoryCache()
	s.index = &noopIndex{}

	gateway := enrichment.NewGateway(
		enrichment.Config{Timeout: 2 * time.Second, Namespace: "enrichment"},
		[]enrichment.Source{enrichment.NewGeocodeSource(s.geo.URL, s.geo.Client())},
		filter,
		nil,
		nil,
		logger,
	)

	service := resolve.NewServiceImpl(
		resolve.Config{Namespace: "enrichment", SimilarityThreshold: 0.75, VectorTopK: 5},
		localCorpus,
		s.cache,
		s.index,
		gateway,
		filter,
		logger,
	)

	handler := resolve.NewHandler(service, logger)
	s.server = httptest.NewServer(router.SetupRouter(&router.Config{ResolveHandler: handler}))
	s.baseURL = s.server.URL
	s.client = &http.Client{Timeout: 10 * time.Second}
}

func (s *ResolveE2ETestSuite) TearDownSuite() {
	if s.server != nil {
		s.server.Close()
	}
	if s.geo != nil {
		s.geo.Close()
	}
}

func (s *ResolveE2ETestSuite) resolvePlace(t *testing.T, city, q string) (int, types.PlaceDetail) {
	t.Helper()
	endpoint := fmt.Sprintf("%s/api/v1/places/resolve?city=%s&q=%s",
		s.baseURL, url.QueryEscape(city), url.QueryEscape(q))
	resp, err := s.client.Get(endpoint)
	require.NoError(t, err)
	defer resp.Body.Close()

	var detail types.PlaceDetail
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	}
	return resp.StatusCode, detail
}

func (s *ResolveE2ETestSuite) TestHealthCheck() {
	resp, err := s.client.Get(s.baseURL + "/ping")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *ResolveE2ETestSuite) TestLocalCorpusHit() {
	status, detail := s.resolvePlace(s.T(), "Torino", "Mole Antonelliana")
	s.Equal(http.StatusOK, status)
	s.Equal(types.SourceLocal, detail.Source)
	s.Equal("Mole Antonelliana", detail.Name)
	s.False(detail.Degraded)
	s.Require().NotNil(detail.Latitude)
	s.InDelta(45.0689, *detail.Latitude, 0.0001)
}

func (s *ResolveE2ETestSuite) TestLookupIsCaseAndWhitespaceInsensitive() {
	status, detail := s.resolvePlace(s.T(), "  TORINO ", "mole   antonelliana")
	s.Equal(http.StatusOK, status)
	s.Equal(types.SourceLocal, detail.Source)
}

func (s *ResolveE2ETestSuite) TestEnrichmentFlowPersistsAndServesFromCache() {
	// First request walks through to the geocoder.
	status, detail := s.resolvePlace(s.T(), "Torino", "Museo Egizio")
	s.Equal(http.StatusOK, status)
	s.Equal(types.SourceEnrichment, detail.Source)
	s.Equal("Torino", detail.City)
	s.Require().NotNil(detail.Latitude)
	s.InDelta(45.0685, *detail.Latitude, 0.0001)

	key := types.BuildCacheKey("enrichment", "Torino", "Museo Egizio")
	s.cache.mu.Lock()
	_, cached := s.cache.records[key]
	s.cache.mu.Unlock()
	s.True(cached, "enrichment result should be written through to the cache")
	s.Contains(s.index.upserted, key, "enrichment result should reach the semantic index")

	// Second request is served from the cache tier.
	status, detail = s.resolvePlace(s.T(), "Torino", "Museo Egizio")
	s.Equal(http.StatusOK, status)
	s.Equal(types.SourceCache, detail.Source)
	s.Equal("Torino", detail.City)
}

func (s *ResolveE2ETestSuite) TestRepeatCacheWritesAreIdempotent() {
	lat, lng := 45.0689, 7.6932
	key := types.BuildCacheKey("enrichment", "Torino", "Palazzo Madama")
	rec := &types.PlaceRecord{
		CacheKey:    key,
		Name:        "Palazzo Madama",
		City:        "Torino",
		Category:    types.CategoryAttraction,
		Latitude:    &lat,
		Longitude:   &lng,
		Description: "Baroque palace on Piazza Castello.",
		Source:      types.SourceEnrichment,
	}
	ctx := context.Background()
	s.cache.mu.Lock()
	before := len(s.cache.records)
	s.cache.mu.Unlock()

	s.Require().NoError(s.cache.Put(ctx, rec))

	// A later write with less data must not regress the stored entry.
	degraded := *rec
	degraded.Description = ""
	degraded.Latitude = nil
	degraded.Longitude = nil
	s.Require().NoError(s.cache.Put(ctx, &degraded))

	s.cache.mu.Lock()
	stored, ok := s.cache.records[key]
	touches := s.cache.touched[key]
	after := len(s.cache.records)
	s.cache.mu.Unlock()

	s.Require().True(ok)
	s.Equal(before+1, after, "repeat puts must keep a single stored entry")
	s.Equal("Baroque palace on Piazza Castello.", stored.Description,
		"a non-empty description must never regress to empty")
	s.Require().NotNil(stored.Latitude)
	s.Equal(0, touches, "put must not count as an access; that is Touch's job")

	s.Require().NoError(s.cache.Touch(ctx, key))
	s.cache.mu.Lock()
	touches = s.cache.touched[key]
	s.cache.mu.Unlock()
	s.Equal(1, touches)
}

func (s *ResolveE2ETestSuite) TestUnknownPlaceFallsBack() {
	status, detail := s.resolvePlace(s.T(), "Genova", "Trattoria Inventata")
	s.Equal(http.StatusOK, status)
	s.Equal(types.SourceFallback, detail.Source)
	s.True(detail.Degraded)
	s.Equal("Trattoria Inventata", detail.Name)
	s.Nil(detail.Latitude)
}

func (s *ResolveE2ETestSuite) TestMissingQueryParamsRejected() {
	resp, err := s.client.Get(s.baseURL + "/api/v1/places/resolve?city=Torino")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestResolveE2ETestSuite(t *testing.T) {
	suite.Run(t, new(ResolveE2ETestSuite))
}
