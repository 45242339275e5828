package resolve

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wanderwiseai/go-place-resolver/internal/api/enrichment"
	"github.com/wanderwiseai/go-place-resolver/internal/api/geofilter"
	"github.com/wanderwiseai/go-place-resolver/internal/api/vector"
	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// MockCorpus is a mock implementation of Corpus
type MockCorpus struct {
	mock.Mock
}

func (m *MockCorpus) Lookup(city, name string) (*types.PlaceRecord, bool) {
	args := m.Called(city, name)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*types.PlaceRecord), args.Bool(1)
}

func (m *MockCorpus) Touch(city, name string) {
	m.Called(city, name)
}

// MockCacheRepository is a mock implementation of cache.Repository
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) Get(ctx context.Context, cacheKey string) (*types.PlaceRecord, error) {
	args := m.Called(ctx, cacheKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.PlaceRecord), args.Error(1)
}

func (m *MockCacheRepository) Put(ctx context.Context, record *types.PlaceRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockCacheRepository) Touch(ctx context.Context, cacheKey string) error {
	args := m.Called(ctx, cacheKey)
	return args.Error(0)
}

func (m *MockCacheRepository) TopPlaces(ctx context.Context, city string, limit int) ([]types.PlaceRecord, error) {
	args := m.Called(ctx, city, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.PlaceRecord), args.Error(1)
}

// MockIndex is a mock implementation of vector.Index
type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Search(ctx context.Context, queryText, city string, topK int) ([]vector.Match, error) {
	args := m.Called(ctx, queryText, city, topK)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vector.Match), args.Error(1)
}

func (m *MockIndex) Upsert(ctx context.Context, cacheKey, name, city, description string) error {
	args := m.Called(ctx, cacheKey, name, city, description)
	return args.Error(0)
}

// MockGateway is a mock implementation of Gateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Resolve(ctx context.Context, query enrichment.Query) types.EnrichmentResult {
	args := m.Called(ctx, query)
	return args.Get(0).(types.EnrichmentResult)
}

type fixture struct {
	corpus  *MockCorpus
	cache   *MockCacheRepository
	index   *MockIndex
	gateway *MockGateway
	service *ServiceImpl
}

func newFixture() *fixture {
	f := &fixture{
		corpus:  new(MockCorpus),
		cache:   new(MockCacheRepository),
		index:   new(MockIndex),
		gateway: new(MockGateway),
	}
	filter := geofilter.New([]types.CityBoundingRegion{
		{City: "Torino", LatMin: 44.97, LatMax: 45.18, LngMin: 7.52, LngMax: 7.80},
	})
	f.service = NewServiceImpl(Config{
		Namespace:           "enrichment",
		SimilarityThreshold: 0.75,
		VectorTopK:          5,
	}, f.corpus, f.cache, f.index, f.gateway, filter, testLogger)
	return f
}

func torinoRecord(key string, source types.PlaceSource) *types.PlaceRecord {
	lat, lng := 45.0689, 7.6933
	return &types.PlaceRecord{
		CacheKey:    key,
		Name:        "Mole Antonelliana",
		City:        "torino",
		Category:    types.CategoryAttraction,
		Latitude:    &lat,
		Longitude:   &lng,
		Description: "Iconic tower.",
		Source:      source,
	}
}

func TestResolvePlace_LocalHitShortCircuits(t *testing.T) {
	f := newFixture()
	rec := torinoRecord("local:torino:mole antonelliana", types.SourceLocal)

	f.corpus.On("Lookup", "Torino", "Mole Antonelliana").Return(rec, true)
	f.corpus.On("Touch", "Torino", "Mole Antonelliana").Return()

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "Mole Antonelliana")
	require.NoError(t, err)
	assert.Equal(t, types.SourceLocal, detail.Source)
	assert.Equal(t, "Mole Antonelliana", detail.Name)

	// Lower tiers must never be consulted on a tier-1 hit.
	f.cache.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	f.index.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.gateway.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestResolvePlace_CacheHit(t *testing.T) {
	f := newFixture()
	rec := torinoRecord("enrichment:torino:mole antonelliana", types.SourceEnrichment)

	f.corpus.On("Lookup", "Torino", "Mole Antonelliana").Return(nil, false)
	f.cache.On("Get", mock.Anything, "enrichment:torino:mole antonelliana").Return(rec, nil)
	f.cache.On("Touch", mock.Anything, "enrichment:torino:mole antonelliana").Return(nil)

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "Mole Antonelliana")
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, detail.Source)
	f.index.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.gateway.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestResolvePlace_MislabeledCacheRecordIsMiss(t *testing.T) {
	f := newFixture()
	// Cached before the filter existed, tagged Torino with Genova coordinates.
	lat, lng := 44.4266, 8.8176
	bad := &types.PlaceRecord{
		CacheKey: "enrichment:torino:museo navale di pegli",
		Name:     "Museo Navale di Pegli", City: "torino",
		Category: types.CategoryAttraction, Latitude: &lat, Longitude: &lng,
		Source: types.SourceEnrichment,
	}

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(bad, nil)
	f.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	f.gateway.On("Resolve", mock.Anything, mock.Anything).Return(types.EnrichmentResult{Outcome: types.EnrichmentNotFound})

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "Museo Navale di Pegli")
	require.NoError(t, err)
	assert.Equal(t, types.SourceFallback, detail.Source)
	f.cache.AssertNotCalled(t, "Touch", mock.Anything, mock.Anything)
}

func TestResolvePlace_VectorHitAboveThreshold(t *testing.T) {
	f := newFixture()
	rec := torinoRecord("enrichment:torino:mole antonelliana", types.SourceEnrichment)

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(nil, nil)
	f.index.On("Search", mock.Anything, "tall tower with a cinema museum", "Torino", 5).
		Return([]vector.Match{{Record: *rec, Similarity: 0.88}}, nil)
	f.cache.On("Touch", mock.Anything, rec.CacheKey).Return(nil)

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "tall tower with a cinema museum")
	require.NoError(t, err)
	assert.Equal(t, types.SourceVector, detail.Source)
	assert.Equal(t, "Mole Antonelliana", detail.Name)
	f.gateway.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
}

func TestResolvePlace_SubThresholdVectorMatchIsMiss(t *testing.T) {
	f := newFixture()
	rec := torinoRecord("enrichment:torino:mole antonelliana", types.SourceEnrichment)
	enriched := torinoRecord("enrichment:torino:some query", types.SourceEnrichment)

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(nil, nil)
	f.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]vector.Match{{Record: *rec, Similarity: 0.4}}, nil)
	f.gateway.On("Resolve", mock.Anything, enrichment.Query{City: "Torino", Name: "some query"}).
		Return(types.EnrichmentResult{Outcome: types.EnrichmentFound, Record: enriched})
	f.cache.On("Put", mock.Anything, enriched).Return(nil)
	f.index.On("Upsert", mock.Anything, enriched.CacheKey, enriched.Name, enriched.City, enriched.Description).Return(nil)

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "some query")
	require.NoError(t, err)

	// Similarity 0.4 against threshold 0.75 must advance to enrichment,
	// not return a weak positive.
	assert.Equal(t, types.SourceEnrichment, detail.Source)
	f.gateway.AssertExpectations(t)
}

func TestResolvePlace_AtThresholdVectorMatchIsMiss(t *testing.T) {
	f := newFixture()
	rec := torinoRecord("enrichment:torino:mole antonelliana", types.SourceEnrichment)

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(nil, nil)
	f.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]vector.Match{{Record: *rec, Similarity: 0.75}}, nil)
	f.gateway.On("Resolve", mock.Anything, mock.Anything).
		Return(types.EnrichmentResult{Outcome: types.EnrichmentNotFound})

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "some query")
	require.NoError(t, err)

	// A hit must strictly exceed the threshold; exactly 0.75 is a miss.
	assert.Equal(t, types.SourceFallback, detail.Source)
	f.cache.AssertNotCalled(t, "Touch", mock.Anything, mock.Anything)
}

func TestResolvePlace_EnrichmentPersistsBeforeReturning(t *testing.T) {
	f := newFixture()
	enriched := torinoRecord("enrichment:torino:mole antonelliana", types.SourceEnrichment)

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(nil, nil)
	f.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	f.gateway.On("Resolve", mock.Anything, mock.Anything).
		Return(types.EnrichmentResult{Outcome: types.EnrichmentFound, Record: enriched})
	f.cache.On("Put", mock.Anything, enriched).Return(nil)
	f.index.On("Upsert", mock.Anything, enriched.CacheKey, enriched.Name, enriched.City, enriched.Description).Return(nil)

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "Mole Antonelliana")
	require.NoError(t, err)
	assert.Equal(t, types.SourceEnrichment, detail.Source)
	f.cache.AssertCalled(t, "Put", mock.Anything, enriched)
	f.index.AssertCalled(t, "Upsert", mock.Anything, enriched.CacheKey, enriched.Name, enriched.City, enriched.Description)
}

func TestResolvePlace_IndexInconsistencyDoesNotFailRequest(t *testing.T) {
	f := newFixture()
	enriched := torinoRecord("enrichment:torino:mole antonelliana", types.SourceEnrichment)

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(nil, nil)
	f.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	f.gateway.On("Resolve", mock.Anything, mock.Anything).
		Return(types.EnrichmentResult{Outcome: types.EnrichmentFound, Record: enriched})
	f.cache.On("Put", mock.Anything, enriched).Return(nil)
	f.index.On("Upsert", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("embedding backend down"))

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "Mole Antonelliana")
	require.NoError(t, err)
	assert.Equal(t, types.SourceEnrichment, detail.Source)
}

func TestResolvePlace_FallbackUnderTotalExternalFailure(t *testing.T) {
	f := newFixture()

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(nil, nil)
	f.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	f.gateway.On("Resolve", mock.Anything, mock.Anything).
		Return(types.EnrichmentResult{Outcome: types.EnrichmentTimeout})

	detail, err := f.service.ResolvePlace(context.Background(), "Lisboa", "Torre de Belem")
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, types.SourceFallback, detail.Source)
	assert.True(t, detail.Degraded)
	assert.Equal(t, "Torre de Belem", detail.Name)
	assert.Equal(t, types.CategoryOther, detail.Category)
}

func TestResolvePlace_TierFailuresAreMisses(t *testing.T) {
	f := newFixture()
	enriched := torinoRecord("enrichment:torino:mole antonelliana", types.SourceEnrichment)

	f.corpus.On("Lookup", mock.Anything, mock.Anything).Return(nil, false)
	f.cache.On("Get", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
	f.index.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("embedding backend down"))
	f.gateway.On("Resolve", mock.Anything, mock.Anything).
		Return(types.EnrichmentResult{Outcome: types.EnrichmentFound, Record: enriched})
	f.cache.On("Put", mock.Anything, enriched).Return(errors.New("db still down"))

	detail, err := f.service.ResolvePlace(context.Background(), "Torino", "Mole Antonelliana")
	require.NoError(t, err)
	assert.Equal(t, types.SourceEnrichment, detail.Source)
}
