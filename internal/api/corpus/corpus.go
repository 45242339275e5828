package corpus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wanderwiseai/go-place-resolver/internal/api/geofilter"
	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

const sourceNamespace = "local"

// datasetEntry is the on-disk shape of one precompiled attraction.
type datasetEntry struct {
	Name        string   `json:"name"`
	City        string   `json:"city"`
	Category    string   `json:"category"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Description string   `json:"description"`
}

// LocalCorpus is the precompiled dataset of attractions for high-priority
// cities. The place data is read-only after Load; only the per-record access
// bookkeeping mutates, guarded by mu.
type LocalCorpus struct {
	logger *slog.Logger
	filter *geofilter.Filter
	mu     sync.RWMutex
	// keyed by normalized city, then normalized place name
	places map[string]map[string]*types.PlaceRecord
}

// Load builds the corpus from a JSON dataset file. Geo validation runs on
// every lookup rather than at load time, so mislabeled entries are never
// returned even if the dataset predates the configured regions.
func Load(path string, filter *geofilter.Filter, logger *slog.Logger) (*LocalCorpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus dataset %s: %w", path, err)
	}
	return Parse(data, filter, logger)
}

// Parse builds the corpus from raw dataset bytes.
func Parse(data []byte, filter *geofilter.Filter, logger *slog.Logger) (*LocalCorpus, error) {
	var entries []datasetEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse corpus dataset: %w", err)
	}

	c := &LocalCorpus{
		logger: logger,
		filter: filter,
		places: make(map[string]map[string]*types.PlaceRecord),
	}

	for _, e := range entries {
		if e.Name == "" || e.City == "" {
			logger.Warn("Skipping corpus entry with missing name or city", slog.String("name", e.Name))
			continue
		}
		category := e.Category
		if category == "" {
			category = types.CategoryOther
		}
		rec := &types.PlaceRecord{
			CacheKey:       types.BuildCacheKey(sourceNamespace, e.City, e.Name),
			Name:           e.Name,
			City:           e.City,
			Category:       category,
			Latitude:       e.Latitude,
			Longitude:      e.Longitude,
			Description:    e.Description,
			Source:         types.SourceLocal,
			LastAccessedAt: time.Now(),
		}

		city := types.NormalizeCity(e.City)
		if c.places[city] == nil {
			c.places[city] = make(map[string]*types.PlaceRecord)
		}
		c.places[city][types.NormalizeName(e.Name)] = rec
	}

	logger.Info("Local corpus loaded", slog.Int("entries", c.Len()))
	return c, nil
}

// Len returns the number of places in the corpus.
func (c *LocalCorpus) Len() int {
	n := 0
	for _, byName := range c.places {
		n += len(byName)
	}
	return n
}

// Lookup finds a place by exact normalized name within the requested city
// only; there is no fallback to matching by containing region. Hits are
// geo-validated before being returned: a record whose coordinates fall
// outside the requested city's region is a Miss, not a result.
// The returned record is a copy; use Touch to update access bookkeeping.
func (c *LocalCorpus) Lookup(city, name string) (*types.PlaceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byName, ok := c.places[types.NormalizeCity(city)]
	if !ok {
		return nil, false
	}
	rec, ok := byName[types.NormalizeName(name)]
	if !ok {
		return nil, false
	}

	valid, degraded := c.filter.CheckRecord(rec, city)
	if degraded {
		c.logger.Warn("Geo filter degraded: no bounding region configured for city",
			slog.String("city", city))
	}
	if !valid {
		// The source dataset itself is mislabeled.
		c.logger.Warn("Data quality anomaly: corpus record failed bounding-region check",
			slog.String("city", city),
			slog.String("name", rec.Name),
			slog.Float64("latitude", *rec.Latitude),
			slog.Float64("longitude", *rec.Longitude),
		)
		return nil, false
	}

	out := *rec
	return &out, true
}

// Touch bumps the access bookkeeping for a place that was just served.
func (c *LocalCorpus) Touch(city, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if byName, ok := c.places[types.NormalizeCity(city)]; ok {
		if rec, ok := byName[types.NormalizeName(name)]; ok {
			rec.AccessCount++
			rec.LastAccessedAt = time.Now()
		}
	}
}
