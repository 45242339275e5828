package geofilter

import (
	"github.com/wanderwiseai/go-place-resolver/internal/types"
)

// Filter validates that candidate coordinates fall inside the configured
// bounding region for a city. It is the gate that neutralizes upstream
// sources labelling records by region instead of city (a record tagged
// "Piemonte" must never satisfy a "Torino" request on geography alone).
//
// The filter is pure: no I/O, no side effects. Callers are responsible for
// logging degraded (unconfigured-city) checks.
type Filter struct {
	regions map[string]types.CityBoundingRegion
}

// New builds a Filter from the configured per-city regions. City names are
// normalized once at construction.
func New(regions []types.CityBoundingRegion) *Filter {
	m := make(map[string]types.CityBoundingRegion, len(regions))
	for _, r := range regions {
		m[types.NormalizeCity(r.City)] = r
	}
	return &Filter{regions: m}
}

// RegionFor returns the bounding region configured for a city, if any.
func (f *Filter) RegionFor(city string) (types.CityBoundingRegion, bool) {
	r, ok := f.regions[types.NormalizeCity(city)]
	return r, ok
}

// Validate reports whether the point is acceptable for the city. Cities
// without a configured region pass (degraded mode); use Check when the
// caller needs to log that.
func (f *Filter) Validate(lat, lng float64, city string) bool {
	ok, _ := f.Check(lat, lng, city)
	return ok
}

// Check is Validate plus a degraded flag: degraded is true when no region is
// configured for the city and the check passed vacuously.
func (f *Filter) Check(lat, lng float64, city string) (ok, degraded bool) {
	region, found := f.RegionFor(city)
	if !found {
		return true, true
	}
	return region.Contains(lat, lng), false
}

// CheckRecord applies Check to a record's coordinates against its claimed
// city. Records without coordinates pass; the invariant only binds when a
// position is present.
func (f *Filter) CheckRecord(rec *types.PlaceRecord, city string) (ok, degraded bool) {
	if rec == nil {
		return false, false
	}
	if !rec.HasCoordinates() {
		return true, false
	}
	return f.Check(*rec.Latitude, *rec.Longitude, city)
}
