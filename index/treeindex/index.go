// Package treeindex answers point in polygon lookups from memory. Two
// insidetree trees hold the s2 covers of every indexed polygon: cells
// certainly inside and candidate cells resolved with an exact point in
// loop test at query time.
package treeindex

import (
	"github.com/akhenakh/insidetree"
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/redbmk/geotile"
)

// Options for the insidetree Index
type Options struct {
	// StopOnInsideFound, if you know your data does not overlap
	// (eg countries) set it to true so it won't go looking further and
	// respond faster
	StopOnInsideFound bool

	// InteriorCoverer generates the cells certainly inside a polygon.
	InteriorCoverer *s2.RegionCoverer

	// ExteriorCoverer generates the candidate cells around the edges.
	ExteriorCoverer *s2.RegionCoverer
}

// DefaultOptions returns coverer levels suited to per source in memory
// indexes.
func DefaultOptions() Options {
	return Options{
		InteriorCoverer: &s2.RegionCoverer{MinLevel: 10, MaxLevel: 16, MaxCells: 24},
		ExteriorCoverer: &s2.RegionCoverer{MinLevel: 10, MaxLevel: 15, MaxCells: 16},
	}
}

// polygonRef ties an indexed cell back to its feature, the loop backs
// the exact test for candidate cells.
type polygonRef struct {
	feature int
	loop    *s2.Loop
}

// Index using insidetree
type Index struct {
	itree *insidetree.Tree
	otree *insidetree.Tree

	features []*geojson.Feature

	opts Options
}

func New(opts Options) *Index {
	if opts.InteriorCoverer == nil {
		opts.InteriorCoverer = DefaultOptions().InteriorCoverer
	}
	if opts.ExteriorCoverer == nil {
		opts.ExteriorCoverer = DefaultOptions().ExteriorCoverer
	}
	return &Index{
		itree: insidetree.NewTree(),
		otree: insidetree.NewTree(),
		opts:  opts,
	}
}

// NewFromCollection indexes every polygon feature of fc. Features with
// other geometries are left out, a feature whose cover fails aborts the
// build.
func NewFromCollection(fc *geojson.FeatureCollection, opts Options) (*Index, error) {
	idx := New(opts)
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		if err := idx.Add(f); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Add indexes one polygon or multipolygon feature. Other geometries are
// ignored.
func (idx *Index) Add(f *geojson.Feature) error {
	switch f.Geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil
	}

	cellsIn, cellsOut, err := geotile.CoverGeometry(f.Geometry, idx.opts.InteriorCoverer, idx.opts.ExteriorCoverer)
	if err != nil {
		return err
	}

	fi := len(idx.features)
	idx.features = append(idx.features, f)

	loops := loopsFromGeometry(f.Geometry)
	for i, cu := range cellsIn {
		ref := polygonRef{feature: fi, loop: loops[i]}
		for _, c := range cu {
			idx.itree.Index(c, ref)
		}
	}
	for i, cu := range cellsOut {
		ref := polygonRef{feature: fi, loop: loops[i]}
		for _, c := range cu {
			idx.otree.Index(c, ref)
		}
	}
	return nil
}

// Stab returns the features containing lat lng. Hits from the interior
// cells are trusted, candidates from the exterior cells pass an exact
// point in loop test.
func (idx *Index) Stab(lat, lng float64) ([]*geojson.Feature, error) {
	p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng))
	c := geotile.CellFromLatLng(lat, lng)

	var found []*geojson.Feature
	seen := make(map[int]struct{})

	res := idx.itree.Stab(c)
	for _, r := range res {
		ref := r.(polygonRef)
		if _, ok := seen[ref.feature]; ok {
			continue
		}
		seen[ref.feature] = struct{}{}
		found = append(found, idx.features[ref.feature])
	}

	if idx.opts.StopOnInsideFound && len(found) > 0 {
		return found, nil
	}

	for _, r := range idx.otree.Stab(c) {
		ref := r.(polygonRef)
		if _, ok := seen[ref.feature]; ok {
			continue
		}
		if !ref.loop.ContainsPoint(p) {
			continue
		}
		seen[ref.feature] = struct{}{}
		found = append(found, idx.features[ref.feature])
	}

	return found, nil
}

// FeatureCount returns how many features were indexed.
func (idx *Index) FeatureCount() int {
	return len(idx.features)
}

// loopsFromGeometry builds the outer ring loops aligned with the cover
// slices of CoverGeometry.
func loopsFromGeometry(g orb.Geometry) []*s2.Loop {
	switch rg := g.(type) {
	case orb.Polygon:
		return []*s2.Loop{geotile.LoopFromRing(rg[0])}
	case orb.MultiPolygon:
		loops := make([]*s2.Loop, len(rg))
		for i, p := range rg {
			loops[i] = geotile.LoopFromRing(p[0])
		}
		return loops
	}
	return nil
}
