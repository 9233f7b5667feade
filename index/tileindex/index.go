// Package tileindex slices a feature collection into tile feature sets
// on demand: select by bounds, simplify for the zoom, clip to the
// buffered tile. Sliced tiles are cached so repeated queries for the
// same tile are cheap.
package tileindex

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Options tunes the slicing.
type Options struct {
	// MaxZoom is the deepest zoom detail is preserved for. Queries past
	// it are answered at full detail.
	MaxZoom int

	// IndexMaxZoom is the deepest zoom sliced eagerly at build time.
	IndexMaxZoom int

	// Buffer around each tile in extent units.
	Buffer int

	// Tolerance is the simplification tolerance in extent units, 0
	// disables simplification.
	Tolerance float64

	// Extent of a tile in integer units.
	Extent int
}

// DefaultOptions returns the options applied when nothing overrides
// them.
func DefaultOptions() Options {
	return Options{
		MaxZoom:      14,
		IndexMaxZoom: 5,
		Buffer:       64,
		Tolerance:    3,
		Extent:       4096,
	}
}

// Index holds the source features with precomputed bounds and a cache
// of sliced tiles. It is safe for concurrent queries.
type Index struct {
	opts Options

	features []*geojson.Feature
	bounds   []orb.Bound
	bound    orb.Bound

	mu    sync.Mutex
	tiles map[maptile.Tile]*geojson.FeatureCollection
}

// New indexes the collection. Features keep their geometries untouched,
// slicing clones before mutating. Tiles up to IndexMaxZoom covering the
// data are sliced eagerly.
func New(fc *geojson.FeatureCollection, opts Options) *Index {
	idx := &Index{
		opts:  opts,
		tiles: make(map[maptile.Tile]*geojson.FeatureCollection),
	}

	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bound()
		if len(idx.features) == 0 {
			idx.bound = b
		} else {
			idx.bound = idx.bound.Union(b)
		}
		idx.features = append(idx.features, f)
		idx.bounds = append(idx.bounds, b)
	}

	for z := 0; z <= opts.IndexMaxZoom && len(idx.features) > 0; z++ {
		for _, t := range tilesInBound(idx.bound, maptile.Zoom(z)) {
			_, _ = idx.GetTile(uint32(t.Z), t.X, t.Y)
		}
	}

	return idx
}

// GetTile returns the tile's features in lon lat coordinates, nil for
// an empty tile.
func (idx *Index) GetTile(z, x, y uint32) (*geojson.FeatureCollection, error) {
	if len(idx.features) == 0 {
		return nil, nil
	}
	dim := uint64(1) << z
	if uint64(x) >= dim || uint64(y) >= dim {
		return nil, nil
	}
	t := maptile.New(x, y, maptile.Zoom(z))

	idx.mu.Lock()
	fc, ok := idx.tiles[t]
	idx.mu.Unlock()
	if ok {
		return fc, nil
	}

	fc = idx.sliceTile(t)

	idx.mu.Lock()
	idx.tiles[t] = fc
	idx.mu.Unlock()

	return fc, nil
}

// FeatureCount returns how many features were indexed.
func (idx *Index) FeatureCount() int {
	return len(idx.features)
}

func (idx *Index) sliceTile(t maptile.Tile) *geojson.FeatureCollection {
	bound := bufferedBound(t, idx.opts.Buffer, idx.opts.Extent)
	eps := idx.simplifyEpsilon(t)

	var simplifier *simplify.DouglasPeuckerSimplifier
	if eps > 0 {
		simplifier = simplify.DouglasPeucker(eps)
	}

	var feats []*geojson.Feature
	for i, f := range idx.features {
		if !idx.bounds[i].Intersects(bound) {
			continue
		}
		if !geometryIntersectsBound(f.Geometry, bound) {
			continue
		}

		// simplify and clip mutate, work on a copy
		g := cloneGeometry(f.Geometry)
		if g == nil {
			continue
		}
		if simplifier != nil {
			g = simplifier.Simplify(g)
		}
		if g == nil {
			continue
		}
		g = clip.Geometry(bound, g)
		if g == nil {
			continue
		}

		nf := geojson.NewFeature(g)
		nf.ID = f.ID
		nf.Properties = f.Properties.Clone()
		feats = append(feats, nf)
	}

	if len(feats) == 0 {
		return nil
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = feats
	return fc
}

// simplifyEpsilon converts the extent unit tolerance into degrees at
// the tile's span. Full detail is kept from MaxZoom on.
func (idx *Index) simplifyEpsilon(t maptile.Tile) float64 {
	if idx.opts.Tolerance <= 0 || int(t.Z) >= idx.opts.MaxZoom {
		return 0
	}
	tb := t.Bound()
	span := tb.Max[0] - tb.Min[0]
	return idx.opts.Tolerance / float64(idx.opts.Extent) * span
}

// bufferedBound pads the tile bound by buffer extent units on each
// side.
func bufferedBound(t maptile.Tile, buffer, extent int) orb.Bound {
	tb := t.Bound()
	pad := float64(buffer) / float64(extent)
	dx := (tb.Max[0] - tb.Min[0]) * pad
	dy := (tb.Max[1] - tb.Min[1]) * pad
	return orb.Bound{
		Min: orb.Point{tb.Min[0] - dx, tb.Min[1] - dy},
		Max: orb.Point{tb.Max[0] + dx, tb.Max[1] + dy},
	}
}

// geometryIntersectsBound settles what a bounding box overlap only
// suggests. The polygon case also catches a polygon fully containing
// the bound.
func geometryIntersectsBound(geom orb.Geometry, bound orb.Bound) bool {
	if !geom.Bound().Intersects(bound) {
		return false
	}

	switch g := geom.(type) {
	case orb.Point:
		return bound.Contains(g)

	case orb.MultiPoint:
		for _, p := range g {
			if bound.Contains(p) {
				return true
			}
		}
		return false

	case orb.Polygon:
		for _, ring := range g {
			for _, p := range ring {
				if bound.Contains(p) {
					return true
				}
			}
		}
		for _, p := range boundCorners(bound) {
			if planar.PolygonContains(g, p) {
				return true
			}
		}
		return planar.PolygonContains(g, bound.Center())

	case orb.MultiPolygon:
		for _, poly := range g {
			if geometryIntersectsBound(poly, bound) {
				return true
			}
		}
		return false

	case orb.LineString:
		for _, p := range g {
			if bound.Contains(p) {
				return true
			}
		}
		// overlapping boxes with no vertex inside, assume a crossing
		return true

	case orb.MultiLineString:
		for _, ls := range g {
			if geometryIntersectsBound(ls, bound) {
				return true
			}
		}
		return false

	case orb.Collection:
		for _, sub := range g {
			if geometryIntersectsBound(sub, bound) {
				return true
			}
		}
		return false

	default:
		return true
	}
}

func boundCorners(b orb.Bound) []orb.Point {
	return []orb.Point{
		b.Min,
		{b.Max[0], b.Min[1]},
		b.Max,
		{b.Min[0], b.Max[1]},
	}
}

// tilesInBound returns the tiles at a zoom whose bounds overlap b.
func tilesInBound(b orb.Bound, zoom maptile.Zoom) []maptile.Tile {
	minTile := maptile.At(b.Min, zoom)
	maxTile := maptile.At(b.Max, zoom)

	minX, maxX := minTile.X, maxTile.X
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := minTile.Y, maxTile.Y
	if minY > maxY {
		minY, maxY = maxY, minY
	}

	var tiles []maptile.Tile
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			tiles = append(tiles, maptile.New(x, y, zoom))
		}
	}
	return tiles
}

// cloneGeometry deep copies a geometry so slicing can mutate freely.
func cloneGeometry(g orb.Geometry) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		return geom

	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(geom))
		copy(out, geom)
		return out

	case orb.LineString:
		out := make(orb.LineString, len(geom))
		copy(out, geom)
		return out

	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(geom))
		for i, ls := range geom {
			cls := make(orb.LineString, len(ls))
			copy(cls, ls)
			out[i] = cls
		}
		return out

	case orb.Ring:
		out := make(orb.Ring, len(geom))
		copy(out, geom)
		return out

	case orb.Polygon:
		out := make(orb.Polygon, len(geom))
		for i, r := range geom {
			cr := make(orb.Ring, len(r))
			copy(cr, r)
			out[i] = cr
		}
		return out

	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, p := range geom {
			out[i] = cloneGeometry(p).(orb.Polygon)
		}
		return out

	case orb.Collection:
		out := make(orb.Collection, len(geom))
		for i, sub := range geom {
			out[i] = cloneGeometry(sub)
		}
		return out

	default:
		return nil
	}
}
