package geotile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Rewind normalizes ring winding in place over a whole collection:
// outer rings counter clockwise, holes clockwise, following RFC 7946.
// The tiling and clustering stages assume normalized input.
func Rewind(fc *geojson.FeatureCollection) {
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		f.Geometry = RewindGeometry(f.Geometry)
	}
}

// RewindGeometry normalizes one geometry, recursing into collections.
// Non area geometries pass through untouched.
func RewindGeometry(g orb.Geometry) orb.Geometry {
	switch geo := g.(type) {
	case orb.Polygon:
		rewindPolygon(geo)
	case orb.MultiPolygon:
		for _, p := range geo {
			rewindPolygon(p)
		}
	case orb.Collection:
		for i, sub := range geo {
			geo[i] = RewindGeometry(sub)
		}
	}
	return g
}

func rewindPolygon(p orb.Polygon) {
	for i, r := range p {
		want := orb.CCW
		if i > 0 {
			want = orb.CW
		}
		if r.Orientation() != want {
			r.Reverse()
		}
	}
}
