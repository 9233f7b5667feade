package geotile

import (
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// CoverGeometry generates the s2 covers of every polygon in g: the
// interior cover holds cells certainly inside, the outer cover holds
// candidate cells needing an exact point in polygon check. Only the
// outer ring of each polygon is covered. The two slices are aligned
// with the polygon order of the geometry.
func CoverGeometry(g orb.Geometry, icoverer, ocoverer *s2.RegionCoverer) ([]s2.CellUnion, []s2.CellUnion, error) {
	if g == nil {
		return nil, nil, errors.New("invalid geometry")
	}
	var in, out []s2.CellUnion

	switch rg := g.(type) {
	case orb.Polygon:
		cin, cout, err := coverPolygon(rg, icoverer, ocoverer)
		if err != nil {
			return nil, nil, errors.Wrap(err, "can't cover polygon")
		}
		in = append(in, cin)
		out = append(out, cout)
	case orb.MultiPolygon:
		for _, p := range rg {
			cin, cout, err := coverPolygon(p, icoverer, ocoverer)
			if err != nil {
				return nil, nil, errors.Wrap(err, "can't cover polygon")
			}
			in = append(in, cin)
			out = append(out, cout)
		}
	default:
		return nil, nil, errors.New("unsupported data type")
	}

	return in, out, nil
}

// coverPolygon covers the outer ring of one polygon.
func coverPolygon(p orb.Polygon, icoverer, ocoverer *s2.RegionCoverer) (s2.CellUnion, s2.CellUnion, error) {
	if len(p) == 0 || len(p[0]) < 4 {
		return nil, nil, errors.New("invalid polygon not enough coordinates for a closed ring")
	}
	l := LoopFromRing(p[0])
	if l == nil || l.IsEmpty() || l.IsFull() || l.ContainsOrigin() {
		return nil, nil, errors.New("invalid polygon")
	}
	return icoverer.InteriorCovering(l), ocoverer.Covering(l), nil
}

// LoopFromRing creates an s2 loop from a closed lng lat ring.
func LoopFromRing(r orb.Ring) *s2.Loop {
	if len(r) < 4 {
		return nil
	}
	pts := r
	if pts[0] == pts[len(pts)-1] {
		// the loop is implicitly closed
		pts = pts[:len(pts)-1]
	}
	points := make([]s2.Point, len(pts))
	for i, c := range pts {
		points[i] = s2.PointFromLatLng(s2.LatLngFromDegrees(c[1], c[0]))
	}
	return s2.LoopFromPoints(points)
}

// CellFromLatLng returns the leaf cell containing lat lng.
func CellFromLatLng(lat, lng float64) s2.CellID {
	return s2.CellFromPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng))).ID()
}
