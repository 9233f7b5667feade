// Package clusterindex groups point features into zoom dependent
// clusters. One kd-tree per zoom backs the spatial queries; clusters
// carry point counts and optionally aggregated properties merged by an
// accumulator at every merge event.
package clusterindex

import (
	"fmt"
	"math"

	"github.com/MadAppGang/kdbush"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"github.com/redbmk/geotile"
)

// Cluster features expose these properties, clients key off the names.
const (
	PropCluster          = "cluster"
	PropClusterID        = "cluster_id"
	PropPointCount       = "point_count"
	PropPointCountAbbrev = "point_count_abbreviated"
)

// ErrNoCluster is returned for ids that do not name a live cluster.
var ErrNoCluster = errors.New("no cluster with the specified id")

// zoom assigned to nodes not absorbed yet
const infinityZoom = 1 << 30

// Options tunes the clustering.
type Options struct {
	// MinZoom is the shallowest zoom clusters are generated for.
	MinZoom int

	// MaxZoom is the deepest zoom clusters are generated for; past it
	// queries return the raw points.
	MaxZoom int

	// Radius is the cluster radius in extent units.
	Radius float64

	// Extent is the tile extent the radius is relative to.
	Extent int

	// NodeSize is the kd-tree node size.
	NodeSize int

	// MinPoints is the minimum number of points to form a cluster.
	MinPoints int

	// Accumulator merges aggregated properties on every merge event,
	// nil disables property aggregation.
	Accumulator *geotile.Accumulator
}

// DefaultOptions returns the options applied when nothing overrides
// them.
func DefaultOptions() Options {
	return Options{
		MinZoom:   0,
		MaxZoom:   16,
		Radius:    40,
		Extent:    512,
		NodeSize:  64,
		MinPoints: 2,
	}
}

// normalizeOptions guards the fields the math divides by and keeps the
// zooms inside the 5 bits the cluster id encoding reserves. An explicit
// zero MinZoom or MaxZoom is meaningful and kept.
func normalizeOptions(opts Options) Options {
	if opts.Extent <= 0 {
		opts.Extent = 512
	}
	if opts.NodeSize <= 0 {
		opts.NodeSize = 64
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = 2
	}
	if opts.Radius < 0 {
		opts.Radius = 40
	}
	if opts.MaxZoom < 0 {
		opts.MaxZoom = 0
	}
	if opts.MaxZoom > 24 {
		opts.MaxZoom = 24
	}
	if opts.MinZoom < 0 {
		opts.MinZoom = 0
	}
	if opts.MinZoom > opts.MaxZoom {
		opts.MinZoom = opts.MaxZoom
	}
	return opts
}

// node is one entry in a zoom tree: a raw point or a cluster of them.
type node struct {
	x, y      float64 // spherical mercator in the unit square
	zoom      int     // zoom the node was absorbed at
	id        int     // feature index for points, encoded id for clusters
	numPoints int
	parentID  int // cluster that absorbed this node, -1 when none
	props     geojson.Properties
}

func (n *node) Coordinates() (float64, float64) { return n.x, n.y }

func (n *node) NumPoints() int { return n.numPoints }

func (n *node) Properties() geojson.Properties { return n.props }

// Index holds the cluster hierarchy of one source. Read-only after New,
// safe for concurrent queries.
type Index struct {
	opts Options

	// trees[z] answers queries at zoom z; trees[MaxZoom+1] holds the
	// raw points.
	trees []*kdbush.KDBush

	features []*geojson.Feature
}

// New builds the cluster hierarchy bottom-up. Only point features
// participate, everything else is skipped.
func New(fc *geojson.FeatureCollection, opts Options) *Index {
	opts = normalizeOptions(opts)
	idx := &Index{opts: opts}

	var nodes []*node
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		x, y := project(p)
		nodes = append(nodes, &node{
			x:         x,
			y:         y,
			zoom:      infinityZoom,
			id:        len(idx.features),
			numPoints: 1,
			parentID:  -1,
			props:     f.Properties,
		})
		idx.features = append(idx.features, f)
	}

	if len(idx.features) == 0 {
		return idx
	}

	idx.trees = make([]*kdbush.KDBush, opts.MaxZoom+2)
	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		idx.trees[z+1] = kdbush.NewBush(bushPoints(nodes), opts.NodeSize)
		nodes = idx.clusterZoom(nodes, z)
	}
	idx.trees[opts.MinZoom] = kdbush.NewBush(bushPoints(nodes), opts.NodeSize)

	return idx
}

// clusterZoom folds the nodes visible at zoom+1 into the clusters
// visible at zoom.
func (idx *Index) clusterZoom(points []*node, zoom int) []*node {
	result := make([]*node, 0, len(points))
	r := idx.opts.Radius / (float64(idx.opts.Extent) * float64(uint64(1)<<uint(zoom)))
	tree := idx.trees[zoom+1]

	for pi, p := range points {
		// visited while absorbing an earlier point at this zoom
		if p.zoom <= zoom {
			continue
		}
		p.zoom = zoom

		neighborIDs := tree.Within(&kdbush.SimplePoint{X: p.x, Y: p.y}, r)

		numPoints := p.numPoints
		for _, nid := range neighborIDs {
			b := points[nid]
			if b.zoom > zoom {
				numPoints += b.numPoints
			}
		}

		if numPoints <= p.numPoints || numPoints < idx.opts.MinPoints {
			result = append(result, p)
			continue
		}

		// encode the seed position and zoom into the cluster id,
		// offset past the feature ids
		id := (pi << 5) + (zoom + 1) + len(idx.features)

		wx := p.x * float64(p.numPoints)
		wy := p.y * float64(p.numPoints)

		acc := idx.opts.Accumulator
		merged := geotile.ClusterNode(p)
		mergedPoints := p.numPoints
		var props geojson.Properties

		for _, nid := range neighborIDs {
			b := points[nid]
			if b.zoom <= zoom {
				continue
			}
			b.zoom = zoom
			b.parentID = id

			wx += b.x * float64(b.numPoints)
			wy += b.y * float64(b.numPoints)

			if acc != nil {
				props = acc.Reduce(merged, b)
				mergedPoints += b.numPoints
				merged = &node{numPoints: mergedPoints, props: props}
			}
		}
		p.parentID = id

		result = append(result, &node{
			x:         wx / float64(numPoints),
			y:         wy / float64(numPoints),
			zoom:      infinityZoom,
			id:        id,
			numPoints: numPoints,
			parentID:  -1,
			props:     props,
		})
	}

	return result
}

// GetTile returns the clusters and points inside tile z/x/y in lon lat
// coordinates, nil for an empty tile. Edge tiles include the wrapped
// copies from across the antimeridian.
func (idx *Index) GetTile(z, x, y uint32) (*geojson.FeatureCollection, error) {
	if len(idx.features) == 0 {
		return nil, nil
	}

	tree := idx.trees[idx.limitZoom(int(z))]
	z2 := float64(uint64(1) << z)
	p := idx.opts.Radius / float64(idx.opts.Extent)
	top := (float64(y) - p) / z2
	bottom := (float64(y) + 1 + p) / z2

	var feats []*geojson.Feature
	collect := func(ids []int, lonShift float64) {
		for _, nid := range ids {
			f := idx.nodeFeature(tree.Points[nid].(*node))
			if lonShift != 0 {
				pt := f.Geometry.(orb.Point)
				f.Geometry = orb.Point{pt[0] + lonShift, pt[1]}
			}
			feats = append(feats, f)
		}
	}

	collect(tree.Range((float64(x)-p)/z2, top, (float64(x)+1+p)/z2, bottom), 0)
	// edge tiles see across the antimeridian, shift the copies over
	if x == 0 {
		collect(tree.Range(1-p/z2, top, 1, bottom), -360)
	}
	if float64(x) == z2-1 {
		collect(tree.Range(0, top, p/z2, bottom), 360)
	}

	if len(feats) == 0 {
		return nil, nil
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = feats
	return fc, nil
}

// GetClusterExpansionZoom returns the zoom at which the cluster first
// breaks into more than one node.
func (idx *Index) GetClusterExpansionZoom(clusterID int) (int, error) {
	expansionZoom := idx.originZoom(clusterID) - 1
	for {
		children, err := idx.childNodes(clusterID)
		if err != nil {
			return 0, err
		}
		expansionZoom++
		if expansionZoom > idx.opts.MaxZoom || len(children) != 1 {
			break
		}
		only := children[0]
		if only.numPoints == 1 {
			break
		}
		clusterID = only.id
	}
	return expansionZoom, nil
}

// GetChildren returns the nodes a cluster splits into at its origin
// zoom.
func (idx *Index) GetChildren(clusterID int) ([]*geojson.Feature, error) {
	children, err := idx.childNodes(clusterID)
	if err != nil {
		return nil, err
	}
	out := make([]*geojson.Feature, len(children))
	for i, c := range children {
		out[i] = idx.nodeFeature(c)
	}
	return out, nil
}

// GetLeaves pages through the raw points under a cluster. limit
// defaults to 10.
func (idx *Index) GetLeaves(clusterID int, limit, offset int) ([]*geojson.Feature, error) {
	if limit <= 0 {
		limit = 10
	}
	leaves, _, err := idx.appendLeaves(nil, clusterID, limit, offset, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*geojson.Feature, len(leaves))
	for i, n := range leaves {
		out[i] = idx.nodeFeature(n)
	}
	return out, nil
}

func (idx *Index) appendLeaves(out []*node, clusterID, limit, offset, skipped int) ([]*node, int, error) {
	children, err := idx.childNodes(clusterID)
	if err != nil {
		return nil, 0, err
	}
	for _, c := range children {
		if c.numPoints > 1 {
			if skipped+c.numPoints <= offset {
				// the whole cluster is below the offset
				skipped += c.numPoints
			} else {
				out, skipped, err = idx.appendLeaves(out, c.id, limit, offset, skipped)
				if err != nil {
					return nil, 0, err
				}
			}
		} else if skipped < offset {
			skipped++
		} else {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, skipped, nil
}

func (idx *Index) childNodes(clusterID int) ([]*node, error) {
	originID := (clusterID - len(idx.features)) >> 5
	originZoom := idx.originZoom(clusterID)
	if originZoom < 0 || originZoom >= len(idx.trees) || idx.trees[originZoom] == nil {
		return nil, ErrNoCluster
	}
	tree := idx.trees[originZoom]
	if originID < 0 || originID >= len(tree.Points) {
		return nil, ErrNoCluster
	}
	origin := tree.Points[originID].(*node)

	r := idx.opts.Radius / (float64(idx.opts.Extent) * math.Pow(2, float64(originZoom-1)))
	ids := tree.Within(&kdbush.SimplePoint{X: origin.x, Y: origin.y}, r)

	var children []*node
	for _, nid := range ids {
		c := tree.Points[nid].(*node)
		if c.parentID == clusterID {
			children = append(children, c)
		}
	}
	if len(children) == 0 {
		return nil, ErrNoCluster
	}
	return children, nil
}

// originZoom decodes the zoom the cluster was created at.
func (idx *Index) originZoom(clusterID int) int {
	return (clusterID - len(idx.features)) % 32
}

func (idx *Index) limitZoom(z int) int {
	if z < idx.opts.MinZoom {
		return idx.opts.MinZoom
	}
	if z > idx.opts.MaxZoom {
		return idx.opts.MaxZoom + 1
	}
	return z
}

// nodeFeature materializes a node as a GeoJSON point feature. Raw
// points wrap the original feature's geometry and properties, clusters
// get the bookkeeping properties plus the aggregated ones.
func (idx *Index) nodeFeature(n *node) *geojson.Feature {
	if n.numPoints == 1 {
		src := idx.features[n.id]
		f := geojson.NewFeature(src.Geometry)
		f.ID = src.ID
		f.Properties = src.Properties
		if acc := idx.opts.Accumulator; acc != nil {
			props := src.Properties.Clone()
			for k, v := range acc.Initialize(src.Properties) {
				props[k] = v
			}
			f.Properties = props
		}
		return f
	}

	f := geojson.NewFeature(unproject(n.x, n.y))
	f.ID = n.id
	props := make(geojson.Properties, len(n.props)+4)
	for k, v := range n.props {
		props[k] = v
	}
	props[PropCluster] = true
	props[PropClusterID] = n.id
	props[PropPointCount] = n.numPoints
	props[PropPointCountAbbrev] = abbreviateCount(n.numPoints)
	f.Properties = props
	return f
}

// FeatureCount returns how many point features were indexed.
func (idx *Index) FeatureCount() int {
	return len(idx.features)
}

func abbreviateCount(n int) interface{} {
	switch {
	case n >= 10000:
		return fmt.Sprintf("%dk", int(math.Round(float64(n)/1000)))
	case n >= 1000:
		return fmt.Sprintf("%gk", math.Round(float64(n)/100)/10)
	default:
		return n
	}
}

func bushPoints(nodes []*node) []kdbush.Point {
	pts := make([]kdbush.Point, len(nodes))
	for i, n := range nodes {
		pts[i] = n
	}
	return pts
}

// project converts lon lat to spherical mercator in the unit square.
func project(p orb.Point) (float64, float64) {
	x := p[0]/360 + 0.5
	sin := math.Sin(p[1] * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		y = 0
	}
	if y > 1 {
		y = 1
	}
	return x, y
}

// unproject converts unit square mercator back to lon lat.
func unproject(x, y float64) orb.Point {
	lon := (x - 0.5) * 360
	y2 := (180 - y*360) * math.Pi / 180
	lat := 360*math.Atan(math.Exp(y2))/math.Pi - 90
	return orb.Point{lon, lat}
}
