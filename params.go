package geotile

import (
	"encoding/json"
)

const (
	// DefaultMaxZoom caps tile queries for sources that don't set one.
	DefaultMaxZoom = 18

	// DefaultLayerName names the encoded MVT layer when the load
	// request leaves it empty.
	DefaultLayerName = "features"
)

// LoadParams describes one source load request.
// Exactly one of URL and Data provides the payload; URL wins when both
// are set.
type LoadParams struct {
	// Source identifies the source in the registry.
	Source string `json:"source"`

	// URL to fetch GeoJSON from.
	URL string `json:"url,omitempty"`

	// Data is an inline GeoJSON payload, either an object or a string
	// holding JSON encoded a second time.
	Data json.RawMessage `json:"data,omitempty"`

	// Cluster selects the clustered index instead of the tiled one.
	Cluster bool `json:"cluster,omitempty"`

	// MaxZoom caps the zoom used to answer tile queries, DefaultMaxZoom
	// when nil.
	MaxZoom *int `json:"maxZoom,omitempty"`

	// Layer names the encoded MVT layer.
	Layer string `json:"layer,omitempty"`

	// Within also builds a point lookup index over the source polygons.
	// Ignored for clustered sources.
	Within bool `json:"within,omitempty"`

	// Persist writes the source through to the store so it survives a
	// restart.
	Persist bool `json:"persist,omitempty"`

	SuperclusterOptions *ClusterOptions `json:"superclusterOptions,omitempty"`
	GeoJSONVTOptions    *TileOptions    `json:"geojsonVtOptions,omitempty"`
}

// MaxZoomOrDefault resolves the query zoom cap.
func (p *LoadParams) MaxZoomOrDefault() int {
	if p.MaxZoom != nil {
		return *p.MaxZoom
	}
	return DefaultMaxZoom
}

// LayerName resolves the MVT layer name.
func (p *LoadParams) LayerName() string {
	if p.Layer != "" {
		return p.Layer
	}
	return DefaultLayerName
}

// ClusterOptions tunes the clustered index. Fields whose zero value is
// meaningful are pointers so an explicit 0 survives decoding.
type ClusterOptions struct {
	// MinZoom is the shallowest zoom clusters are generated for.
	MinZoom int `json:"minZoom,omitempty"`

	// MaxZoom is the deepest zoom clusters are generated for; past it
	// queries return the raw points. Defaults to the source max zoom
	// minus one.
	MaxZoom *int `json:"maxZoom,omitempty"`

	// Radius is the cluster radius in extent units.
	Radius float64 `json:"radius,omitempty"`

	// Extent is the tile extent the radius is relative to.
	Extent int `json:"extent,omitempty"`

	// NodeSize is the kd-tree node size.
	NodeSize int `json:"nodeSize,omitempty"`

	// MinPoints is the minimum number of points to form a cluster.
	MinPoints int `json:"minPoints,omitempty"`

	// Aggregates maps a destination property to [operation, source
	// property]. It is consumed here and never forwarded to the
	// clustering stage as an option.
	Aggregates map[string][]string `json:"aggregates,omitempty"`
}

// TileOptions tunes the tiled index.
type TileOptions struct {
	// MaxZoom is the deepest zoom tiles are sliced for. Defaults to the
	// source max zoom.
	MaxZoom *int `json:"maxZoom,omitempty"`

	// IndexMaxZoom is the deepest zoom sliced eagerly at build time.
	IndexMaxZoom int `json:"indexMaxZoom,omitempty"`

	// Buffer around each tile in extent units.
	Buffer *int `json:"buffer,omitempty"`

	// Tolerance is the simplification tolerance in extent units, 0
	// disables simplification.
	Tolerance *float64 `json:"tolerance,omitempty"`

	// Extent of a tile in integer units.
	Extent int `json:"extent,omitempty"`
}
