package geotile

import (
	"github.com/paulmach/orb/geojson"
)

// Index answers tile queries for one loaded source.
// Implementations are read-only after construction and safe for
// concurrent queries.
type Index interface {
	// GetTile returns the features falling into tile z/x/y in lon lat
	// coordinates, nil when the tile holds none. An empty tile is not
	// an error.
	GetTile(z, x, y uint32) (*geojson.FeatureCollection, error)
}

// ClusterIndex is implemented by indexes built with clustering enabled.
type ClusterIndex interface {
	Index

	// GetClusterExpansionZoom returns the zoom at which the cluster
	// first breaks apart.
	GetClusterExpansionZoom(clusterID int) (int, error)

	// GetChildren returns the direct children of a cluster, points or
	// sub clusters.
	GetChildren(clusterID int) ([]*geojson.Feature, error)

	// GetLeaves pages through the raw points under a cluster.
	GetLeaves(clusterID int, limit, offset int) ([]*geojson.Feature, error)
}

// StabIndex is implemented by indexes answering point lookups.
type StabIndex interface {
	// Stab returns the features containing lat lng
	Stab(lat, lng float64) ([]*geojson.Feature, error)
}
