// Package loader turns a load request into queryable indexes: resolve
// the payload from a URL or the inline data, parse it into a feature
// collection, normalize ring winding and build the index the request
// asks for.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"github.com/redbmk/geotile"
	"github.com/redbmk/geotile/index/clusterindex"
	"github.com/redbmk/geotile/index/tileindex"
	"github.com/redbmk/geotile/index/treeindex"
)

// Loader fetches and indexes sources.
type Loader struct {
	client *http.Client
	logger log.Logger
}

// New returns a Loader using client for URL payloads, a default client
// with a timeout when nil.
func New(client *http.Client, logger log.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "loader")

	return &Loader{client: client, logger: logger}
}

// Result of one load.
type Result struct {
	// Index answers tile queries for the source.
	Index geotile.Index

	// Stab answers point lookups, nil unless the request asked for them.
	Stab geotile.StabIndex

	// Collection is the parsed data the indexes were built from.
	Collection *geojson.FeatureCollection

	// Raw is the payload as resolved, before any decoding.
	Raw []byte
}

// Load resolves the payload and builds the indexes. The context bounds
// the fetch, building is CPU bound and runs to completion.
func (l *Loader) Load(ctx context.Context, params geotile.LoadParams) (*Result, error) {
	raw, err := l.resolve(ctx, params)
	if err != nil {
		return nil, err
	}

	fc, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	geotile.Rewind(fc)

	idx, err := buildIndex(fc, params)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Index:      idx,
		Collection: fc,
		Raw:        raw,
	}

	if params.Within && !params.Cluster {
		stab, err := treeindex.NewFromCollection(fc, treeindex.DefaultOptions())
		if err != nil {
			return nil, errors.Wrap(err, "building point lookup index")
		}
		res.Stab = stab
	}

	level.Debug(l.logger).Log("msg", "loaded source",
		"source", params.Source,
		"features", len(fc.Features),
		"cluster", params.Cluster)

	return res, nil
}

// resolve returns the payload bytes. A URL wins over inline data;
// inline data holding a JSON string is decoded once more.
func (l *Loader) resolve(ctx context.Context, params geotile.LoadParams) ([]byte, error) {
	if params.URL != "" {
		return l.fetch(ctx, params.URL)
	}

	data := bytes.TrimSpace(params.Data)
	if len(data) == 0 {
		return nil, geotile.ErrInvalidInput
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, geotile.ErrInvalidInput
		}
		data = []byte(s)
	}
	return data, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting %s", url)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", url)
	}
	return body, nil
}

// Parse decodes a GeoJSON payload. A bare Feature or geometry is
// wrapped into a collection.
func Parse(data []byte) (*geojson.FeatureCollection, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, geotile.ErrInvalidInput
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, geotile.ErrInvalidInput
		}
		return fc, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, geotile.ErrInvalidInput
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(f)
		return fc, nil
	case "Point", "MultiPoint", "LineString", "MultiLineString",
		"Polygon", "MultiPolygon", "GeometryCollection":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, geotile.ErrInvalidInput
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(geojson.NewFeature(g.Geometry()))
		return fc, nil
	}
	return nil, geotile.ErrInvalidInput
}

// buildIndex maps the request onto the index options, filling what the
// request leaves out from the defaults and the source max zoom.
func buildIndex(fc *geojson.FeatureCollection, params geotile.LoadParams) (geotile.Index, error) {
	if params.Cluster {
		opts := clusterindex.DefaultOptions()
		opts.MaxZoom = params.MaxZoomOrDefault() - 1

		var aggregates map[string][]string
		if co := params.SuperclusterOptions; co != nil {
			if co.MaxZoom != nil {
				opts.MaxZoom = *co.MaxZoom
			}
			if co.MinZoom > 0 {
				opts.MinZoom = co.MinZoom
			}
			if co.Radius > 0 {
				opts.Radius = co.Radius
			}
			if co.Extent > 0 {
				opts.Extent = co.Extent
			}
			if co.NodeSize > 0 {
				opts.NodeSize = co.NodeSize
			}
			if co.MinPoints > 0 {
				opts.MinPoints = co.MinPoints
			}
			aggregates = co.Aggregates
		}

		acc, err := geotile.NewAccumulator(aggregates)
		if err != nil {
			return nil, err
		}
		opts.Accumulator = acc

		return clusterindex.New(fc, opts), nil
	}

	opts := tileindex.DefaultOptions()
	opts.MaxZoom = params.MaxZoomOrDefault()
	if to := params.GeoJSONVTOptions; to != nil {
		if to.MaxZoom != nil {
			opts.MaxZoom = *to.MaxZoom
		}
		if to.IndexMaxZoom > 0 {
			opts.IndexMaxZoom = to.IndexMaxZoom
		}
		if to.Buffer != nil {
			opts.Buffer = *to.Buffer
		}
		if to.Tolerance != nil {
			opts.Tolerance = *to.Tolerance
		}
		if to.Extent > 0 {
			opts.Extent = to.Extent
		}
	}
	return tileindex.New(fc, opts), nil
}
