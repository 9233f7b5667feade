package server

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	slog "github.com/opentracing/opentracing-go/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/redbmk/geotile"
)

// GetTile returns the features of a source falling into tile z/x/y in
// lon lat coordinates. An unknown source and an empty tile both return
// nil without an error. The zoom is capped at the source max zoom, x
// and y pass through so an out of range address comes back empty.
func (s *Server) GetTile(ctx context.Context, sourceID string, z, x, y uint32) (*geojson.FeatureCollection, error) {
	src := s.registry.Get(sourceID)
	if src == nil {
		return nil, nil
	}

	return src.Index.GetTile(s.clampZoom(src, z), x, y)
}

// EncodeTile returns the tile of a source encoded as a gzipped MVT,
// nil when the tile is empty. Encoded tiles are cached per source
// generation so a reload never serves stale tiles.
func (s *Server) EncodeTile(ctx context.Context, sourceID string, z, x, y uint32) ([]byte, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "EncodeTile")
	defer span.Finish()

	span.LogFields(
		slog.String("source", sourceID),
		slog.Uint32("z", z),
		slog.Uint32("x", x),
		slog.Uint32("y", y),
	)

	src := s.registry.Get(sourceID)
	if src == nil {
		return nil, nil
	}

	zq := s.clampZoom(src, z)

	key := fmt.Sprintf("%s/%d/%d/%d/%d", src.ID, src.Generation, zq, x, y)
	if s.cache != nil {
		if v, found := s.cache.Get(key); found {
			tileHitCounter.Inc()
			return v.([]byte), nil
		}
	}

	fc, err := src.Index.GetTile(zq, x, y)
	if err != nil {
		errorCounter.Inc()
		return nil, err
	}
	if fc == nil || len(fc.Features) == 0 {
		return nil, nil
	}

	data, err := encodeTile(src.Layer, fc, zq, x, y)
	if err != nil {
		errorCounter.Inc()
		return nil, err
	}

	if s.cache != nil && len(data) > 0 {
		s.cache.Set(key, data, int64(len(data)))
		tileMissCounter.Inc()
	}

	return data, nil
}

func (s *Server) clampZoom(src *geotile.Source, z uint32) uint32 {
	if z > uint32(src.MaxZoom) {
		return uint32(src.MaxZoom)
	}
	return z
}

// encodeTile projects the features into tile coordinates and marshals
// them as one gzipped MVT layer. Projection mutates geometries, so the
// features are cloned first and the index keeps its lon lat originals.
func encodeTile(layerName string, fc *geojson.FeatureCollection, z, x, y uint32) ([]byte, error) {
	lfc := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		nf := geojson.NewFeature(orb.Clone(f.Geometry))
		nf.ID = f.ID
		nf.Properties = f.Properties
		lfc.Append(nf)
	}

	layer := mvt.NewLayer(layerName, lfc)
	layer.ProjectToTile(maptile.New(x, y, maptile.Zoom(z)))
	layer.RemoveEmpty(1.0, 1.0)

	if len(layer.Features) == 0 {
		return nil, nil
	}

	return mvt.MarshalGzipped(mvt.Layers{layer})
}
