// Package server exposes loaded sources over HTTP: load and remove
// requests, encoded tile queries, cluster inspection and point lookups.
package server

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/opentracing/opentracing-go"
	slog "github.com/opentracing/opentracing-go/log"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"github.com/redbmk/geotile"
	"github.com/redbmk/geotile/loader"
)

var (
	// ErrSourceNotFound is returned for queries against a source id
	// that is not installed.
	ErrSourceNotFound = errors.New("no source with the specified id")

	// ErrSuperseded is returned when a load finishes after a newer load
	// claimed the same source; the newer result stays installed.
	ErrSuperseded = errors.New("load superseded by a newer request")

	// ErrNotClustered is returned for cluster queries against a source
	// loaded without clustering.
	ErrNotClustered = errors.New("source is not clustered")

	// ErrNoWithinIndex is returned for within queries against a source
	// loaded without the within option.
	ErrNoWithinIndex = errors.New("source has no within index")
)

// Options configures a Server.
type Options struct {
	// TileCacheSize bounds the encoded tile cache in bytes, 0 disables
	// the cache.
	TileCacheSize int64
}

// Server holds the registry of loaded sources and answers queries
// against them. The store is optional, nil disables persistence.
type Server struct {
	registry *geotile.Registry
	store    geotile.Store
	loader   *loader.Loader
	logger   log.Logger
	cache    *ristretto.Cache
	opts     Options
}

func New(store geotile.Store, logger log.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "server")

	s := &Server{
		registry: geotile.NewRegistry(),
		store:    store,
		loader:   loader.New(nil, logger),
		logger:   logger,
		opts:     opts,
	}

	if opts.TileCacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4, // number of keys to track frequency
			MaxCost:     opts.TileCacheSize,
			BufferItems: 64, // number of keys per Get buffer.
		})
		if err != nil {
			return nil, errors.Wrap(err, "creating tile cache")
		}
		s.cache = cache
	}

	return s, nil
}

// LoadData fetches, parses and indexes a source, then installs it in
// the registry. A load that lost the race against a newer load for the
// same source returns ErrSuperseded and installs nothing.
func (s *Server) LoadData(ctx context.Context, params geotile.LoadParams) (*geotile.Source, error) {
	if params.Source == "" {
		return nil, errors.Wrap(geotile.ErrInvalidConfig, "missing source id")
	}

	gen := s.registry.Begin(params.Source)

	res, err := s.loader.Load(ctx, params)
	if err != nil {
		errorCounter.Inc()
		return nil, err
	}

	maxZoom := params.MaxZoomOrDefault()
	if maxZoom < 0 {
		maxZoom = 0
	}
	if maxZoom > 24 {
		maxZoom = 24
	}

	src := &geotile.Source{
		ID:           params.Source,
		Index:        res.Index,
		Stab:         res.Stab,
		MaxZoom:      maxZoom,
		Layer:        params.LayerName(),
		Cluster:      params.Cluster,
		FeatureCount: len(res.Collection.Features),
	}

	if !s.registry.Install(src, gen) {
		level.Debug(s.logger).Log("msg", "dropping superseded load",
			"source", params.Source,
			"generation", gen)

		return nil, ErrSuperseded
	}

	loadCounter.Inc()

	if params.Persist && s.store != nil {
		rec := &geotile.SourceRecord{
			ID:      params.Source,
			Params:  params,
			GeoJSON: res.Raw,
			SavedAt: time.Now(),
		}
		// replays build from the snapshot, never by fetching again
		rec.Params.URL = ""
		rec.Params.Data = nil

		if err := s.store.SaveSource(rec); err != nil {
			errorCounter.Inc()
			level.Error(s.logger).Log("msg", "failed to persist source",
				"source", params.Source,
				"error", err)
		}
	}

	level.Info(s.logger).Log("msg", "installed source",
		"source", src.ID,
		"generation", src.Generation,
		"features", src.FeatureCount,
		"cluster", src.Cluster)

	return src, nil
}

// RemoveSource forgets a source and drops its persisted record. It
// reports whether the source was installed.
func (s *Server) RemoveSource(ctx context.Context, id string) bool {
	ok := s.registry.Remove(id)

	if s.store != nil {
		if err := s.store.DeleteSource(id); err != nil {
			errorCounter.Inc()
			level.Error(s.logger).Log("msg", "failed to delete persisted source",
				"source", id,
				"error", err)
		}
	}

	if ok {
		level.Info(s.logger).Log("msg", "removed source", "source", id)
	}

	return ok
}

// ReplayStore rebuilds every persisted source, typically at boot. A
// source failing to rebuild is logged and skipped so one bad record
// does not block the others.
func (s *Server) ReplayStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	var count int

	err := s.store.LoadAllSources(func(rec *geotile.SourceRecord) error {
		params := rec.Params
		params.Source = rec.ID
		params.Data = rec.GeoJSON
		params.Persist = false

		if _, err := s.LoadData(ctx, params); err != nil {
			errorCounter.Inc()
			level.Error(s.logger).Log("msg", "failed to replay source",
				"source", rec.ID,
				"error", err)

			return nil
		}
		count++

		return nil
	})
	if err != nil {
		return errors.Wrap(err, "replaying persisted sources")
	}

	level.Info(s.logger).Log("msg", "replayed persisted sources", "count", count)

	return nil
}

// Source returns the installed entry for a source, nil when absent.
func (s *Server) Source(id string) *geotile.Source {
	return s.registry.Get(id)
}

// Sources lists the installed sources sorted by id.
func (s *Server) Sources() []*geotile.Source {
	return s.registry.Sources()
}

// Within returns the features of a source containing lat lng.
func (s *Server) Within(ctx context.Context, sourceID string, lat, lng float64) ([]*geojson.Feature, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "Within")
	defer span.Finish()

	span.LogFields(
		slog.String("source", sourceID),
		slog.Float64("lat", lat),
		slog.Float64("lng", lng),
	)

	src := s.registry.Get(sourceID)
	if src == nil {
		return nil, ErrSourceNotFound
	}
	if src.Stab == nil {
		return nil, ErrNoWithinIndex
	}

	feats, err := src.Stab.Stab(lat, lng)
	if err != nil {
		errorCounter.Inc()
		return nil, errors.Wrap(err, "stabbing error")
	}

	level.Debug(s.logger).Log("msg", "querying within",
		"source", sourceID,
		"lat", lat,
		"lng", lng,
		"features", len(feats))

	return feats, nil
}

// GetClusterExpansionZoom returns the zoom at which a cluster of a
// source first breaks apart.
func (s *Server) GetClusterExpansionZoom(sourceID string, clusterID int) (int, error) {
	ci, err := s.clusterIndex(sourceID)
	if err != nil {
		return 0, err
	}

	return ci.GetClusterExpansionZoom(clusterID)
}

// GetClusterChildren returns the direct children of a cluster of a
// source.
func (s *Server) GetClusterChildren(sourceID string, clusterID int) ([]*geojson.Feature, error) {
	ci, err := s.clusterIndex(sourceID)
	if err != nil {
		return nil, err
	}

	return ci.GetChildren(clusterID)
}

// GetClusterLeaves pages through the raw points under a cluster of a
// source.
func (s *Server) GetClusterLeaves(sourceID string, clusterID, limit, offset int) ([]*geojson.Feature, error) {
	ci, err := s.clusterIndex(sourceID)
	if err != nil {
		return nil, err
	}

	return ci.GetLeaves(clusterID, limit, offset)
}

func (s *Server) clusterIndex(sourceID string) (geotile.ClusterIndex, error) {
	src := s.registry.Get(sourceID)
	if src == nil {
		return nil, ErrSourceNotFound
	}

	ci, ok := src.Index.(geotile.ClusterIndex)
	if !ok {
		return nil, ErrNotClustered
	}

	return ci, nil
}
