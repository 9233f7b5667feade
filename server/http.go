package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/opentracing/opentracing-go"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"github.com/redbmk/geotile"
	"github.com/redbmk/geotile/index/clusterindex"
)

// SourceInfo is the JSON summary of an installed source.
type SourceInfo struct {
	Source       string `json:"source"`
	Generation   uint64 `json:"generation"`
	FeatureCount int    `json:"featureCount"`
	Cluster      bool   `json:"cluster"`
	Within       bool   `json:"within"`
	MaxZoom      int    `json:"maxZoom"`
	Layer        string `json:"layer"`
	LoadedAt     string `json:"loadedAt"`
}

func newSourceInfo(src *geotile.Source) SourceInfo {
	return SourceInfo{
		Source:       src.ID,
		Generation:   src.Generation,
		FeatureCount: src.FeatureCount,
		Cluster:      src.Cluster,
		Within:       src.Stab != nil,
		MaxZoom:      src.MaxZoom,
		Layer:        src.Layer,
		LoadedAt:     src.LoadedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// Routes registers the API routes on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/api/sources", s.LoadHandler).Methods("POST")
	r.HandleFunc("/api/sources", s.SourcesHandler).Methods("GET")
	r.HandleFunc("/api/sources/{source}", s.SourceHandler).Methods("GET")
	r.HandleFunc("/api/sources/{source}", s.RemoveHandler).Methods("DELETE")
	r.HandleFunc("/api/sources/{source}/tiles/{z}/{x}/{y}.mvt", s.TileHandler).Methods("GET")
	r.HandleFunc("/api/sources/{source}/tiles/{z}/{x}/{y}.json", s.TileJSONHandler).Methods("GET")
	r.HandleFunc("/api/sources/{source}/within/{lat}/{lng}", s.WithinHandler).Methods("GET")
	r.HandleFunc("/api/sources/{source}/clusters/{cluster_id}/children", s.ClusterChildrenHandler).Methods("GET")
	r.HandleFunc("/api/sources/{source}/clusters/{cluster_id}/leaves", s.ClusterLeavesHandler).Methods("GET")
	r.HandleFunc("/api/sources/{source}/clusters/{cluster_id}/expansion-zoom", s.ClusterExpansionZoomHandler).Methods("GET")
}

// LoadHandler HTTP 1.1 Handler to load a source from a JSON request
func (s *Server) LoadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	span, ctx := opentracing.StartSpanFromContext(ctx, "LoadHandler")
	defer span.Finish()

	var params geotile.LoadParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid load request body", 400)
		return
	}
	if params.Source == "" {
		http.Error(w, "invalid parameter source", 400)
		return
	}

	src, err := s.LoadData(ctx, params)
	if err != nil {
		switch {
		case errors.Is(err, geotile.ErrInvalidInput):
			http.Error(w, err.Error(), 400)
		case errors.Is(err, geotile.ErrInvalidConfig):
			http.Error(w, err.Error(), 400)
		case errors.Is(err, ErrSuperseded):
			http.Error(w, "{\"msg\": \"load superseded by a newer request\"}", 409)
		default:
			http.Error(w, err.Error(), 500)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(newSourceInfo(src)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

// SourcesHandler HTTP 1.1 Handler listing the installed sources
func (s *Server) SourcesHandler(w http.ResponseWriter, r *http.Request) {
	infos := make([]SourceInfo, 0)
	for _, src := range s.Sources() {
		infos = append(infos, newSourceInfo(src))
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(infos); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

// SourceHandler HTTP 1.1 Handler describing one installed source
func (s *Server) SourceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	src := s.Source(vars["source"])
	if src == nil {
		http.Error(w, "{\"msg\": \"no source with the specified id\"}", 404)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(newSourceInfo(src)); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
}

// RemoveHandler HTTP 1.1 Handler removing a source
func (s *Server) RemoveHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if !s.RemoveSource(r.Context(), vars["source"]) {
		http.Error(w, "{\"msg\": \"no source with the specified id\"}", 404)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TileHandler HTTP 1.1 Handler serving gzipped MVT tiles
func (s *Server) TileHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	span, ctx := opentracing.StartSpanFromContext(ctx, "TileHandler")
	defer span.Finish()

	vars := mux.Vars(r)

	z, err := strconv.ParseUint(vars["z"], 10, 32)
	if err != nil {
		http.Error(w, "invalid parameter z", 400)
		return
	}
	x, err := strconv.ParseUint(vars["x"], 10, 32)
	if err != nil {
		http.Error(w, "invalid parameter x", 400)
		return
	}
	y, err := strconv.ParseUint(vars["y"], 10, 32)
	if err != nil {
		http.Error(w, "invalid parameter y", 400)
		return
	}

	data, err := s.EncodeTile(ctx, vars["source"], uint32(z), uint32(x), uint32(y))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if len(data) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Header().Set("Content-Encoding", "gzip")
	w.Write(data)
}

// TileJSONHandler HTTP 1.1 Handler serving tiles as GeoJSON for debug
func (s *Server) TileJSONHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vars := mux.Vars(r)

	z, err := strconv.ParseUint(vars["z"], 10, 32)
	if err != nil {
		http.Error(w, "invalid parameter z", 400)
		return
	}
	x, err := strconv.ParseUint(vars["x"], 10, 32)
	if err != nil {
		http.Error(w, "invalid parameter x", 400)
		return
	}
	y, err := strconv.ParseUint(vars["y"], 10, 32)
	if err != nil {
		http.Error(w, "invalid parameter y", 400)
		return
	}

	fc, err := s.GetTile(ctx, vars["source"], uint32(z), uint32(x), uint32(y))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if fc == nil || len(fc.Features) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Write(json)
}

// WithinHandler HTTP 1.1 Handler to query within returns GeoJSON
func (s *Server) WithinHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vars := mux.Vars(r)

	lat, err := strconv.ParseFloat(vars["lat"], 64)
	if err != nil {
		http.Error(w, "invalid parameter lat", 400)
		return
	}
	lng, err := strconv.ParseFloat(vars["lng"], 64)
	if err != nil {
		http.Error(w, "invalid parameter lng", 400)
		return
	}

	feats, err := s.Within(ctx, vars["source"], lat, lng)
	if err != nil {
		switch {
		case errors.Is(err, ErrSourceNotFound):
			http.Error(w, "{\"msg\": \"no source with the specified id\"}", 404)
		case errors.Is(err, ErrNoWithinIndex):
			http.Error(w, err.Error(), 400)
		default:
			http.Error(w, err.Error(), 500)
		}
		return
	}

	if len(feats) == 0 {
		http.Error(w, "{\"msg\": \"no features found at this location\"}", 404)
		return
	}

	fc := geojson.NewFeatureCollection()
	fc.Features = feats

	w.Header().Set("Content-Type", "application/json")

	json, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Write(json)
}

// ClusterChildrenHandler HTTP 1.1 Handler listing a cluster's children
func (s *Server) ClusterChildrenHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	cid, err := strconv.Atoi(vars["cluster_id"])
	if err != nil {
		http.Error(w, "invalid parameter cluster_id", 400)
		return
	}

	feats, err := s.GetClusterChildren(vars["source"], cid)
	if err != nil {
		s.clusterError(w, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	fc.Features = feats

	w.Header().Set("Content-Type", "application/json")

	json, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Write(json)
}

// ClusterLeavesHandler HTTP 1.1 Handler paging a cluster's raw points
func (s *Server) ClusterLeavesHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	cid, err := strconv.Atoi(vars["cluster_id"])
	if err != nil {
		http.Error(w, "invalid parameter cluster_id", 400)
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid parameter limit", 400)
			return
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid parameter offset", 400)
			return
		}
	}

	feats, err := s.GetClusterLeaves(vars["source"], cid, limit, offset)
	if err != nil {
		s.clusterError(w, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	fc.Features = feats

	w.Header().Set("Content-Type", "application/json")

	json, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Write(json)
}

// ClusterExpansionZoomHandler HTTP 1.1 Handler returning the zoom a
// cluster breaks apart at
func (s *Server) ClusterExpansionZoomHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	cid, err := strconv.Atoi(vars["cluster_id"])
	if err != nil {
		http.Error(w, "invalid parameter cluster_id", 400)
		return
	}

	zoom, err := s.GetClusterExpansionZoom(vars["source"], cid)
	if err != nil {
		s.clusterError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "{\"expansionZoom\": %d}", zoom)
}

func (s *Server) clusterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSourceNotFound):
		http.Error(w, "{\"msg\": \"no source with the specified id\"}", 404)
	case errors.Is(err, ErrNotClustered):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, clusterindex.ErrNoCluster):
		http.Error(w, "{\"msg\": \"no cluster with the specified id\"}", 404)
	default:
		http.Error(w, err.Error(), 500)
	}
}
