package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/require"

	"github.com/redbmk/geotile"
	"github.com/redbmk/geotile/index/clusterindex"
	bboltstorage "github.com/redbmk/geotile/storage/bbolt"
)

const pointsFC = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "properties": {"mag": 1.0}, "geometry": {"type": "Point", "coordinates": [0, 0]}},
	{"type": "Feature", "properties": {"mag": 2.0}, "geometry": {"type": "Point", "coordinates": [5, 0]}}
]}`

const singlePointFC = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "properties": {"mag": 9.0}, "geometry": {"type": "Point", "coordinates": [5, 0]}}
]}`

const quakesFC = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "id": 1, "properties": {"mag": 1.0}, "geometry": {"type": "Point", "coordinates": [-21.9, 64.1]}},
	{"type": "Feature", "id": 2, "properties": {"mag": 2.0}, "geometry": {"type": "Point", "coordinates": [-21.95, 64.15]}},
	{"type": "Feature", "id": 3, "properties": {"mag": 3.0}, "geometry": {"type": "Point", "coordinates": [-21.85, 64.05]}}
]}`

const regionsFC = `{"type": "FeatureCollection", "features": [
	{"type": "Feature", "properties": {"name": "west"}, "geometry": {"type": "Polygon",
		"coordinates": [[[-4, 47], [-2, 47], [-2, 48], [-4, 48], [-4, 47]]]}}
]}`

func setup(t *testing.T) (*Server, *mux.Router) {
	t.Helper()

	s, err := New(nil, log.NewNopLogger(), Options{TileCacheSize: 1 << 20})
	require.NoError(t, err)

	r := mux.NewRouter()
	s.Routes(r)

	return s, r
}

func do(t *testing.T, r *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	return w
}

func TestLoadAndTileRoundTrip(t *testing.T) {
	_, r := setup(t)

	w := do(t, r, "POST", "/api/sources",
		fmt.Sprintf(`{"source": "quakes", "layer": "quakes", "data": %s}`, pointsFC))
	require.Equal(t, 200, w.Code)

	var info SourceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.Equal(t, "quakes", info.Source)
	require.EqualValues(t, 1, info.Generation)
	require.Equal(t, 2, info.FeatureCount)
	require.Equal(t, "quakes", info.Layer)
	require.Equal(t, geotile.DefaultMaxZoom, info.MaxZoom)
	require.False(t, info.Cluster)

	w = do(t, r, "GET", "/api/sources/quakes/tiles/0/0/0.mvt", "")
	require.Equal(t, 200, w.Code)
	require.Equal(t, "application/x-protobuf", w.Header().Get("Content-Type"))
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	layers, err := mvt.UnmarshalGzipped(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, "quakes", layers[0].Name)
	require.Len(t, layers[0].Features, 2)

	// same tile again, now served from the cache or resliced, same bytes
	w2 := do(t, r, "GET", "/api/sources/quakes/tiles/0/0/0.mvt", "")
	require.Equal(t, 200, w2.Code)
	require.Equal(t, w.Body.Bytes(), w2.Body.Bytes())

	w = do(t, r, "GET", "/api/sources/unknown/tiles/0/0/0.mvt", "")
	require.Equal(t, 404, w.Code)
}

func TestLoadInvalidInputKeepsPreviousIndex(t *testing.T) {
	s, r := setup(t)

	w := do(t, r, "POST", "/api/sources",
		fmt.Sprintf(`{"source": "quakes", "data": %s}`, pointsFC))
	require.Equal(t, 200, w.Code)

	w = do(t, r, "POST", "/api/sources", `{"source": "quakes", "data": {"type": "Topology"}}`)
	require.Equal(t, 400, w.Code)
	require.Contains(t, w.Body.String(), geotile.ErrInvalidInput.Error())

	src := s.Source("quakes")
	require.NotNil(t, src)
	require.EqualValues(t, 1, src.Generation)
	require.Equal(t, 2, src.FeatureCount)

	// a later good load still installs
	w = do(t, r, "POST", "/api/sources",
		fmt.Sprintf(`{"source": "quakes", "data": %s}`, singlePointFC))
	require.Equal(t, 200, w.Code)
	require.Equal(t, 1, s.Source("quakes").FeatureCount)
}

func TestLoadRejectsMissingSource(t *testing.T) {
	_, r := setup(t)

	w := do(t, r, "POST", "/api/sources", fmt.Sprintf(`{"data": %s}`, pointsFC))
	require.Equal(t, 400, w.Code)
	require.Contains(t, w.Body.String(), "invalid parameter source")

	w = do(t, r, "POST", "/api/sources", `{not json`)
	require.Equal(t, 400, w.Code)
}

func TestTileZoomClampPassesXYThrough(t *testing.T) {
	_, r := setup(t)

	w := do(t, r, "POST", "/api/sources",
		fmt.Sprintf(`{"source": "pts", "maxZoom": 1, "data": %s}`, pointsFC))
	require.Equal(t, 200, w.Code)

	// x and y stay as requested, so past the clamped zoom they fall out
	// of range and the tile is empty
	w = do(t, r, "GET", "/api/sources/pts/tiles/2/2/2.json", "")
	require.Equal(t, 404, w.Code)

	// a deep request addressed within the clamped grid is answered at
	// the clamped zoom
	w = do(t, r, "GET", "/api/sources/pts/tiles/5/1/1.json", "")
	require.Equal(t, 200, w.Code)

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)
}

func TestSourceListAndRemove(t *testing.T) {
	_, r := setup(t)

	for _, id := range []string{"beta", "alpha"} {
		w := do(t, r, "POST", "/api/sources",
			fmt.Sprintf(`{"source": %q, "data": %s}`, id, pointsFC))
		require.Equal(t, 200, w.Code)
	}

	w := do(t, r, "GET", "/api/sources", "")
	require.Equal(t, 200, w.Code)

	var infos []SourceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	require.Equal(t, "alpha", infos[0].Source)
	require.Equal(t, "beta", infos[1].Source)

	w = do(t, r, "GET", "/api/sources/alpha", "")
	require.Equal(t, 200, w.Code)

	w = do(t, r, "GET", "/api/sources/missing", "")
	require.Equal(t, 404, w.Code)

	w = do(t, r, "DELETE", "/api/sources/alpha", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, r, "DELETE", "/api/sources/alpha", "")
	require.Equal(t, 404, w.Code)

	w = do(t, r, "GET", "/api/sources/alpha/tiles/0/0/0.json", "")
	require.Equal(t, 404, w.Code)
}

func TestClusterEndpoints(t *testing.T) {
	_, r := setup(t)

	w := do(t, r, "POST", "/api/sources", fmt.Sprintf(
		`{"source": "quakes", "cluster": true, "maxZoom": 3, "data": %s,
		"superclusterOptions": {"radius": 60, "aggregates": {"maxMag": ["max", "mag"]}}}`,
		quakesFC))
	require.Equal(t, 200, w.Code)

	var info SourceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.True(t, info.Cluster)

	w = do(t, r, "GET", "/api/sources/quakes/tiles/0/0/0.json", "")
	require.Equal(t, 200, w.Code)

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	props := fc.Features[0].Properties
	require.Equal(t, true, props[clusterindex.PropCluster])
	require.EqualValues(t, 3, props[clusterindex.PropPointCount])
	require.EqualValues(t, 3, props["maxMag"])

	cid := int(props[clusterindex.PropClusterID].(float64))

	w = do(t, r, "GET", fmt.Sprintf("/api/sources/quakes/clusters/%d/children", cid), "")
	require.Equal(t, 200, w.Code)
	children, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, children.Features, 3)

	w = do(t, r, "GET", fmt.Sprintf("/api/sources/quakes/clusters/%d/leaves", cid), "")
	require.Equal(t, 200, w.Code)
	leaves, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, leaves.Features, 3)

	w = do(t, r, "GET", fmt.Sprintf("/api/sources/quakes/clusters/%d/leaves?limit=2&offset=2", cid), "")
	require.Equal(t, 200, w.Code)
	page, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, page.Features, 1)

	w = do(t, r, "GET", fmt.Sprintf("/api/sources/quakes/clusters/%d/expansion-zoom", cid), "")
	require.Equal(t, 200, w.Code)

	var ez struct {
		ExpansionZoom int `json:"expansionZoom"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ez))
	require.Equal(t, 3, ez.ExpansionZoom)

	w = do(t, r, "GET", "/api/sources/quakes/clusters/999999/children", "")
	require.Equal(t, 404, w.Code)
	require.Contains(t, w.Body.String(), "no cluster with the specified id")

	// the encoded tile carries the cluster point
	w = do(t, r, "GET", "/api/sources/quakes/tiles/0/0/0.mvt", "")
	require.Equal(t, 200, w.Code)
	layers, err := mvt.UnmarshalGzipped(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, geotile.DefaultLayerName, layers[0].Name)
	require.Len(t, layers[0].Features, 1)
}

func TestClusterQueriesRejectPlainSource(t *testing.T) {
	_, r := setup(t)

	w := do(t, r, "POST", "/api/sources",
		fmt.Sprintf(`{"source": "pts", "data": %s}`, pointsFC))
	require.Equal(t, 200, w.Code)

	w = do(t, r, "GET", "/api/sources/pts/clusters/1/children", "")
	require.Equal(t, 400, w.Code)
	require.Contains(t, w.Body.String(), "not clustered")

	w = do(t, r, "GET", "/api/sources/missing/clusters/1/children", "")
	require.Equal(t, 404, w.Code)
}

func TestWithinEndpoint(t *testing.T) {
	_, r := setup(t)

	w := do(t, r, "POST", "/api/sources",
		fmt.Sprintf(`{"source": "regions", "within": true, "data": %s}`, regionsFC))
	require.Equal(t, 200, w.Code)

	var info SourceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	require.True(t, info.Within)

	w = do(t, r, "GET", "/api/sources/regions/within/47.5/-3.0", "")
	require.Equal(t, 200, w.Code)

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	require.Equal(t, "west", fc.Features[0].Properties["name"])

	w = do(t, r, "GET", "/api/sources/regions/within/50.0/-3.0", "")
	require.Equal(t, 404, w.Code)
	require.Contains(t, w.Body.String(), "no features found at this location")

	w = do(t, r, "GET", "/api/sources/regions/within/bad/-3.0", "")
	require.Equal(t, 400, w.Code)
	require.Contains(t, w.Body.String(), "invalid parameter lat")

	w = do(t, r, "GET", "/api/sources/missing/within/47.5/-3.0", "")
	require.Equal(t, 404, w.Code)
}

func TestWithinRejectsSourceWithoutIndex(t *testing.T) {
	_, r := setup(t)

	w := do(t, r, "POST", "/api/sources",
		fmt.Sprintf(`{"source": "pts", "data": %s}`, pointsFC))
	require.Equal(t, 200, w.Code)

	w = do(t, r, "GET", "/api/sources/pts/within/47.5/-3.0", "")
	require.Equal(t, 400, w.Code)
	require.Contains(t, w.Body.String(), "no within index")
}

func TestStaleLoadLosesToNewerLoad(t *testing.T) {
	s, _ := setup(t)

	started := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		fmt.Fprint(w, pointsFC)
	}))
	defer ts.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.LoadData(context.Background(), geotile.LoadParams{
			Source: "race",
			URL:    ts.URL,
		})
		errCh <- err
	}()

	// the slow load claimed its generation once the fetch is in flight
	<-started

	_, err := s.LoadData(context.Background(), geotile.LoadParams{
		Source: "race",
		Data:   json.RawMessage(singlePointFC),
	})
	require.NoError(t, err)

	close(release)
	require.ErrorIs(t, <-errCh, ErrSuperseded)

	src := s.Source("race")
	require.NotNil(t, src)
	require.Equal(t, 1, src.FeatureCount)
	require.EqualValues(t, 2, src.Generation)
}

func TestReplayStore(t *testing.T) {
	store, clean, err := bboltstorage.NewStorage(
		filepath.Join(t.TempDir(), "geotile-test.db"), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = clean() })

	s1, err := New(store, log.NewNopLogger(), Options{})
	require.NoError(t, err)

	_, err = s1.LoadData(context.Background(), geotile.LoadParams{
		Source:  "pts",
		Data:    json.RawMessage(pointsFC),
		Persist: true,
	})
	require.NoError(t, err)

	s2, err := New(store, log.NewNopLogger(), Options{})
	require.NoError(t, err)
	require.NoError(t, s2.ReplayStore(context.Background()))

	src := s2.Source("pts")
	require.NotNil(t, src)
	require.Equal(t, 2, src.FeatureCount)
	require.EqualValues(t, 1, src.Generation)

	s2.RemoveSource(context.Background(), "pts")

	s3, err := New(store, log.NewNopLogger(), Options{})
	require.NoError(t, err)
	require.NoError(t, s3.ReplayStore(context.Background()))
	require.Empty(t, s3.Sources())
}

func TestGetTileUnknownSourceIsNotAnError(t *testing.T) {
	s, _ := setup(t)

	fc, err := s.GetTile(context.Background(), "missing", 0, 0, 0)
	require.NoError(t, err)
	require.Nil(t, fc)

	data, err := s.EncodeTile(context.Background(), "missing", 0, 0, 0)
	require.NoError(t, err)
	require.Nil(t, data)
}
