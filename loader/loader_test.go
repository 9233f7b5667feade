package loader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/redbmk/geotile"
	"github.com/redbmk/geotile/index/clusterindex"
	"github.com/redbmk/geotile/index/tileindex"
)

const pointsFC = `{
	"type": "FeatureCollection",
	"features": [
		{"type": "Feature", "properties": {"mag": 1.0}, "geometry": {"type": "Point", "coordinates": [0, 0]}},
		{"type": "Feature", "properties": {"mag": 2.0}, "geometry": {"type": "Point", "coordinates": [5, 0]}}
	]
}`

func intptr(v int) *int { return &v }

func TestLoadInlineData(t *testing.T) {
	l := New(nil, nil)

	res, err := l.Load(context.Background(), geotile.LoadParams{
		Source: "points",
		Data:   json.RawMessage(pointsFC),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Index)
	require.IsType(t, &tileindex.Index{}, res.Index)
	require.Nil(t, res.Stab)
	require.Len(t, res.Collection.Features, 2)
	require.Equal(t, []byte(pointsFC), res.Raw)
}

func TestLoadStringEncodedData(t *testing.T) {
	l := New(nil, nil)

	encoded, err := json.Marshal(pointsFC)
	require.NoError(t, err)

	res, err := l.Load(context.Background(), geotile.LoadParams{
		Source: "points",
		Data:   encoded,
	})
	require.NoError(t, err)
	require.Len(t, res.Collection.Features, 2)
}

func TestLoadInvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty request", ""},
		{"string holding broken json", `"{invalid json"`},
		{"broken json", `{invalid`},
		{"not geojson", `{"type": "Topology"}`},
		{"no type", `{}`},
		{"null", `null`},
		{"array", `[1, 2]`},
		{"feature with broken geometry", `{"type": "Feature", "geometry": {"type": "Point"}}`},
	}

	l := New(nil, nil)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := l.Load(context.Background(), geotile.LoadParams{
				Source: "bad",
				Data:   json.RawMessage(tt.data),
			})
			require.ErrorIs(t, err, geotile.ErrInvalidInput)
			require.EqualError(t, err, "Input data is not a valid GeoJSON object")
		})
	}
}

func TestLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pointsFC))
	}))
	defer srv.Close()

	l := New(srv.Client(), nil)

	// the URL wins even when inline data is present
	res, err := l.Load(context.Background(), geotile.LoadParams{
		Source: "points",
		URL:    srv.URL,
		Data:   json.RawMessage(`garbage`),
	})
	require.NoError(t, err)
	require.Len(t, res.Collection.Features, 2)
}

func TestLoadFromURLBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := New(srv.Client(), nil)

	_, err := l.Load(context.Background(), geotile.LoadParams{Source: "points", URL: srv.URL})
	require.Error(t, err)
	require.NotErrorIs(t, err, geotile.ErrInvalidInput)
}

func TestLoadClusterZooms(t *testing.T) {
	l := New(nil, nil)

	res, err := l.Load(context.Background(), geotile.LoadParams{
		Source:  "points",
		Data:    json.RawMessage(pointsFC),
		Cluster: true,
		MaxZoom: intptr(3),
		SuperclusterOptions: &geotile.ClusterOptions{
			Aggregates: map[string][]string{"maxMag": {"max", "mag"}},
		},
	})
	require.NoError(t, err)
	require.IsType(t, &clusterindex.Index{}, res.Index)

	// clustered up to maxZoom-1
	fc, err := res.Index.GetTile(2, 2, 2)
	require.NoError(t, err)
	require.NotNil(t, fc)
	require.Len(t, fc.Features, 1)
	require.Equal(t, true, fc.Features[0].Properties[clusterindex.PropCluster])
	require.Equal(t, 2, fc.Features[0].Properties[clusterindex.PropPointCount])
	require.Equal(t, 2.0, fc.Features[0].Properties["maxMag"])

	// raw points from maxZoom on
	fc, err = res.Index.GetTile(3, 4, 4)
	require.NoError(t, err)
	require.NotNil(t, fc)
	require.Len(t, fc.Features, 2)
	for _, f := range fc.Features {
		require.NotContains(t, f.Properties, clusterindex.PropCluster)
	}
}

func TestLoadClusterBadAggregate(t *testing.T) {
	l := New(nil, nil)

	_, err := l.Load(context.Background(), geotile.LoadParams{
		Source:  "points",
		Data:    json.RawMessage(pointsFC),
		Cluster: true,
		SuperclusterOptions: &geotile.ClusterOptions{
			Aggregates: map[string][]string{"x": {"median", "mag"}},
		},
	})
	require.ErrorIs(t, err, geotile.ErrInvalidConfig)
}

func TestLoadWithin(t *testing.T) {
	const polyFC = `{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "properties": {"name": "box"}, "geometry":
				{"type": "Polygon", "coordinates": [[[-3.5, 47], [-2.5, 47], [-2.5, 48], [-3.5, 48], [-3.5, 47]]]}}
		]
	}`

	l := New(nil, nil)

	res, err := l.Load(context.Background(), geotile.LoadParams{
		Source: "regions",
		Data:   json.RawMessage(polyFC),
		Within: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Stab)

	found, err := res.Stab.Stab(47.5, -3.0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "box", found[0].Properties["name"])
}

func TestLoadRewindsRings(t *testing.T) {
	// outer ring wound clockwise on purpose
	const cwPoly = `{"type": "Feature", "geometry":
		{"type": "Polygon", "coordinates": [[[-3.5, 47], [-3.5, 48], [-2.5, 48], [-2.5, 47], [-3.5, 47]]]}}`

	l := New(nil, nil)

	res, err := l.Load(context.Background(), geotile.LoadParams{
		Source: "regions",
		Data:   json.RawMessage(cwPoly),
	})
	require.NoError(t, err)
	require.Len(t, res.Collection.Features, 1)

	ring := res.Collection.Features[0].Geometry.(orb.Polygon)[0]
	require.Equal(t, orb.CCW, ring.Orientation())
}

func TestParseBareGeometry(t *testing.T) {
	fc, err := Parse([]byte(`{"type": "Point", "coordinates": [2.35, 48.85]}`))
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	require.Equal(t, orb.Point{2.35, 48.85}, fc.Features[0].Geometry)
}
