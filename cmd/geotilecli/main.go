package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/namsral/flag"
	"github.com/paulmach/orb/geojson"

	"github.com/redbmk/geotile"
)

var (
	serverURI = flag.String("serverURI", "http://localhost:9201", "geotiled API URI")
	source    = flag.String("source", "quakes", "source id")
	file      = flag.String("file", "", "GeoJSON file loaded into the source before querying")
	cluster   = flag.Bool("cluster", false, "load with clustering")
	layer     = flag.String("layer", "", "MVT layer name")
	maxZoom   = flag.Int("maxZoom", 0, "source max zoom, 0 keeps the server default")
	z         = flag.Int("z", 0, "tile zoom")
	x         = flag.Int("x", 0, "tile x")
	y         = flag.Int("y", 0, "tile y")
	count     = flag.Int("count", 1, "how many tile requests to perform")
)

func main() {
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}

	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatal(err)
		}

		params := geotile.LoadParams{
			Source:  *source,
			Data:    data,
			Cluster: *cluster,
			Layer:   *layer,
		}
		if *maxZoom > 0 {
			params.MaxZoom = maxZoom
		}

		body, err := json.Marshal(params)
		if err != nil {
			log.Fatal(err)
		}

		resp, err := client.Post(*serverURI+"/api/sources", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatal(err)
		}
		out, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != 200 {
			log.Fatalf("load failed with status %d: %s", resp.StatusCode, out)
		}
		log.Printf("loaded %s: %s", *source, out)
	}

	for i := 0; i < *count; i++ {
		url := fmt.Sprintf("%s/api/sources/%s/tiles/%d/%d/%d.json", *serverURI, *source, *z, *x, *y)

		resp, err := client.Get(url)
		if err != nil {
			log.Fatal(err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			log.Fatal(err)
		}
		if resp.StatusCode == 404 {
			log.Printf("empty tile %d/%d/%d", *z, *x, *y)
			continue
		}
		if resp.StatusCode != 200 {
			log.Fatalf("tile query failed with status %d: %s", resp.StatusCode, body)
		}

		fc, err := geojson.UnmarshalFeatureCollection(body)
		if err != nil {
			log.Fatal(err)
		}

		for _, f := range fc.Features {
			log.Printf("Found ID: %v properties: %v\n", f.ID, f.Properties)
		}
	}
}
