package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/namsral/flag"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/redbmk/geotile"
	"github.com/redbmk/geotile/loader"
	"github.com/redbmk/geotile/server"
	bboltstorage "github.com/redbmk/geotile/storage/bbolt"
	leveldbstorage "github.com/redbmk/geotile/storage/leveldb"
)

var (
	dbPath         = flag.String("dbPath", "geotile.db", "Database path")
	storageBackend = flag.String("storageBackend", "bbolt", "Storage backend: bbolt|leveldb")
	sourceID       = flag.String("source", "", "source id to export")
	minZoom        = flag.Int("minZoom", 0, "shallowest zoom to export")
	maxZoom        = flag.Int("maxZoom", 8, "deepest zoom to export")
	outDir         = flag.String("outDir", "", "output directory, generated when empty")
	workers        = flag.Int("workers", 4, "tile workers")
)

func main() {
	flag.Parse()

	if *sourceID == "" {
		log.Fatal("missing -source")
	}

	var (
		store geotile.Store
		clean func() error
		err   error
	)

	switch *storageBackend {
	case "bbolt":
		store, clean, err = bboltstorage.NewROStorage(*dbPath, kitlog.NewNopLogger())
	case "leveldb":
		store, clean, err = leveldbstorage.NewROStorage(*dbPath, kitlog.NewNopLogger())
	default:
		log.Fatalf("unknown storage backend %s", *storageBackend)
	}
	if err != nil {
		log.Fatal(err)
	}
	defer clean()

	rec, err := store.LoadSource(*sourceID)
	if err != nil {
		log.Fatal(err)
	}
	if rec == nil {
		log.Fatalf("no source %s in %s", *sourceID, *dbPath)
	}

	srv, err := server.New(nil, kitlog.NewNopLogger(), server.Options{})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	params := rec.Params
	params.Source = rec.ID
	params.Data = rec.GeoJSON
	params.Persist = false

	src, err := srv.LoadData(ctx, params)
	if err != nil {
		log.Fatal(err)
	}

	fc, err := loader.Parse(rec.GeoJSON)
	if err != nil {
		log.Fatal(err)
	}

	var collection orb.Collection
	for _, f := range fc.Features {
		collection = append(collection, f.Geometry)
	}

	if *maxZoom > src.MaxZoom {
		log.Printf("capping maxZoom to source max zoom %d", src.MaxZoom)
		*maxZoom = src.MaxZoom
	}

	dir := *outDir
	if dir == "" {
		dir = fmt.Sprintf("tiles-%s-%s-%s",
			rec.ID, time.Now().Format("20060102-150405"), uuid.New().String()[:8])
	}

	log.Printf("exporting %s (%d features) to %s", rec.ID, src.FeatureCount, dir)

	for zoom := *minZoom; zoom <= *maxZoom; zoom++ {
		set, err := tilecover.Collection(collection, maptile.Zoom(zoom))
		if err != nil {
			log.Fatal(err)
		}

		bar := pb.New(len(set)).Prefix(fmt.Sprintf("Zoom %d : ", zoom))
		bar.SetRefreshRate(time.Second)
		bar.Start()

		var wg sync.WaitGroup
		sem := make(chan struct{}, *workers)

		for tile := range set {
			sem <- struct{}{}
			wg.Add(1)
			go func(t maptile.Tile) {
				defer func() {
					wg.Done()
					<-sem
				}()

				data, err := srv.EncodeTile(ctx, rec.ID, uint32(t.Z), t.X, t.Y)
				if err != nil {
					log.Printf("tile %d/%d/%d: %v", t.Z, t.X, t.Y, err)
					return
				}
				if len(data) == 0 {
					return
				}
				if err := saveTile(dir, t, data); err != nil {
					log.Printf("tile %d/%d/%d: %v", t.Z, t.X, t.Y, err)
				}
			}(tile)
			bar.Increment()
		}

		wg.Wait()
		bar.FinishPrint(fmt.Sprintf("Zoom %d finished", zoom))
	}
}

func saveTile(dir string, t maptile.Tile, data []byte) error {
	td := filepath.Join(dir, fmt.Sprintf("%d", t.Z), fmt.Sprintf("%d", t.X))
	if err := os.MkdirAll(td, os.ModePerm); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(td, fmt.Sprintf("%d.mvt", t.Y)), data, os.ModePerm)
}
