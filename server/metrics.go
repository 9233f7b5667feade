package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	errorCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geotiled_server",
		Name:      "error_total",
		Help:      "The total number of errors occurring",
	})

	loadCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geotiled_server",
		Name:      "source_load_total",
		Help:      "Installed source loads",
	})

	tileHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geotiled_server",
		Name:      "tile_cache_hit_total",
		Help:      "Encoded tile cache hits",
	})

	tileMissCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "geotiled_server",
		Name:      "tile_cache_miss_total",
		Help:      "Encoded tile cache misses",
	})
)
