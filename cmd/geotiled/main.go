package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/redbmk/geotile"
	"github.com/redbmk/geotile/server"
	bboltstorage "github.com/redbmk/geotile/storage/bbolt"
	leveldbstorage "github.com/redbmk/geotile/storage/leveldb"
)

const appName = "geotiled"

const (
	bboltBackend   = "bbolt"
	leveldbBackend = "leveldb"
)

var (
	version = "no version from LDFLAGS"

	dbPath          = flag.String("dbPath", "geotile.db", "Database path")
	storageBackend  = flag.String("storageBackend", bboltBackend, "Storage backend: bbolt|leveldb")
	httpMetricsPort = flag.Int("httpMetricsPort", 8088, "http metrics port")
	httpAPIPort     = flag.Int("httpAPIPort", 9201, "http API port")
	tileCacheSize   = flag.Int64("tileCacheSize", 1<<27, "Encoded tile cache size in bytes, 0 disables")
	maxConns        = flag.Int("maxConns", 256, "Maximum concurrent connections on the API port")

	httpServer        *http.Server
	httpMetricsServer *http.Server
)

func main() {
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.Caller(5), "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = level.NewFilter(logger, level.AllowAll())

	stdlog.SetOutput(log.NewStdlibAdapter(logger))

	level.Info(logger).Log("msg", "Starting app", "version", version)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	var (
		store geotile.Store
		clean func() error
		err   error
	)

	switch *storageBackend {
	case bboltBackend:
		store, clean, err = bboltstorage.NewStorage(*dbPath, logger)
	case leveldbBackend:
		store, clean, err = leveldbstorage.NewStorage(*dbPath, logger)
	default:
		level.Error(logger).Log("msg", "unknown storage backend", "storage_backend", *storageBackend)
		os.Exit(2)
	}
	if err != nil {
		level.Error(logger).Log("msg", "failed to open storage", "error", err, "db_path", *dbPath)
		os.Exit(2)
	}
	defer clean()

	srv, err := server.New(store, logger, server.Options{TileCacheSize: *tileCacheSize})
	if err != nil {
		level.Error(logger).Log("msg", "failed to create server", "error", err)
		os.Exit(2)
	}

	var ready int32

	// web server metrics
	g.Go(func() error {
		httpMetricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpMetricsPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP Metrics server listening at :%d", *httpMetricsPort))

		// Register Prometheus metrics handler.
		http.Handle("/metrics", promhttp.Handler())

		if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	// API web server
	g.Go(func() error {
		// metrics middleware.
		metricsMwr := middleware.New(middleware.Config{
			Recorder: metrics.NewRecorder(metrics.Config{Prefix: appName}),
		})

		r := mux.NewRouter()
		srv.Routes(r)

		r.HandleFunc("/healthz", func(w http.ResponseWriter, request *http.Request) {
			w.Header().Set("Content-Type", "application/json")

			if atomic.LoadInt32(&ready) != 1 {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("{\"status\": \"NOT_SERVING\"}"))
				return
			}
			w.Write([]byte("{\"status\": \"SERVING\"}"))
		})

		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpAPIPort),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Handler:      handlers.CompressHandler(handlers.CORS()(metricsMwr.Handler("", r))),
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP API server listening at :%d", *httpAPIPort))

		ln, err := net.Listen("tcp", httpServer.Addr)
		if err != nil {
			return err
		}

		if err := httpServer.Serve(netutil.LimitListener(ln, *maxConns)); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	if err := srv.ReplayStore(ctx); err != nil {
		level.Error(logger).Log("msg", "failed to replay persisted sources", "error", err)
		os.Exit(2)
	}

	versionGauge.WithLabelValues(version).Add(1)

	atomic.StoreInt32(&ready, 1)
	level.Info(logger).Log("msg", "serving status to SERVING")

	select {
	case <-interrupt:
		cancel()
		break
	case <-ctx.Done():
		break
	}

	level.Warn(logger).Log("msg", "received shutdown signal")

	atomic.StoreInt32(&ready, 0)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		_ = httpMetricsServer.Shutdown(shutdownCtx)
	}

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	err = g.Wait()
	if err != nil {
		level.Error(logger).Log("msg", "server returning an error", "error", err)
		os.Exit(2)
	}
}
