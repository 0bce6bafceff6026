// Command nvrcore is the NVR recording and retention core's process
// entrypoint: it loads configuration, opens the catalog, starts the
// embedded event bus, brings up one worker per enabled stream, and serves
// the HTTP control surface until signaled to shut down.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/nvrcore/nvrcore/internal/audio"
	"github.com/nvrcore/nvrcore/internal/catalog"
	"github.com/nvrcore/nvrcore/internal/config"
	"github.com/nvrcore/nvrcore/internal/database"
	"github.com/nvrcore/nvrcore/internal/eventbus"
	"github.com/nvrcore/nvrcore/internal/export"
	"github.com/nvrcore/nvrcore/internal/httpapi"
	"github.com/nvrcore/nvrcore/internal/logging"
	"github.com/nvrcore/nvrcore/internal/manager"
	"github.com/nvrcore/nvrcore/internal/postprocess"
	"github.com/nvrcore/nvrcore/internal/retention"
	"github.com/nvrcore/nvrcore/internal/rtsp"
	"github.com/nvrcore/nvrcore/internal/segment"
	"github.com/nvrcore/nvrcore/internal/video"
	"github.com/nvrcore/nvrcore/internal/worker"
	"github.com/nvrcore/nvrcore/internal/wsstatus"
)

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitCatalogDown   = 2
	exitStorageUnwrit = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the NVR config file")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	flag.Parse()

	ring := logging.NewRingBuffer(2000)
	logger := logging.New(os.Stderr, ring)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Str("path", *configPath).Msg("failed to load configuration")
		return exitConfigError
	}
	if lvl, err := zerolog.ParseLevel(cfg.System.Logging.Level); err == nil {
		logger = logger.Level(lvl)
	}

	if err := os.MkdirAll(cfg.System.StoragePath, 0o755); err != nil {
		logger.Error().Err(err).Str("path", cfg.System.StoragePath).Msg("storage root not writable")
		return exitStorageUnwrit
	}
	probePath := filepath.Join(cfg.System.StoragePath, ".write-probe")
	if err := os.WriteFile(probePath, []byte("ok"), 0o644); err != nil {
		logger.Error().Err(err).Str("path", cfg.System.StoragePath).Msg("storage root not writable")
		return exitStorageUnwrit
	}
	os.Remove(probePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.System.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.System.StoragePath, "catalog.db")
	}
	db, err := database.Open(database.DefaultConfig(dbPath), logger)
	if err != nil {
		logger.Error().Err(err).Msg("catalog database unreachable")
		return exitCatalogDown
	}
	defer db.Close()

	if err := database.NewMigrator(db, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("catalog migration failed")
		return exitCatalogDown
	}
	if err := db.Health(ctx); err != nil {
		logger.Error().Err(err).Msg("catalog unreachable")
		return exitCatalogDown
	}
	store := catalog.New(db, logger)

	bus, err := eventbus.New(eventbus.DefaultConfig(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start embedded event bus")
		return exitConfigError
	}
	defer bus.Stop()
	heartbeats := eventbus.NewHeartbeatPublisher(bus)

	hwaccel := video.NewDetector(logger)
	exporter := export.New(store, logger, hwaccel)
	thumbRoot := filepath.Join(cfg.System.StoragePath, "thumbnails")
	os.MkdirAll(thumbRoot, 0o755)
	post := postprocess.New(thumbRoot, logger)
	registry := audio.NewRegistry()

	sourceFactory := manager.SourceFactory(func(sc config.StreamConfig) (worker.Source, error) {
		src := rtsp.New(rtsp.Config{
			Stream:         sc.Name,
			URL:            sc.URL,
			Username:       sc.Username,
			Password:       sc.Password,
			ConnectTimeout: 5 * time.Second,
		}, logger)
		return src, nil
	})

	sinkFactory := manager.SinkFactory(func(sc config.StreamConfig) (worker.Sink, error) {
		segDur := time.Duration(sc.SegmentDurationSeconds) * time.Second
		if segDur <= 0 {
			segDur = segment.DefaultMaxDuration
		}
		policy := segment.Policy{MaxDuration: segDur}
		streamRoot := filepath.Join(cfg.System.StoragePath, sc.Name)
		return segment.NewWriter(streamRoot, sc.Name, policy, store, registry,
			func() segment.Muxer { return segment.NewFFmpegMuxer(logger) }, post, logger), nil
	})

	mgrCfg := manager.DefaultConfig()
	mgr := manager.New(mgrCfg, sourceFactory, sinkFactory, heartbeats, logger)
	if err := mgr.Start(ctx, cfg.AllStreams()); err != nil {
		logger.Error().Err(err).Msg("failed to start recording manager")
		return exitConfigError
	}
	defer mgr.StopAll(context.Background())

	cfg.OnChange(func(updated *config.Config) {
		mgr.Reload(updated.AllStreams())
	})
	if err := cfg.Watch(); err != nil {
		logger.Warn().Err(err).Msg("config hot-reload watch failed to start")
	}

	retCfg := retention.Config{
		TickInterval:   cfg.Retention.TickInterval,
		OrphanInterval: cfg.Retention.OrphanInterval,
		BatchSize:      cfg.Retention.BatchSize,
		RegularDays:    cfg.Retention.RegularDays,
		DetectionDays:  cfg.Retention.DetectionDays,
		MaxStorageMB:   cfg.Retention.MaxStorageMB,
	}
	gc := retention.NewGC(store, cfg.System.StoragePath, retCfg, logger)
	gc.Start(ctx, cfg.AllStreams)
	defer gc.Stop()

	hub := wsstatus.NewHub(logger)
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	defer close(hubStop)
	if err := hub.SubscribeHeartbeats(bus); err != nil {
		logger.Warn().Err(err).Msg("failed to subscribe status hub to heartbeats")
	}

	router := buildRouter(store, exporter, mgr, gc, cfg, hub, ring)
	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *listenAddr).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during HTTP server shutdown")
	}

	return exitOK
}

func buildRouter(store *catalog.Store, exporter *export.Exporter, mgr *manager.Manager, gc *retention.GC, cfg *config.Config, hub *wsstatus.Hub, ring *logging.RingBuffer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpapi.OK(w, map[string]string{"status": "ok"})
	})
	r.Get("/ws", hub.ServeWS)

	exportDir := filepath.Join(cfg.System.StoragePath, "exports")
	os.MkdirAll(exportDir, 0o755)

	r.Route("/api/v1", func(api chi.Router) {
		httpapi.RegisterCatalogRoutes(api, store)
		httpapi.RegisterExportRoutes(api, exportDir, exporter)
		httpapi.RegisterManagerRoutes(api, mgr)
		httpapi.RegisterRetentionRoutes(api, gc, cfg.AllStreams)

		api.Get("/logs/recent", func(w http.ResponseWriter, req *http.Request) {
			httpapi.OK(w, ring.Recent(200))
		})
	})

	return r
}
