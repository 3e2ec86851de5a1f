package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/canvas-sync/internal/broadcast"
	"github.com/example/canvas-sync/internal/config"
	"github.com/example/canvas-sync/internal/observability"
	"github.com/example/canvas-sync/internal/patch"
	"github.com/example/canvas-sync/internal/schema"
	"github.com/example/canvas-sync/internal/server"
	"github.com/example/canvas-sync/internal/snapshot"
	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	patchLog := storage.NewPatchLog(resources.Postgres)
	registry := ws.NewConnectionRegistry()
	components := schema.NewRegistry()

	broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, registry, logger)
	broadcaster.Start(ctx)

	snapOpts := []snapshot.WorkerOption{
		snapshot.WithInterval(cfg.SnapshotInterval),
		snapshot.WithLogThreshold(cfg.SnapshotThreshold),
	}
	if cfg.SnapshotPrune {
		snapOpts = append(snapOpts, snapshot.WithPruning())
	}
	snapshotWorker := snapshot.NewWorker(patchLog, resources.Object, cfg.ObjectBucket, logger, snapOpts...)
	snapshotWorker.Start(ctx)

	var hub *server.Hub
	presence := server.NewPresenceTracker(resources.Redis, components, logger,
		func(ctx context.Context, documentID, clientID string, p patch.Patch) {
			hub.AnnounceCleanup(ctx, documentID, clientID, p)
		})
	hub = server.NewHub(patchLog, registry, components, logger,
		server.WithBroadcaster(broadcaster),
		server.WithSnapshotLoader(snapshotWorker),
		server.WithPresence(presence),
	)
	presence.Start(ctx)

	gateway, err := ws.NewGateway(ws.QueryIdentity(), registry, logger, hub.Hooks(), ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize websocket gateway")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := resources.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}
