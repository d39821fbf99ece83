package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"civicphoto/internal/bootstrap"
	"civicphoto/internal/config"
	"civicphoto/internal/database"
	"civicphoto/internal/handlers"
	"civicphoto/internal/jobs"
	"civicphoto/internal/log"
	"civicphoto/internal/queue"
	"civicphoto/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx := context.Background()

	infra, err := bootstrap.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect infrastructure")
	}
	if err := database.Migrate(ctx, infra.DB); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}
	if err := infra.Store.EnsureBuckets(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure buckets failed")
	}

	uploads, err := bootstrap.NewPipeline(cfg, infra, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build upload pipeline")
	}

	handlerSet := handlers.NewHandlerSet(logger, cfg, uploads, infra.Photos,
		handlers.HealthCheck{Name: "postgres", Ping: infra.DB.Ping},
		handlers.HealthCheck{Name: "redis", Ping: func(ctx context.Context) error { return infra.Redis.Ping(ctx).Err() }},
	)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	scheduler := jobs.NewScheduler(queue.NewProducer(infra.Redis, cfg.Worker.Stream), cfg.Jobs, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, infra)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, infra *bootstrap.Infra) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	// In-flight uploads finish their metadata insert before the pools close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
	}

	if err := infra.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
