package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"civicphoto/internal/bootstrap"
	"civicphoto/internal/config"
	"civicphoto/internal/log"
	"civicphoto/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect infrastructure")
	}
	defer infra.Close()

	processor, err := bootstrap.NewProcessor(cfg, infra, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build task processor")
	}

	concurrency := max(1, cfg.Worker.Concurrency)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := queue.NewConsumer(
			infra.Redis,
			cfg.Worker.Stream,
			cfg.Worker.Group,
			fmt.Sprintf("%s-%d", cfg.Worker.Consumer, i),
			cfg.Worker.ClaimInterval,
			logger,
			processor,
		)
		if i == 0 {
			if err := consumer.EnsureGroup(ctx); err != nil {
				logger.Fatal().Err(err).Msg("create consumer group failed")
			}
		}
		group.Go(func() error {
			return consumer.Start(groupCtx)
		})
	}

	logger.Info().Int("consumers", concurrency).Str("stream", cfg.Worker.Stream).Msg("worker started")

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped unexpectedly")
	}
	logger.Info().Msg("worker exited")
}
