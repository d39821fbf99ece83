// Package bootstrap wires configuration into the components shared by the
// api, worker and photoctl binaries.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"civicphoto/internal/cache"
	"civicphoto/internal/config"
	"civicphoto/internal/database"
	"civicphoto/internal/media/transform"
	"civicphoto/internal/media/validator"
	"civicphoto/internal/moderation"
	"civicphoto/internal/pipeline"
	"civicphoto/internal/queue"
	"civicphoto/internal/repository"
	"civicphoto/internal/storage"
	"civicphoto/internal/tasks"
)

type Infra struct {
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Store   *storage.ObjectStore
	Photos  *repository.PhotoRepository
	Pending *storage.PendingLedger
}

func Connect(ctx context.Context, cfg *config.AppConfig) (*Infra, error) {
	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		dbPool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init object store: %w", err)
	}

	return &Infra{
		DB:      dbPool,
		Redis:   redisClient,
		Store:   objectStore,
		Photos:  repository.NewPhotoRepository(dbPool),
		Pending: storage.NewPendingLedger(redisClient),
	}, nil
}

func (i *Infra) Close() error {
	i.DB.Close()
	return i.Redis.Close()
}

func NewValidator(cfg config.PipelineConfig) *validator.Validator {
	return validator.New(validator.Limits{
		MinBytes:       cfg.MinUploadBytes,
		MaxBytes:       cfg.MaxUploadBytes,
		MinDimension:   cfg.MinDimension,
		MaxDimension:   cfg.MaxDimension,
		MaxFrames:      cfg.MaxFrames,
		MaxTotalPixels: cfg.MaxTotalPixels,
	})
}

func NewModerator(cfg config.ModerationConfig, log zerolog.Logger) (*moderation.Moderator, error) {
	policy, err := moderation.PolicyFor(cfg.Policy)
	if err != nil {
		return nil, err
	}
	// The moderator bounds every call itself; the client only needs pooling.
	classifier := moderation.NewHTTPClassifier(cfg.Endpoint, cfg.APIKey, &http.Client{})
	thresholds := moderation.Thresholds{Block: cfg.ThresholdBlock, Review: cfg.ThresholdReview}
	return moderation.NewModerator(classifier, policy, thresholds, cfg.Timeout, log), nil
}

func NewPipeline(cfg *config.AppConfig, infra *Infra, log zerolog.Logger) (*pipeline.Pipeline, error) {
	profiles, err := pipeline.ProfilesFromConfig(cfg.Pipeline.Intents)
	if err != nil {
		return nil, err
	}
	moderator, err := NewModerator(cfg.Moderation, log)
	if err != nil {
		return nil, err
	}
	if _, permissive := moderator.Policy().(moderation.PermissivePolicy); permissive {
		log.Warn().Msg("moderation failures will be accepted as WARN; never run this policy in production")
	} else {
		log.Info().Str("policy", moderator.Policy().Name()).Dur("timeout", cfg.Moderation.Timeout).Msg("moderation configured")
	}

	deps := pipeline.Deps{
		Validator:   NewValidator(cfg.Pipeline),
		Transformer: transform.New(cfg.Pipeline.WebPQuality, cfg.Pipeline.MaxTotalPixels),
		Moderator:   moderator,
		Blobs:       infra.Store,
		Pending:     infra.Pending,
		Photos:      infra.Photos,
		Tasks:       queue.NewProducer(infra.Redis, cfg.Worker.Stream),
	}
	return pipeline.New(deps, pipeline.Config{
		Profiles:          profiles,
		MaxProcessedBytes: cfg.Pipeline.MaxUploadBytes,
		UploadTimeout:     cfg.Pipeline.UploadTimeout,
		PersistTimeout:    cfg.Pipeline.PersistTimeout,
	}, log), nil
}

func NewProcessor(cfg *config.AppConfig, infra *Infra, log zerolog.Logger) (*tasks.Processor, error) {
	profiles, err := pipeline.ProfilesFromConfig(cfg.Pipeline.Intents)
	if err != nil {
		return nil, err
	}
	return tasks.NewProcessor(tasks.Deps{
		Blobs:   infra.Store,
		Photos:  infra.Photos,
		Pending: infra.Pending,
	}, tasks.Options{
		Profiles:         profiles,
		ReconcileGrace:   cfg.Jobs.ReconcileGrace,
		Retention:        cfg.Jobs.Retention,
		BatchSize:        cfg.Jobs.BatchSize,
		MaxDownloadBytes: cfg.Pipeline.MaxUploadBytes,
		Quality:          cfg.Pipeline.WebPQuality,
	}, log), nil
}
