package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"civicphoto/internal/config"
	"civicphoto/internal/middleware"
	"civicphoto/internal/models"
	"civicphoto/internal/pipeline"
)

type Uploader interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type PhotoStore interface {
	GetByID(ctx context.Context, id string) (models.Photo, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]models.Photo, error)
	SoftDelete(ctx context.Context, id, ownerID string) error
}

// HealthCheck pings one dependency for /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type HandlerSet struct {
	log      zerolog.Logger
	cfg      *config.AppConfig
	uploader Uploader
	photos   PhotoStore
	checks   []HealthCheck
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, uploader Uploader, photos PhotoStore, checks ...HealthCheck) HandlerSet {
	return HandlerSet{
		log:      log,
		cfg:      cfg,
		uploader: uploader,
		photos:   photos,
		checks:   checks,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")

	photos := v1.Group("/photos")
	photos.Use(middleware.Auth(h.cfg.Security.JWTAccessSecret))
	photos.POST("", h.UploadPhoto)
	photos.GET("", h.ListPhotos)
	photos.GET("/:id", h.GetPhoto)
	photos.DELETE("/:id", h.DeletePhoto)
}
