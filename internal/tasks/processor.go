package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"civicphoto/internal/models"
	"civicphoto/internal/queue"
	"civicphoto/internal/storage"
)

type Blobs interface {
	Download(ctx context.Context, key string, limit int64) ([]byte, error)
	UploadVariant(ctx context.Context, data []byte, mime, key string) (string, error)
	Delete(ctx context.Context, key string) error
	DeleteVariant(ctx context.Context, key string) error
}

type Photos interface {
	GetByID(ctx context.Context, id string) (models.Photo, error)
	SetThumbnail(ctx context.Context, id, url string) error
	ExistsByObjectKey(ctx context.Context, objectKey string) (bool, error)
	ListPurgeable(ctx context.Context, before time.Time, limit int) ([]models.Photo, error)
	HardDelete(ctx context.Context, id string) error
}

type Pending interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]storage.PendingUpload, error)
	Clear(ctx context.Context, objectKey string) error
}

type Deps struct {
	Blobs   Blobs
	Photos  Photos
	Pending Pending
}

type Options struct {
	Profiles models.IntentProfiles
	// ReconcileGrace must exceed the longest upload so that in-flight
	// markers are not mistaken for orphans.
	ReconcileGrace   time.Duration
	Retention        time.Duration
	BatchSize        int
	MaxDownloadBytes int64
	Quality          int
	Now              func() time.Time
}

type Processor struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

func NewProcessor(deps Deps, opts Options, logger zerolog.Logger) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
}

func (p *Processor) Handle(ctx context.Context, task queue.Task) error {
	switch task.Type {
	case queue.TaskThumbnail:
		return p.Thumbnail(ctx, task.PhotoID)
	case queue.TaskReconcile:
		report, err := p.Reconcile(ctx)
		p.logger.Info().
			Int("checked", report.Checked).
			Int("cleared", report.Cleared).
			Int("deleted", report.Deleted).
			Int("failed", report.Failed).
			Msg("reconcile finished")
		return err
	case queue.TaskPurge:
		report, err := p.Purge(ctx)
		p.logger.Info().
			Int("checked", report.Checked).
			Int("deleted", report.Deleted).
			Int("failed", report.Failed).
			Msg("purge finished")
		return err
	default:
		return fmt.Errorf("unsupported task type %q", task.Type)
	}
}

// Report counts what one sweep did.
type Report struct {
	Checked int
	Cleared int
	Deleted int
	Failed  int
}
